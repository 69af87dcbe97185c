package hub

import (
	"sync"

	"github.com/cyverse-de/notification-hub/protocol"
	"github.com/google/uuid"
)

// sendBufferSize is the number of outbound envelopes that may be queued for a
// session before the session is considered too slow to keep.
const sendBufferSize = 32

// SessionConn is the transport half of a session. The API layer provides an
// implementation backed by a WebSocket connection; tests provide mocks.
type SessionConn interface {

	// WriteEnvelope sends one envelope to the client.
	WriteEnvelope(*protocol.Envelope) error

	// Close closes the underlying connection.
	Close() error
}

// Session represents one authenticated push-channel connection. A session
// owns no notification data; it only queues envelopes for delivery to its
// connection.
type Session struct {
	ConnectionID string
	Recipient    string

	// LastDeliveredID is the ID of the last notification pushed to this
	// connection. It is only meaningful for the lifetime of the connection.
	LastDeliveredID string

	hub       *Hub
	conn      SessionConn
	send      chan *protocol.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(hub *Hub, recipient string, conn SessionConn) *Session {
	return &Session{
		ConnectionID: uuid.NewString(),
		Recipient:    recipient,
		hub:          hub,
		conn:         conn,
		send:         make(chan *protocol.Envelope, sendBufferSize),
		done:         make(chan struct{}),
	}
}

// enqueue places an envelope on the session's outbound queue without
// blocking. Envelopes for a closed session are discarded, and a session whose
// queue is full is dropped so that one slow connection can never stall
// delivery to the recipient's other sessions.
func (s *Session) enqueue(envelope *protocol.Envelope) {
	select {
	case <-s.done:
	case s.send <- envelope:
	default:
		// Unregister asynchronously: enqueue can be called with the
		// recipient's registry lock held.
		log.Warnf("dropping session %s for %s: outbound queue full", s.ConnectionID, s.Recipient)
		go s.hub.Unregister(s)
	}
}

// Start begins draining the outbound queue onto the connection. It must be
// called exactly once, after the handshake response has been written.
func (s *Session) Start() {
	go s.writeLoop()
}

// writeLoop drains the outbound queue onto the connection. It is the only
// goroutine pulling from the queue, which keeps envelope delivery for one
// session strictly ordered.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case envelope := <-s.send:
			if err := s.conn.WriteEnvelope(envelope); err != nil {
				log.Infof("write to session %s for %s failed: %s", s.ConnectionID, s.Recipient, err)
				s.hub.Unregister(s)
				return
			}
			if envelope.Type == protocol.TypeNewNotification {
				var ref struct {
					ID string `json:"id"`
				}
				if err := envelope.DecodePayload(&ref); err == nil {
					s.LastDeliveredID = ref.ID
				}
			}
		}
	}
}

// close halts delivery and closes the connection. Safe to call more than once.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.conn.Close(); err != nil {
			log.Debugf("closing session %s: %s", s.ConnectionID, err)
		}
	})
}
