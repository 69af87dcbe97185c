package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cyverse-de/notification-hub/hub"
	"github.com/cyverse-de/notification-hub/protocol"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	// handshakeTimeout bounds how long a connection may sit unauthenticated.
	handshakeTimeout = 5 * time.Second

	// readTimeout is the longest the server will wait between client
	// messages. Clients ping every 30 seconds, so three missed heartbeats
	// mean the connection is dead.
	readTimeout = 90 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsConn adapts a WebSocket connection to hub.SessionConn. Writes are
// serialized so that fan-out deliveries and read-loop replies never
// interleave on the wire.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) WriteEnvelope(envelope *protocol.Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(envelope)
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

// serveWebsocket upgrades the connection, runs the authentication handshake,
// registers the session with the hub, and serves the client's messages until
// the connection drops.
func (s *Server) serveWebsocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	ws := &wsConn{conn: conn}

	// The first message must be an authenticate request, and it must
	// arrive within the handshake window.
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var envelope protocol.Envelope
	if err := conn.ReadJSON(&envelope); err != nil {
		_ = conn.Close()
		return nil
	}
	if envelope.Type != protocol.TypeAuthenticate {
		s.refuseSession(ws, "expected an authenticate message")
		return nil
	}
	var authRequest protocol.AuthenticateRequest
	if err := envelope.DecodePayload(&authRequest); err != nil {
		s.refuseSession(ws, "unable to parse the authenticate message")
		return nil
	}

	recipient, err := s.auth.ValidateToken(authRequest.Token)
	if err != nil {
		log.Infof("push-channel authentication failed: %s", err)
		s.refuseSession(ws, "authentication failed")
		return nil
	}

	ctx := c.Request().Context()
	session, unreadCount, feed, err := s.hub.Register(ctx, recipient, ws)
	if err != nil {
		log.Errorf("unable to register a session for %s: %s", recipient, err)
		s.refuseSession(ws, "unable to load the notification feed")
		return nil
	}

	// Answer the handshake before starting delivery so the authenticate
	// response is the first envelope the client sees.
	response, err := protocol.NewEnvelope(protocol.TypeAuthenticated, &protocol.AuthenticateResponse{
		Success:     true,
		UnreadCount: unreadCount,
		Feed:        feed,
	})
	if err != nil || ws.WriteEnvelope(response) != nil {
		s.hub.Unregister(session)
		return nil
	}
	session.Start()

	s.readLoop(ctx, session, ws, conn)
	return nil
}

// refuseSession sends a failed handshake response and closes the connection.
func (s *Server) refuseSession(ws *wsConn, message string) {
	response, err := protocol.NewEnvelope(protocol.TypeAuthenticated, &protocol.AuthenticateResponse{
		Success: false,
		Error:   message,
	})
	if err == nil {
		_ = ws.WriteEnvelope(response)
	}
	_ = ws.Close()
}

// readLoop serves the client's push-channel messages until the connection
// drops, then unregisters the session.
func (s *Server) readLoop(ctx context.Context, session *hub.Session, ws *wsConn, conn *websocket.Conn) {
	defer s.hub.Unregister(session)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		var envelope protocol.Envelope
		if err := conn.ReadJSON(&envelope); err != nil {
			log.Infof("session %s read failed: %s", session.ConnectionID, err)
			return
		}

		if err := s.handleMessage(ctx, session, ws, &envelope); err != nil {
			log.Errorf("session %s: unable to handle a `%s` message: %s", session.ConnectionID, envelope.Type, err)
		}
	}
}

// reply writes a response envelope for a client message.
func reply(ws *wsConn, messageType string, payload interface{}) error {
	envelope, err := protocol.NewEnvelope(messageType, payload)
	if err != nil {
		return err
	}
	return ws.WriteEnvelope(envelope)
}

// handleMessage dispatches one client message received after authentication.
func (s *Server) handleMessage(ctx context.Context, session *hub.Session, ws *wsConn, envelope *protocol.Envelope) error {
	recipient := session.Recipient

	switch envelope.Type {

	case protocol.TypePing:
		return reply(ws, protocol.TypePong, struct{}{})

	case protocol.TypeMarkRead:
		var ref protocol.NotificationRef
		if err := envelope.DecodePayload(&ref); err != nil {
			return err
		}
		if _, err := s.hub.MarkRead(ctx, recipient, ref.NotificationID, session.ConnectionID); err != nil {
			return err
		}
		return reply(ws, protocol.TypeAck, &protocol.Ack{Acked: protocol.TypeMarkRead})

	case protocol.TypeMarkAllRead:
		if _, err := s.hub.MarkAllRead(ctx, recipient, session.ConnectionID); err != nil {
			return err
		}
		return reply(ws, protocol.TypeAck, &protocol.Ack{Acked: protocol.TypeMarkAllRead})

	case protocol.TypeArchive:
		var ref protocol.NotificationRef
		if err := envelope.DecodePayload(&ref); err != nil {
			return err
		}
		if _, err := s.hub.Archive(ctx, recipient, ref.NotificationID, session.ConnectionID); err != nil {
			return err
		}
		return reply(ws, protocol.TypeAck, &protocol.Ack{Acked: protocol.TypeArchive})

	case protocol.TypeRecover:
		var request protocol.RecoverRequest
		if err := envelope.DecodePayload(&request); err != nil {
			return err
		}
		notifications, err := s.hub.Recover(ctx, recipient, request.LastNotificationID)
		if err != nil {
			// The reference ID may be unknown to the server; tell the
			// client rather than dropping the connection.
			return reply(ws, protocol.TypeRecovered, &protocol.RecoverResponse{
				Success: false,
				Error:   "unable to recover missed notifications",
			})
		}
		return reply(ws, protocol.TypeRecovered, &protocol.RecoverResponse{
			Success:          true,
			NewNotifications: notifications,
		})

	case protocol.TypeAuthenticate:
		// Already authenticated; ignore.
		return nil

	default:
		log.Warnf("session %s sent an unrecognized message type `%s`", session.ConnectionID, envelope.Type)
		return nil
	}
}
