package client

import (
	"context"
	"sync"
	"time"

	"github.com/cyverse-de/notification-hub/protocol"
	"github.com/gorilla/websocket"
)

// Transport is one established push-channel connection. Reads block until a
// message arrives or the connection fails; writes may be called from
// multiple goroutines.
type Transport interface {
	ReadEnvelope() (*protocol.Envelope, error)
	WriteEnvelope(*protocol.Envelope) error
	Close() error
}

// Dialer establishes transports. The connection manager uses the WebSocket
// dialer in production; tests inject their own.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Transport, error)
}

// WebsocketDialer dials the push channel over a WebSocket connection.
type WebsocketDialer struct {
	// HandshakeTimeout bounds the WebSocket upgrade, not the
	// authentication handshake, which the connection manager times
	// separately.
	HandshakeTimeout time.Duration
}

// Dial establishes a WebSocket connection to the endpoint.
func (d *WebsocketDialer) Dial(ctx context.Context, endpoint string) (Transport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}

	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, NewTransportError(err, "unable to connect to %s", endpoint)
	}

	return &websocketTransport{conn: conn}, nil
}

// websocketTransport adapts a gorilla connection to the Transport interface.
type websocketTransport struct {
	writeMu sync.Mutex
	conn    *websocket.Conn
}

func (t *websocketTransport) ReadEnvelope() (*protocol.Envelope, error) {
	var envelope protocol.Envelope
	if err := t.conn.ReadJSON(&envelope); err != nil {
		return nil, NewTransportError(err, "the push channel read failed")
	}
	return &envelope, nil
}

func (t *websocketTransport) WriteEnvelope(envelope *protocol.Envelope) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteJSON(envelope); err != nil {
		return NewTransportError(err, "the push channel write failed")
	}
	return nil
}

func (t *websocketTransport) Close() error {
	return t.conn.Close()
}
