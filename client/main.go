// Package client implements the client side of the notification subsystem: a
// connection manager for the push channel, a local store reconciled against
// live pushes and recovery queries, and a mutation dispatcher that applies
// read/archive operations optimistically and propagates them durably.
//
// All connection and store state is owned by a single event loop; inbound
// protocol events, timer expirations, and caller commands are delivered to
// the loop as messages, so no handler ever races another.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/cyverse-de/notification-hub/common"
	"github.com/cyverse-de/notification-hub/model"
	"github.com/cyverse-de/notification-hub/protocol"
)

var log = common.Log.WithField("package", "client")

// State is the connection manager's externally visible state.
type State string

// The connection manager states.
const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateConnected      State = "connected"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateReconnecting   State = "reconnecting"
	StateFailed         State = "failed"
)

// The default connection management settings.
const (
	DefaultHeartbeatInterval     = 30 * time.Second
	DefaultHeartbeatTimeout      = 10 * time.Second
	DefaultHandshakeTimeout      = 5 * time.Second
	DefaultInitialReconnectDelay = 1 * time.Second
	DefaultMaxReconnectDelay     = 5 * time.Second
	DefaultMaxReconnectAttempts  = 10
)

// Config carries everything a client instance needs. Multiple isolated
// instances may exist in one process; nothing here is global.
type Config struct {
	// Endpoint is the WebSocket URL of the push channel.
	Endpoint string

	// DurableEndpoint is the base URL of the REST durable interface.
	DurableEndpoint string

	// Token is the bearer credential identifying the recipient.
	Token string

	// Zero values fall back to the package defaults.
	HeartbeatInterval     time.Duration
	HeartbeatTimeout      time.Duration
	HandshakeTimeout      time.Duration
	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration
	MaxReconnectAttempts  int
	WindowSize            int

	// Dialer establishes push-channel transports; the WebSocket dialer is
	// used when it's nil.
	Dialer Dialer

	// OnNotification, if set, is invoked from the event loop for every
	// newly delivered notification.
	OnNotification func(*model.Notification)

	// OnStateChange, if set, is invoked from the event loop whenever the
	// connection state changes. The error is non-nil for degraded states.
	OnStateChange func(State, error)
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.InitialReconnectDelay <= 0 {
		c.InitialReconnectDelay = DefaultInitialReconnectDelay
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.Dialer == nil {
		c.Dialer = &WebsocketDialer{HandshakeTimeout: c.HandshakeTimeout}
	}
}

// inboundResult is one push-channel read delivered to the event loop.
type inboundResult struct {
	generation int
	envelope   *protocol.Envelope
	err        error
}

// Client is the notification client service object.
type Client struct {
	config Config
	store  *Store
	rest   *restClient

	commands chan func()
	inbound  chan inboundResult
	done     chan struct{}
	stopped  chan struct{}
	closer   sync.Once

	stateMu  sync.RWMutex
	state    State
	stateErr error

	// The fields below are owned by the event loop.
	transport      Transport
	generation     int
	attempts       int
	heartbeatTimer *time.Timer
	pongTimer      *time.Timer
	reconnectTimer *time.Timer
	handshakeTimer *time.Timer
}

// New creates a client and starts its event loop. The client does not
// connect until Connect is called.
func New(config Config) *Client {
	config.applyDefaults()

	c := &Client{
		config:   config,
		store:    NewStore(config.WindowSize),
		rest:     newRestClient(config.DurableEndpoint, config.Token),
		commands: make(chan func(), 16),
		inbound:  make(chan inboundResult, 16),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		state:    StateDisconnected,
	}
	go c.run()
	return c
}

// State returns the connection state and, for degraded states, the error
// that put the client there.
func (c *Client) State() (State, error) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state, c.stateErr
}

// Notifications returns a copy of the current feed window, newest first.
func (c *Client) Notifications() []*model.Notification {
	return c.store.Notifications()
}

// UnreadCount returns the current unread total.
func (c *Client) UnreadCount() int64 {
	return c.store.UnreadCount()
}

// Store exposes the underlying notification store.
func (c *Client) Store() *Store {
	return c.store
}

// post delivers a command to the event loop. Commands sent after Close are
// dropped.
func (c *Client) post(fn func()) {
	select {
	case c.commands <- fn:
	case <-c.done:
	}
}

// run is the event loop. It is the only goroutine that touches the
// connection state machine.
func (c *Client) run() {
	defer close(c.stopped)
	for {
		select {
		case <-c.done:
			c.teardown()
			return
		case fn := <-c.commands:
			fn()
		case result := <-c.inbound:
			c.handleInbound(result)
		}
	}
}

// Connect initiates the push-channel connection. Calling it while a
// connection attempt is underway or established is a no-op.
func (c *Client) Connect() {
	c.post(func() {
		switch c.state {
		case StateConnecting, StateConnected, StateAuthenticating, StateAuthenticated:
			return
		}
		c.attempts = 0
		c.startConnect()
	})
}

// Disconnect tears the connection down and cancels every pending timer. The
// client can connect again later.
func (c *Client) Disconnect() {
	c.post(func() {
		c.teardown()
		c.setState(StateDisconnected, nil)
	})
}

// Close disconnects and stops the event loop. The client is unusable
// afterwards.
func (c *Client) Close() {
	c.closer.Do(func() {
		close(c.done)
	})
	<-c.stopped
}

// setState records a state transition and notifies the caller's hook.
func (c *Client) setState(state State, err error) {
	c.stateMu.Lock()
	c.state = state
	c.stateErr = err
	c.stateMu.Unlock()

	if err != nil {
		log.Infof("connection state is now %s: %s", state, err)
	} else {
		log.Debugf("connection state is now %s", state)
	}
	if c.config.OnStateChange != nil {
		c.config.OnStateChange(state, err)
	}
}

// stopTimer stops a timer if it is pending.
func stopTimer(timer **time.Timer) {
	if *timer != nil {
		(*timer).Stop()
		*timer = nil
	}
}

// teardown cancels every pending timer and closes the transport. No timer
// survives it.
func (c *Client) teardown() {
	stopTimer(&c.heartbeatTimer)
	stopTimer(&c.pongTimer)
	stopTimer(&c.reconnectTimer)
	stopTimer(&c.handshakeTimer)
	c.generation++
	if c.transport != nil {
		_ = c.transport.Close()
		c.transport = nil
	}
}

// afterFunc starts a timer whose expiration is delivered to the event loop
// as a command, guarded by the transport generation so that a stale timer
// can never act on a newer connection.
func (c *Client) afterFunc(delay time.Duration, generation int, fn func()) *time.Timer {
	return time.AfterFunc(delay, func() {
		c.post(func() {
			if generation == c.generation {
				fn()
			}
		})
	})
}

// startConnect begins one connection attempt.
func (c *Client) startConnect() {
	c.setState(StateConnecting, nil)
	c.generation++
	generation := c.generation

	// Dialing blocks, so it happens off the loop; the result comes back
	// as a command.
	go func() {
		transport, err := c.config.Dialer.Dial(context.Background(), c.config.Endpoint)
		c.post(func() {
			if generation != c.generation {
				if transport != nil {
					_ = transport.Close()
				}
				return
			}
			if err != nil {
				c.transportLost(err)
				return
			}
			c.onConnected(generation, transport)
		})
	}()
}

// onConnected runs after the transport is established: it immediately sends
// the authenticate request and starts the handshake timer and the read loop.
func (c *Client) onConnected(generation int, transport Transport) {
	c.transport = transport
	c.setState(StateConnected, nil)

	envelope, err := protocol.NewEnvelope(protocol.TypeAuthenticate, &protocol.AuthenticateRequest{Token: c.config.Token})
	if err == nil {
		err = transport.WriteEnvelope(envelope)
	}
	if err != nil {
		c.transportLost(err)
		return
	}

	c.setState(StateAuthenticating, nil)
	c.handshakeTimer = c.afterFunc(c.config.HandshakeTimeout, generation, func() {
		if c.state == StateAuthenticating {
			c.transportLost(NewHandshakeTimeoutError())
		}
	})

	go c.readLoop(transport, generation)
}

// readLoop feeds transport reads to the event loop until the transport fails.
func (c *Client) readLoop(transport Transport, generation int) {
	for {
		envelope, err := transport.ReadEnvelope()
		select {
		case c.inbound <- inboundResult{generation: generation, envelope: envelope, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// transportLost handles loss of the underlying transport from any state:
// it closes the connection and either schedules a retry or, once the retry
// budget is exhausted, surfaces a persistent failure.
func (c *Client) transportLost(cause error) {
	c.teardown()

	c.attempts++
	if c.attempts > c.config.MaxReconnectAttempts {
		c.setState(StateFailed, NewTransportError(cause, "the reconnection budget is exhausted"))
		return
	}

	c.setState(StateReconnecting, cause)
	generation := c.generation
	c.reconnectTimer = c.afterFunc(c.reconnectDelay(), generation, func() {
		if c.state == StateReconnecting {
			c.startConnect()
		}
	})
}

// reconnectDelay computes the backoff before the next attempt: the initial
// delay doubled per attempt and capped.
func (c *Client) reconnectDelay() time.Duration {
	delay := c.config.InitialReconnectDelay << uint(c.attempts-1)
	if delay > c.config.MaxReconnectDelay || delay <= 0 {
		delay = c.config.MaxReconnectDelay
	}
	return delay
}

// scheduleHeartbeat arms the next liveness probe.
func (c *Client) scheduleHeartbeat() {
	generation := c.generation
	c.heartbeatTimer = c.afterFunc(c.config.HeartbeatInterval, generation, func() {
		c.sendHeartbeat()
	})
}

// sendHeartbeat sends a ping and arms the acknowledgement window. A missing
// pong is the only way a half-open connection is detected.
func (c *Client) sendHeartbeat() {
	if c.state != StateAuthenticated || c.transport == nil {
		return
	}

	envelope, err := protocol.NewEnvelope(protocol.TypePing, struct{}{})
	if err == nil {
		err = c.transport.WriteEnvelope(envelope)
	}
	if err != nil {
		c.transportLost(err)
		return
	}

	generation := c.generation
	c.pongTimer = c.afterFunc(c.config.HeartbeatTimeout, generation, func() {
		c.transportLost(NewTransportError(nil, "no heartbeat acknowledgement within %s", c.config.HeartbeatTimeout))
	})
}

// handleInbound processes one push-channel read on the event loop.
func (c *Client) handleInbound(result inboundResult) {
	if result.generation != c.generation {
		return
	}
	if result.err != nil {
		c.transportLost(result.err)
		return
	}

	envelope := result.envelope
	switch envelope.Type {

	case protocol.TypeAuthenticated:
		c.handleAuthenticated(envelope)

	case protocol.TypeNewNotification:
		var notification model.Notification
		if err := envelope.DecodePayload(&notification); err != nil {
			log.Errorf("dropping an undecodable push: %s", err)
			return
		}
		if c.store.Insert(&notification) && c.config.OnNotification != nil {
			c.config.OnNotification(&notification)
		}

	case protocol.TypeUnreadCount:
		var count protocol.UnreadCount
		if err := envelope.DecodePayload(&count); err == nil {
			c.store.SetUnreadCount(count.UnreadCount)
		}

	case protocol.TypeMarkedRead:
		var ref protocol.NotificationRef
		if err := envelope.DecodePayload(&ref); err == nil {
			c.store.MarkRead(ref.NotificationID)
		}

	case protocol.TypeAllMarkedRead:
		c.store.MarkAllRead()

	case protocol.TypeArchived:
		var ref protocol.NotificationRef
		if err := envelope.DecodePayload(&ref); err == nil {
			c.store.Archive(ref.NotificationID)
		}

	case protocol.TypeRecovered:
		var response protocol.RecoverResponse
		if err := envelope.DecodePayload(&response); err != nil {
			log.Errorf("dropping an undecodable recovery response: %s", err)
			return
		}
		if !response.Success {
			log.Errorf("the recovery query failed: %s", response.Error)
			return
		}
		merged := c.store.MergeRecovered(response.NewNotifications)
		log.Infof("recovered %d missed notifications", merged)

	case protocol.TypePong:
		stopTimer(&c.pongTimer)
		c.scheduleHeartbeat()

	case protocol.TypeAck:
		// Mutations are fire-and-forget; nothing to correlate.

	default:
		log.Debugf("ignoring an unrecognized push-channel message type `%s`", envelope.Type)
	}
}

// handleAuthenticated processes the handshake response.
func (c *Client) handleAuthenticated(envelope *protocol.Envelope) {
	stopTimer(&c.handshakeTimer)

	var response protocol.AuthenticateResponse
	if err := envelope.DecodePayload(&response); err != nil {
		c.transportLost(NewTransportError(err, "unable to parse the handshake response"))
		return
	}

	// An authentication rejection is terminal, unlike a transport loss.
	if !response.Success {
		c.teardown()
		c.setState(StateFailed, NewAuthError("authentication rejected: %s", response.Error))
		return
	}

	// The gap-recovery reference is the newest notification observed
	// before this (re)connection.
	recoverFrom := c.store.LastKnownID()

	c.store.ReplaceFeed(response.Feed, response.UnreadCount)
	c.attempts = 0
	c.setState(StateAuthenticated, nil)
	c.scheduleHeartbeat()

	if recoverFrom != "" {
		request, err := protocol.NewEnvelope(protocol.TypeRecover, &protocol.RecoverRequest{LastNotificationID: recoverFrom})
		if err == nil {
			err = c.transport.WriteEnvelope(request)
		}
		if err != nil {
			c.transportLost(err)
		}
	}
}
