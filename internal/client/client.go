// Package client maintains the WebSocket connection to the signaling relay:
// identity capture, session requests with bounded waits, message dispatch to
// registered handlers and a fixed-interval reconnect loop.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/beamlink/beamlink/pkg/protocol"
)

const (
	handshakeTimeout  = 5 * time.Second
	requestTimeout    = 10 * time.Second
	reconnectInterval = 1 * time.Second
	writeTimeout      = 10 * time.Second
	idleTimeout       = 60 * time.Second
	pingInterval      = 30 * time.Second
)

var (
	ErrNotConnected    = errors.New("not connected to relay")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionFull     = errors.New("session is full")
)

var dialer = websocket.Dialer{
	HandshakeTimeout: handshakeTimeout,
}

// Handler consumes one relay message.
type Handler func(msg protocol.Message)

type waiter struct {
	types map[string]bool
	ch    chan protocol.Message
}

// Client is the relay connection. Run drives it; everything else can be
// called from any goroutine.
type Client struct {
	url    string
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	identity  protocol.Client
	hasID     bool
	sessionID string
	handlers  map[string][]Handler
	waiters   []*waiter

	onConnect    func(identity protocol.Client)
	onDisconnect func()
}

// New creates a client for the given relay URL (ws:// or wss://, /ws path).
func New(url string, logger *slog.Logger) *Client {
	return &Client{
		url:      url,
		logger:   logger,
		handlers: make(map[string][]Handler),
	}
}

// On registers a handler for a message type. All registered handlers for a
// type run, in registration order, on the read-loop goroutine.
func (c *Client) On(msgType string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = append(c.handlers[msgType], h)
}

// OnConnect registers a callback invoked after each successful connection,
// once the relay has assigned an identity.
func (c *Client) OnConnect(fn func(identity protocol.Client)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = fn
}

// OnDisconnect registers a callback invoked whenever the connection drops.
// Session and peer state do not survive a relay connection, so this is where
// full teardown happens.
func (c *Client) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

// Identity returns the relay-assigned identity for the current connection.
func (c *Client) Identity() (protocol.Client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity, c.hasID
}

// Run connects to the relay and keeps the connection alive, redialing at a
// fixed interval after every failure. It returns when ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.runOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("relay connection lost", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectInterval):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	conn, resp, err := dialer.DialContext(ctx, c.url, http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, body)
		}
		return err
	}
	defer c.teardown(conn)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(idleTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		return nil
	})

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go c.pingLoop(pingCtx, conn)
	go func() {
		<-ctx.Done()
		// Forces ReadMessage to unblock.
		conn.Close()
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		if messageType != websocket.TextMessage {
			continue
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("invalid relay message", "error", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) teardown(conn *websocket.Conn) {
	conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.hasID = false
	c.identity = protocol.Client{}
	c.sessionID = ""
	waiters := c.waiters
	c.waiters = nil
	onDisconnect := c.onDisconnect
	c.mu.Unlock()

	for _, w := range waiters {
		close(w.ch)
	}
	if onDisconnect != nil {
		onDisconnect()
	}
}

func (c *Client) dispatch(msg protocol.Message) {
	if msg.Type == protocol.TypeIdentity {
		var identity protocol.Client
		if err := msg.DecodePayload(&identity); err != nil {
			c.logger.Warn("malformed identity", "error", err)
			return
		}
		c.mu.Lock()
		c.identity = identity
		c.hasID = true
		onConnect := c.onConnect
		c.mu.Unlock()

		c.logger.Info("connected to relay", "client_id", identity.ID, "display_name", identity.DisplayName)
		if onConnect != nil {
			onConnect(identity)
		}
	}

	c.mu.Lock()
	for i, w := range c.waiters {
		if w.types[msg.Type] || msg.Type == protocol.TypeError {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			c.mu.Unlock()
			w.ch <- msg
			c.runHandlers(msg)
			return
		}
	}
	handlers := append([]Handler(nil), c.handlers[msg.Type]...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

func (c *Client) runHandlers(msg protocol.Message) {
	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers[msg.Type]...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

// Send transmits a message to the relay.
func (c *Client) Send(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

// SendPayload builds and transmits a message of the given type.
func (c *Client) SendPayload(msgType string, payload any) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// await registers interest in the given reply types (plus errors) and sends
// req. Exactly one matching message is returned; the wait is bounded.
func (c *Client) await(ctx context.Context, req protocol.Message, replyTypes ...string) (protocol.Message, error) {
	types := make(map[string]bool, len(replyTypes))
	for _, t := range replyTypes {
		types[t] = true
	}
	w := &waiter{types: types, ch: make(chan protocol.Message, 1)}

	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	cancelWaiter := func() {
		c.mu.Lock()
		for i, other := range c.waiters {
			if other == w {
				c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
	}

	if err := c.Send(req); err != nil {
		cancelWaiter()
		return protocol.Message{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	select {
	case msg, ok := <-w.ch:
		if !ok {
			return protocol.Message{}, ErrNotConnected
		}
		return msg, nil
	case <-ctx.Done():
		cancelWaiter()
		return protocol.Message{}, fmt.Errorf("relay request %q: %w", req.Type, ctx.Err())
	}
}

// CreateSession asks the relay for a new session and returns its code.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	req, err := protocol.NewMessage(protocol.TypeRequestSession, nil)
	if err != nil {
		return "", err
	}
	reply, err := c.await(ctx, req, protocol.TypeSessionCreated)
	if err != nil {
		return "", err
	}
	if reply.Type == protocol.TypeError {
		return "", relayError(reply)
	}
	var sid protocol.SessionIDPayload
	if err := reply.DecodePayload(&sid); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.sessionID = sid.SessionID
	c.mu.Unlock()
	return sid.SessionID, nil
}

// JoinSession joins the session with the given code and returns its current
// membership.
func (c *Client) JoinSession(ctx context.Context, code string) (protocol.Session, error) {
	req, err := protocol.NewMessage(protocol.TypeJoinSession, protocol.SessionIDPayload{SessionID: code})
	if err != nil {
		return protocol.Session{}, err
	}
	reply, err := c.await(ctx, req, protocol.TypeSessionJoined)
	if err != nil {
		return protocol.Session{}, err
	}
	if reply.Type == protocol.TypeError {
		return protocol.Session{}, relayError(reply)
	}
	var sess protocol.Session
	if err := reply.DecodePayload(&sess); err != nil {
		return protocol.Session{}, err
	}
	c.mu.Lock()
	c.sessionID = sess.ID
	c.mu.Unlock()
	return sess, nil
}

// SessionID returns the code of the session this client created or joined.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// LeaveSession tells the relay this client is leaving its session.
func (c *Client) LeaveSession() error {
	c.mu.Lock()
	id := c.sessionID
	c.sessionID = ""
	c.mu.Unlock()
	return c.SendPayload(protocol.TypeLeaveSession, protocol.SessionIDPayload{SessionID: id})
}

// relayError converts an error message into a typed error.
func relayError(msg protocol.Message) error {
	var payload protocol.ErrorPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return fmt.Errorf("relay error with malformed payload: %w", err)
	}
	switch payload.Code {
	case protocol.ErrCodeSessionNotFound:
		return fmt.Errorf("%w: %s", ErrSessionNotFound, payload.Message)
	case protocol.ErrCodeSessionFull:
		return fmt.Errorf("%w: %s", ErrSessionFull, payload.Message)
	default:
		return fmt.Errorf("relay error %s: %s", payload.Code, payload.Message)
	}
}
