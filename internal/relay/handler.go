// Package relay implements the signaling server: it assigns identities to
// connecting clients, manages two-party sessions addressed by short share
// codes and forwards WebRTC negotiation messages between session members
// without inspecting them.
package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/beamlink/beamlink/pkg/protocol"
)

const (
	maxMessageBytes = 64 * 1024
	idleTimeout     = 60 * time.Second
	pingInterval    = 30 * time.Second
)

// Server is the relay's HTTP surface: /ws for signaling, /health for probes.
type Server struct {
	logger   *slog.Logger
	store    *sessionStore
	upgrader websocket.Upgrader
}

// NewServer creates a relay server.
func NewServer(logger *slog.Logger) *Server {
	return &Server{
		logger: logger,
		store:  newSessionStore(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Browser clients connect from arbitrary origins.
				return true
			},
		},
	}
}

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(idleTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		return nil
	})

	// Clients may pick their own display name; otherwise one is assigned.
	c := newClient(conn, r.UserAgent(), r.URL.Query().Get("name"))
	logger := s.logger.With("client_id", c.info.ID)
	logger.Info("client connected", "display_name", c.info.DisplayName, "device_type", c.info.DeviceType)

	identity, err := protocol.NewMessage(protocol.TypeIdentity, c.info)
	if err != nil {
		logger.Error("failed to build identity message", "error", err)
		return
	}
	if err := c.send(identity); err != nil {
		logger.Error("failed to send identity", "error", err)
		return
	}

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
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
	}()

	defer func() {
		s.handleLeave(c, logger)
		logger.Info("client disconnected")
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Error("websocket read error", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		if messageType != websocket.TextMessage {
			continue
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("invalid message", "error", err)
			continue
		}
		s.dispatch(c, msg, logger)
	}
}

func (s *Server) dispatch(c *client, msg protocol.Message, logger *slog.Logger) {
	switch msg.Type {
	case protocol.TypeRequestSession:
		s.handleRequestSession(c, logger)
	case protocol.TypeJoinSession:
		s.handleJoinSession(c, msg, logger)
	case protocol.TypeLeaveSession:
		s.handleLeave(c, logger)
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		s.forward(c, msg, logger)
	default:
		// Unknown types are ignored so older clients stay compatible.
		logger.Debug("ignoring unknown message type", "type", msg.Type)
	}
}

func (s *Server) handleRequestSession(c *client, logger *slog.Logger) {
	// A client opens at most one session; requesting another leaves the old.
	s.handleLeave(c, logger)

	sess := s.store.create(c)
	logger.Info("session created", "session_id", sess.id)

	reply, err := protocol.NewMessage(protocol.TypeSessionCreated, protocol.SessionIDPayload{SessionID: sess.id})
	if err != nil {
		logger.Error("failed to build session-created", "error", err)
		c.sendError(protocol.ErrCodeServerError, "internal error")
		return
	}
	if err := c.send(reply); err != nil {
		logger.Error("failed to send session-created", "error", err)
	}
}

func (s *Server) handleJoinSession(c *client, msg protocol.Message, logger *slog.Logger) {
	var req protocol.SessionIDPayload
	if err := msg.DecodePayload(&req); err != nil {
		logger.Warn("malformed join-session", "error", err)
		c.sendError(protocol.ErrCodeServerError, "malformed join-session payload")
		return
	}

	sess, err := s.store.join(req.SessionID, c)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		c.sendError(protocol.ErrCodeSessionNotFound, "session not found: "+req.SessionID)
		return
	case errors.Is(err, ErrSessionFull):
		c.sendError(protocol.ErrCodeSessionFull, "session is full: "+req.SessionID)
		return
	case err != nil:
		logger.Error("join-session failed", "error", err)
		c.sendError(protocol.ErrCodeServerError, "internal error")
		return
	}
	logger.Info("client joined session", "session_id", sess.id)

	snap, ok := s.store.snapshot(sess.id)
	if !ok {
		c.sendError(protocol.ErrCodeSessionNotFound, "session not found: "+req.SessionID)
		return
	}

	joined, err := protocol.NewMessage(protocol.TypeSessionJoined, snap)
	if err != nil {
		logger.Error("failed to build session-joined", "error", err)
		return
	}
	if err := c.send(joined); err != nil {
		logger.Error("failed to send session-joined", "error", err)
		return
	}

	clientJoined, err := protocol.NewMessage(protocol.TypeClientJoined, c.info)
	if err != nil {
		logger.Error("failed to build client-joined", "error", err)
		return
	}
	info, err := protocol.NewMessage(protocol.TypeSessionInfo, snap)
	if err != nil {
		logger.Error("failed to build session-info", "error", err)
		return
	}
	for _, member := range s.store.members(sess.id) {
		if member.info.ID == c.info.ID {
			continue
		}
		if err := member.send(clientJoined); err != nil {
			logger.Warn("failed to broadcast client-joined", "to", member.info.ID, "error", err)
			continue
		}
		if err := member.send(info); err != nil {
			logger.Warn("failed to broadcast session-info", "to", member.info.ID, "error", err)
		}
	}
}

// handleLeave detaches c from its session. A host departure tears the whole
// session down and notifies the remaining members with session-left; a guest
// departure notifies them with client-left and a refreshed session-info.
func (s *Server) handleLeave(c *client, logger *slog.Logger) {
	sess, remaining, hostLeft, ok := s.store.leave(c)
	if !ok {
		return
	}

	if hostLeft {
		logger.Info("session closed", "session_id", sess.id)
		snap := protocol.Session{ID: sess.id, Host: sess.host}
		for _, member := range remaining {
			snap.Clients = append(snap.Clients, member.info)
		}
		left, err := protocol.NewMessage(protocol.TypeSessionLeft, snap)
		if err != nil {
			logger.Error("failed to build session-left", "error", err)
			return
		}
		for _, member := range remaining {
			if err := member.send(left); err != nil {
				logger.Warn("failed to broadcast session-left", "to", member.info.ID, "error", err)
			}
		}
		return
	}

	logger.Info("client left session", "session_id", sess.id)
	clientLeft, err := protocol.NewMessage(protocol.TypeClientLeft, c.info)
	if err != nil {
		logger.Error("failed to build client-left", "error", err)
		return
	}
	snap, snapOK := s.store.snapshot(sess.id)
	for _, member := range remaining {
		if err := member.send(clientLeft); err != nil {
			logger.Warn("failed to broadcast client-left", "to", member.info.ID, "error", err)
			continue
		}
		if !snapOK {
			continue
		}
		if info, err := protocol.NewMessage(protocol.TypeSessionInfo, snap); err == nil {
			if err := member.send(info); err != nil {
				logger.Warn("failed to broadcast session-info", "to", member.info.ID, "error", err)
			}
		}
	}
}

// forward relays an offer, answer or ice-candidate message. The negotiation
// content is passed through untouched; only the from field is rewritten so a
// client cannot spoof another member.
func (s *Server) forward(c *client, msg protocol.Message, logger *slog.Logger) {
	code := c.session()
	if code == "" {
		logger.Warn("signaling message outside a session", "type", msg.Type)
		return
	}

	var rtc protocol.RTCPayload
	if err := msg.DecodePayload(&rtc); err != nil {
		logger.Warn("malformed signaling payload", "type", msg.Type, "error", err)
		return
	}
	rtc.From = c.info.ID
	rtc.SessionID = code

	out, err := protocol.NewMessage(msg.Type, rtc)
	if err != nil {
		logger.Error("failed to rebuild signaling message", "type", msg.Type, "error", err)
		return
	}

	for _, member := range s.store.members(code) {
		if member.info.ID == c.info.ID {
			continue
		}
		if rtc.To != "" && member.info.ID != rtc.To {
			continue
		}
		if err := member.send(out); err != nil {
			logger.Warn("failed to forward signaling message", "type", msg.Type, "to", member.info.ID, "error", err)
		}
	}
}
