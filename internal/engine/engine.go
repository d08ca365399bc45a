// Package engine wires the signaling client, the peer manager and the
// transfer stores into the flows the CLI drives: share a set of files in a
// session, or join one and download what the host offers.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/pion/webrtc/v4"

	"github.com/beamlink/beamlink/internal/client"
	"github.com/beamlink/beamlink/internal/file"
	"github.com/beamlink/beamlink/internal/peer"
	"github.com/beamlink/beamlink/internal/transfer"
	"github.com/beamlink/beamlink/pkg/protocol"
)

// Config configures an Engine.
type Config struct {
	RelayURL    string
	DisplayName string
	DownloadDir string
	Logger      *slog.Logger
	// WebRTCAPI overrides the WebRTC API used for peer connections, for
	// callers that need custom ICE settings.
	WebRTCAPI *webrtc.API
}

// Engine is the client-side orchestration layer.
type Engine struct {
	logger   *slog.Logger
	relay    *client.Client
	uploads  *file.Uploads
	incoming *transfer.Store
	outgoing *transfer.Store
	manager  *peer.Manager
}

// New builds a fully wired engine. Run must be called to connect it.
func New(cfg Config) *Engine {
	e := &Engine{
		logger:   cfg.Logger,
		relay:    client.New(relayURL(cfg.RelayURL, cfg.DisplayName), cfg.Logger),
		uploads:  &file.Uploads{},
		incoming: transfer.NewStore(),
		outgoing: transfer.NewStore(),
	}
	e.manager = peer.NewManager(peer.Options{
		Logger:   cfg.Logger,
		Signaler: e.relay,
		Uploads:  e.uploads,
		Incoming: e.incoming,
		Outgoing: e.outgoing,
		NewSink: func(meta file.Metadata) (transfer.Sink, error) {
			return transfer.NewFileSink(cfg.DownloadDir, meta)
		},
		API: cfg.WebRTCAPI,
	})

	e.relay.OnConnect(func(identity protocol.Client) {
		e.manager.SetSelf(identity.ID)
	})
	// Losing the relay is treated as every peer having left.
	e.relay.OnDisconnect(func() {
		e.manager.CloseAll()
	})

	e.relay.On(protocol.TypeClientJoined, e.handleClientJoined)
	e.relay.On(protocol.TypeClientLeft, e.handleClientLeft)
	e.relay.On(protocol.TypeSessionLeft, func(protocol.Message) {
		e.logger.Info("session ended by host")
		e.manager.CloseAll()
	})
	e.relay.On(protocol.TypeOffer, e.handleRTC(e.manager.HandleOffer))
	e.relay.On(protocol.TypeAnswer, e.handleRTC(e.manager.HandleAnswer))
	e.relay.On(protocol.TypeICECandidate, e.handleRTC(e.manager.HandleCandidate))

	return e
}

// relayURL attaches the requested display name as a query parameter. The
// relay assigns a random name when none is given.
func relayURL(rawURL, name string) string {
	if name == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("name", name)
	u.RawQuery = q.Encode()
	return u.String()
}

// Run connects to the relay and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	return e.relay.Run(ctx)
}

func (e *Engine) handleClientJoined(msg protocol.Message) {
	var c protocol.Client
	if err := msg.DecodePayload(&c); err != nil {
		e.logger.Warn("malformed client-joined", "error", err)
		return
	}
	e.logger.Info("peer joined session", "peer_id", c.ID, "display_name", c.DisplayName)
	if err := e.manager.Connect(c.ID); err != nil {
		e.logger.Error("failed to connect to peer", "peer_id", c.ID, "error", err)
	}
}

func (e *Engine) handleClientLeft(msg protocol.Message) {
	var c protocol.Client
	if err := msg.DecodePayload(&c); err != nil {
		e.logger.Warn("malformed client-left", "error", err)
		return
	}
	e.logger.Info("peer left session", "peer_id", c.ID)
	e.manager.ClosePeer(c.ID)
}

func (e *Engine) handleRTC(fn func(protocol.RTCPayload) error) client.Handler {
	return func(msg protocol.Message) {
		var rtc protocol.RTCPayload
		if err := msg.DecodePayload(&rtc); err != nil {
			e.logger.Warn("malformed signaling payload", "type", msg.Type, "error", err)
			return
		}
		if err := fn(rtc); err != nil {
			e.logger.Error("signaling message failed", "type", msg.Type, "from", rtc.From, "error", err)
		}
	}
}

// CreateSession opens a new session and returns its share code.
func (e *Engine) CreateSession(ctx context.Context) (string, error) {
	return e.relay.CreateSession(ctx)
}

// JoinSession joins the session behind code.
func (e *Engine) JoinSession(ctx context.Context, code string) (protocol.Session, error) {
	return e.relay.JoinSession(ctx, code)
}

// LeaveSession leaves the current session and drops all peer state.
func (e *Engine) LeaveSession() error {
	err := e.relay.LeaveSession()
	e.manager.CloseAll()
	return err
}

// ShareFiles registers the given paths as the upload set and announces them
// to connected peers. The previous set is replaced wholesale.
func (e *Engine) ShareFiles(paths []string) ([]file.Metadata, error) {
	uploads := make([]file.Upload, 0, len(paths))
	for _, path := range paths {
		up, err := file.NewUpload(path)
		if err != nil {
			return nil, fmt.Errorf("share %s: %w", path, err)
		}
		uploads = append(uploads, up)
	}
	e.uploads.Set(uploads)

	metas := e.uploads.MetadataList()
	e.manager.Announce(metas)
	return metas, nil
}

// CancelShare withdraws the offer and clears the upload set.
func (e *Engine) CancelShare() {
	e.manager.CancelShare()
	e.uploads.Clear()
}

// RequestAll requests every file the peer currently advertises.
func (e *Engine) RequestAll(peerID string) error {
	files := e.manager.AdvertisedFiles(peerID)
	for _, meta := range files {
		if err := e.manager.RequestFile(peerID, meta); err != nil {
			return fmt.Errorf("request %s: %w", meta.Name, err)
		}
	}
	return nil
}

// StopTransfer aborts one transfer on both sides.
func (e *Engine) StopTransfer(id string) {
	e.manager.StopTransfer(id)
}

// OnAdvertised registers a callback for peer offer changes.
func (e *Engine) OnAdvertised(fn func(peerID string, files []file.Metadata)) {
	e.manager.OnAdvertised(fn)
}

// Identity returns the relay-assigned identity, if connected.
func (e *Engine) Identity() (protocol.Client, bool) {
	return e.relay.Identity()
}

// Incoming exposes the incoming transfer store for observers.
func (e *Engine) Incoming() *transfer.Store {
	return e.incoming
}

// Outgoing exposes the outgoing transfer store for observers.
func (e *Engine) Outgoing() *transfer.Store {
	return e.outgoing
}
