// Package peer manages WebRTC peer connections: offer/answer/ICE negotiation
// through the relay, the signal channel carrying the JSON sub-protocol and
// the per-file binary channels moving chunk frames.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/beamlink/beamlink/internal/file"
	"github.com/beamlink/beamlink/internal/transfer"
	"github.com/beamlink/beamlink/pkg/protocol"
)

const (
	// DefaultSTUNServer is used when no ICE servers are configured. There is
	// no TURN fallback; connections that need a relay will fail to establish.
	DefaultSTUNServer = "stun:stun.l.google.com:19302"

	signalChannelLabel = "signal"
	fileChannelPrefix  = "file-"

	channelOpenTimeout = 5 * time.Second
	maxICERestarts     = 3
)

var ErrPeerNotFound = errors.New("peer not found")

// Signaler forwards negotiation messages to the relay. Satisfied by the
// signaling client; tests substitute a recorder.
type Signaler interface {
	SendPayload(msgType string, payload any) error
}

// SinkFactory creates the sink an incoming file is reassembled into.
type SinkFactory func(meta file.Metadata) (transfer.Sink, error)

// Manager owns one connection per remote peer plus the two transfer stores.
type Manager struct {
	logger   *slog.Logger
	signaler Signaler
	uploads  *file.Uploads
	incoming *transfer.Store
	outgoing *transfer.Store
	newSink  SinkFactory
	stun     []string
	api      *webrtc.API

	mu           sync.Mutex
	selfID       string
	peers        map[string]*peerState
	onAdvertised func(peerID string, files []file.Metadata)
}

// Options configures a Manager.
type Options struct {
	Logger   *slog.Logger
	Signaler Signaler
	Uploads  *file.Uploads
	Incoming *transfer.Store
	Outgoing *transfer.Store
	NewSink  SinkFactory
	// STUNServers overrides the default STUN configuration.
	STUNServers []string
	// API overrides the WebRTC API used to build peer connections, for
	// callers that need custom media or ICE settings.
	API *webrtc.API
}

// NewManager creates a peer manager.
func NewManager(opts Options) *Manager {
	stun := opts.STUNServers
	if len(stun) == 0 {
		stun = []string{DefaultSTUNServer}
	}
	return &Manager{
		logger:   opts.Logger,
		signaler: opts.Signaler,
		uploads:  opts.Uploads,
		incoming: opts.Incoming,
		outgoing: opts.Outgoing,
		newSink:  opts.NewSink,
		stun:     stun,
		api:      opts.API,
		peers:    make(map[string]*peerState),
	}
}

// SetSelf records this client's relay identity, re-assigned per connection.
func (m *Manager) SetSelf(id string) {
	m.mu.Lock()
	m.selfID = id
	m.mu.Unlock()
}

// OnAdvertised registers a callback invoked whenever a peer's advertised
// file list changes (share-files or cancel-share).
func (m *Manager) OnAdvertised(fn func(peerID string, files []file.Metadata)) {
	m.mu.Lock()
	m.onAdvertised = fn
	m.mu.Unlock()
}

// peerState is the per-peer connection state machine.
type peerState struct {
	id        string
	initiator bool

	mu         sync.Mutex
	pc         *webrtc.PeerConnection
	signalCh   *webrtc.DataChannel
	signalOpen bool
	files      []file.Metadata
	chunkers   map[string]*transfer.Chunker
	candidates []webrtc.ICECandidateInit // queued until remote description set
	restarts   int
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
}

func (m *Manager) newPeerConnection() (*webrtc.PeerConnection, error) {
	cfg := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: m.stun}},
	}
	if m.api != nil {
		return m.api.NewPeerConnection(cfg)
	}
	return webrtc.NewPeerConnection(cfg)
}

func (m *Manager) newPeerState(peerID string, initiator bool) (*peerState, error) {
	pc, err := m.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &peerState{
		id:        peerID,
		initiator: initiator,
		pc:        pc,
		chunkers:  make(map[string]*transfer.Chunker),
		ctx:       ctx,
		cancel:    cancel,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		candidate, err := json.Marshal(c.ToJSON())
		if err != nil {
			m.logger.Error("failed to marshal ice candidate", "peer_id", peerID, "error", err)
			return
		}
		if err := m.signaler.SendPayload(protocol.TypeICECandidate, protocol.RTCPayload{
			To:        peerID,
			Candidate: candidate,
		}); err != nil {
			m.logger.Warn("failed to forward ice candidate", "peer_id", peerID, "error", err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.logger.Debug("peer connection state", "peer_id", peerID, "state", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			m.handleConnectionFailed(p)
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		m.handleIncomingChannel(p, dc)
	})

	return p, nil
}

// Connect initiates an outbound connection to peerID: signal channel first,
// then an offer forwarded through the relay.
func (m *Manager) Connect(peerID string) error {
	m.mu.Lock()
	if old, ok := m.peers[peerID]; ok {
		m.mu.Unlock()
		m.closePeer(old)
		m.mu.Lock()
	}
	p, err := m.newPeerState(peerID, true)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.peers[peerID] = p
	m.mu.Unlock()

	dc, err := p.pc.CreateDataChannel(signalChannelLabel, nil)
	if err != nil {
		m.closePeer(p)
		return fmt.Errorf("create signal channel: %w", err)
	}
	m.attachSignalChannel(p, dc)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		m.closePeer(p)
		return fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		m.closePeer(p)
		return fmt.Errorf("set local description: %w", err)
	}
	if err := m.sendDescription(peerID, protocol.TypeOffer, offer); err != nil {
		m.closePeer(p)
		return err
	}
	return nil
}

// HandleOffer answers an inbound offer: fresh peer connection, remote
// description, answer back through the relay.
func (m *Manager) HandleOffer(rtc protocol.RTCPayload) error {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(rtc.Offer, &offer); err != nil {
		return fmt.Errorf("decode offer: %w", err)
	}

	m.mu.Lock()
	if old, ok := m.peers[rtc.From]; ok {
		m.mu.Unlock()
		m.closePeer(old)
		m.mu.Lock()
	}
	p, err := m.newPeerState(rtc.From, false)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.peers[rtc.From] = p
	m.mu.Unlock()

	if err := p.pc.SetRemoteDescription(offer); err != nil {
		m.closePeer(p)
		return fmt.Errorf("set remote description: %w", err)
	}
	m.flushCandidates(p)

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		m.closePeer(p)
		return fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		m.closePeer(p)
		return fmt.Errorf("set local description: %w", err)
	}
	return m.sendDescription(rtc.From, protocol.TypeAnswer, answer)
}

// HandleAnswer applies an inbound answer to the matching outbound offer.
func (m *Manager) HandleAnswer(rtc protocol.RTCPayload) error {
	p, ok := m.peer(rtc.From)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, rtc.From)
	}
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(rtc.Answer, &answer); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	m.flushCandidates(p)
	return nil
}

// HandleCandidate adds a remote ICE candidate, queueing it if the remote
// description has not been applied yet.
func (m *Manager) HandleCandidate(rtc protocol.RTCPayload) error {
	p, ok := m.peer(rtc.From)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, rtc.From)
	}
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(rtc.Candidate, &candidate); err != nil {
		return fmt.Errorf("decode ice candidate: %w", err)
	}

	p.mu.Lock()
	if p.pc.RemoteDescription() == nil {
		p.candidates = append(p.candidates, candidate)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	if err := p.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (m *Manager) flushCandidates(p *peerState) {
	p.mu.Lock()
	queued := p.candidates
	p.candidates = nil
	p.mu.Unlock()
	for _, c := range queued {
		if err := p.pc.AddICECandidate(c); err != nil {
			m.logger.Warn("failed to add queued ice candidate", "peer_id", p.id, "error", err)
		}
	}
}

func (m *Manager) sendDescription(peerID, msgType string, desc webrtc.SessionDescription) error {
	raw, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msgType, err)
	}
	payload := protocol.RTCPayload{To: peerID}
	switch msgType {
	case protocol.TypeOffer:
		payload.Offer = raw
	case protocol.TypeAnswer:
		payload.Answer = raw
	}
	if err := m.signaler.SendPayload(msgType, payload); err != nil {
		return fmt.Errorf("forward %s: %w", msgType, err)
	}
	return nil
}

// handleConnectionFailed triggers a bounded ICE restart. Only the initiator
// restarts; an unbounded restart loop is deliberately avoided.
func (m *Manager) handleConnectionFailed(p *peerState) {
	p.mu.Lock()
	if p.closed || !p.initiator || p.restarts >= maxICERestarts {
		exhausted := !p.closed && p.initiator
		p.mu.Unlock()
		if exhausted {
			m.logger.Error("ice restart attempts exhausted, closing peer", "peer_id", p.id)
			m.ClosePeer(p.id)
		}
		return
	}
	p.restarts++
	attempt := p.restarts
	p.mu.Unlock()

	m.logger.Warn("connection failed, restarting ice", "peer_id", p.id, "attempt", attempt)
	offer, err := p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		m.logger.Error("ice restart offer failed", "peer_id", p.id, "error", err)
		return
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		m.logger.Error("ice restart local description failed", "peer_id", p.id, "error", err)
		return
	}
	if err := m.sendDescription(p.id, protocol.TypeOffer, offer); err != nil {
		m.logger.Error("ice restart offer forward failed", "peer_id", p.id, "error", err)
	}
}

func (m *Manager) peer(peerID string) (*peerState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[peerID]
	return p, ok
}

// AdvertisedFiles returns the files a peer currently offers.
func (m *Manager) AdvertisedFiles(peerID string) []file.Metadata {
	p, ok := m.peer(peerID)
	if !ok {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]file.Metadata(nil), p.files...)
}

// Peers returns the ids of all known peers.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	return ids
}

// ClosePeer tears one peer down: transfers first, then the signal channel,
// then the connection, so callbacks observe a consistently closed state.
func (m *Manager) ClosePeer(peerID string) {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	if ok {
		delete(m.peers, peerID)
	}
	m.mu.Unlock()
	if ok {
		m.closePeer(p)
	}
}

func (m *Manager) closePeer(p *peerState) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, c := range p.chunkers {
		c.Stop()
	}
	signalCh := p.signalCh
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}

	var ids []string
	for _, t := range m.incoming.FindByPeer(p.id) {
		ids = append(ids, t.ID)
	}
	m.incoming.Stop(ids...)
	ids = ids[:0]
	for _, t := range m.outgoing.FindByPeer(p.id) {
		ids = append(ids, t.ID)
	}
	m.outgoing.Stop(ids...)

	if signalCh != nil {
		signalCh.Close()
	}
	if p.pc != nil {
		if err := p.pc.Close(); err != nil {
			m.logger.Warn("peer connection close", "peer_id", p.id, "error", err)
		}
	}
	m.logger.Info("peer closed", "peer_id", p.id)
}

// CloseAll tears down every peer. Used on session end and relay disconnect.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	peers := make([]*peerState, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.peers = make(map[string]*peerState)
	m.mu.Unlock()

	for _, p := range peers {
		m.closePeer(p)
	}
}
