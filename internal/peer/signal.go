package peer

import (
	"errors"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/beamlink/beamlink/internal/file"
	"github.com/beamlink/beamlink/internal/signal"
	"github.com/beamlink/beamlink/internal/transfer"
)

var ErrSignalChannelClosed = errors.New("signal channel is not open")

// attachSignalChannel wires the JSON sub-protocol channel. The channel must
// open within the fixed timeout or the whole peer is torn down.
func (m *Manager) attachSignalChannel(p *peerState, dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.signalCh = dc
	p.mu.Unlock()

	opened := make(chan struct{})
	dc.OnOpen(func() {
		close(opened)
		p.mu.Lock()
		p.signalOpen = true
		p.mu.Unlock()
		m.logger.Info("signal channel open", "peer_id", p.id)

		m.mu.Lock()
		selfID := m.selfID
		m.mu.Unlock()
		if data, err := signal.ReadyToReceive(selfID); err == nil {
			if err := dc.Send(data); err != nil {
				m.logger.Warn("failed to send ready-to-receive", "peer_id", p.id, "error", err)
			}
		}
	})

	go func() {
		select {
		case <-opened:
		case <-p.ctx.Done():
		case <-time.After(channelOpenTimeout):
			m.logger.Error("signal channel open timeout", "peer_id", p.id)
			m.ClosePeer(p.id)
		}
	}()

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		m.handleSignal(p, msg.Data)
	})
	dc.OnClose(func() {
		p.mu.Lock()
		p.signalOpen = false
		closed := p.closed
		p.mu.Unlock()
		if !closed {
			m.logger.Info("signal channel closed", "peer_id", p.id)
		}
	})
}

func (m *Manager) sendSignal(p *peerState, data []byte) error {
	p.mu.Lock()
	dc, open := p.signalCh, p.signalOpen
	p.mu.Unlock()
	if dc == nil || !open {
		return ErrSignalChannelClosed
	}
	return dc.Send(data)
}

// handleSignal validates and dispatches one signal channel message.
// Malformed and unknown messages are logged and dropped.
func (m *Manager) handleSignal(p *peerState, data []byte) {
	msg, err := signal.Decode(data)
	if err != nil {
		if errors.Is(err, signal.ErrUnknownKind) {
			m.logger.Debug("ignoring unknown signal message", "peer_id", p.id, "error", err)
		} else {
			m.logger.Warn("malformed signal message", "peer_id", p.id, "error", err)
		}
		return
	}

	switch msg.Kind {
	case signal.KindReadyToReceive:
		m.handleReadyToReceive(p)
	case signal.KindShareFiles:
		m.handleShareFiles(p, msg.Files)
	case signal.KindRequestFile:
		m.handleRequestFile(p, msg.FileID)
	case signal.KindCancelShare:
		m.handleCancelShare(p)
	case signal.KindStopTransfer:
		m.handleStopTransfer(p, msg.TransferID)
	}
}

// handleReadyToReceive re-announces the active upload set, if any, instead
// of waiting to be asked.
func (m *Manager) handleReadyToReceive(p *peerState) {
	if m.uploads.Len() == 0 {
		return
	}
	data, err := signal.ShareFiles(m.uploads.MetadataList())
	if err != nil {
		m.logger.Error("failed to encode share-files", "error", err)
		return
	}
	if err := m.sendSignal(p, data); err != nil {
		m.logger.Warn("failed to announce files", "peer_id", p.id, "error", err)
	}
}

// handleShareFiles replaces the peer's advertised list. Transfers tied to
// the previous offer are stale and stopped.
func (m *Manager) handleShareFiles(p *peerState, files []file.Metadata) {
	var stale []string
	for _, t := range m.incoming.FindByPeer(p.id) {
		stale = append(stale, t.ID)
	}
	m.incoming.Stop(stale...)

	p.mu.Lock()
	p.files = append([]file.Metadata(nil), files...)
	p.mu.Unlock()
	m.logger.Info("peer advertised files", "peer_id", p.id, "count", len(files))

	m.notifyAdvertised(p.id, files)
}

// handleRequestFile starts an outgoing transfer for a file in the upload set.
func (m *Manager) handleRequestFile(p *peerState, fileID string) {
	up, ok := m.uploads.Get(fileID)
	if !ok {
		m.logger.Warn("request for unknown file", "peer_id", p.id, "file_id", fileID)
		return
	}
	go m.sendFile(p, up)
}

func (m *Manager) handleCancelShare(p *peerState) {
	var ids []string
	for _, t := range m.incoming.FindByPeer(p.id) {
		ids = append(ids, t.ID)
	}
	m.incoming.Stop(ids...)

	p.mu.Lock()
	p.files = nil
	p.mu.Unlock()
	m.logger.Info("peer withdrew its offer", "peer_id", p.id)

	m.notifyAdvertised(p.id, nil)
}

func (m *Manager) handleStopTransfer(p *peerState, transferID string) {
	p.mu.Lock()
	if c, ok := p.chunkers[transferID]; ok {
		c.Stop()
	}
	p.mu.Unlock()
	m.outgoing.Stop(transferID)
	m.incoming.Stop(transferID)
	m.logger.Info("transfer stopped by peer", "peer_id", p.id, "transfer_id", transferID)
}

func (m *Manager) notifyAdvertised(peerID string, files []file.Metadata) {
	m.mu.Lock()
	fn := m.onAdvertised
	m.mu.Unlock()
	if fn != nil {
		fn(peerID, files)
	}
}

// Announce sends the current upload set to every connected peer.
func (m *Manager) Announce(files []file.Metadata) {
	data, err := signal.ShareFiles(files)
	if err != nil {
		m.logger.Error("failed to encode share-files", "error", err)
		return
	}
	for _, p := range m.allPeers() {
		if err := m.sendSignal(p, data); err != nil {
			m.logger.Warn("failed to announce files", "peer_id", p.id, "error", err)
		}
	}
}

// CancelShare withdraws the offer from every connected peer.
func (m *Manager) CancelShare() {
	data, err := signal.CancelShare()
	if err != nil {
		m.logger.Error("failed to encode cancel-share", "error", err)
		return
	}
	for _, p := range m.allPeers() {
		if err := m.sendSignal(p, data); err != nil {
			m.logger.Warn("failed to send cancel-share", "peer_id", p.id, "error", err)
		}
	}
}

// RequestFile registers an incoming transfer and asks peerID to send the
// file. The transfer id mirrors the file id so both sides address the same
// transfer in stop-transfer messages.
func (m *Manager) RequestFile(peerID string, meta file.Metadata) error {
	p, ok := m.peer(peerID)
	if !ok {
		return ErrPeerNotFound
	}
	m.incoming.Add(transfer.Transfer{
		ID:         meta.ID,
		PeerID:     peerID,
		FileID:     meta.ID,
		TotalBytes: meta.Size,
	})
	data, err := signal.RequestFile(meta.ID)
	if err != nil {
		m.incoming.Remove(meta.ID)
		return err
	}
	if err := m.sendSignal(p, data); err != nil {
		m.incoming.Remove(meta.ID)
		return err
	}
	return nil
}

// StopTransfer aborts one transfer locally and tells the owning peer.
func (m *Manager) StopTransfer(transferID string) {
	peerID := ""
	if t, ok := m.incoming.Find(transferID); ok {
		peerID = t.PeerID
	} else if t, ok := m.outgoing.Find(transferID); ok {
		peerID = t.PeerID
	}

	if p, ok := m.peer(peerID); ok {
		p.mu.Lock()
		if c, ok := p.chunkers[transferID]; ok {
			c.Stop()
		}
		p.mu.Unlock()
		if data, err := signal.StopTransfer(transferID); err == nil {
			if err := m.sendSignal(p, data); err != nil {
				m.logger.Warn("failed to send stop-transfer", "peer_id", peerID, "error", err)
			}
		}
	}

	m.incoming.Stop(transferID)
	m.outgoing.Stop(transferID)
}

func (m *Manager) allPeers() []*peerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]*peerState, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	return peers
}
