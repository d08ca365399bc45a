package peer

import (
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/beamlink/beamlink/internal/file"
	"github.com/beamlink/beamlink/internal/flowctl"
	"github.com/beamlink/beamlink/internal/transfer"
	"github.com/beamlink/beamlink/internal/wire"
)

// handleIncomingChannel routes a remotely-opened data channel by label. A
// file channel with no matching pending transfer is a protocol violation:
// it is closed and logged, never acted on.
func (m *Manager) handleIncomingChannel(p *peerState, dc *webrtc.DataChannel) {
	label := dc.Label()
	switch {
	case label == signalChannelLabel:
		m.attachSignalChannel(p, dc)
	case strings.HasPrefix(label, fileChannelPrefix):
		m.attachFileChannel(p, dc, strings.TrimPrefix(label, fileChannelPrefix))
	default:
		m.logger.Error("unrecognized data channel", "peer_id", p.id, "label", label)
		dc.Close()
	}
}

func (m *Manager) attachFileChannel(p *peerState, dc *webrtc.DataChannel, fileID string) {
	t, ok := m.incoming.Find(fileID)
	if !ok || t.PeerID != p.id || t.Status != transfer.StatusWaiting {
		m.logger.Error("file channel with no matching transfer", "peer_id", p.id, "file_id", fileID)
		dc.Close()
		return
	}

	p.mu.Lock()
	var meta file.Metadata
	found := false
	for _, f := range p.files {
		if f.ID == fileID {
			meta, found = f, true
			break
		}
	}
	p.mu.Unlock()
	if !found {
		m.logger.Error("file channel for unadvertised file", "peer_id", p.id, "file_id", fileID)
		dc.Close()
		return
	}

	sink, err := m.newSink(meta)
	if err != nil {
		m.logger.Error("failed to create sink", "file_id", fileID, "error", err)
		m.failIncoming(fileID, nil, dc)
		return
	}

	m.incoming.Update(fileID, transfer.Update{Channel: dc})
	m.logger.Info("receiving file", "peer_id", p.id, "file_id", fileID, "name", meta.Name, "size", meta.Size)

	// A zero-length file is already complete; no frames will follow.
	if sink.Complete() {
		m.finishIncoming(p, fileID, meta, sink, dc)
		return
	}

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		chunk, err := wire.DecodeChunk(msg.Data)
		if err != nil {
			m.logger.Error("malformed chunk frame", "peer_id", p.id, "file_id", fileID, "error", err)
			m.failIncoming(fileID, sink, dc)
			return
		}
		if chunk.FileID != fileID {
			m.logger.Error("chunk frame for wrong file", "peer_id", p.id, "file_id", fileID, "frame_file_id", chunk.FileID)
			m.failIncoming(fileID, sink, dc)
			return
		}
		if err := sink.Enqueue(chunk.Data); err != nil {
			m.logger.Error("sink write failed", "file_id", fileID, "error", err)
			m.failIncoming(fileID, sink, dc)
			return
		}

		status := transfer.StatusTransferring
		received := sink.Received()
		m.incoming.Update(fileID, transfer.Update{Status: &status, TransferredBytes: &received})

		if sink.Complete() {
			m.finishIncoming(p, fileID, meta, sink, dc)
		}
	})

	dc.OnError(func(err error) {
		m.logger.Error("file channel error", "peer_id", p.id, "file_id", fileID, "error", err)
		m.failIncoming(fileID, sink, dc)
	})

	dc.OnClose(func() {
		// A close after completion is not a failure.
		if t, ok := m.incoming.Find(fileID); ok && !t.Status.Terminal() {
			m.incoming.Stop(fileID)
			sink.Abort()
		}
	})
}

// finishIncoming finalizes a fully received file. The bytes must be durably
// written before the transfer counts as complete.
func (m *Manager) finishIncoming(p *peerState, fileID string, meta file.Metadata, sink transfer.Sink, dc *webrtc.DataChannel) {
	if err := sink.Close(); err != nil {
		m.logger.Error("sink finalize failed", "file_id", fileID, "error", err)
		m.failIncoming(fileID, sink, dc)
		return
	}
	complete := transfer.StatusComplete
	m.incoming.Update(fileID, transfer.Update{Status: &complete})
	m.logger.Info("file received", "peer_id", p.id, "file_id", fileID, "name", meta.Name)
	dc.Close()
}

// failIncoming marks an incoming transfer failed and releases its resources.
func (m *Manager) failIncoming(transferID string, sink transfer.Sink, dc *webrtc.DataChannel) {
	failed := transfer.StatusFailed
	m.incoming.Update(transferID, transfer.Update{Status: &failed})
	if sink != nil {
		if err := sink.Abort(); err != nil {
			m.logger.Warn("sink abort failed", "transfer_id", transferID, "error", err)
		}
	}
	dc.Close()
}

// openFileChannel creates a per-file channel and waits for it to open.
func (m *Manager) openFileChannel(p *peerState, fileID string) (*webrtc.DataChannel, error) {
	dc, err := p.pc.CreateDataChannel(fileChannelPrefix+fileID, nil)
	if err != nil {
		return nil, fmt.Errorf("create file channel: %w", err)
	}
	opened := make(chan struct{})
	dc.OnOpen(func() {
		close(opened)
	})
	select {
	case <-opened:
		return dc, nil
	case <-p.ctx.Done():
		dc.Close()
		return nil, p.ctx.Err()
	case <-time.After(channelOpenTimeout):
		dc.Close()
		return nil, fmt.Errorf("file channel %s: open timeout", fileID)
	}
}

// sendFile streams one upload to p over a dedicated file channel, paced by
// the flow-controlled writer.
func (m *Manager) sendFile(p *peerState, up file.Upload) {
	dc, err := m.openFileChannel(p, up.ID)
	if err != nil {
		m.logger.Error("failed to open file channel", "peer_id", p.id, "file_id", up.ID, "error", err)
		return
	}

	m.outgoing.Add(transfer.Transfer{
		ID:         up.ID,
		PeerID:     p.id,
		FileID:     up.ID,
		TotalBytes: up.Size,
		Channel:    dc,
	})

	f, err := up.Open()
	if err != nil {
		m.logger.Error("failed to open upload", "file_id", up.ID, "path", up.Path, "error", err)
		failed := transfer.StatusFailed
		m.outgoing.Update(up.ID, transfer.Update{Status: &failed})
		dc.Close()
		return
	}
	defer f.Close()

	chunker := &transfer.Chunker{}
	p.mu.Lock()
	p.chunkers[up.ID] = chunker
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.chunkers, up.ID)
		p.mu.Unlock()
	}()

	writer := flowctl.NewWriter(dc)
	status := transfer.StatusTransferring
	m.outgoing.Update(up.ID, transfer.Update{Status: &status})
	m.logger.Info("sending file", "peer_id", p.id, "file_id", up.ID, "name", up.Name, "size", up.Size)

	var sent int64
	err = chunker.Read(f, func(data []byte, index uint32) error {
		frame, err := wire.EncodeChunk(wire.Chunk{FileID: up.ID, Index: index, Data: data})
		if err != nil {
			return err
		}
		if err := writer.Send(p.ctx, frame); err != nil {
			return err
		}
		sent += int64(len(data))
		m.outgoing.Update(up.ID, transfer.Update{TransferredBytes: &sent})
		return nil
	})

	switch {
	case err != nil:
		m.logger.Error("send failed", "peer_id", p.id, "file_id", up.ID, "error", err)
		failed := transfer.StatusFailed
		m.outgoing.Update(up.ID, transfer.Update{Status: &failed})
		dc.Close()
	case sent == up.Size:
		complete := transfer.StatusComplete
		m.outgoing.Update(up.ID, transfer.Update{Status: &complete})
		m.logger.Info("file sent", "peer_id", p.id, "file_id", up.ID, "name", up.Name)
	default:
		// Chunker was stopped mid-file; the store entry was already handled
		// by whichever path requested the stop.
		m.logger.Info("send interrupted", "peer_id", p.id, "file_id", up.ID, "sent", sent)
	}
}
