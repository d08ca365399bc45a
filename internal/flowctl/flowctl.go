// Package flowctl paces frame sends against a data channel's buffered
// amount so a fast reader cannot overrun the transport.
package flowctl

import (
	"context"
	"time"

	"github.com/beamlink/beamlink/internal/wire"
)

const (
	// LowWaterMark is the buffered-amount-low threshold set on the channel.
	LowWaterMark = wire.PacketSize
	// HighWaterMark gates sends: above it the writer suspends until the
	// channel drains.
	HighWaterMark = 8 * wire.PacketSize
	// DrainTimeout bounds the suspension. Some channel implementations are
	// known to occasionally miss the drain notification; the writer must
	// never deadlock on it.
	DrainTimeout = 2 * time.Second
)

// Channel is the slice of *webrtc.DataChannel the writer needs. Tests
// substitute a fake.
type Channel interface {
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(uint64)
	OnBufferedAmountLow(func())
	Send(data []byte) error
}

// Writer serializes frame sends on one channel with backpressure. It is the
// sole sender on its channel; Send is not safe for concurrent use.
type Writer struct {
	ch    Channel
	drain chan struct{}
}

// NewWriter wraps ch, claiming its buffered-amount-low callback.
func NewWriter(ch Channel) *Writer {
	w := &Writer{
		ch:    ch,
		drain: make(chan struct{}, 1),
	}
	ch.SetBufferedAmountLowThreshold(LowWaterMark)
	ch.OnBufferedAmountLow(func() {
		select {
		case w.drain <- struct{}{}:
		default:
		}
	})
	return w
}

// Send transmits one frame, suspending while the channel's buffered amount
// is at or above the high-water mark. After DrainTimeout the frame is sent
// regardless.
func (w *Writer) Send(ctx context.Context, frame []byte) error {
	if w.ch.BufferedAmount() < HighWaterMark {
		return w.ch.Send(frame)
	}

	timer := time.NewTimer(DrainTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.drain:
			if w.ch.BufferedAmount() < HighWaterMark {
				return w.ch.Send(frame)
			}
		case <-timer.C:
			return w.ch.Send(frame)
		}
	}
}
