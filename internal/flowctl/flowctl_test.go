package flowctl

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeChannel struct {
	mu        sync.Mutex
	buffered  uint64
	threshold uint64
	onLow     func()
	sent      [][]byte
	sentAbove bool
}

func (f *fakeChannel) BufferedAmount() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffered
}

func (f *fakeChannel) SetBufferedAmountLowThreshold(th uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threshold = th
}

func (f *fakeChannel) OnBufferedAmountLow(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onLow = fn
}

func (f *fakeChannel) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buffered >= HighWaterMark {
		f.sentAbove = true
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeChannel) setBuffered(n uint64) {
	f.mu.Lock()
	fn := f.onLow
	f.buffered = n
	low := n <= f.threshold
	f.mu.Unlock()
	if low && fn != nil {
		fn()
	}
}

func TestWriter_SendsImmediatelyBelowHighWater(t *testing.T) {
	ch := &fakeChannel{buffered: HighWaterMark - 1}
	w := NewWriter(ch)

	if err := w.Send(context.Background(), []byte("frame")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(ch.sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(ch.sent))
	}
	if ch.threshold != LowWaterMark {
		t.Errorf("threshold = %d, want %d", ch.threshold, LowWaterMark)
	}
}

func TestWriter_SuspendsUntilDrain(t *testing.T) {
	ch := &fakeChannel{buffered: HighWaterMark}
	w := NewWriter(ch)

	done := make(chan error, 1)
	go func() {
		done <- w.Send(context.Background(), []byte("frame"))
	}()

	select {
	case <-done:
		t.Fatal("Send returned while buffer was full")
	case <-time.After(50 * time.Millisecond):
	}

	ch.setBuffered(LowWaterMark)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Send did not resume after drain notification")
	}
	if ch.sentAbove {
		t.Error("frame was sent while buffered amount exceeded the high-water mark")
	}
}

func TestWriter_FallbackTimeout(t *testing.T) {
	ch := &fakeChannel{buffered: HighWaterMark * 2}
	w := NewWriter(ch)

	start := time.Now()
	if err := w.Send(context.Background(), []byte("frame")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < DrainTimeout {
		t.Fatalf("Send returned after %v, want at least %v", elapsed, DrainTimeout)
	}
	if len(ch.sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(ch.sent))
	}
}

func TestWriter_ContextCancel(t *testing.T) {
	ch := &fakeChannel{buffered: HighWaterMark}
	w := NewWriter(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Send(ctx, []byte("frame"))
	}()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Send should fail on cancelled context")
		}
	case <-time.After(time.Second):
		t.Fatal("Send did not observe cancellation")
	}
	if len(ch.sent) != 0 {
		t.Errorf("sent %d frames after cancel, want 0", len(ch.sent))
	}
}
