package transfer

import (
	"errors"
	"io"
	"sync/atomic"

	"github.com/beamlink/beamlink/internal/bufpool"
	"github.com/beamlink/beamlink/internal/wire"
)

var chunkBuffers = bufpool.New(wire.ChunkDataSize)

// OnChunk consumes one slice of file data. The slice is only valid for the
// duration of the call. Returning an error aborts the read.
type OnChunk func(data []byte, index uint32) error

// Chunker streams a file in wire.ChunkDataSize slices, invoking a callback
// per slice and waiting for it to return before reading more. That couples
// chunk production to the flow-controlled writer's pace, so the file is
// never buffered ahead of channel capacity.
type Chunker struct {
	stopped atomic.Bool
}

// Stop requests cooperative cancellation. It is checked between chunks, so
// one in-flight chunk may still be delivered after Stop returns.
func (c *Chunker) Stop() {
	c.stopped.Store(true)
}

// Read consumes src until EOF or Stop, handing each slice to onChunk.
// A stopped read returns nil; the caller decides what the interruption
// means.
func (c *Chunker) Read(src io.Reader, onChunk OnChunk) error {
	buf := chunkBuffers.Get()
	defer chunkBuffers.Put(buf)

	var index uint32
	for {
		if c.stopped.Load() {
			return nil
		}
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			if cbErr := onChunk(buf[:n], index); cbErr != nil {
				return cbErr
			}
			index++
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
	}
}
