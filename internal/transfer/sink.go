package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/beamlink/beamlink/internal/file"
)

const maxFilenameLength = 256

var (
	ErrInvalidFilename = errors.New("invalid filename")
	ErrSinkClosed      = errors.New("sink is closed")
)

// Sink reassembles one inbound file from chunk payloads. Close finalizes
// after the last chunk; Abort discards everything and releases any
// underlying handle. Complete reports whether the cumulative byte count has
// reached the announced size.
type Sink interface {
	Enqueue(data []byte) error
	Received() int64
	Complete() bool
	Close() error
	Abort() error
}

// FileSink streams chunks straight into a file on disk: constant memory,
// any file size. Close syncs before returning so a transfer is only marked
// complete once the bytes are durably written.
type FileSink struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	size     int64
	received int64
	closed   bool
}

// NewFileSink creates the destination file for meta under dir.
func NewFileSink(dir string, meta file.Metadata) (*FileSink, error) {
	if err := validateFilename(meta.Name); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, meta.Name)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create sink file: %w", err)
	}
	return &FileSink{f: f, path: path, size: meta.Size}, nil
}

// Path returns the destination file path.
func (s *FileSink) Path() string {
	return s.path
}

func (s *FileSink) Enqueue(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	n, err := s.f.Write(data)
	s.received += int64(n)
	if err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	return nil
}

func (s *FileSink) Received() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

func (s *FileSink) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received == s.size
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return fmt.Errorf("sync sink file: %w", err)
	}
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("close sink file: %w", err)
	}
	return nil
}

func (s *FileSink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.f.Close()
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove aborted sink file: %w", err)
	}
	return nil
}

// MemSink accumulates chunks in memory and hands the assembled bytes to a
// materialize callback on Close. Fallback for destinations without a
// writable handle; bounded by the announced file size.
type MemSink struct {
	mu          sync.Mutex
	meta        file.Metadata
	buf         []byte
	closed      bool
	materialize func(meta file.Metadata, data []byte) error
}

// NewMemSink creates an in-memory sink; materialize receives the completed
// file exactly once, from Close.
func NewMemSink(meta file.Metadata, materialize func(meta file.Metadata, data []byte) error) *MemSink {
	return &MemSink{
		meta:        meta,
		buf:         make([]byte, 0, meta.Size),
		materialize: materialize,
	}
}

func (s *MemSink) Enqueue(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	s.buf = append(s.buf, data...)
	return nil
}

func (s *MemSink) Received() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.buf))
}

func (s *MemSink) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.buf)) == s.meta.Size
}

func (s *MemSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	data := s.buf
	s.mu.Unlock()

	if s.materialize == nil {
		return nil
	}
	return s.materialize(s.meta, data)
}

func (s *MemSink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buf = nil
	return nil
}

// validateFilename accepts base names only; anything that could traverse
// out of the destination directory is rejected.
func validateFilename(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrInvalidFilename
	}
	if strings.ContainsAny(name, `/\`) {
		return ErrInvalidFilename
	}
	if len(name) > maxFilenameLength {
		return ErrInvalidFilename
	}
	return nil
}
