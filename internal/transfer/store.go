// Package transfer tracks in-flight file transfers and moves their bytes:
// an indexed state store, the sending-side chunker and the receiving-side
// sinks.
package transfer

import (
	"io"
	"math"
	"sync"
)

// Status is the per-transfer state machine. waiting and transferring are
// live; complete, stopped and failed are terminal and never transition
// further.
type Status string

const (
	StatusWaiting      Status = "waiting"
	StatusTransferring Status = "transferring"
	StatusComplete     Status = "complete"
	StatusStopped      Status = "stopped"
	StatusFailed       Status = "failed"
)

// Terminal reports whether s permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusStopped || s == StatusFailed
}

// Transfer is one file moving in one direction between two peers. PeerID and
// FileID are fixed at creation. Channel holds the live data channel handle,
// closed to cancel the transfer.
type Transfer struct {
	ID               string
	PeerID           string
	FileID           string
	Status           Status
	TransferredBytes int64
	TotalBytes       int64
	Channel          io.Closer
}

// AggregateStatus summarises a whole store for display.
type AggregateStatus string

const (
	AggregateNone         AggregateStatus = ""
	AggregateTransferring AggregateStatus = "transferring"
	AggregateComplete     AggregateStatus = "complete"
)

// Aggregate is the derived view state: overall status plus rounded percent
// progress across all non-stopped, non-failed transfers. It is recomputed
// from scratch on every mutation.
type Aggregate struct {
	Status   AggregateStatus
	Progress int
}

// Update is a partial transfer mutation. Nil fields are left untouched.
type Update struct {
	Status           *Status
	TransferredBytes *int64
	Channel          io.Closer
}

// Store indexes transfers by id, by peer and by file. A client owns two
// independent instances, one for each direction. All access goes through
// its methods; observers are notified with a fresh aggregate after every
// mutation.
type Store struct {
	mu        sync.Mutex
	transfers map[string]*Transfer
	byPeer    map[string]map[string]struct{}
	byFile    map[string]map[string]struct{}
	aggregate Aggregate
	observers []func(Aggregate)
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		transfers: make(map[string]*Transfer),
		byPeer:    make(map[string]map[string]struct{}),
		byFile:    make(map[string]map[string]struct{}),
	}
}

// Observe registers fn to be called with the recomputed aggregate after
// every mutation. Callbacks run outside the store lock.
func (s *Store) Observe(fn func(Aggregate)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Add inserts a transfer. An existing transfer with the same id is replaced.
func (s *Store) Add(t Transfer) {
	if t.Status == "" {
		t.Status = StatusWaiting
	}
	s.mu.Lock()
	if old, ok := s.transfers[t.ID]; ok {
		s.unindex(old)
	}
	stored := t
	s.transfers[t.ID] = &stored
	s.index(&stored)
	notify := s.recompute()
	s.mu.Unlock()
	notify()
}

// Update applies a partial mutation to the transfer with the given id.
// Terminal statuses are sticky: once complete, stopped or failed, a later
// status write is a no-op, so a channel-close event after completion cannot
// turn it into a failure. Byte counts are monotonic and clamped to
// TotalBytes.
func (s *Store) Update(id string, u Update) {
	s.mu.Lock()
	t, ok := s.transfers[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if u.Status != nil && !t.Status.Terminal() {
		t.Status = *u.Status
	}
	if u.TransferredBytes != nil && *u.TransferredBytes > t.TransferredBytes {
		t.TransferredBytes = min(*u.TransferredBytes, t.TotalBytes)
	}
	if u.Channel != nil {
		t.Channel = u.Channel
	}
	notify := s.recompute()
	s.mu.Unlock()
	notify()
}

// Remove deletes the given transfer ids. Unknown ids are ignored.
func (s *Store) Remove(ids ...string) {
	s.mu.Lock()
	for _, id := range ids {
		t, ok := s.transfers[id]
		if !ok {
			continue
		}
		s.unindex(t)
		delete(s.transfers, id)
	}
	notify := s.recompute()
	s.mu.Unlock()
	notify()
}

// Find returns a copy of the transfer with the given id.
func (s *Store) Find(id string) (Transfer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok {
		return Transfer{}, false
	}
	return *t, true
}

// FindByPeer returns copies of all transfers belonging to peerID.
func (s *Store) FindByPeer(peerID string) []Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(s.byPeer[peerID])
}

// FindByFile returns copies of all transfers carrying fileID.
func (s *Store) FindByFile(fileID string) []Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(s.byFile[fileID])
}

// List returns copies of every transfer in the store.
func (s *Store) List() []Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transfer, 0, len(s.transfers))
	for _, t := range s.transfers {
		out = append(out, *t)
	}
	return out
}

// Aggregate returns the current derived view state.
func (s *Store) Aggregate() Aggregate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aggregate
}

// Stop is the single cancellation entry point: it closes each transfer's
// channel handle and removes the record. It is idempotent; stopping ids
// that are gone or whose channels are already closed is a no-op.
func (s *Store) Stop(ids ...string) {
	s.mu.Lock()
	var closers []io.Closer
	for _, id := range ids {
		t, ok := s.transfers[id]
		if !ok {
			continue
		}
		if t.Channel != nil {
			closers = append(closers, t.Channel)
		}
		if !t.Status.Terminal() {
			t.Status = StatusStopped
		}
		s.unindex(t)
		delete(s.transfers, id)
	}
	notify := s.recompute()
	s.mu.Unlock()

	for _, c := range closers {
		// Channel close is tolerant of already-closed channels.
		_ = c.Close()
	}
	notify()
}

func (s *Store) collect(ids map[string]struct{}) []Transfer {
	out := make([]Transfer, 0, len(ids))
	for id := range ids {
		if t, ok := s.transfers[id]; ok {
			out = append(out, *t)
		}
	}
	return out
}

func (s *Store) index(t *Transfer) {
	if s.byPeer[t.PeerID] == nil {
		s.byPeer[t.PeerID] = make(map[string]struct{})
	}
	s.byPeer[t.PeerID][t.ID] = struct{}{}
	if s.byFile[t.FileID] == nil {
		s.byFile[t.FileID] = make(map[string]struct{})
	}
	s.byFile[t.FileID][t.ID] = struct{}{}
}

func (s *Store) unindex(t *Transfer) {
	delete(s.byPeer[t.PeerID], t.ID)
	if len(s.byPeer[t.PeerID]) == 0 {
		delete(s.byPeer, t.PeerID)
	}
	delete(s.byFile[t.FileID], t.ID)
	if len(s.byFile[t.FileID]) == 0 {
		delete(s.byFile, t.FileID)
	}
}

// recompute rebuilds the aggregate from the full transfer set and returns a
// function that delivers it to observers once the lock is released.
func (s *Store) recompute() func() {
	var transferred, total int64
	live := 0
	completed := 0
	for _, t := range s.transfers {
		if t.Status == StatusStopped || t.Status == StatusFailed {
			continue
		}
		live++
		if t.Status == StatusComplete {
			completed++
		}
		transferred += t.TransferredBytes
		total += t.TotalBytes
	}

	agg := Aggregate{}
	switch {
	case live == 0:
		agg.Status = AggregateNone
	case completed == live:
		agg.Status = AggregateComplete
	default:
		agg.Status = AggregateTransferring
	}
	if total > 0 {
		agg.Progress = int(math.Round(float64(transferred) / float64(total) * 100))
	}
	s.aggregate = agg

	observers := append(make([]func(Aggregate), 0, len(s.observers)), s.observers...)
	return func() {
		for _, fn := range observers {
			fn(agg)
		}
	}
}
