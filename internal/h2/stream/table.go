package stream

import (
	"fmt"
	"sync"

	"github.com/albertbausili/celer/internal/h2/frame"
)

// Table tracks the live streams of one connection. Client-initiated ids are
// odd and allocated here in strictly increasing order; server-pushed ids are
// even and validated against the last promise seen.
type Table struct {
	mu            sync.RWMutex
	streams       map[uint32]*Stream
	nextID        uint32 // next odd id to hand out
	lastPromised  uint32 // highest even id promised by the peer
	activeClients int    // client-initiated streams currently registered
}

// NewTable creates an empty stream table. Client ids start at 1.
func NewTable() *Table {
	return &Table{
		streams: make(map[uint32]*Stream),
		nextID:  1,
	}
}

// AllocID hands out the next client stream id. Ids are 31-bit; once the space
// is exhausted the connection can take no further requests.
func (t *Table) AllocID() (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nextID > frame.MaxStreamID {
		return 0, fmt.Errorf("stream ids exhausted")
	}
	id := t.nextID
	t.nextID += 2
	return id, nil
}

// NextID returns the id the next AllocID call would assign.
func (t *Table) NextID() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nextID
}

// Exhausted reports whether the client id space has run out.
func (t *Table) Exhausted() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nextID > frame.MaxStreamID
}

// Register inserts the stream under its id.
func (t *Table) Register(s *Stream) {
	t.mu.Lock()
	t.streams[s.ID] = s
	if !s.IsPush {
		t.activeClients++
	}
	t.mu.Unlock()
}

// Get returns the stream for id, or nil when unknown (already closed ids
// included; a closed id is indistinguishable from one never used).
func (t *Table) Get(id uint32) *Stream {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.streams[id]
}

// Delete removes the stream for id and finalizes it: the state moves to
// closed, both timers stop, and the done channel closes. Each of those runs
// exactly once because only the first Delete finds the id present.
func (t *Table) Delete(id uint32) *Stream {
	t.mu.Lock()
	s, ok := t.streams[id]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	delete(t.streams, id)
	if !s.IsPush {
		t.activeClients--
	}
	t.mu.Unlock()

	s.SetState(StateClosed)
	s.StopTimers()
	s.CloseDone()
	return s
}

// All returns a snapshot of the live streams.
func (t *Table) All() []*Stream {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Stream, 0, len(t.streams))
	for _, s := range t.streams {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live streams, pushed ones included.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.streams)
}

// ActiveClientStreams returns the number of live client-initiated streams,
// the count checked against the peer's SETTINGS_MAX_CONCURRENT_STREAMS.
func (t *Table) ActiveClientStreams() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.activeClients
}

// ValidatePromise checks a PUSH_PROMISE promised id: it must be even,
// nonzero, and strictly greater than every id promised before. On success
// the high-water mark advances.
func (t *Table) ValidatePromise(id uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id == 0 || id%2 != 0 {
		return fmt.Errorf("promised stream id %d is not a nonzero even id", id)
	}
	if id <= t.lastPromised {
		return fmt.Errorf("promised stream id %d is not greater than %d", id, t.lastPromised)
	}
	t.lastPromised = id
	return nil
}

// LastPromised returns the highest even id the peer has promised.
func (t *Table) LastPromised() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastPromised
}

// LastAllocated returns the highest client id handed out, zero before the
// first request. Reported in GOAWAY as the last stream we initiated.
func (t *Table) LastAllocated() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.nextID == 1 {
		return 0
	}
	return t.nextID - 2
}
