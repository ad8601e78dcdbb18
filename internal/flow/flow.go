// Package flow implements the bounded flow registry: the unit of observation
// for one request/response transaction through the proxy, and the store that
// assigns monotonic ids and evicts the oldest entries once over capacity.
//
// The source specification assumes a single-threaded cooperative scheduler,
// under which the store needs no locking of its own. This implementation
// runs one goroutine per connection instead, so the same invariants are
// enforced here with a mutex rather than by single-threaded scheduling.
package flow

import (
	"sync"
	"time"

	"github.com/kewlzin/lokiproxy/internal/message"
)

// DefaultCapacity is the default number of flows retained in memory.
const DefaultCapacity = 2000

// Flow is one observed request/response transaction.
type Flow struct {
	ID         int64
	Method     string
	Scheme     string // "http" or "https"
	Host       string
	Port       int
	Path       string // path-or-target as parsed from the request
	StatusCode *int
	StartedAt  time.Time
	FinishedAt *time.Time
	Request    message.Message
	Response   message.Message
	Error      string
	Size       int
}

// DurationMs is finished_at-or-now minus started_at, in milliseconds.
func (f *Flow) DurationMs() int64 {
	end := time.Now()
	if f.FinishedAt != nil {
		end = *f.FinishedAt
	}
	return end.Sub(f.StartedAt).Milliseconds()
}

// Finish marks the flow terminal, setting FinishedAt if not already set.
func (f *Flow) Finish() {
	if f.FinishedAt == nil {
		now := time.Now()
		f.FinishedAt = &now
	}
}

// Store is a bounded, insertion-ordered registry of flows.
//
// Invariants (spec §3 I1-I4):
//
//	I1: the id domain of flows equals the id multiset of order.
//	I2: len(order) <= capacity.
//	I3: the smallest id present is the oldest.
//	I4: ids are never reused.
type Store struct {
	mu       sync.Mutex
	capacity int
	nextID   int64
	flows    map[int64]*Flow
	order    []int64
}

// NewStore creates a Store with the given capacity. A non-positive capacity
// falls back to DefaultCapacity.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		flows:    make(map[int64]*Flow),
		order:    make([]int64, 0, capacity),
	}
}

// NewFlow allocates the next id, constructs a Flow with defaults and
// started_at=now, inserts it at the tail of the order list, and evicts from
// the head while over capacity.
func (s *Store) NewFlow() *Flow {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	f := &Flow{
		ID:        s.nextID,
		Scheme:    "http",
		Port:      80,
		Path:      "/",
		StartedAt: time.Now(),
	}
	s.flows[f.ID] = f
	s.order = append(s.order, f.ID)
	s.evictLocked()
	return f
}

// Get returns the flow for id, or false if not present (evicted or unknown).
func (s *Store) Get(id int64) (*Flow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	return f, ok
}

// All returns every retained flow in current access order (oldest first).
func (s *Store) All() []*Flow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Flow, 0, len(s.order))
	for _, id := range s.order {
		if f, ok := s.flows[id]; ok {
			out = append(out, f)
		}
	}
	return out
}

// Update moves flow.ID to the tail of the order list (marking it most
// recently touched) if present. The flow pointer returned by NewFlow/Get is
// already shared and mutated in place, so Update only affects eviction order.
func (s *Store) Update(f *Flow) {
	if f == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[f.ID]; !ok {
		return
	}
	for i, id := range s.order {
		if id == f.ID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.order = append(s.order, f.ID)
}

// evictLocked drops the oldest flows while over capacity. Caller must hold mu.
func (s *Store) evictLocked() {
	for len(s.order) > s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.flows, oldest)
	}
}
