package dispatchtest

import (
	"context"
	"sync"
	"time"

	"esdispatch/audit"
	"esdispatch/metrics"
)

// Sink keeps every audit entry in memory.
type Sink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (s *Sink) Record(_ context.Context, entries ...audit.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
}

func (s *Sink) Entries() []audit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Entry(nil), s.entries...)
}

func (s *Sink) Actions() []audit.Action {
	entries := s.Entries()
	out := make([]audit.Action, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

// Recorder counts metric events by label.
type Recorder struct {
	mu         sync.Mutex
	Created    map[string]int
	Resolved   map[string]int
	Dispatches map[string]int
	Sweeps     []metrics.SweepStats
}

func NewRecorder() *Recorder {
	return &Recorder{Created: map[string]int{}, Resolved: map[string]int{}, Dispatches: map[string]int{}}
}

func (r *Recorder) OfferCreated(tier string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Created[tier]++
}

func (r *Recorder) OfferResolved(status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Resolved[status]++
}

// DispatchOutcome is keyed "trigger/outcome".
func (r *Recorder) DispatchOutcome(trigger, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Dispatches[trigger+"/"+outcome]++
}

func (r *Recorder) SweepCompleted(s metrics.SweepStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Sweeps = append(r.Sweeps, s)
}
