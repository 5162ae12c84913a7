package policyd

import "sync"

// StatDelta is an incremental statistics update, either applied directly
// (thread backend) or published over the process backend's event
// connection and folded in by the parent's listener goroutine
// (spec.md §4.7 "workers publish statistics deltas").
type StatDelta struct {
	Scanned int
	Actions map[Action]int
}

// Statskeeper aggregates scan counters under a mutex, the Go analogue of
// postomaat.stats.Statskeeper referenced (but not included in the retrieved
// source) by procpool.py/core.py.
type Statskeeper struct {
	mu      sync.Mutex
	scanned int
	actions map[Action]int
}

// NewStatskeeper returns an empty counter set.
func NewStatskeeper() *Statskeeper {
	return &Statskeeper{actions: make(map[Action]int)}
}

// Increase folds delta into the running totals.
func (s *Statskeeper) Increase(delta StatDelta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanned += delta.Scanned
	for a, n := range delta.Actions {
		s.actions[a] += n
	}
}

// RecordVerdict is a convenience for the common case of one scanned
// session producing one verdict.
func (s *Statskeeper) RecordVerdict(v Verdict) {
	s.Increase(StatDelta{Scanned: 1, Actions: map[Action]int{v.Action: 1}})
}

// Snapshot returns a point-in-time copy of the counters, safe to read or
// serialize without holding the keeper's lock.
func (s *Statskeeper) Snapshot() (scanned int, actions map[Action]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	actions = make(map[Action]int, len(s.actions))
	for a, n := range s.actions {
		actions[a] = n
	}
	return s.scanned, actions
}
