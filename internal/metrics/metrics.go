// Package metrics provides a process-wide, explicitly injected registry of
// counters and timers. There is no package-level singleton on purpose; the
// composition root constructs one and passes it down.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// TimerStats summarizes observed durations for one operation.
type TimerStats struct {
	Count int64
	Total time.Duration
	Max   time.Duration
}

// Snapshot is a point-in-time copy of all counters and timers.
type Snapshot struct {
	Counters map[string]int64
	Timers   map[string]TimerStats
}

// Registry is a thread-safe collector. The zero value is not usable; call New.
type Registry struct {
	mu       sync.Mutex
	counters map[string]int64
	timers   map[string]TimerStats
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		counters: make(map[string]int64),
		timers:   make(map[string]TimerStats),
	}
}

// Inc adds one to the named counter.
func (r *Registry) Inc(name string) {
	r.Add(name, 1)
}

// Add adds delta to the named counter.
func (r *Registry) Add(name string, delta int64) {
	r.mu.Lock()
	r.counters[name] += delta
	r.mu.Unlock()
}

// Observe records one duration for the named timer.
func (r *Registry) Observe(name string, d time.Duration) {
	r.mu.Lock()
	st := r.timers[name]
	st.Count++
	st.Total += d
	if d > st.Max {
		st.Max = d
	}
	r.timers[name] = st
	r.mu.Unlock()
}

// Time starts a timer for the named operation and returns a stop function.
//
//	defer reg.Time("mail.store_body")()
func (r *Registry) Time(name string) func() {
	start := time.Now()
	return func() { r.Observe(name, time.Since(start)) }
}

// ObserveStatement implements the connection observer hook: every statement
// executed by a component is timed under "<component>.stmt" and failures are
// counted under "<component>.errors".
func (r *Registry) ObserveStatement(component string, d time.Duration, err error) {
	r.Observe(component+".stmt", d)
	if err != nil {
		r.Add(component+".errors", 1)
	}
}

// Snapshot copies the current state.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		Counters: make(map[string]int64, len(r.counters)),
		Timers:   make(map[string]TimerStats, len(r.timers)),
	}
	for k, v := range r.counters {
		snap.Counters[k] = v
	}
	for k, v := range r.timers {
		snap.Timers[k] = v
	}
	return snap
}

// Names returns all counter and timer names, sorted, for stable reporting.
func (s Snapshot) Names() []string {
	seen := make(map[string]bool, len(s.Counters)+len(s.Timers))
	for k := range s.Counters {
		seen[k] = true
	}
	for k := range s.Timers {
		seen[k] = true
	}
	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
