package imagequeue

import (
	"sync"
	"time"
)

// Admission is a per-submitter sliding-window rate limiter with a temporary
// deny list. It is safe for concurrent use.
type Admission struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	denyFor time.Duration
	now     Clock
	states  map[int64]*rateState
}

type rateState struct {
	recent      []time.Time // ascending, never older than window at last check
	deniedUntil time.Time   // zero when not denied
}

// NewAdmission allows up to maxCount submissions per window and denies a
// submitter for denyFor once the limit is crossed.
func NewAdmission(window time.Duration, maxCount int, denyFor time.Duration, now Clock) *Admission {
	if now == nil {
		now = time.Now
	}
	return &Admission{
		window:  window,
		max:     maxCount,
		denyFor: denyFor,
		now:     now,
		states:  make(map[int64]*rateState),
	}
}

// Allow records a submission and reports whether it may proceed. A denied
// submitter is rejected without touching its history. The submission that
// crosses the limit is itself rejected and starts the denial.
func (a *Admission) Allow(submitterID int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	st, ok := a.states[submitterID]
	if !ok {
		st = &rateState{}
		a.states[submitterID] = st
	}

	if !st.deniedUntil.IsZero() {
		if now.Before(st.deniedUntil) {
			return false
		}
		// Denial served: start over with an empty window.
		st.deniedUntil = time.Time{}
		st.recent = st.recent[:0]
	}

	st.recent = pruneBefore(st.recent, now.Add(-a.window))
	st.recent = append(st.recent, now)

	if len(st.recent) > a.max {
		st.deniedUntil = now.Add(a.denyFor)
		return false
	}
	return true
}

// DeniedUntil returns the end of the submitter's current denial, if any.
func (a *Admission) DeniedUntil(submitterID int64) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.states[submitterID]
	if !ok || st.deniedUntil.IsZero() || !a.now().Before(st.deniedUntil) {
		return time.Time{}, false
	}
	return st.deniedUntil, true
}

// Sweep drops submitters with no live denial and no timestamps inside the
// window. It only bounds memory; Allow is correct without it.
func (a *Admission) Sweep() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	cutoff := now.Add(-a.window)
	removed := 0
	for id, st := range a.states {
		if now.Before(st.deniedUntil) {
			continue
		}
		if len(st.recent) > 0 && st.recent[len(st.recent)-1].After(cutoff) {
			continue
		}
		delete(a.states, id)
		removed++
	}
	return removed
}

// Len returns the number of tracked submitters.
func (a *Admission) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.states)
}

// pruneBefore drops timestamps not after cutoff, reusing ts's backing array.
func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	n := copy(ts, ts[i:])
	return ts[:n]
}
