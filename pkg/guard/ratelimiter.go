package guard

import (
	"sort"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Window is one sliding-window budget.
type Window struct {
	Size  time.Duration
	Limit int
}

// DefaultWindows are 60 calls per minute and 1000 calls per hour.
func DefaultWindows() []Window {
	return []Window{
		{Size: time.Minute, Limit: 60},
		{Size: time.Hour, Limit: 1000},
	}
}

// RateLimiter implements per-plugin rate limiting with sliding windows over
// the timestamps of prior allowed calls.
type RateLimiter struct {
	windows []Window
	longest time.Duration
	states  cmap.ConcurrentMap[string, *rateState]
	now     func() time.Time
}

type rateState struct {
	mu    sync.Mutex
	calls []time.Time
}

// NewRateLimiter creates a new rate limiter. Windows with a non-positive
// limit or size are ignored.
func NewRateLimiter(windows []Window, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	rl := &RateLimiter{
		states: cmap.New[*rateState](),
		now:    now,
	}
	for _, w := range windows {
		if w.Size <= 0 || w.Limit <= 0 {
			continue
		}
		rl.windows = append(rl.windows, w)
		if w.Size > rl.longest {
			rl.longest = w.Size
		}
	}
	return rl
}

// Allow checks the plugin's windows and, when none is exhausted, records the
// call. On denial it returns the exhausted window and how long until a slot
// frees up.
func (rl *RateLimiter) Allow(pluginID string) (bool, Window, time.Duration) {
	if len(rl.windows) == 0 {
		return true, Window{}, 0
	}

	state := rl.states.Upsert(pluginID, nil, func(exist bool, cur, _ *rateState) *rateState {
		if exist {
			return cur
		}
		return &rateState{}
	})

	state.mu.Lock()
	defer state.mu.Unlock()

	now := rl.now()
	state.prune(now.Add(-rl.longest))

	for _, w := range rl.windows {
		inWindow := state.since(now.Add(-w.Size))
		if len(inWindow) >= w.Limit {
			oldest := inWindow[len(inWindow)-w.Limit]
			return false, w, oldest.Add(w.Size).Sub(now)
		}
	}

	state.calls = append(state.calls, now)
	return true, Window{}, 0
}

// Count returns the number of recorded calls within d.
func (rl *RateLimiter) Count(pluginID string, d time.Duration) int {
	state, ok := rl.states.Get(pluginID)
	if !ok {
		return 0
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return len(state.since(rl.now().Add(-d)))
}

// Reset forgets every recorded call of a plugin.
func (rl *RateLimiter) Reset(pluginID string) {
	rl.states.Remove(pluginID)
}

// prune drops calls at or before cutoff.
func (s *rateState) prune(cutoff time.Time) {
	i := sort.Search(len(s.calls), func(i int) bool { return s.calls[i].After(cutoff) })
	if i > 0 {
		s.calls = append(s.calls[:0], s.calls[i:]...)
	}
}

// since returns the calls strictly after cutoff.
func (s *rateState) since(cutoff time.Time) []time.Time {
	i := sort.Search(len(s.calls), func(i int) bool { return s.calls[i].After(cutoff) })
	return s.calls[i:]
}
