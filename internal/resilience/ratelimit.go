package resilience

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter admits at most MaxCalls calls per fixed window for each key
// (a server or a server and tool pair). The window opens on the first
// call for a key; a refused call is told how long until the window
// closes. A nil *Limiter allows everything.
type Limiter struct {
	mu         sync.Mutex
	windows    map[string]*window
	lastAccess map[string]time.Time
	maxCalls   int
	length     time.Duration
	now        func() time.Time
}

// window is one key's current budget. The bucket never refills; it is
// replaced when the window ends.
type window struct {
	start  time.Time
	bucket *rate.Limiter
}

// NewLimiter creates a limiter allowing maxCalls per window for each
// key. It returns nil when maxCalls or window is not positive.
func NewLimiter(maxCalls int, length time.Duration) *Limiter {
	if maxCalls <= 0 || length <= 0 {
		return nil
	}
	return &Limiter{
		windows:    make(map[string]*window),
		lastAccess: make(map[string]time.Time),
		maxCalls:   maxCalls,
		length:     length,
		now:        time.Now,
	}
}

// Allow counts one call for key. Once the window's budget is spent it
// returns false and the time left in the window; the refused call
// does not count.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, exists := l.windows[key]
	if !exists || !now.Before(w.start.Add(l.length)) {
		w = &window{start: now, bucket: rate.NewLimiter(0, l.maxCalls)}
		l.windows[key] = w
	}
	l.lastAccess[key] = now

	if w.bucket.AllowN(now, 1) {
		return true, 0
	}
	return false, w.start.Add(l.length).Sub(now)
}

// Evict removes windows that haven't been used within maxAge.
func (l *Limiter) Evict(maxAge time.Duration) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-maxAge)
	n := 0
	for key, last := range l.lastAccess {
		if last.Before(cutoff) {
			delete(l.windows, key)
			delete(l.lastAccess, key)
			n++
		}
	}
	return n
}

// Len reports the number of live windows.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
