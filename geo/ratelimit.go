package geo

import (
	"sync"
	"time"
)

// Limiter applies a fixed window per connection id. Window state is created
// lazily on first Admit and must be released with Forget when the connection
// goes away, otherwise the map grows with every id ever seen.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	windows map[string]*window
}

type window struct {
	count int
	reset time.Time
}

// NewLimiter creates a limiter allowing limit admits per window for each id.
func NewLimiter(limit int, dur time.Duration) *Limiter {
	return &Limiter{
		limit:   limit,
		window:  dur,
		windows: make(map[string]*window),
	}
}

// Admit decides whether the connection may send another update at now.
// A rejected call does not consume from the window.
func (l *Limiter) Admit(id string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[id]
	if !ok {
		w = &window{reset: now.Add(l.window)}
		l.windows[id] = w
	}

	if now.After(w.reset) {
		w.count = 0
		w.reset = now.Add(l.window)
	}

	if w.count >= l.limit {
		return false
	}

	w.count++
	return true
}

// Forget drops the window state for a disconnected id.
func (l *Limiter) Forget(id string) {
	l.mu.Lock()
	delete(l.windows, id)
	l.mu.Unlock()
}

// Tracked returns the number of ids currently holding window state.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
