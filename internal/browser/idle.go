package browser

import (
	"context"
	"sync"
	"time"
)

// IdleTracker counts in-flight network requests reported by an adapter's event
// stream and answers "has the network been quiet for d?".
type IdleTracker struct {
	mu           sync.Mutex
	inflight     map[string]struct{}
	lastActivity time.Time
	now          func() time.Time
}

func NewIdleTracker() *IdleTracker {
	return &IdleTracker{inflight: make(map[string]struct{}), lastActivity: time.Now(), now: time.Now}
}

// Begin records a request start. Redirect hops reuse the id and are harmless.
func (t *IdleTracker) Begin(id string) {
	t.mu.Lock()
	t.inflight[id] = struct{}{}
	t.lastActivity = t.now()
	t.mu.Unlock()
}

// Done records completion or failure of a request.
func (t *IdleTracker) Done(id string) {
	t.mu.Lock()
	delete(t.inflight, id)
	t.lastActivity = t.now()
	t.mu.Unlock()
}

// Reset forgets every in-flight request, e.g. after a top-level navigation
// abandons the previous document's requests.
func (t *IdleTracker) Reset() {
	t.mu.Lock()
	t.inflight = make(map[string]struct{})
	t.lastActivity = t.now()
	t.mu.Unlock()
}

func (t *IdleTracker) Inflight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

func (t *IdleTracker) idleFor(quiet time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight) == 0 && t.now().Sub(t.lastActivity) >= quiet
}

// Wait blocks until no request has been in flight for quiet, or ctx ends.
func (t *IdleTracker) Wait(ctx context.Context, quiet time.Duration) error {
	if quiet <= 0 {
		quiet = 500 * time.Millisecond
	}
	if t.idleFor(quiet) {
		return nil
	}
	ticker := time.NewTicker(quiet / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if t.idleFor(quiet) {
				return nil
			}
		}
	}
}
