package mitm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shantenlens/backend/internal/liqi"
)

// ErrDuplicateWaiter is returned when a msg id already has a live waiter.
var ErrDuplicateWaiter = errors.New("waiter already registered for msg id")

// Waiter is a one-shot completion slot for an injected request. The relay
// goroutine resolves it when the matching response frame arrives; the caller
// blocks on Wait from its own goroutine.
type Waiter struct {
	start time.Time
	done  chan struct{}
	once  sync.Once

	mu   sync.Mutex
	resp *liqi.Frame
}

// Wait blocks until the waiter resolves, the timeout elapses, or ctx is
// cancelled. It reports whether a response arrived.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-w.done:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (w *Waiter) resolve(f *liqi.Frame) {
	w.once.Do(func() {
		w.mu.Lock()
		w.resp = f
		w.mu.Unlock()
		close(w.done)
	})
}

func (w *Waiter) response() *liqi.Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.resp
}

// WaiterRegistry maps in-flight injected msg ids to their completion slots.
// Safe for concurrent use from relay and caller goroutines.
type WaiterRegistry struct {
	mu      sync.Mutex
	waiters map[uint16]*Waiter
}

func NewWaiterRegistry() *WaiterRegistry {
	return &WaiterRegistry{waiters: make(map[uint16]*Waiter)}
}

// Register creates a waiter for a msg id. A second registration for the same
// id fails; the caller picked a busy id.
func (r *WaiterRegistry) Register(id uint16) (*Waiter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.waiters[id]; exists {
		return nil, ErrDuplicateWaiter
	}
	w := &Waiter{start: time.Now(), done: make(chan struct{})}
	r.waiters[id] = w
	return w, nil
}

// Resolve completes the waiter for id with the given frame and reports how
// long it had been waiting. Resolving an id nobody waits on is a no-op;
// responses routinely outlive discarded waiters.
func (r *WaiterRegistry) Resolve(id uint16, f *liqi.Frame) (time.Duration, bool) {
	r.mu.Lock()
	w := r.waiters[id]
	r.mu.Unlock()
	if w == nil {
		return 0, false
	}
	w.resolve(f)
	return time.Since(w.start), true
}

// Pop removes the waiter for id and returns its response, or nil when the id
// is unknown or never resolved.
func (r *WaiterRegistry) Pop(id uint16) *liqi.Frame {
	r.mu.Lock()
	w := r.waiters[id]
	delete(r.waiters, id)
	r.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.response()
}

// Discard drops the waiter for id without reading it. Used on timeout so a
// late response resolves into nothing.
func (r *WaiterRegistry) Discard(id uint16) {
	r.mu.Lock()
	delete(r.waiters, id)
	r.mu.Unlock()
}

// Len returns the number of live waiters.
func (r *WaiterRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}
