// Package events provides the small notification primitives used by the
// runner: a synchronous publish/subscribe emitter and a settle-once future.
package events

import (
	"context"
	"sync"
)

// Subscription is a handle to a registered listener.
type Subscription interface {
	// Close unregisters the listener. It is safe to call more than once.
	Close()
}

type listener[T any] struct {
	id int
	fn func(T)
}

// Emitter dispatches values to subscribed listeners synchronously, in
// registration order. It is safe for concurrent use, but listeners are
// invoked without the emitter lock held, so a listener may subscribe or
// unsubscribe from within a callback.
type Emitter[T any] struct {
	mu        sync.Mutex
	nextID    int
	listeners []listener[T]
}

func NewEmitter[T any]() *Emitter[T] {
	return &Emitter[T]{}
}

func (e *Emitter[T]) Subscribe(fn func(T)) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.listeners = append(e.listeners, listener[T]{id: id, fn: fn})
	return &subscription[T]{emitter: e, id: id}
}

// Emit invokes every listener registered at the time of the call, in
// registration order, before returning.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	snapshot := make([]listener[T], len(e.listeners))
	copy(snapshot, e.listeners)
	e.mu.Unlock()
	for _, l := range snapshot {
		l.fn(v)
	}
}

func (e *Emitter[T]) remove(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.listeners {
		if e.listeners[i].id == id {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			return
		}
	}
}

type subscription[T any] struct {
	emitter   *Emitter[T]
	id        int
	closeOnce sync.Once
}

func (s *subscription[T]) Close() {
	s.closeOnce.Do(func() {
		s.emitter.remove(s.id)
	})
}

// Future is a settle-once cell: the first Resolve wins and later calls are
// no-ops. Waiters observe the settled value through Done or Wait.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve settles the future. It reports whether this call was the one that
// settled it.
func (f *Future[T]) Resolve(v T) bool {
	settled := false
	f.once.Do(func() {
		f.val = v
		close(f.done)
		settled = true
	})
	return settled
}

// Done returns a channel closed once the future settles.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Get returns the settled value, if any.
func (f *Future[T]) Get() (T, bool) {
	select {
	case <-f.done:
		return f.val, true
	default:
		var zero T
		return zero, false
	}
}

// Wait blocks until the future settles or the context is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
