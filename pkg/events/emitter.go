// Package events provides a small typed publish/subscribe emitter used to
// deliver protocol messages and derived events to registered listeners.
//
// Listeners are invoked synchronously on the emitting goroutine, in the order
// they were registered. A panicking listener is logged and does not prevent
// later listeners from running.
package events

import (
	"log/slog"
	"sync"
)

// Handle identifies a single listener registration so it can be removed with
// [Emitter.Off].
type Handle uint64

// Emitter dispatches payloads of type T to listeners keyed by event type K.
// The zero value is ready to use. All methods are safe for concurrent use.
type Emitter[K comparable, T any] struct {
	mu     sync.Mutex
	nextID Handle
	lists  map[K][]registration[T]
}

type registration[T any] struct {
	id   Handle
	once bool
	fn   func(T)
}

// On registers a persistent listener for event. The returned Handle can be
// passed to Off to remove it again.
func (e *Emitter[K, T]) On(event K, fn func(T)) Handle {
	return e.add(event, fn, false)
}

// Once registers a listener that is removed right before its first invocation.
func (e *Emitter[K, T]) Once(event K, fn func(T)) Handle {
	return e.add(event, fn, true)
}

func (e *Emitter[K, T]) add(event K, fn func(T), once bool) Handle {
	if fn == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lists == nil {
		e.lists = make(map[K][]registration[T])
	}
	e.nextID++
	id := e.nextID
	e.lists[event] = append(e.lists[event], registration[T]{id: id, once: once, fn: fn})
	return id
}

// Off removes the listener registered under h for event. Removing an unknown
// or already-removed handle is a no-op.
func (e *Emitter[K, T]) Off(event K, h Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	regs := e.lists[event]
	for i, r := range regs {
		if r.id == h {
			e.lists[event] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// Emit invokes all listeners registered for event with payload, in
// registration order. One-shot listeners are deregistered before they run, so
// re-registering from inside the callback is safe.
func (e *Emitter[K, T]) Emit(event K, payload T) {
	e.mu.Lock()
	regs := e.lists[event]
	snapshot := make([]registration[T], len(regs))
	copy(snapshot, regs)
	// Drop one-shot listeners before invoking anything.
	kept := regs[:0]
	for _, r := range regs {
		if !r.once {
			kept = append(kept, r)
		}
	}
	if e.lists != nil {
		e.lists[event] = kept
	}
	e.mu.Unlock()

	for _, r := range snapshot {
		invoke(event, r.fn, payload)
	}
}

func invoke[K comparable, T any](event K, fn func(T), payload T) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Warn("event listener panicked", "event", event, "panic", rec)
		}
	}()
	fn(payload)
}

// Listeners returns the number of listeners currently registered for event.
func (e *Emitter[K, T]) Listeners(event K) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.lists[event])
}

// RemoveAll drops every listener for every event.
func (e *Emitter[K, T]) RemoveAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lists = nil
}
