// Package observer keeps ordered callback lists per event kind.
package observer

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Handle identifies one subscription.
type Handle[K comparable] struct {
	Kind K
	id   uint64
}

type entry[E any] struct {
	id uint64
	fn func(E)
}

// Registry maps kinds to handlers called in subscription order.
type Registry[K comparable, E any] struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[K][]entry[E]
	log      *zap.Logger
}

func New[K comparable, E any](log *zap.Logger) *Registry[K, E] {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry[K, E]{handlers: make(map[K][]entry[E]), log: log}
}

func (r *Registry[K, E]) Subscribe(kind K, fn func(E)) Handle[K] {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.handlers[kind] = append(r.handlers[kind], entry[E]{id: r.nextID, fn: fn})
	return Handle[K]{Kind: kind, id: r.nextID}
}

// Unsubscribe removes a handler. It reports false if h was not registered.
func (r *Registry[K, E]) Unsubscribe(h Handle[K]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.handlers[h.Kind]
	for i, e := range list {
		if e.id == h.id {
			r.handlers[h.Kind] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Registry[K, E]) Len(kind K) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers[kind])
}

// Emit calls the handlers of kind in order. A panicking handler is logged
// and skipped. Handlers may subscribe or unsubscribe while being called.
func (r *Registry[K, E]) Emit(kind K, ev E) {
	r.mu.Lock()
	list := append([]entry[E](nil), r.handlers[kind]...)
	r.mu.Unlock()
	for _, e := range list {
		r.call(kind, e, ev)
	}
}

func (r *Registry[K, E]) call(kind K, e entry[E], ev E) {
	defer func() {
		if v := recover(); v != nil {
			r.log.Error("observer panicked", zap.String("kind", fmt.Sprint(kind)), zap.Any("panic", v))
		}
	}()
	e.fn(ev)
}
