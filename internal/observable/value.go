// Package observable provides reference-counted reactive values.
//
// A Value holds a current value and a list of subscribers. An optional start
// function runs when the value gains its first subscriber and the stop function
// it returns runs when the last subscriber leaves, so remote listeners and
// pollers only live while somebody is observing.
package observable

import (
	"sync"
	"sync/atomic"
)

// Readable is the read side of a reactive value
type Readable[T any] interface {
	// Subscribe registers fn and delivers the current value to it, followed by
	// every later change. The returned function unsubscribes and is idempotent.
	Subscribe(fn func(T)) (unsubscribe func())

	// Get returns the current value
	Get() T
}

// StartFunc activates a value. It receives the setter and returns the function
// that deactivates it again (may be nil).
type StartFunc[T any] func(set func(T)) (stop func())

// Option configures a Value
type Option[T any] func(*Value[T])

// WithEqual suppresses notifications when the new value equals the current one
func WithEqual[T any](equal func(a, b T) bool) Option[T] {
	return func(v *Value[T]) {
		v.equal = equal
	}
}

// Equal is WithEqual for comparable types
func Equal[T comparable]() Option[T] {
	return WithEqual(func(a, b T) bool { return a == b })
}

type subscriber[T any] struct {
	fn     func(T)
	closed atomic.Bool
}

type delivery[T any] struct {
	value T
	to    []*subscriber[T]
}

// Value is a reactive value. The zero value is not usable; use NewValue.
type Value[T any] struct {
	// lifecycle serializes the 0->1 and 1->0 subscriber transitions
	lifecycle sync.Mutex
	stop      func()

	mu       sync.Mutex
	value    T
	subs     []*subscriber[T]
	pending  []delivery[T]
	emitting bool

	start   StartFunc[T]
	equal   func(a, b T) bool
	compute func() T
}

// NewValue creates a reactive value seeded with initial
func NewValue[T any](initial T, start StartFunc[T], opts ...Option[T]) *Value[T] {
	v := &Value[T]{
		value: initial,
		start: start,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Get returns the current value. A derived value that nobody observes computes
// it from its source instead of returning a stale copy.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.subs) == 0 && v.compute != nil {
		return v.compute()
	}
	return v.value
}

// Set replaces the current value and notifies subscribers
func (v *Value[T]) Set(value T) {
	v.mu.Lock()
	changed := v.setLocked(value)
	v.mu.Unlock()
	if changed {
		v.flush()
	}
}

// Update atomically replaces the current value with fn(current)
func (v *Value[T]) Update(fn func(T) T) {
	v.mu.Lock()
	changed := v.setLocked(fn(v.value))
	v.mu.Unlock()
	if changed {
		v.flush()
	}
}

// UpdateIf is Update where fn may decline the change by returning false
func (v *Value[T]) UpdateIf(fn func(T) (T, bool)) {
	v.mu.Lock()
	next, ok := fn(v.value)
	changed := ok && v.setLocked(next)
	v.mu.Unlock()
	if changed {
		v.flush()
	}
}

func (v *Value[T]) setLocked(value T) bool {
	if v.equal != nil && v.equal(v.value, value) {
		return false
	}
	v.value = value
	if len(v.subs) == 0 {
		return false
	}
	to := make([]*subscriber[T], len(v.subs))
	copy(to, v.subs)
	v.pending = append(v.pending, delivery[T]{value: value, to: to})
	return true
}

// Subscribe implements Readable
func (v *Value[T]) Subscribe(fn func(T)) func() {
	s := &subscriber[T]{fn: fn}

	v.lifecycle.Lock()
	v.mu.Lock()
	first := len(v.subs) == 0
	v.mu.Unlock()

	if first && v.start != nil {
		v.stop = v.start(v.Set)
	}

	v.mu.Lock()
	v.subs = append(v.subs, s)
	v.pending = append(v.pending, delivery[T]{value: v.value, to: []*subscriber[T]{s}})
	v.mu.Unlock()
	v.lifecycle.Unlock()

	v.flush()

	var once sync.Once
	return func() {
		once.Do(func() { v.unsubscribe(s) })
	}
}

func (v *Value[T]) unsubscribe(s *subscriber[T]) {
	s.closed.Store(true)

	v.lifecycle.Lock()
	defer v.lifecycle.Unlock()

	v.mu.Lock()
	for i, sub := range v.subs {
		if sub == s {
			v.subs = append(v.subs[:i:i], v.subs[i+1:]...)
			break
		}
	}
	last := len(v.subs) == 0
	v.mu.Unlock()

	if last && v.stop != nil {
		stop := v.stop
		v.stop = nil
		stop()
	}
}

// Subscribers returns the number of active subscribers
func (v *Value[T]) Subscribers() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.subs)
}

// flush delivers pending notifications in order. Only one goroutine delivers at
// a time; a Set made from inside a callback is queued behind the current round.
func (v *Value[T]) flush() {
	v.mu.Lock()
	if v.emitting {
		v.mu.Unlock()
		return
	}
	v.emitting = true
	for len(v.pending) > 0 {
		d := v.pending[0]
		v.pending[0] = delivery[T]{}
		v.pending = v.pending[1:]
		v.mu.Unlock()
		for _, s := range d.to {
			if !s.closed.Load() {
				s.fn(d.value)
			}
		}
		v.mu.Lock()
	}
	v.emitting = false
	v.mu.Unlock()
}
