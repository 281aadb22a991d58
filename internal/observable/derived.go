package observable

import (
	"context"
	"sync"
)

// Derive returns a value computed from src with fn. It subscribes to src only
// while it has subscribers itself.
func Derive[S, T any](src Readable[S], fn func(S) T, opts ...Option[T]) *Value[T] {
	var zero T
	v := NewValue(zero, func(set func(T)) func() {
		return src.Subscribe(func(s S) {
			set(fn(s))
		})
	}, opts...)
	v.compute = func() T { return fn(src.Get()) }
	return v
}

// DeriveAsync returns a value set asynchronously by fn for every source value.
// When fn calls set after a newer source value has arrived the result is
// discarded, so the latest source value always wins.
func DeriveAsync[S, T any](src Readable[S], initial T, fn func(s S, set func(T)), opts ...Option[T]) *Value[T] {
	return NewValue(initial, func(set func(T)) func() {
		var (
			mu  sync.Mutex
			gen uint64
		)
		return src.Subscribe(func(s S) {
			mu.Lock()
			gen++
			mine := gen
			mu.Unlock()

			fn(s, func(t T) {
				mu.Lock()
				current := mine == gen
				mu.Unlock()
				if current {
					set(t)
				}
			})
		})
	}, opts...)
}

// WaitFor blocks until pred holds for the value of r or ctx is done. It keeps r
// observed while waiting.
func WaitFor[T any](ctx context.Context, r Readable[T], pred func(T) bool) (T, error) {
	ch := make(chan T, 1)
	unsubscribe := r.Subscribe(func(v T) {
		if pred(v) {
			select {
			case ch <- v:
			default:
			}
		}
	})
	defer unsubscribe()

	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
