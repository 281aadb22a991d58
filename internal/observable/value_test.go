package observable

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder[T any] struct {
	mu   sync.Mutex
	seen []T
}

func (r *recorder[T]) record(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, v)
}

func (r *recorder[T]) values() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.seen...)
}

func TestValueSubscribe(t *testing.T) {
	v := NewValue(1, nil)

	var rec recorder[int]
	unsubscribe := v.Subscribe(rec.record)
	v.Set(2)
	v.Update(func(n int) int { return n * 10 })
	unsubscribe()
	v.Set(3)

	if diff := cmp.Diff([]int{1, 2, 20}, rec.values()); diff != "" {
		t.Errorf("notifications; diff (-want +got):\n%s", diff)
	}
	assert.Equal(t, 3, v.Get())
}

func TestValueActivation(t *testing.T) {
	var starts, stops int
	v := NewValue("idle", func(set func(string)) func() {
		starts++
		set("active")
		return func() { stops++ }
	})

	first := v.Subscribe(func(string) {})
	second := v.Subscribe(func(string) {})
	assert.Equal(t, "active", v.Get())
	assert.Equal(t, 1, starts)

	first()
	first()
	assert.Equal(t, 0, stops, "stop must wait for the last subscriber")

	third := v.Subscribe(func(string) {})
	assert.Equal(t, 1, starts, "start only runs on the 0->1 transition")

	second()
	third()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 0, v.Subscribers())

	again := v.Subscribe(func(string) {})
	again()
	assert.Equal(t, 2, starts)
	assert.Equal(t, 2, stops)
}

func TestValueReentrantSet(t *testing.T) {
	v := NewValue(0, nil)

	var rec recorder[int]
	v.Subscribe(func(n int) {
		if n > 0 && n < 3 {
			v.Set(n + 1)
		}
	})
	v.Subscribe(rec.record)

	v.Set(1)

	if diff := cmp.Diff([]int{0, 1, 2, 3}, rec.values()); diff != "" {
		t.Errorf("notifications must stay ordered; diff (-want +got):\n%s", diff)
	}
}

func TestValueEqual(t *testing.T) {
	v := NewValue(false, nil, Equal[bool]())

	var rec recorder[bool]
	v.Subscribe(rec.record)
	v.Set(false)
	v.Set(true)
	v.Set(true)

	if diff := cmp.Diff([]bool{false, true}, rec.values()); diff != "" {
		t.Errorf("diff (-want +got):\n%s", diff)
	}
}

func TestValueConcurrentUpdate(t *testing.T) {
	v := NewValue(0, nil)
	v.Subscribe(func(int) {})

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			v.Update(func(n int) int { return n + 1 })
		}()
		go func() {
			defer wg.Done()
			v.Update(func(n int) int { return n - 1 })
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, v.Get())
}

func TestDerive(t *testing.T) {
	var starts int
	src := NewValue(2, func(set func(int)) func() {
		starts++
		return nil
	})
	double := Derive(src, func(n int) int { return n * 2 })

	assert.Equal(t, 4, double.Get(), "unobserved derived values compute from source")
	assert.Equal(t, 0, starts)

	var rec recorder[int]
	unsubscribe := double.Subscribe(rec.record)
	assert.Equal(t, 1, starts, "observing the derived value activates the source")
	src.Set(5)
	unsubscribe()
	assert.Equal(t, 0, src.Subscribers())

	if diff := cmp.Diff([]int{4, 10}, rec.values()); diff != "" {
		t.Errorf("diff (-want +got):\n%s", diff)
	}
}

func TestDeriveAsyncLatestWins(t *testing.T) {
	src := NewValue(0, nil)
	var (
		mu      sync.Mutex
		setters = map[int]func(string){}
	)
	out := DeriveAsync(src, "none", func(n int, set func(string)) {
		mu.Lock()
		setters[n] = set
		mu.Unlock()
	})
	out.Subscribe(func(string) {})

	src.Set(1)
	src.Set(2)

	mu.Lock()
	setters[2]("two")
	setters[1]("one")
	mu.Unlock()

	assert.Equal(t, "two", out.Get())
}

func TestWaitFor(t *testing.T) {
	v := NewValue("loading", nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		v.Set("syncing")
		v.Set("established")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, err := WaitFor(ctx, v, func(s string) bool { return s == "established" })
	require.NoError(t, err)
	assert.Equal(t, "established", got)
	assert.Equal(t, 0, v.Subscribers())

	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()
	_, err = WaitFor(short, v, func(s string) bool { return s == "never" })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestValueUpdateIf(t *testing.T) {
	v := NewValue(1, nil)

	var rec recorder[int]
	v.Subscribe(rec.record)
	v.UpdateIf(func(n int) (int, bool) { return n + 1, false })
	v.UpdateIf(func(n int) (int, bool) { return n + 1, true })

	if diff := cmp.Diff([]int{1, 2}, rec.values()); diff != "" {
		t.Errorf("diff (-want +got):\n%s", diff)
	}
}
