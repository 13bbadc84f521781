// Package observable provides the two stream shapes the managers publish:
// Value, a state slice whose watchers always start from the latest value,
// and Feed, a one-shot event stream without replay.
//
// Publishing never blocks. A watcher that falls behind loses its oldest
// pending values, never the latest one.
package observable

import (
	"context"
	"log"
	"sync"
)

const (
	watchBuffer     = 16
	subscribeBuffer = 64
)

// Value holds the current value of a state slice.
type Value[T any] struct {
	mu       sync.Mutex
	cur      T
	equal    func(a, b T) bool
	watchers map[chan T]struct{}
}

// NewValue returns a Value that skips publishing when the new value equals
// the current one.
func NewValue[T comparable](initial T) *Value[T] {
	return NewValueFunc(initial, func(a, b T) bool { return a == b })
}

// NewValueFunc returns a Value using equal to suppress duplicate publishes.
// A nil equal publishes every Set.
func NewValueFunc[T any](initial T, equal func(a, b T) bool) *Value[T] {
	return &Value[T]{
		cur:      initial,
		equal:    equal,
		watchers: make(map[chan T]struct{}),
	}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cur
}

// Set stores x and publishes it to all watchers. It reports whether the
// value changed.
func (v *Value[T]) Set(x T) bool {
	return v.Update(func(T) T { return x })
}

// Update applies fn to the current value atomically and publishes the
// result. It reports whether the value changed.
func (v *Value[T]) Update(fn func(T) T) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	next := fn(v.cur)
	if v.equal != nil && v.equal(v.cur, next) {
		return false
	}
	v.cur = next
	for ch := range v.watchers {
		offer(ch, next)
	}
	return true
}

// Watch returns a channel that first receives the current value and then
// every published value until ctx is done, at which point it is closed.
func (v *Value[T]) Watch(ctx context.Context) <-chan T {
	ch := make(chan T, watchBuffer)

	v.mu.Lock()
	ch <- v.cur
	v.watchers[ch] = struct{}{}
	v.mu.Unlock()

	go func() {
		<-ctx.Done()
		v.mu.Lock()
		delete(v.watchers, ch)
		close(ch)
		v.mu.Unlock()
	}()
	return ch
}

// Watchers returns the number of active watchers.
func (v *Value[T]) Watchers() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.watchers)
}

// offer sends x, dropping the oldest pending value when ch is full. Callers
// hold the lock that guards every send on ch.
func offer[T any](ch chan T, x T) {
	select {
	case ch <- x:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- x:
	default:
	}
}

// Feed is a one-shot event stream. Events published while nobody is
// subscribed are discarded.
type Feed[T any] struct {
	mu   sync.Mutex
	subs map[chan T]struct{}
}

func NewFeed[T any]() *Feed[T] {
	return &Feed[T]{subs: make(map[chan T]struct{})}
}

// Publish delivers x to every subscriber and returns how many received it.
func (f *Feed[T]) Publish(x T) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for ch := range f.subs {
		select {
		case ch <- x:
			n++
		default:
			log.Printf("observable: subscriber too slow, dropping event %T", x)
		}
	}
	return n
}

// Subscribe returns a channel receiving events published after the call.
// It is closed once ctx is done.
func (f *Feed[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, subscribeBuffer)

	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, ch)
		close(ch)
		f.mu.Unlock()
	}()
	return ch
}

// Subscribers returns the number of active subscribers.
func (f *Feed[T]) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
