// Package notify provides small typed publish/subscribe topics.
//
// A State topic holds a current value. New subscribers receive it right away
// and slow subscribers only ever see the latest value. A Stream topic fans
// out discrete events and drops them for subscribers whose buffer is full.
package notify

import (
	"sync"
	"sync/atomic"
)

type Topic[T any] struct {
	mu      sync.Mutex
	subs    map[int]chan T
	nextID  int
	value   T
	state   bool
	closed  bool
	dropped atomic.Int64
}

func NewState[T any](initial T) *Topic[T] {
	return &Topic[T]{subs: map[int]chan T{}, value: initial, state: true}
}

func NewStream[T any]() *Topic[T] {
	return &Topic[T]{subs: map[int]chan T{}}
}

// Subscribe returns a receive channel and a cancel func. The channel is
// closed on cancel or when the topic closes.
func (t *Topic[T]) Subscribe(buffer int) (<-chan T, func()) {
	if t.state || buffer < 1 {
		buffer = 1
	}
	ch := make(chan T, buffer)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		close(ch)
		return ch, func() {}
	}
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	if t.state {
		ch <- t.value
	}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if sub, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(sub)
			}
		})
	}
}

func (t *Topic[T]) Publish(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if t.state {
		t.value = v
	}
	for _, ch := range t.subs {
		if t.state {
			// Replace whatever the subscriber has not read yet.
			select {
			case <-ch:
			default:
			}
		}
		select {
		case ch <- v:
		default:
			t.dropped.Add(1)
		}
	}
}

// Value returns the current value of a State topic, or the zero value for a
// Stream.
func (t *Topic[T]) Value() T {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

// Dropped reports how many deliveries were skipped because a subscriber
// buffer was full.
func (t *Topic[T]) Dropped() int64 {
	return t.dropped.Load()
}

func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
}
