package realtime

import (
	"errors"
	"sync"

	"github.com/agentworkforce/relaysync/internal/remote"
)

const DefaultBufferSize = 256

var ErrBufferFull = errors.New("outbound buffer full")

// Buffer holds outbound events while no transport can take them. It is a
// bounded FIFO that keeps the oldest events: once full, new events are
// rejected.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	items    []remote.Event
	queued   map[string]struct{}
	sent     *idSet
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &Buffer{
		capacity: capacity,
		queued:   map[string]struct{}{},
		sent:     newIDSet(capacity * 4),
	}
}

// Add queues events and reports how many were accepted. Events already
// queued or already sent are skipped without counting as rejected.
func (b *Buffer) Add(events ...remote.Event) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	accepted := 0
	for _, event := range events {
		if event.ID != "" {
			if _, ok := b.queued[event.ID]; ok {
				continue
			}
			if b.sent.has(event.ID) {
				continue
			}
		}
		if len(b.items) >= b.capacity {
			return accepted, ErrBufferFull
		}
		b.items = append(b.items, event)
		if event.ID != "" {
			b.queued[event.ID] = struct{}{}
		}
		accepted++
	}
	return accepted, nil
}

// Drain removes everything queued and returns the events still worth
// sending: events whose operation was already acknowledged are dropped.
func (b *Buffer) Drain(isAcked func(opID string) bool) []remote.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]remote.Event, 0, len(b.items))
	for _, event := range b.items {
		if event.OpID != "" && isAcked != nil && isAcked(event.OpID) {
			continue
		}
		if event.ID != "" && b.sent.has(event.ID) {
			continue
		}
		out = append(out, event)
	}
	b.items = nil
	b.queued = map[string]struct{}{}
	return out
}

// Requeue puts back events that never reached the server ahead of anything
// added since. Overflow drops the newest events.
func (b *Buffer) Requeue(events []remote.Event) {
	if len(events) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, event := range events {
		b.sent.remove(event.ID)
	}
	merged := make([]remote.Event, 0, len(events)+len(b.items))
	queued := map[string]struct{}{}
	for _, event := range append(append([]remote.Event(nil), events...), b.items...) {
		if event.ID != "" {
			if _, ok := queued[event.ID]; ok {
				continue
			}
		}
		if len(merged) >= b.capacity {
			break
		}
		merged = append(merged, event)
		if event.ID != "" {
			queued[event.ID] = struct{}{}
		}
	}
	b.items = merged
	b.queued = queued
}

func (b *Buffer) MarkSent(events []remote.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, event := range events {
		if event.ID != "" {
			b.sent.add(event.ID)
		}
	}
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// idSet remembers the most recent ids up to a fixed size.
type idSet struct {
	limit int
	order []string
	ids   map[string]struct{}
}

func newIDSet(limit int) *idSet {
	if limit <= 0 {
		limit = 1024
	}
	return &idSet{limit: limit, ids: map[string]struct{}{}}
}

func (s *idSet) has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *idSet) remove(id string) {
	if _, ok := s.ids[id]; !ok {
		return
	}
	delete(s.ids, id)
	for i, seen := range s.order {
		if seen == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// add reports whether id was new.
func (s *idSet) add(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.limit {
		evict := s.order[0]
		s.order = s.order[1:]
		delete(s.ids, evict)
	}
	return true
}
