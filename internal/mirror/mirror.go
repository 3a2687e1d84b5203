// Package mirror holds the local cached copy of remote entities, one
// key-value partition per entity type, and fans remote events out to
// subscribers.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/agentworkforce/relaysync/internal/kvstore"
	"github.com/agentworkforce/relaysync/internal/notify"
	"github.com/agentworkforce/relaysync/internal/opqueue"
	"github.com/agentworkforce/relaysync/internal/remote"
)

// AllTypes subscribes to events of every entity type.
const AllTypes = "*"

type Logger interface {
	Printf(format string, args ...any)
}

// PendingFunc reports whether a local edit for storeName/key is still queued.
type PendingFunc func(ctx context.Context, storeName, key string) bool

type Options struct {
	Logger Logger
	// Pending shadows remote events for keys with queued local edits.
	Pending PendingFunc
}

type Store struct {
	kv      kvstore.KeyValueStore
	logger  Logger
	pending PendingFunc

	mu     sync.Mutex
	topics map[string]*notify.Topic[remote.Event]
	closed bool
}

func New(kv kvstore.KeyValueStore, opts Options) *Store {
	return &Store{
		kv:      kv,
		logger:  opts.Logger,
		pending: opts.Pending,
		topics:  map[string]*notify.Topic[remote.Event]{},
	}
}

// SetPending installs the shadowing predicate after construction, for
// callers that build the queue after the mirror.
func (s *Store) SetPending(fn PendingFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = fn
}

func (s *Store) Put(ctx context.Context, storeName, key string, value json.RawMessage) error {
	if storeName == opqueue.Partition || storeName == opqueue.DeadLetterPartition {
		return fmt.Errorf("%w: %s is reserved", kvstore.ErrInvalidInput, storeName)
	}
	return s.kv.Put(ctx, storeName, kvstore.Record{Key: key, Value: value})
}

func (s *Store) Get(ctx context.Context, storeName, key string) (json.RawMessage, error) {
	rec, err := s.kv.Get(ctx, storeName, key)
	if err != nil {
		return nil, err
	}
	return rec.Value, nil
}

func (s *Store) Delete(ctx context.Context, storeName, key string) error {
	return s.kv.Delete(ctx, storeName, key)
}

func (s *Store) All(ctx context.Context, storeName string) (map[string]json.RawMessage, error) {
	records, err := s.kv.GetAll(ctx, storeName)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(records))
	for _, rec := range records {
		out[rec.Key] = rec.Value
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context, storeName string) (int, error) {
	return s.kv.Count(ctx, storeName)
}

// ApplyLocal is the optimistic write made when an operation is queued.
func (s *Store) ApplyLocal(ctx context.Context, op opqueue.Operation) error {
	if op.Type == opqueue.Delete {
		return s.Delete(ctx, op.StoreName, op.Key)
	}
	return s.Put(ctx, op.StoreName, op.Key, op.Payload)
}

// ApplyServer overwrites the mirrored entity with the server's response.
// An empty or non-JSON body leaves the optimistic copy in place.
func (s *Store) ApplyServer(ctx context.Context, storeName, key string, body json.RawMessage) error {
	if len(body) == 0 || !json.Valid(body) || string(body) == "null" {
		return nil
	}
	return s.Put(ctx, storeName, key, body)
}

// Apply writes a remote event into the mirror and publishes it to
// subscribers. Keys with queued local edits keep their local value.
func (s *Store) Apply(ctx context.Context, event remote.Event) error {
	entityType := strings.TrimSpace(event.EntityType)
	if entityType == "" {
		return fmt.Errorf("%w: event %s has no entity type", kvstore.ErrInvalidInput, event.ID)
	}
	key := event.EntityKey()
	var err error
	switch {
	case key == "":
		s.logf("warning: remote event %s for %s has no key; publishing only", event.ID, entityType)
	case s.shadowed(ctx, entityType, key):
		s.logf("remote %s %s/%s shadowed by pending local edit", event.Action, entityType, key)
	default:
		err = s.write(ctx, entityType, key, event)
	}
	s.publish(entityType, event)
	return err
}

func (s *Store) write(ctx context.Context, entityType, key string, event remote.Event) error {
	switch strings.ToLower(strings.TrimSpace(event.Action)) {
	case "created", "create", "updated", "update", "upsert":
		if len(event.Payload) == 0 {
			return nil
		}
		return s.Put(ctx, entityType, key, event.Payload)
	case "deleted", "delete":
		err := s.Delete(ctx, entityType, key)
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil
		}
		return err
	default:
		s.logf("warning: ignoring remote action %q for %s/%s", event.Action, entityType, key)
		return nil
	}
}

func (s *Store) shadowed(ctx context.Context, storeName, key string) bool {
	s.mu.Lock()
	fn := s.pending
	s.mu.Unlock()
	return fn != nil && fn(ctx, storeName, key)
}

// Events subscribes to applied remote events for one entity type, or every
// type with AllTypes.
func (s *Store) Events(entityType string, buffer int) (<-chan remote.Event, func()) {
	return s.topic(entityType).Subscribe(buffer)
}

func (s *Store) publish(entityType string, event remote.Event) {
	s.topic(entityType).Publish(event)
	s.topic(AllTypes).Publish(event)
}

func (s *Store) topic(entityType string) *notify.Topic[remote.Event] {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[entityType]
	if !ok {
		t = notify.NewStream[remote.Event]()
		if s.closed {
			t.Close()
		}
		s.topics[entityType] = t
	}
	return t
}

func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, t := range s.topics {
		t.Close()
	}
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
