// Package opqueue is the durable, ordered record of local mutations that
// still have to reach the remote API.
package opqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentworkforce/relaysync/internal/kvstore"
	"github.com/agentworkforce/relaysync/internal/notify"
)

const (
	Partition           = "operations"
	DeadLetterPartition = "operations_dead"
)

var ErrInvalidOperation = errors.New("invalid operation")

type OpType string

const (
	Create OpType = "CREATE"
	Update OpType = "UPDATE"
	Delete OpType = "DELETE"
)

func ParseOpType(raw string) (OpType, error) {
	switch t := OpType(strings.ToUpper(strings.TrimSpace(raw))); t {
	case Create, Update, Delete:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, raw)
}

// Operation is immutable once queued except for Attempts and LastAttemptAt.
type Operation struct {
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	StoreName     string          `json:"storeName"`
	Type          OpType          `json:"type"`
	Key           string          `json:"key"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      int             `json:"priority"`
	Attempts      int             `json:"attempts"`
	LastAttemptAt *time.Time      `json:"lastAttemptAt,omitempty"`
}

type DeadLetter struct {
	Operation   Operation `json:"operation"`
	Reason      string    `json:"reason"`
	AbandonedAt time.Time `json:"abandonedAt"`
}

type Logger interface {
	Printf(format string, args ...any)
}

type Validator interface {
	Validate(storeName string, payload json.RawMessage) error
}

type Options struct {
	Logger    Logger
	Validator Validator
	// DisableDeadLetter drops abandoned operations without keeping a record.
	DisableDeadLetter bool
	Now               func() time.Time
}

type Queue struct {
	store      kvstore.KeyValueStore
	logger     Logger
	validator  Validator
	deadLetter bool
	now        func() time.Time

	// mu serializes every mutation; reads of the pending count go through
	// the topic.
	mu            sync.Mutex
	lastTimestamp time.Time

	pending     *notify.Topic[int]
	alerts      *notify.Topic[string]
	corruptOnce sync.Once
	corrupted   atomic.Bool
}

func New(ctx context.Context, store kvstore.KeyValueStore, opts Options) (*Queue, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	q := &Queue{
		store:      store,
		logger:     opts.Logger,
		validator:  opts.Validator,
		deadLetter: !opts.DisableDeadLetter,
		now:        now,
		pending:    notify.NewState(0),
		alerts:     notify.NewState(""),
	}
	q.pending.Publish(q.Len(ctx))
	return q, nil
}

func (q *Queue) Enqueue(ctx context.Context, storeName, key string, opType OpType, payload json.RawMessage, priority int) (Operation, error) {
	storeName = strings.TrimSpace(storeName)
	key = strings.TrimSpace(key)
	if storeName == "" || key == "" {
		return Operation{}, fmt.Errorf("%w: store name and key are required", ErrInvalidOperation)
	}
	if _, err := ParseOpType(string(opType)); err != nil {
		return Operation{}, err
	}
	switch {
	case opType == Delete && len(payload) > 0:
		return Operation{}, fmt.Errorf("%w: DELETE carries no payload", ErrInvalidOperation)
	case opType != Delete && len(payload) == 0:
		return Operation{}, fmt.Errorf("%w: %s requires a payload", ErrInvalidOperation, opType)
	case len(payload) > 0 && !json.Valid(payload):
		return Operation{}, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidOperation)
	}
	if q.validator != nil && opType != Delete {
		if err := q.validator.Validate(storeName, payload); err != nil {
			return Operation{}, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	op := Operation{
		ID:        ulid.Make().String(),
		Timestamp: q.nextTimestamp(),
		StoreName: storeName,
		Type:      opType,
		Key:       key,
		Payload:   append(json.RawMessage(nil), payload...),
		Priority:  priority,
	}
	if err := q.putLocked(ctx, op); err != nil {
		return Operation{}, err
	}
	q.publishCountLocked(ctx)
	return op, nil
}

// DequeueBatch returns up to limit operations in queue order without
// removing them. limit <= 0 returns everything.
func (q *Queue) DequeueBatch(ctx context.Context, limit int) []Operation {
	ops := q.Pending(ctx)
	if limit > 0 && len(ops) > limit {
		ops = ops[:limit]
	}
	return ops
}

// Pending returns a sorted snapshot of every queued operation.
func (q *Queue) Pending(ctx context.Context) []Operation {
	ops := q.load(ctx)
	sortOperations(ops)
	return ops
}

// Ack removes an operation. Acking an unknown id is a no-op.
func (q *Queue) Ack(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.Delete(ctx, Partition, id); err != nil {
		return err
	}
	q.publishCountLocked(ctx)
	return nil
}

func (q *Queue) RecordAttempt(ctx context.Context, id string) (Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	op, err := q.getLocked(ctx, id)
	if err != nil {
		return Operation{}, err
	}
	at := q.now().UTC()
	op.Attempts++
	op.LastAttemptAt = &at
	if err := q.putLocked(ctx, op); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// Abandon drops an operation that can no longer be delivered.
func (q *Queue) Abandon(ctx context.Context, op Operation, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.logf("warning: abandoning %s %s/%s (id=%s attempts=%d): %s", op.Type, op.StoreName, op.Key, op.ID, op.Attempts, reason)
	if q.deadLetter {
		letter := DeadLetter{Operation: op, Reason: reason, AbandonedAt: q.now().UTC()}
		data, err := json.Marshal(letter)
		if err != nil {
			return err
		}
		if err := q.store.Put(ctx, DeadLetterPartition, kvstore.Record{
			Key:     op.ID,
			Value:   data,
			Indexes: map[string]string{"storeName": op.StoreName},
		}); err != nil {
			q.logf("error: record dead letter %s: %v", op.ID, err)
		}
	}
	if err := q.store.Delete(ctx, Partition, op.ID); err != nil {
		return err
	}
	q.publishCountLocked(ctx)
	return nil
}

func (q *Queue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	records, err := q.store.GetAll(ctx, DeadLetterPartition)
	if err != nil {
		return nil, err
	}
	letters := make([]DeadLetter, 0, len(records))
	for _, rec := range records {
		var letter DeadLetter
		if err := json.Unmarshal(rec.Value, &letter); err != nil {
			q.logf("error: skip unreadable dead letter %s: %v", rec.Key, err)
			continue
		}
		letters = append(letters, letter)
	}
	sort.Slice(letters, func(i, j int) bool {
		return letters[i].AbandonedAt.Before(letters[j].AbandonedAt)
	})
	return letters, nil
}

func (q *Queue) Get(ctx context.Context, id string) (Operation, error) {
	return q.getLocked(ctx, id)
}

func (q *Queue) Has(ctx context.Context, id string) bool {
	_, err := q.store.Get(ctx, Partition, id)
	return err == nil
}

// Len counts the operations that can still be decoded and synced.
func (q *Queue) Len(ctx context.Context) int {
	return len(q.load(ctx))
}

// HasPending reports whether any queued operation targets storeName/key.
func (q *Queue) HasPending(ctx context.Context, storeName, key string) bool {
	records, err := q.store.ByIndex(ctx, Partition, "entity", entityIndex(storeName, key))
	if err != nil {
		return false
	}
	return len(records) > 0
}

// SubscribePending streams the pending count; the current value is sent
// first.
func (q *Queue) SubscribePending() (<-chan int, func()) {
	return q.pending.Subscribe(1)
}

func (q *Queue) PendingCount() int {
	return q.pending.Value()
}

// Alerts carries the one-time corruption alert. The current value is sent
// first, so a subscriber that arrives late still sees it; empty means no
// alert has been raised.
func (q *Queue) Alerts() (<-chan string, func()) {
	return q.alerts.Subscribe(1)
}

func (q *Queue) Corrupted() bool {
	return q.corrupted.Load()
}

func (q *Queue) Close() {
	q.pending.Close()
	q.alerts.Close()
}

func (q *Queue) getLocked(ctx context.Context, id string) (Operation, error) {
	rec, err := q.store.Get(ctx, Partition, id)
	if err != nil {
		return Operation{}, err
	}
	var op Operation
	if err := json.Unmarshal(rec.Value, &op); err != nil {
		q.reportCorruption(fmt.Errorf("decode operation %s: %w", id, err))
		return Operation{}, err
	}
	return op, nil
}

func (q *Queue) putLocked(ctx context.Context, op Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	return q.store.Put(ctx, Partition, kvstore.Record{
		Key:   op.ID,
		Value: data,
		Indexes: map[string]string{
			"timestamp": op.Timestamp.UTC().Format(time.RFC3339Nano),
			"storeName": op.StoreName,
			"priority":  strconv.Itoa(op.Priority),
			"entity":    entityIndex(op.StoreName, op.Key),
		},
	})
}

func (q *Queue) publishCountLocked(ctx context.Context) {
	q.pending.Publish(q.Len(ctx))
}

// nextTimestamp never repeats or goes backwards so enqueue order survives a
// coarse or adjusted clock.
func (q *Queue) nextTimestamp() time.Time {
	ts := q.now().UTC()
	if !ts.After(q.lastTimestamp) {
		ts = q.lastTimestamp.Add(time.Nanosecond)
	}
	q.lastTimestamp = ts
	return ts
}

// load reads every decodable operation. A clean read clears the corrupted
// flag left by an earlier failure.
func (q *Queue) load(ctx context.Context) []Operation {
	records, err := q.store.GetAll(ctx, Partition)
	if err != nil {
		q.reportCorruption(fmt.Errorf("read operations: %w", err))
		return nil
	}
	ops := q.decodeAll(records)
	if len(ops) == len(records) {
		q.corrupted.Store(false)
	}
	return ops
}

func (q *Queue) decodeAll(records []kvstore.Record) []Operation {
	ops := make([]Operation, 0, len(records))
	for _, rec := range records {
		var op Operation
		if err := json.Unmarshal(rec.Value, &op); err != nil || op.ID == "" {
			if err == nil {
				err = errors.New("missing id")
			}
			q.reportCorruption(fmt.Errorf("decode operation %s: %w", rec.Key, err))
			continue
		}
		ops = append(ops, op)
	}
	return ops
}

func (q *Queue) reportCorruption(err error) {
	q.corrupted.Store(true)
	q.corruptOnce.Do(func() {
		q.logf("error: operation queue storage is unreadable: %v", err)
		q.alerts.Publish("offline changes could not be read from local storage: " + err.Error())
	})
}

func (q *Queue) logf(format string, args ...any) {
	if q.logger == nil {
		return
	}
	q.logger.Printf(format, args...)
}

// sortOperations orders by priority, then age. An operation never ranks
// above an earlier one for the same entity: its priority is capped at the
// lowest priority queued before it for that storeName/key.
func sortOperations(ops []Operation) {
	sort.SliceStable(ops, func(i, j int) bool { return olderFirst(ops[i], ops[j]) })
	ceiling := make(map[string]int, len(ops))
	effective := make(map[string]int, len(ops))
	for _, op := range ops {
		entity := entityIndex(op.StoreName, op.Key)
		priority := op.Priority
		if limit, ok := ceiling[entity]; ok && limit < priority {
			priority = limit
		}
		ceiling[entity] = priority
		effective[op.ID] = priority
	}
	sort.SliceStable(ops, func(i, j int) bool {
		pi, pj := effective[ops[i].ID], effective[ops[j].ID]
		if pi != pj {
			return pi > pj
		}
		return olderFirst(ops[i], ops[j])
	})
}

func olderFirst(a, b Operation) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

func entityIndex(storeName, key string) string {
	return storeName + "/" + key
}
