package opqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relaysync/internal/kvstore"
)

type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *captureLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *captureLogger) count(prefix string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, line := range l.lines {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

func newTestQueue(t *testing.T, opts Options) (*Queue, kvstore.KeyValueStore) {
	t.Helper()
	store := kvstore.NewMemoryStore()
	q, err := New(context.Background(), store, opts)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(q.Close)
	return q, store
}

func TestQueueLengthMatchesEnqueuesMinusAcks(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		op, err := q.Enqueue(ctx, "elements", "e1", Update, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)), 0)
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		ids = append(ids, op.ID)
	}
	if got := q.Len(ctx); got != 5 {
		t.Fatalf("expected 5 queued same-key operations without coalescing, got %d", got)
	}
	if err := q.Ack(ctx, ids[1]); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := q.Ack(ctx, ids[3]); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if got := q.Len(ctx); got != 3 {
		t.Fatalf("expected 3 after two acks, got %d", got)
	}
	if q.PendingCount() != 3 {
		t.Fatalf("expected pending count topic to read 3, got %d", q.PendingCount())
	}
}

func TestAckIsIdempotent(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	a, _ := q.Enqueue(ctx, "elements", "a", Create, json.RawMessage(`{"id":"a"}`), 0)
	_, _ = q.Enqueue(ctx, "elements", "b", Create, json.RawMessage(`{"id":"b"}`), 0)
	if err := q.Ack(ctx, a.ID); err != nil {
		t.Fatalf("first ack: %v", err)
	}
	if err := q.Ack(ctx, a.ID); err != nil {
		t.Fatalf("second ack: %v", err)
	}
	if got := q.Len(ctx); got != 1 {
		t.Fatalf("expected 1 remaining after double ack, got %d", got)
	}
	if q.Has(ctx, a.ID) {
		t.Fatalf("expected acked operation to be gone")
	}
}

func TestDequeueBatchOrdersByPriorityThenTimestamp(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q, _ := newTestQueue(t, Options{Now: func() time.Time { return clock }})
	ctx := context.Background()
	low1, _ := q.Enqueue(ctx, "elements", "k", Create, json.RawMessage(`{}`), 0)
	low2, _ := q.Enqueue(ctx, "elements", "k", Update, json.RawMessage(`{}`), 0)
	high, _ := q.Enqueue(ctx, "maps", "m", Update, json.RawMessage(`{}`), 5)

	batch := q.DequeueBatch(ctx, 10)
	if len(batch) != 3 {
		t.Fatalf("expected 3 operations, got %d", len(batch))
	}
	if batch[0].ID != high.ID || batch[1].ID != low1.ID || batch[2].ID != low2.ID {
		t.Fatalf("unexpected order: %s %s %s", batch[0].ID, batch[1].ID, batch[2].ID)
	}
	if !low1.Timestamp.Before(low2.Timestamp) {
		t.Fatalf("expected strictly increasing timestamps under a frozen clock")
	}
	if got := q.DequeueBatch(ctx, 2); len(got) != 2 {
		t.Fatalf("expected limit to cap the batch, got %d", len(got))
	}
	if q.Len(ctx) != 3 {
		t.Fatalf("dequeue must not remove operations")
	}
}

func TestRecordAttemptIncrementsAndStamps(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	op, _ := q.Enqueue(ctx, "elements", "e1", Create, json.RawMessage(`{"id":"e1"}`), 0)
	for i := 1; i <= 2; i++ {
		updated, err := q.RecordAttempt(ctx, op.ID)
		if err != nil {
			t.Fatalf("record attempt: %v", err)
		}
		if updated.Attempts != i || updated.LastAttemptAt == nil {
			t.Fatalf("expected attempts=%d with timestamp, got %+v", i, updated)
		}
	}
	stored, err := q.Get(ctx, op.ID)
	if err != nil || stored.Attempts != 2 {
		t.Fatalf("expected persisted attempts 2, got %+v (%v)", stored, err)
	}
	if _, err := q.RecordAttempt(ctx, "missing"); !errors.Is(err, kvstore.ErrNotFound) {
		t.Fatalf("expected not found for unknown id, got %v", err)
	}
}

func TestEnqueueValidatesInput(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	cases := []struct {
		name    string
		store   string
		key     string
		opType  OpType
		payload json.RawMessage
	}{
		{"empty store", "", "k", Create, json.RawMessage(`{}`)},
		{"empty key", "s", "", Create, json.RawMessage(`{}`)},
		{"unknown type", "s", "k", OpType("PATCH"), json.RawMessage(`{}`)},
		{"delete with payload", "s", "k", Delete, json.RawMessage(`{}`)},
		{"create without payload", "s", "k", Create, nil},
		{"broken json", "s", "k", Update, json.RawMessage(`{`)},
	}
	for _, tc := range cases {
		if _, err := q.Enqueue(ctx, tc.store, tc.key, tc.opType, tc.payload, 0); !errors.Is(err, ErrInvalidOperation) {
			t.Fatalf("%s: expected ErrInvalidOperation, got %v", tc.name, err)
		}
	}
	if _, err := q.Enqueue(ctx, "s", "k", Delete, nil, 0); err != nil {
		t.Fatalf("delete without payload should be accepted: %v", err)
	}
}

func TestAbandonWritesDeadLetter(t *testing.T) {
	logger := &captureLogger{}
	q, _ := newTestQueue(t, Options{Logger: logger})
	ctx := context.Background()
	op, _ := q.Enqueue(ctx, "elements", "e1", Update, json.RawMessage(`{"id":"e1"}`), 0)
	if err := q.Abandon(ctx, op, "http 503"); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if q.Len(ctx) != 0 {
		t.Fatalf("expected abandoned operation to leave the queue")
	}
	letters, err := q.DeadLetters(ctx)
	if err != nil || len(letters) != 1 {
		t.Fatalf("expected one dead letter, got %d (%v)", len(letters), err)
	}
	if letters[0].Operation.ID != op.ID || letters[0].Reason != "http 503" {
		t.Fatalf("unexpected dead letter %+v", letters[0])
	}
	if logger.count("warning: abandoning") != 1 {
		t.Fatalf("expected one warning log, got %v", logger.lines)
	}
}

func TestAbandonWithoutDeadLetter(t *testing.T) {
	q, _ := newTestQueue(t, Options{DisableDeadLetter: true})
	ctx := context.Background()
	op, _ := q.Enqueue(ctx, "elements", "e1", Update, json.RawMessage(`{"id":"e1"}`), 0)
	_ = q.Abandon(ctx, op, "gone")
	letters, _ := q.DeadLetters(ctx)
	if len(letters) != 0 {
		t.Fatalf("expected no dead letters, got %d", len(letters))
	}
}

func TestHasPendingTracksEntity(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	op, _ := q.Enqueue(ctx, "elements", "e1", Update, json.RawMessage(`{"id":"e1"}`), 0)
	if !q.HasPending(ctx, "elements", "e1") {
		t.Fatalf("expected pending operation for elements/e1")
	}
	if q.HasPending(ctx, "elements", "e2") || q.HasPending(ctx, "maps", "e1") {
		t.Fatalf("expected no pending operation for other entities")
	}
	_ = q.Ack(ctx, op.ID)
	if q.HasPending(ctx, "elements", "e1") {
		t.Fatalf("expected no pending operation after ack")
	}
}

func TestSubscribePendingSeesTransitions(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	counts, cancel := q.SubscribePending()
	defer cancel()
	if got := <-counts; got != 0 {
		t.Fatalf("expected initial count 0, got %d", got)
	}
	op, _ := q.Enqueue(ctx, "elements", "e1", Create, json.RawMessage(`{}`), 0)
	if got := <-counts; got != 1 {
		t.Fatalf("expected count 1, got %d", got)
	}
	_ = q.Ack(ctx, op.ID)
	if got := <-counts; got != 0 {
		t.Fatalf("expected count 0, got %d", got)
	}
}

type failingStore struct {
	kvstore.KeyValueStore
}

func (failingStore) GetAll(context.Context, string) ([]kvstore.Record, error) {
	return nil, errors.New("disk I/O error")
}

func (failingStore) Count(context.Context, string) (int, error) {
	return 0, errors.New("disk I/O error")
}

func TestUnreadableStorageDegradesToEmpty(t *testing.T) {
	logger := &captureLogger{}
	q, err := New(context.Background(), failingStore{kvstore.NewMemoryStore()}, Options{Logger: logger})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	defer q.Close()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if got := q.DequeueBatch(ctx, 10); len(got) != 0 {
			t.Fatalf("expected empty batch, got %d", len(got))
		}
	}
	if q.Len(ctx) != 0 {
		t.Fatalf("expected zero length for unreadable storage")
	}
	if !q.Corrupted() {
		t.Fatalf("expected queue to report corruption")
	}
	if logger.count("error:") != 1 {
		t.Fatalf("expected exactly one error log, got %v", logger.lines)
	}
}

func TestCorruptRecordIsSkipped(t *testing.T) {
	q, store := newTestQueue(t, Options{})
	ctx := context.Background()
	alerts, cancel := q.Alerts()
	defer cancel()
	good, _ := q.Enqueue(ctx, "elements", "e1", Create, json.RawMessage(`{"id":"e1"}`), 0)
	if err := store.Put(ctx, Partition, kvstore.Record{Key: "junk", Value: json.RawMessage(`"not an operation"`)}); err != nil {
		t.Fatalf("seed junk record: %v", err)
	}
	batch := q.DequeueBatch(ctx, 10)
	if len(batch) != 1 || batch[0].ID != good.ID {
		t.Fatalf("expected only the readable operation, got %+v", batch)
	}
	waitForAlert(t, alerts)
}

func waitForAlert(t *testing.T, alerts <-chan string) string {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case msg, ok := <-alerts:
			if !ok {
				t.Fatalf("alerts closed before the corruption alert")
			}
			if msg != "" {
				return msg
			}
		case <-deadline:
			t.Fatalf("expected corruption alert")
		}
	}
}

func TestAlertReachesSubscriberAfterStartup(t *testing.T) {
	q, err := New(context.Background(), failingStore{kvstore.NewMemoryStore()}, Options{})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	defer q.Close()
	alerts, cancel := q.Alerts()
	defer cancel()
	if msg := waitForAlert(t, alerts); !strings.Contains(msg, "disk I/O error") {
		t.Fatalf("expected the storage error in the alert, got %q", msg)
	}
}

type flakyStore struct {
	kvstore.KeyValueStore
	mu    sync.Mutex
	fails int
}

func (s *flakyStore) GetAll(ctx context.Context, partition string) ([]kvstore.Record, error) {
	s.mu.Lock()
	if s.fails > 0 {
		s.fails--
		s.mu.Unlock()
		return nil, errors.New("transient read error")
	}
	s.mu.Unlock()
	return s.KeyValueStore.GetAll(ctx, partition)
}

func TestLenSkipsUndecodableRecordsAndCleanReadClearsCorruption(t *testing.T) {
	store := &flakyStore{KeyValueStore: kvstore.NewMemoryStore()}
	q, err := New(context.Background(), store, Options{})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	defer q.Close()
	ctx := context.Background()
	op, _ := q.Enqueue(ctx, "elements", "e1", Create, json.RawMessage(`{"id":"e1"}`), 0)
	if err := store.Put(ctx, Partition, kvstore.Record{Key: "junk", Value: json.RawMessage(`"not an operation"`)}); err != nil {
		t.Fatalf("seed junk record: %v", err)
	}
	if got := q.Len(ctx); got != 1 {
		t.Fatalf("expected only the decodable operation counted, got %d", got)
	}
	if err := q.Ack(ctx, op.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if q.PendingCount() != 0 {
		t.Fatalf("expected pending count to reach 0 with only junk left, got %d", q.PendingCount())
	}
	if err := store.Delete(ctx, Partition, "junk"); err != nil {
		t.Fatalf("delete junk: %v", err)
	}

	store.mu.Lock()
	store.fails = 1
	store.mu.Unlock()
	if q.Len(ctx) != 0 || !q.Corrupted() {
		t.Fatalf("expected a failed read to mark the queue corrupted")
	}
	if q.Len(ctx) != 0 || q.Corrupted() {
		t.Fatalf("expected a clean read to clear the corrupted flag")
	}
}

func TestLaterHigherPriorityWaitsForSameEntity(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q, _ := newTestQueue(t, Options{Now: func() time.Time { return clock }})
	ctx := context.Background()
	create, _ := q.Enqueue(ctx, "elements", "e1", Create, json.RawMessage(`{"id":"e1"}`), 0)
	update, _ := q.Enqueue(ctx, "elements", "e1", Update, json.RawMessage(`{"id":"e1","x":1}`), 5)
	other, _ := q.Enqueue(ctx, "elements", "e2", Create, json.RawMessage(`{"id":"e2"}`), 3)
	urgent, _ := q.Enqueue(ctx, "maps", "m1", Create, json.RawMessage(`{"id":"m1"}`), 9)

	batch := q.DequeueBatch(ctx, 0)
	want := []string{urgent.ID, other.ID, create.ID, update.ID}
	if len(batch) != len(want) {
		t.Fatalf("expected %d operations, got %d", len(want), len(batch))
	}
	for i, id := range want {
		if batch[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s %s/%s", i, id, batch[i].Type, batch[i].StoreName, batch[i].Key)
		}
	}
	if batch[3].Priority != 5 {
		t.Fatalf("expected the stored priority left untouched, got %d", batch[3].Priority)
	}
}
