// Package syncer drains the operation queue against the remote API. It owns
// the single authoritative SyncStatus and guarantees at most one sync pass
// runs at a time.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/relaysync/internal/connectivity"
	"github.com/agentworkforce/relaysync/internal/notify"
	"github.com/agentworkforce/relaysync/internal/opqueue"
	"github.com/agentworkforce/relaysync/internal/remote"
)

type Status string

const (
	Synced  Status = "SYNCED"
	Syncing Status = "SYNCING"
	Pending Status = "PENDING"
	Offline Status = "OFFLINE"
	Error   Status = "ERROR"
	Failed  Status = "FAILED"
)

const (
	DefaultBatchSize      = 50
	DefaultMaxAttempts    = 5
	DefaultBackoffBase    = 5 * time.Second
	DefaultBackoffCap     = 60 * time.Second
	DefaultRetryInterval  = 30 * time.Second
	DefaultRequestTimeout = 15 * time.Second
)

var ErrSyncInProgress = errors.New("sync pass already in progress")

type Logger interface {
	Printf(format string, args ...any)
}

// Remote is the slice of the remote API a sync pass needs.
type Remote interface {
	Create(ctx context.Context, storeName, key string, payload json.RawMessage) (json.RawMessage, error)
	Update(ctx context.Context, storeName, key string, payload json.RawMessage) (json.RawMessage, error)
	Delete(ctx context.Context, storeName, key string) error
}

type Queue interface {
	DequeueBatch(ctx context.Context, limit int) []opqueue.Operation
	Ack(ctx context.Context, id string) error
	RecordAttempt(ctx context.Context, id string) (opqueue.Operation, error)
	Abandon(ctx context.Context, op opqueue.Operation, reason string) error
	Len(ctx context.Context) int
	Corrupted() bool
	SubscribePending() (<-chan int, func())
}

type Connectivity interface {
	CheckNow(ctx context.Context) connectivity.State
	State() connectivity.State
	Subscribe() (<-chan connectivity.State, func())
}

// Mirror receives the server's copy of each synced entity.
type Mirror interface {
	ApplyServer(ctx context.Context, storeName, key string, body json.RawMessage) error
}

type Options struct {
	BatchSize      int
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	RetryInterval  time.Duration
	RequestTimeout time.Duration
	Logger         Logger
	// Sleep waits between retries of one operation. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

type PassResult struct {
	Synced    int
	Abandoned int
	// Stuck is the id of the operation that stopped the pass, if any.
	Stuck     string
	Remaining int
}

type Orchestrator struct {
	queue  Queue
	remote Remote
	conn   Connectivity
	mirror Mirror
	opts   Options

	status *notify.Topic[Status]

	inProgress    atomic.Bool
	stopRequested atomic.Bool
	trigger       chan struct{}
	wg            sync.WaitGroup

	mu             sync.Mutex
	lastRemoteSync time.Time
}

func New(queue Queue, rem Remote, conn Connectivity, mirror Mirror, opts Options) *Orchestrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = DefaultBackoffCap
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Sleep == nil {
		opts.Sleep = waitWithContext
	}
	initial := Synced
	if !conn.State().Online {
		initial = Offline
	}
	return &Orchestrator{
		queue:   queue,
		remote:  rem,
		conn:    conn,
		mirror:  mirror,
		opts:    opts,
		status:  notify.NewState(initial),
		trigger: make(chan struct{}, 1),
	}
}

// BackoffDelay is the wait before retrying an operation that has failed
// attempts times: zero first, then base doubling up to cap.
func BackoffDelay(attempts int, base, ceiling time.Duration) time.Duration {
	if attempts <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

func (o *Orchestrator) Status() Status {
	return o.status.Value()
}

// Statuses streams status changes, starting with the current status.
func (o *Orchestrator) Statuses() (<-chan Status, func()) {
	return o.status.Subscribe(1)
}

// Run reacts to connectivity and queue-count transitions until ctx is done.
// Passes started by Run finish before it returns.
func (o *Orchestrator) Run(ctx context.Context) {
	defer o.status.Close()
	defer o.wg.Wait()

	conns, cancelConn := o.conn.Subscribe()
	defer cancelConn()
	counts, cancelCount := o.queue.SubscribePending()
	defer cancelCount()
	ticker := time.NewTicker(o.opts.RetryInterval)
	defer ticker.Stop()

	online := o.conn.State().Online
	pending := o.queue.Len(ctx)
	switch {
	case !online:
		o.setStatus(Offline)
	case pending > 0:
		o.start(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			o.stopRequested.Store(true)
			return
		case state, ok := <-conns:
			if !ok {
				conns = nil
				continue
			}
			was := online
			online = state.Online
			switch {
			case !online:
				o.setStatus(Offline)
			case !was && pending > 0:
				o.start(ctx)
			case !was:
				o.setStatus(Synced)
			}
		case count, ok := <-counts:
			if !ok {
				counts = nil
				continue
			}
			was := pending
			pending = count
			switch {
			case !online:
				if o.Status() != Offline {
					o.setStatus(Offline)
				}
			case was == 0 && pending > 0:
				o.start(ctx)
			case was > 0 && pending == 0 && !o.inProgress.Load():
				o.setStatus(Synced)
			}
		case <-ticker.C:
			if online && (o.retryable() || o.queue.Len(ctx) > 0) {
				o.start(ctx)
			}
		case <-o.trigger:
			if online {
				o.start(ctx)
			}
		}
	}
}

// ForceSync starts a pass if online, the status is PENDING or FAILED, and
// no pass is running. It reports whether a pass was started.
func (o *Orchestrator) ForceSync() bool {
	if !o.conn.State().Online || !o.retryable() || o.inProgress.Load() {
		return false
	}
	o.kick()
	return true
}

// SyncNow runs one pass on the caller's goroutine.
func (o *Orchestrator) SyncNow(ctx context.Context) (PassResult, error) {
	if !o.inProgress.CompareAndSwap(false, true) {
		return PassResult{}, ErrSyncInProgress
	}
	defer o.inProgress.Store(false)
	return o.pass(ctx), nil
}

// Stop asks a running pass to halt after its current operation.
func (o *Orchestrator) Stop() {
	o.stopRequested.Store(true)
	o.wg.Wait()
}

func (o *Orchestrator) Running() bool {
	return o.inProgress.Load()
}

// NoteRemoteEvent records that a remote change was applied locally.
func (o *Orchestrator) NoteRemoteEvent(ts time.Time) {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if ts.After(o.lastRemoteSync) {
		o.lastRemoteSync = ts
	}
}

func (o *Orchestrator) LastRemoteSync() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastRemoteSync
}

func (o *Orchestrator) retryable() bool {
	s := o.Status()
	return s == Pending || s == Failed
}

func (o *Orchestrator) start(ctx context.Context) {
	if o.stopRequested.Load() || !o.inProgress.CompareAndSwap(false, true) {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		result := o.pass(ctx)
		o.inProgress.Store(false)
		if o.stopRequested.Load() || ctx.Err() != nil {
			return
		}
		switch o.Status() {
		case Pending:
			// A pass that made no progress waits for the retry ticker.
			if result.Remaining > 0 && result.Synced+result.Abandoned > 0 {
				o.kick()
			}
		case Synced:
			// Operations queued while the pass was finishing saw the
			// in-progress flag and were not started.
			if o.queue.Len(ctx) > 0 {
				o.kick()
			}
		}
	}()
}

func (o *Orchestrator) kick() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) pass(ctx context.Context) PassResult {
	var result PassResult
	if !o.conn.CheckNow(ctx).Online {
		result.Remaining = o.queue.Len(ctx)
		if o.conn.State().Online && result.Remaining > 0 {
			// One failed probe has not changed the debounced state, so no
			// connectivity event will arrive to restart the pass.
			o.setStatus(Pending)
		} else {
			o.setStatus(Offline)
		}
		return result
	}
	batch := o.queue.DequeueBatch(ctx, o.opts.BatchSize)
	if len(batch) == 0 {
		if o.queue.Corrupted() {
			o.setStatus(Error)
		} else {
			o.setStatus(Synced)
		}
		result.Remaining = o.queue.Len(ctx)
		return result
	}
	o.setStatus(Syncing)

	for _, op := range batch {
		if o.stopRequested.Load() {
			break
		}
		if !o.conn.State().Online {
			break
		}
		if delay := BackoffDelay(op.Attempts, o.opts.BackoffBase, o.opts.BackoffCap); delay > 0 {
			if err := o.opts.Sleep(ctx, delay); err != nil {
				break
			}
		}
		err := o.apply(op)
		if err == nil {
			if ackErr := o.queue.Ack(context.WithoutCancel(ctx), op.ID); ackErr != nil {
				o.logf("error: ack %s: %v", op.ID, ackErr)
			}
			result.Synced++
			continue
		}
		if errors.Is(err, remote.ErrRejected) {
			if abandonErr := o.queue.Abandon(context.WithoutCancel(ctx), op, err.Error()); abandonErr != nil {
				o.logf("error: abandon %s: %v", op.ID, abandonErr)
			}
			result.Abandoned++
			continue
		}
		updated, attemptErr := o.queue.RecordAttempt(context.WithoutCancel(ctx), op.ID)
		if attemptErr != nil {
			o.logf("error: record attempt %s: %v", op.ID, attemptErr)
			updated = op
			updated.Attempts++
		}
		if updated.Attempts >= o.opts.MaxAttempts {
			reason := fmt.Sprintf("gave up after %d attempts: %v", updated.Attempts, err)
			if abandonErr := o.queue.Abandon(context.WithoutCancel(ctx), updated, reason); abandonErr != nil {
				o.logf("error: abandon %s: %v", op.ID, abandonErr)
			}
			result.Abandoned++
			continue
		}
		o.logf("sync %s %s/%s failed (attempt %d/%d): %v", op.Type, op.StoreName, op.Key, updated.Attempts, o.opts.MaxAttempts, err)
		result.Stuck = op.ID
		break
	}

	result.Remaining = o.queue.Len(ctx)
	switch {
	case !o.conn.State().Online:
		o.setStatus(Offline)
	case result.Remaining == 0:
		o.setStatus(Synced)
	case result.Stuck != "" || result.Abandoned > 0:
		o.setStatus(Failed)
	default:
		o.setStatus(Pending)
	}
	return result
}

// apply issues the remote call for op. It runs detached from cancellation
// with its own deadline so shutdown never abandons a write mid-flight.
func (o *Orchestrator) apply(op opqueue.Operation) error {
	ctx, cancel := context.WithTimeout(context.Background(), o.opts.RequestTimeout)
	defer cancel()
	var (
		body json.RawMessage
		err  error
	)
	switch op.Type {
	case opqueue.Create:
		body, err = o.remote.Create(ctx, op.StoreName, op.Key, op.Payload)
	case opqueue.Update:
		body, err = o.remote.Update(ctx, op.StoreName, op.Key, op.Payload)
	case opqueue.Delete:
		err = o.remote.Delete(ctx, op.StoreName, op.Key)
		if remote.IsNotFound(err) {
			return nil
		}
		return err
	default:
		return fmt.Errorf("%w: unknown operation type %q", remote.ErrRejected, op.Type)
	}
	if err != nil {
		return err
	}
	if o.mirror != nil {
		if mirrorErr := o.mirror.ApplyServer(ctx, op.StoreName, op.Key, body); mirrorErr != nil {
			o.logf("error: mirror %s/%s: %v", op.StoreName, op.Key, mirrorErr)
		}
	}
	return nil
}

func (o *Orchestrator) setStatus(s Status) {
	if o.status.Value() == s {
		return
	}
	o.logf("sync status: %s", s)
	o.status.Publish(s)
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.opts.Logger == nil {
		return
	}
	o.opts.Logger.Printf(format, args...)
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
