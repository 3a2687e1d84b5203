// Package engine assembles the offline-first sync core: local storage, the
// operation queue, the mirror, connectivity monitoring, the realtime ladder
// and the sync orchestrator.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/agentworkforce/relaysync/internal/config"
	"github.com/agentworkforce/relaysync/internal/connectivity"
	"github.com/agentworkforce/relaysync/internal/kvstore"
	"github.com/agentworkforce/relaysync/internal/mirror"
	"github.com/agentworkforce/relaysync/internal/opqueue"
	"github.com/agentworkforce/relaysync/internal/realtime"
	"github.com/agentworkforce/relaysync/internal/remote"
	"github.com/agentworkforce/relaysync/internal/syncer"
)

const (
	remoteApplyTimeout = 5 * time.Second
	remoteEventBuffer  = 64
)

var (
	ErrClosed  = errors.New("engine closed")
	ErrStarted = errors.New("engine already started")
)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Config config.Config
	// Store replaces the store built from Config.StoreDSN. The engine does
	// not close a store it was given.
	Store      kvstore.KeyValueStore
	HTTPClient *http.Client
	// Prober replaces the remote health check.
	Prober connectivity.Prober
	// Link replaces the link file watcher.
	Link connectivity.LinkSource
	// Transports replaces the socket, stream, poll ladder.
	Transports []realtime.Transport
	Logger     Logger
}

type Engine struct {
	cfg      config.Config
	logger   Logger
	clientID string

	store     kvstore.KeyValueStore
	ownsStore bool
	queue     *opqueue.Queue
	mirror    *mirror.Store
	client    *remote.Client
	monitor   *connectivity.Monitor
	link      connectivity.LinkSource
	ladder    *realtime.Ladder
	orch      *syncer.Orchestrator

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(ctx context.Context, opts Options) (*Engine, error) {
	cfg := opts.Config
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	e := &Engine{cfg: cfg, logger: opts.Logger}
	e.clientID = strings.TrimSpace(cfg.ClientID)
	if e.clientID == "" {
		e.clientID = uuid.NewString()
	}

	e.store = opts.Store
	if e.store == nil {
		store, err := kvstore.BuildFromDSN(cfg.StoreDSN)
		if err != nil {
			return nil, fmt.Errorf("open store %s: %w", cfg.StoreDSN, err)
		}
		e.store, e.ownsStore = store, true
	}

	var validator opqueue.Validator
	if dir := strings.TrimSpace(cfg.SchemaDir); dir != "" {
		schemas, err := opqueue.LoadSchemaDir(dir)
		if err != nil {
			e.closeStore()
			return nil, err
		}
		validator = schemas
	}
	queue, err := opqueue.New(ctx, e.store, opqueue.Options{
		Logger:            opts.Logger,
		Validator:         validator,
		DisableDeadLetter: cfg.DisableDeadLetter,
	})
	if err != nil {
		e.closeStore()
		return nil, err
	}
	e.queue = queue
	e.mirror = mirror.New(e.store, mirror.Options{Logger: opts.Logger, Pending: queue.HasPending})

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Sync.RequestTimeout}
	}
	e.client = remote.NewClient(cfg.BaseURL, tokenProvider(cfg), e.clientID, httpClient)

	prober := opts.Prober
	if prober == nil {
		prober = e.client
	}
	e.monitor = connectivity.NewMonitor(prober, connectivity.Config{
		ProbeInterval: cfg.Connectivity.ProbeInterval,
		ProbeTimeout:  cfg.Connectivity.ProbeTimeout,
		Debounce:      cfg.Connectivity.Debounce,
		Logger:        opts.Logger,
	})
	e.link = opts.Link
	if e.link == nil && strings.TrimSpace(cfg.Connectivity.LinkFile) != "" {
		e.link = connectivity.FileLink{Path: cfg.Connectivity.LinkFile, Logger: opts.Logger}
	}

	transports := opts.Transports
	if len(transports) == 0 {
		transports = e.defaultTransports(httpClient)
	}
	e.ladder = realtime.NewLadder(transports, realtime.LadderOptions{
		ClientID:      e.clientID,
		RetryDelay:    cfg.Realtime.ReconnectDelay,
		MaxRetryDelay: cfg.Realtime.MaxReconnectDelay,
		BufferSize:    cfg.Realtime.BufferSize,
		Logger:        opts.Logger,
		Handler:       e.applyRemote,
		IsAcked: func(opID string) bool {
			return !queue.Has(context.Background(), opID)
		},
	})

	e.orch = syncer.New(queue, e.client, e.monitor, e.mirror, syncer.Options{
		BatchSize:      cfg.Sync.BatchSize,
		MaxAttempts:    cfg.Sync.MaxAttempts,
		BackoffBase:    cfg.Sync.BackoffBase,
		BackoffCap:     cfg.Sync.BackoffCap,
		RetryInterval:  cfg.Sync.RetryInterval,
		RequestTimeout: cfg.Sync.RequestTimeout,
		Logger:         opts.Logger,
	})
	return e, nil
}

// defaultTransports builds the socket, stream, poll ladder. Long-lived
// connections get a client without an overall timeout.
func (e *Engine) defaultTransports(httpClient *http.Client) []realtime.Transport {
	streaming := &http.Client{Transport: httpClient.Transport}
	var transports []realtime.Transport
	if !e.cfg.Realtime.DisableSocket {
		transports = append(transports, &realtime.SocketTransport{
			URL:        e.cfg.SocketURL,
			ClientID:   e.clientID,
			Tokens:     e.client,
			HTTPClient: streaming,
			Logger:     e.logger,
		})
	}
	if !e.cfg.Realtime.DisableStream {
		transports = append(transports, &realtime.StreamTransport{
			URL:        e.cfg.StreamURL,
			ClientID:   e.clientID,
			Tokens:     e.client,
			Pusher:     e.client,
			HTTPClient: streaming,
			Logger:     e.logger,
		})
	}
	return append(transports, &realtime.PollTransport{
		Client:      e.client,
		Interval:    e.cfg.Realtime.PollInterval,
		MaxFailures: e.cfg.Realtime.PollMaxFailures,
		Timeout:     e.cfg.Sync.RequestTimeout,
		Logger:      e.logger,
	})
}

// Start runs every background loop until Close is called. ctx only bounds
// the wait for the first connectivity probe; the loops outlive it.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, err := e.begin(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	e.spawn(func() { e.monitor.Run(runCtx) })
	if e.link != nil {
		e.spawn(func() {
			if err := e.link.Watch(runCtx, e.monitor.SetLink); err != nil {
				e.logf("warning: link watcher stopped: %v", err)
			}
		})
	}
	select {
	case <-e.monitor.Ready():
	case <-ctx.Done():
		e.cancel()
		return ctx.Err()
	}

	e.ladder.SetOnline(e.monitor.State().Online)
	e.spawn(func() { e.ladder.Run(runCtx) })
	e.spawn(func() { e.forwardConnectivity(runCtx) })
	e.spawn(func() { e.orch.Run(runCtx) })
	e.logf("engine started (client %s)", e.clientID)
	return nil
}

// RunOnce probes connectivity and drains the queue without starting the
// realtime channel. It cannot be combined with Start.
func (e *Engine) RunOnce(ctx context.Context) (syncer.PassResult, error) {
	runCtx, err := e.begin(ctx)
	if err != nil {
		return syncer.PassResult{}, err
	}
	e.spawn(func() { e.monitor.Run(runCtx) })
	select {
	case <-e.monitor.Ready():
	case <-ctx.Done():
		return syncer.PassResult{}, ctx.Err()
	}

	var total syncer.PassResult
	for {
		result, err := e.orch.SyncNow(ctx)
		if err != nil {
			return total, err
		}
		total.Synced += result.Synced
		total.Abandoned += result.Abandoned
		total.Stuck = result.Stuck
		total.Remaining = result.Remaining
		if result.Remaining == 0 || e.orch.Status() != syncer.Pending || ctx.Err() != nil {
			return total, nil
		}
	}
}

func (e *Engine) begin(ctx context.Context) (context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if e.started {
		return nil, ErrStarted
	}
	e.started = true
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	return runCtx, nil
}

// Close stops every loop, waits for in-flight work and releases storage.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.queue.Close()
	e.mirror.Close()
	return e.closeStore()
}

// Enqueue records a local mutation, applies it optimistically to the mirror
// and announces it on the realtime channel.
func (e *Engine) Enqueue(ctx context.Context, storeName, key string, opType opqueue.OpType, payload json.RawMessage, priority int) (opqueue.Operation, error) {
	op, err := e.queue.Enqueue(ctx, storeName, key, opType, payload, priority)
	if err != nil {
		return opqueue.Operation{}, err
	}
	if err := e.mirror.ApplyLocal(ctx, op); err != nil {
		e.logf("error: optimistic write %s/%s: %v", op.StoreName, op.Key, err)
	}
	event := remote.Event{
		ID:         "evt_" + ulid.Make().String(),
		EntityType: op.StoreName,
		Action:     actionFor(op.Type),
		Key:        op.Key,
		Payload:    op.Payload,
		Timestamp:  op.Timestamp,
		OpID:       op.ID,
	}
	if err := e.ladder.Send(ctx, event); err != nil {
		e.logf("warning: outbound event for %s/%s not buffered: %v", op.StoreName, op.Key, err)
	}
	return op, nil
}

// Publish sends an ephemeral event that is not queued for sync.
func (e *Engine) Publish(ctx context.Context, event remote.Event) error {
	if strings.TrimSpace(event.EntityType) == "" {
		return fmt.Errorf("%w: event entity type is required", kvstore.ErrInvalidInput)
	}
	if event.ID == "" {
		event.ID = "evt_" + ulid.Make().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return e.ladder.Send(ctx, event)
}

func (e *Engine) PendingCount() (<-chan int, func()) {
	return e.queue.SubscribePending()
}

func (e *Engine) SyncStatus() (<-chan syncer.Status, func()) {
	return e.orch.Statuses()
}

func (e *Engine) Status() syncer.Status {
	return e.orch.Status()
}

// ForceSync reports whether a pass was started.
func (e *Engine) ForceSync() bool {
	return e.orch.ForceSync()
}

// RemoteEvents streams remote changes for entityType; mirror.AllTypes
// streams every type.
func (e *Engine) RemoteEvents(entityType string) (<-chan remote.Event, func()) {
	return e.mirror.Events(entityType, remoteEventBuffer)
}

func (e *Engine) ChannelState() (<-chan realtime.State, func()) {
	return e.ladder.States()
}

func (e *Engine) Channel() realtime.State {
	return e.ladder.State()
}

func (e *Engine) Connectivity() connectivity.State {
	return e.monitor.State()
}

func (e *Engine) Alerts() (<-chan string, func()) {
	return e.queue.Alerts()
}

// SetLink feeds an OS link transition from the host.
func (e *Engine) SetLink(up bool) {
	e.monitor.SetLink(up)
}

func (e *Engine) LastRemoteSync() time.Time {
	return e.orch.LastRemoteSync()
}

func (e *Engine) ClientID() string { return e.clientID }

func (e *Engine) Mirror() *mirror.Store { return e.mirror }

func (e *Engine) Queue() *opqueue.Queue { return e.queue }

func (e *Engine) Config() config.Config { return e.cfg }

func (e *Engine) Remote() *remote.Client { return e.client }

func (e *Engine) applyRemote(event remote.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), remoteApplyTimeout)
	defer cancel()
	if err := e.mirror.Apply(ctx, event); err != nil {
		e.logf("error: apply remote event %s: %v", event.ID, err)
		return
	}
	e.orch.NoteRemoteEvent(event.Timestamp)
}

func (e *Engine) forwardConnectivity(ctx context.Context) {
	states, cancel := e.monitor.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-states:
			if !ok {
				return
			}
			e.ladder.SetOnline(state.Online)
		}
	}
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

func (e *Engine) closeStore() error {
	if !e.ownsStore || e.store == nil {
		return nil
	}
	return e.store.Close()
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}

func tokenProvider(cfg config.Config) remote.TokenProvider {
	if path := strings.TrimSpace(cfg.TokenFile); path != "" {
		return remote.FileToken{Path: path}
	}
	return remote.StaticToken(cfg.Token)
}

func actionFor(opType opqueue.OpType) string {
	switch opType {
	case opqueue.Create:
		return "created"
	case opqueue.Delete:
		return "deleted"
	default:
		return "updated"
	}
}
