package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/relaysync/internal/remote"
)

const (
	DefaultPollInterval    = 10 * time.Second
	defaultPollMaxFailures = 3
	defaultPollTimeout     = 15 * time.Second
)

type Poller interface {
	Poll(ctx context.Context, since time.Time) ([]remote.Event, error)
	PushBatch(ctx context.Context, events []remote.Event) error
}

// PollTransport is the last stage: it pulls events since the newest
// timestamp it has seen and piggybacks outbound events on each tick.
type PollTransport struct {
	Client      Poller
	Interval    time.Duration
	MaxFailures int
	Timeout     time.Duration
	Logger      Logger

	mu    sync.Mutex
	since time.Time
}

func (t *PollTransport) Kind() Kind { return Poll }

// Since is the timestamp of the newest event seen so far.
func (t *PollTransport) Since() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.since
}

func (t *PollTransport) Connect(ctx context.Context, deliver func(remote.Event)) (Session, error) {
	if t.Client == nil {
		return nil, &TransportError{Transport: Poll, Err: fmt.Errorf("no poll client")}
	}
	if err := t.pollOnce(ctx, deliver); err != nil {
		return nil, &TransportError{Transport: Poll, Err: err}
	}
	interval := t.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	maxFailures := t.MaxFailures
	if maxFailures <= 0 {
		maxFailures = defaultPollMaxFailures
	}
	sessCtx, stop := context.WithCancel(context.Background())
	s := &pollSession{transport: t, stop: stop}
	s.init()
	go s.loop(sessCtx, interval, maxFailures, deliver)
	return s, nil
}

func (t *PollTransport) pollOnce(ctx context.Context, deliver func(remote.Event)) error {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	events, err := t.Client.Poll(ctx, t.Since())
	if err != nil {
		return err
	}
	for _, event := range events {
		t.observe(event.Timestamp)
		deliver(event)
	}
	return nil
}

func (t *PollTransport) observe(ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ts.After(t.since) {
		t.since = ts
	}
}

type pollSession struct {
	sessionBase
	transport *PollTransport
	stop      context.CancelFunc

	mu     sync.Mutex
	outbox []remote.Event
}

func (s *pollSession) loop(ctx context.Context, interval time.Duration, maxFailures int, deliver func(remote.Event)) {
	defer s.stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			s.finish(nil)
			return
		case <-ticker.C:
		}
		s.flush(ctx)
		if err := s.transport.pollOnce(ctx, deliver); err != nil {
			if ctx.Err() != nil {
				s.finish(nil)
				return
			}
			failures++
			s.logf("poll failed (%d/%d): %v", failures, maxFailures, err)
			if failures >= maxFailures {
				s.finish(&TransportError{Transport: Poll, Err: err})
				return
			}
			continue
		}
		failures = 0
	}
}

func (s *pollSession) flush(ctx context.Context) {
	s.mu.Lock()
	pending := s.outbox
	s.outbox = nil
	s.mu.Unlock()
	if len(pending) == 0 {
		return
	}
	if err := s.transport.Client.PushBatch(ctx, pending); err != nil {
		s.logf("poll push of %d events failed: %v", len(pending), err)
		s.mu.Lock()
		s.outbox = append(pending, s.outbox...)
		s.mu.Unlock()
	}
}

// Send holds events for the next tick's batched push.
func (s *pollSession) Send(_ context.Context, events []remote.Event) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox = append(s.outbox, events...)
	return nil
}

// Pending returns events sent to a closed session that never reached the
// server.
func (s *pollSession) Pending() []remote.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]remote.Event(nil), s.outbox...)
}

func (s *pollSession) Close() error {
	s.stop()
	<-s.done
	return nil
}

func (s *pollSession) logf(format string, args ...any) {
	if s.transport.Logger == nil {
		return
	}
	s.transport.Logger.Printf(format, args...)
}
