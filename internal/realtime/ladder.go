package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/agentworkforce/relaysync/internal/notify"
	"github.com/agentworkforce/relaysync/internal/remote"
)

const (
	DefaultRetryDelay    = time.Second
	DefaultMaxRetryDelay = 30 * time.Second
	defaultSendTimeout   = 10 * time.Second
)

type LadderOptions struct {
	ClientID      string
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	BufferSize    int
	Logger        Logger
	// Handler receives every inbound event that is neither self-originated
	// nor a duplicate.
	Handler func(remote.Event)
	// IsAcked reports whether a queued operation has been acknowledged, so
	// buffered events for it are not sent twice.
	IsAcked func(opID string) bool
}

// Ladder owns the ordered transport list. It climbs from the top until a
// transport connects, falls back on failure, and re-climbs after abnormal
// closure or an online transition.
type Ladder struct {
	transports []Transport
	opts       LadderOptions
	buffer     *Buffer
	state      *notify.Topic[State]
	kick       chan struct{}

	mu       sync.Mutex
	session  Session
	kind     Kind
	online   bool
	reclimb  bool
	inbound  *idSet
	inboundM sync.Mutex
}

func NewLadder(transports []Transport, opts LadderOptions) *Ladder {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.MaxRetryDelay < opts.RetryDelay {
		opts.MaxRetryDelay = DefaultMaxRetryDelay
		if opts.MaxRetryDelay < opts.RetryDelay {
			opts.MaxRetryDelay = opts.RetryDelay
		}
	}
	return &Ladder{
		transports: transports,
		opts:       opts,
		buffer:     NewBuffer(opts.BufferSize),
		state:      notify.NewState(State{Transport: None, Status: Disconnected}),
		kick:       make(chan struct{}, 1),
		online:     true,
		inbound:    newIDSet(4096),
	}
}

func (l *Ladder) State() State {
	return l.state.Value()
}

// States streams channel state changes, starting with the current one.
func (l *Ladder) States() (<-chan State, func()) {
	return l.state.Subscribe(1)
}

func (l *Ladder) Buffered() int {
	return l.buffer.Len()
}

// SetOnline feeds connectivity transitions. Going offline drops the current
// session; coming back online re-climbs from the top.
func (l *Ladder) SetOnline(online bool) {
	l.mu.Lock()
	changed := l.online != online
	l.online = online
	if changed && online {
		l.reclimb = true
	}
	l.mu.Unlock()
	if changed {
		l.poke()
	}
}

// Reconnect re-climbs from the top, also after a graceful close.
func (l *Ladder) Reconnect() {
	l.mu.Lock()
	l.reclimb = true
	l.mu.Unlock()
	l.poke()
}

// Send delivers outbound events on the current session, or buffers them
// when none is connected or the send fails. Only a full buffer is an error.
func (l *Ladder) Send(ctx context.Context, events ...remote.Event) error {
	if len(events) == 0 {
		return nil
	}
	for i := range events {
		if events[i].OriginID == "" {
			events[i].OriginID = l.opts.ClientID
		}
	}
	l.mu.Lock()
	session := l.session
	l.mu.Unlock()
	if session != nil {
		sendCtx, cancel := context.WithTimeout(ctx, defaultSendTimeout)
		err := session.Send(sendCtx, events)
		cancel()
		if err == nil {
			l.buffer.MarkSent(events)
			return nil
		}
		l.logf("realtime: send failed, buffering %d events: %v", len(events), err)
	}
	if _, err := l.buffer.Add(events...); err != nil {
		l.logf("warning: realtime outbound buffer full; dropping new events")
		return err
	}
	return nil
}

// Run climbs the ladder and keeps a session alive until ctx is done.
func (l *Ladder) Run(ctx context.Context) {
	defer l.state.Close()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.opts.RetryDelay
	bo.MaxInterval = l.opts.MaxRetryDelay
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		if ctx.Err() != nil {
			return
		}
		if !l.isOnline() {
			l.state.Publish(State{Transport: None, Status: Disconnected})
			if !l.waitKick(ctx, 0) {
				return
			}
			continue
		}
		l.takeReclimb()

		session, kind := l.climb(ctx)
		if session == nil {
			if ctx.Err() != nil {
				return
			}
			l.state.Publish(State{Transport: None, Status: Disconnected})
			delay := bo.NextBackOff()
			if delay == backoff.Stop {
				delay = l.opts.MaxRetryDelay
			}
			l.logf("realtime: every transport failed; retrying in %s", delay)
			if !l.waitKick(ctx, delay) {
				return
			}
			continue
		}
		bo.Reset()

		if !l.hold(ctx, session, kind) {
			return
		}
	}
}

// hold keeps session current until it ends or the ladder has to re-climb.
// It reports false when ctx is done.
func (l *Ladder) hold(ctx context.Context, session Session, kind Kind) bool {
	l.mu.Lock()
	l.session, l.kind = session, kind
	l.mu.Unlock()
	l.state.Publish(State{Transport: kind, Status: Connected})
	l.logf("realtime: connected via %s", kind)
	l.flush(ctx, session)

	release := func() {
		l.mu.Lock()
		l.session, l.kind = nil, None
		l.mu.Unlock()
		if p, ok := session.(interface{ Pending() []remote.Event }); ok {
			l.buffer.Requeue(p.Pending())
		}
	}

	for {
		select {
		case <-ctx.Done():
			_ = session.Close()
			release()
			l.state.Publish(State{Transport: kind, Status: Disconnected})
			return false
		case <-session.Done():
			release()
			l.state.Publish(State{Transport: kind, Status: Disconnected})
			if err := session.Err(); err != nil {
				l.logf("realtime: %s closed abnormally: %v", kind, err)
				return l.waitKick(ctx, l.opts.RetryDelay)
			}
			l.logf("realtime: %s closed by server", kind)
			return l.waitKick(ctx, 0)
		case <-l.kick:
			if l.isOnline() {
				if !l.peekReclimb() {
					continue
				}
				l.takeReclimb()
				if kind == l.topKind() {
					continue
				}
			}
			_ = session.Close()
			release()
			l.state.Publish(State{Transport: kind, Status: Disconnected})
			return true
		}
	}
}

func (l *Ladder) climb(ctx context.Context) (Session, Kind) {
	for _, transport := range l.transports {
		if ctx.Err() != nil || !l.isOnline() {
			return nil, None
		}
		kind := transport.Kind()
		l.state.Publish(State{Transport: kind, Status: Connecting})
		session, err := transport.Connect(ctx, l.deliver)
		if err != nil {
			l.logf("realtime: %s unavailable: %v", kind, err)
			continue
		}
		return session, kind
	}
	return nil, None
}

func (l *Ladder) flush(ctx context.Context, session Session) {
	pending := l.buffer.Drain(l.opts.IsAcked)
	if len(pending) == 0 {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, defaultSendTimeout)
	defer cancel()
	if err := session.Send(sendCtx, pending); err != nil {
		l.logf("realtime: flush of %d buffered events failed: %v", len(pending), err)
		l.buffer.Requeue(pending)
		return
	}
	l.buffer.MarkSent(pending)
	l.logf("realtime: flushed %d buffered events", len(pending))
}

// deliver filters self-originated and duplicate events before the handler.
func (l *Ladder) deliver(event remote.Event) {
	if l.opts.ClientID != "" && event.OriginID == l.opts.ClientID {
		return
	}
	if event.ID != "" {
		l.inboundM.Lock()
		fresh := l.inbound.add(event.ID)
		l.inboundM.Unlock()
		if !fresh {
			return
		}
	}
	if l.opts.Handler != nil {
		l.opts.Handler(event)
	}
}

// waitKick waits for delay (forever when zero) or a kick. It reports false
// when ctx is done.
func (l *Ladder) waitKick(ctx context.Context, delay time.Duration) bool {
	var timer <-chan time.Time
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-l.kick:
		return true
	case <-timer:
		return true
	}
}

func (l *Ladder) poke() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

func (l *Ladder) isOnline() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.online
}

func (l *Ladder) peekReclimb() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reclimb
}

func (l *Ladder) takeReclimb() {
	l.mu.Lock()
	l.reclimb = false
	l.mu.Unlock()
}

func (l *Ladder) topKind() Kind {
	if len(l.transports) == 0 {
		return None
	}
	return l.transports[0].Kind()
}

func (l *Ladder) logf(format string, args ...any) {
	if l.opts.Logger == nil {
		return
	}
	l.opts.Logger.Printf(format, args...)
}
