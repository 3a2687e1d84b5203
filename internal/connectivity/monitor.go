// Package connectivity decides whether the remote backend is reachable. It
// combines an OS link signal with a periodic health probe and debounces the
// result so downstream consumers do not thrash on brief flaps.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/agentworkforce/relaysync/internal/notify"
)

const (
	DefaultProbeInterval = 30 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
	DefaultDebounce      = 2 * time.Second
)

type Prober interface {
	Health(ctx context.Context) error
}

type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Health(ctx context.Context) error { return f(ctx) }

type State struct {
	Online         bool      `json:"online"`
	LastVerifiedAt time.Time `json:"lastVerifiedAt"`
}

type Logger interface {
	Printf(format string, args ...any)
}

type Config struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	Debounce      time.Duration
	Logger        Logger
}

type Monitor struct {
	prober Prober
	cfg    Config

	topic *notify.Topic[State]
	ready chan struct{}
	kick  chan struct{}
	// results carries probe outcomes from CheckNow into the run loop.
	results chan bool

	mu        sync.Mutex
	link      bool
	current   State
	readyOnce sync.Once
}

func NewMonitor(prober Prober, cfg Config) *Monitor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}
	return &Monitor{
		prober:  prober,
		cfg:     cfg,
		topic:   notify.NewState(State{}),
		ready:   make(chan struct{}),
		kick:    make(chan struct{}, 1),
		results: make(chan bool, 8),
		link:    true,
	}
}

// Run drives probing until ctx is done. The first probe result is published
// without debounce.
func (m *Monitor) Run(ctx context.Context) {
	defer m.topic.Close()

	m.publish(m.probe(ctx))
	m.readyOnce.Do(func() { close(m.ready) })

	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	var (
		debounce  *time.Timer
		debounceC <-chan time.Time
		candidate bool
	)
	stopDebounce := func() {
		if debounce != nil {
			debounce.Stop()
		}
		debounce, debounceC = nil, nil
	}
	defer stopDebounce()

	observe := func(online bool) {
		m.mu.Lock()
		current := m.current.Online
		if online && current {
			m.current.LastVerifiedAt = time.Now().UTC()
		}
		m.mu.Unlock()
		if online == current {
			stopDebounce()
			return
		}
		if debounceC != nil && candidate == online {
			return
		}
		stopDebounce()
		if m.cfg.Debounce == 0 {
			m.publish(online)
			return
		}
		candidate = online
		debounce = time.NewTimer(m.cfg.Debounce)
		debounceC = debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.linkUp() {
				observe(m.probe(ctx))
			}
		case <-m.kick:
			if m.linkUp() {
				observe(m.probe(ctx))
			} else {
				observe(false)
			}
		case online := <-m.results:
			observe(online)
		case <-debounceC:
			debounce, debounceC = nil, nil
			m.publish(candidate)
		}
	}
}

// Ready is closed once the first probe result is published.
func (m *Monitor) Ready() <-chan struct{} {
	return m.ready
}

// SetLink feeds the OS-level link signal. Link down marks the backend
// offline; link up triggers an immediate probe.
func (m *Monitor) SetLink(up bool) {
	m.mu.Lock()
	changed := m.link != up
	m.link = up
	m.mu.Unlock()
	if !changed {
		return
	}
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// CheckNow returns the cached state while offline. While online it probes
// and returns the fresh result.
func (m *Monitor) CheckNow(ctx context.Context) State {
	cached := m.State()
	if !cached.Online {
		return cached
	}
	online := m.probe(ctx)
	select {
	case m.results <- online:
	default:
	}
	if online {
		return m.State()
	}
	return State{Online: false, LastVerifiedAt: cached.LastVerifiedAt}
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Subscribe streams debounced state changes, starting with the current
// state.
func (m *Monitor) Subscribe() (<-chan State, func()) {
	return m.topic.Subscribe(1)
}

func (m *Monitor) linkUp() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.link
}

func (m *Monitor) probe(ctx context.Context) bool {
	if !m.linkUp() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	if err := m.prober.Health(ctx); err != nil {
		m.logf("connectivity probe failed: %v", err)
		return false
	}
	return true
}

func (m *Monitor) publish(online bool) {
	m.mu.Lock()
	prev := m.current.Online
	m.current.Online = online
	if online {
		m.current.LastVerifiedAt = time.Now().UTC()
	}
	state := m.current
	m.mu.Unlock()
	if prev != online {
		if online {
			m.logf("connectivity: online")
		} else {
			m.logf("connectivity: offline")
		}
	}
	m.topic.Publish(state)
}

func (m *Monitor) logf(format string, args ...any) {
	if m.cfg.Logger == nil {
		return
	}
	m.cfg.Logger.Printf(format, args...)
}
