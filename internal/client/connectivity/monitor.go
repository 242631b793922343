// Package connectivity decides when the client is online enough to sync.
//
// The monitor consumes link-state hints (from Watch polling the health
// endpoint or from an external signal via SetLinkState). Going offline is
// applied immediately; coming back online is debounced so a flapping link
// does not trigger a sync storm.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrijs2005/posync/internal/logging"
)

const (
	DefaultDebounce    = time.Second
	DefaultPingTimeout = 3 * time.Second
)

// Pinger is a cheap reachability check, typically GET /sync/health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type stopper interface {
	Stop() bool
}

type afterFunc func(d time.Duration, f func()) stopper

func realAfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

type Options struct {
	Debounce    time.Duration
	PingTimeout time.Duration
	Logger      logging.Logger
}

type Monitor struct {
	pinger      Pinger
	debounce    time.Duration
	pingTimeout time.Duration
	log         logging.Logger
	after       afterFunc

	mu        sync.Mutex
	online    bool
	linkUp    bool
	gen       uint64
	pending   stopper
	closed    bool
	onOnline  []func()
	onOffline []func()
}

func NewMonitor(p Pinger, opts Options) *Monitor {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = DefaultPingTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	return &Monitor{
		pinger:      p,
		debounce:    opts.Debounce,
		pingTimeout: opts.PingTimeout,
		log:         opts.Logger,
		after:       realAfterFunc,
	}
}

// IsOnline returns the debounced state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnOnline registers a callback fired after a debounced online edge.
func (m *Monitor) OnOnline(f func()) {
	m.mu.Lock()
	m.onOnline = append(m.onOnline, f)
	m.mu.Unlock()
}

// OnOffline registers a callback fired on an offline edge.
func (m *Monitor) OnOffline(f func()) {
	m.mu.Lock()
	m.onOffline = append(m.onOffline, f)
	m.mu.Unlock()
}

// SetLinkState feeds a link hint into the monitor.
func (m *Monitor) SetLinkState(up bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.linkUp = up

	if !up {
		m.cancelPendingLocked()
		if !m.online {
			m.mu.Unlock()
			return
		}
		m.online = false
		callbacks := append([]func(){}, m.onOffline...)
		m.mu.Unlock()

		m.log.Info(context.Background(), "connectivity: offline")
		for _, f := range callbacks {
			f()
		}
		return
	}

	if m.online || m.pending != nil {
		m.mu.Unlock()
		return
	}
	m.gen++
	gen := m.gen
	m.pending = m.after(m.debounce, func() { m.fireOnline(gen) })
	m.mu.Unlock()
}

func (m *Monitor) fireOnline(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.gen || !m.linkUp || m.online {
		m.mu.Unlock()
		return
	}
	m.pending = nil
	m.online = true
	callbacks := append([]func(){}, m.onOnline...)
	m.mu.Unlock()

	m.log.Info(context.Background(), "connectivity: online")
	for _, f := range callbacks {
		f()
	}
}

func (m *Monitor) cancelPendingLocked() {
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	// Invalidates a timer that already fired but has not taken the lock yet.
	m.gen++
}

// CheckConnection pings the backend with a bounded timeout and returns the
// observed reachability. It does not wait for, or change, the debounced
// state.
func (m *Monitor) CheckConnection(ctx context.Context) bool {
	if m.pinger == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, m.pingTimeout)
	defer cancel()

	if err := m.pinger.Ping(ctx); err != nil {
		m.log.Debug(ctx, "connectivity: ping failed", "error", err)
		return false
	}
	return true
}

// Watch polls CheckConnection every interval and feeds the result into
// SetLinkState until ctx is done.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.SetLinkState(m.CheckConnection(ctx))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.SetLinkState(m.CheckConnection(ctx))
		}
	}
}

// Close cancels any pending debounce. Later link hints are ignored.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelPendingLocked()
	m.closed = true
}
