// Package netmon tracks whether the upstream API is reachable.
//
// The monitor caches a single online/offline boolean and notifies subscribers
// on every transition. Transitions come from two places: the host application
// pushing platform connectivity signals via SetOnline, and an optional
// periodic HTTP probe of the upstream health endpoint (Run). The probe covers
// the case where the platform signal is missed — e.g. the process was
// suspended through the transition.
package netmon

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Options configures a Monitor.
type Options struct {
	// ProbeURL is the upstream health endpoint. Empty disables the probe
	// loop — the monitor is then driven purely by SetOnline.
	ProbeURL string
	// Interval is the probe frequency. Default: 10s.
	Interval time.Duration
	// Client overrides the probe HTTP client. Default: 5s timeout.
	Client *http.Client
	// InitiallyOnline seeds the state before the first signal or probe.
	InitiallyOnline bool
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 10 * time.Second
	}
	if o.Client == nil {
		o.Client = &http.Client{Timeout: 5 * time.Second}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Monitor holds the cached reachability state.
type Monitor struct {
	opts   Options
	online atomic.Bool

	mu      sync.Mutex
	subs    map[int]func(online bool)
	nextSub int

	lastCheck  atomic.Int64 // unix timestamp of last probe
	lastLatMs  atomic.Int64 // last successful probe latency in ms
	checkCount atomic.Int64
	failCount  atomic.Int64
}

// New creates a Monitor seeded from Options.InitiallyOnline.
func New(opts Options) *Monitor {
	opts.defaults()
	m := &Monitor{
		opts: opts,
		subs: map[int]func(bool){},
	}
	m.online.Store(opts.InitiallyOnline)
	return m
}

// Online returns the cached reachability state.
func (m *Monitor) Online() bool { return m.online.Load() }

// SetOnline records a connectivity signal. Subscribers are notified only on
// an actual transition; repeating the current state is a no-op. Callbacks
// run synchronously in the caller's goroutine.
func (m *Monitor) SetOnline(online bool) {
	if m.online.Swap(online) == online {
		return
	}
	m.opts.Logger.Info("netmon: connectivity changed", "online", online)

	m.mu.Lock()
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe registers fn to be called on every online/offline transition.
// The returned cancel function removes the subscription.
func (m *Monitor) Subscribe(fn func(online bool)) (cancel func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Run probes the upstream health endpoint on a ticker, checking immediately
// on start. It blocks until ctx is cancelled. With no ProbeURL configured it
// returns immediately.
func (m *Monitor) Run(ctx context.Context) {
	if m.opts.ProbeURL == "" {
		return
	}
	log := m.opts.Logger
	log.Info("netmon: probe started", "url", m.opts.ProbeURL, "interval", m.opts.Interval)

	m.probe(ctx)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("netmon: probe stopped")
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	m.checkCount.Add(1)
	m.lastCheck.Store(time.Now().Unix())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.opts.ProbeURL, nil)
	if err != nil {
		m.failCount.Add(1)
		m.SetOnline(false)
		return
	}

	start := time.Now()
	resp, err := m.opts.Client.Do(req)
	latency := time.Since(start)

	if err != nil {
		m.failCount.Add(1)
		m.opts.Logger.Debug("netmon: probe failed", "error", err)
		m.SetOnline(false)
		return
	}
	resp.Body.Close()

	// 5xx still proves the network path is up; only transport errors count
	// as offline.
	m.lastLatMs.Store(latency.Milliseconds())
	m.SetOnline(true)
}

// Status returns a JSON-serializable summary for health endpoints.
func (m *Monitor) Status() map[string]any {
	return map[string]any{
		"online":      m.online.Load(),
		"last_check":  m.lastCheck.Load(),
		"latency_ms":  m.lastLatMs.Load(),
		"check_count": m.checkCount.Load(),
		"fail_count":  m.failCount.Load(),
	}
}
