// Package syncer drains the outbox against the upstream API.
//
// The engine is the only component that talks to the network on behalf of
// the queue. A drain pass replays every queued mutation in FIFO order,
// sequentially — one request completes before the next starts, which keeps
// the ordering guarantee without any extra coordination. A mutation is
// removed from the store only when the upstream confirms it with a 2xx;
// anything else leaves the record queued for the next pass. One failing
// mutation never blocks the rest of the pass.
//
// Passes are triggered three ways: the connectivity monitor reporting an
// offline→online transition, a periodic ticker while online, and manual
// requests from the facade. At most one pass runs at a time; a trigger that
// arrives mid-pass is a no-op.
package syncer

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RichardMcSorley/breather-outbox/netmon"
	"github.com/RichardMcSorley/breather-outbox/outbox"
)

// Options configures an Engine.
type Options struct {
	// BaseURL is prefixed to each mutation's endpoint on replay.
	BaseURL string
	// Interval is the periodic drain frequency. Default: 30s.
	Interval time.Duration
	// Client overrides the replay HTTP client. Default: 15s timeout.
	Client *http.Client
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.Client == nil {
		o.Client = &http.Client{Timeout: 15 * time.Second}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Report is the aggregate result of one drain pass.
type Report struct {
	Attempted int
	Succeeded int
	Failed    int
	Remaining int
	Offline   bool
	StartedAt time.Time
	Duration  time.Duration
}

// Engine owns the replay state machine.
type Engine struct {
	store *outbox.Store
	mon   *netmon.Monitor
	opts  Options

	syncing atomic.Bool

	mu     sync.Mutex
	onPass []func(Report)
	last   *Report
}

// New creates an Engine. Call Run to start the periodic and
// transition-triggered drains, or Drain directly for a manual pass.
func New(store *outbox.Store, mon *netmon.Monitor, opts Options) *Engine {
	opts.defaults()
	return &Engine{store: store, mon: mon, opts: opts}
}

// Syncing reports whether a drain pass is currently in progress.
func (e *Engine) Syncing() bool { return e.syncing.Load() }

// LastReport returns the most recent completed pass, or nil before the first.
func (e *Engine) LastReport() *Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return nil
	}
	r := *e.last
	return &r
}

// OnPass registers fn to be called after every completed drain pass,
// including offline no-op passes.
func (e *Engine) OnPass(fn func(Report)) {
	e.mu.Lock()
	e.onPass = append(e.onPass, fn)
	e.mu.Unlock()
}

// Drain performs one pass over the queue.
//
// Offline: no network calls are made, syncing never transitions, and the
// returned report carries Offline=true — a defined no-op, not an error.
// A pass already in progress: returns nil, nil; the in-flight pass owns the
// attempt. Errors are reserved for storage failures.
func (e *Engine) Drain(ctx context.Context) (*Report, error) {
	if !e.mon.Online() {
		n, err := e.store.Len(ctx)
		if err != nil {
			return nil, err
		}
		r := Report{Offline: true, Remaining: n, StartedAt: time.Now()}
		e.finish(r)
		return &r, nil
	}

	if !e.syncing.CompareAndSwap(false, true) {
		return nil, nil
	}
	defer e.syncing.Store(false)

	log := e.opts.Logger
	r := Report{StartedAt: time.Now()}

	muts, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}

	for _, m := range muts {
		r.Attempted++
		if err := e.replay(ctx, m); err != nil {
			// Leave it queued and keep going: one broken mutation must not
			// block unrelated ones.
			r.Failed++
			log.Warn("syncer: replay failed",
				"id", m.ID, "method", m.Method, "endpoint", m.Endpoint, "error", err)
			continue
		}
		if err := e.store.Remove(ctx, m.ID); err != nil {
			// The upstream accepted the write but the record is still
			// queued; it will be replayed. At-least-once, not exactly-once.
			r.Failed++
			log.Error("syncer: remove after success failed", "id", m.ID, "error", err)
			continue
		}
		r.Succeeded++
	}

	remaining, err := e.store.Len(ctx)
	if err != nil {
		return nil, err
	}
	r.Remaining = remaining
	r.Duration = time.Since(r.StartedAt)

	if r.Attempted > 0 {
		log.Info("syncer: drain pass complete",
			"attempted", r.Attempted, "succeeded", r.Succeeded,
			"failed", r.Failed, "remaining", r.Remaining, "duration", r.Duration)
	}

	// Clear the guard before notifying: the pass is over, so subscribers
	// snapshotting state from the callback must see Syncing() == false.
	// The defer stays for the storage-error returns above.
	e.syncing.Store(false)
	e.finish(r)
	return &r, nil
}

// replayError reports a non-2xx upstream response.
type replayError struct {
	status string
}

func (e *replayError) Error() string { return "upstream returned " + e.status }

func (e *Engine) replay(ctx context.Context, m *outbox.Mutation) error {
	url := strings.TrimSuffix(e.opts.BaseURL, "/") + m.Endpoint

	var body *bytes.Reader
	if len(m.Body) > 0 {
		body = bytes.NewReader(m.Body)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, m.Method, url, body)
	if err != nil {
		return err
	}
	if len(m.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.opts.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &replayError{status: resp.Status}
	}
	return nil
}

// Run drains on a fixed interval while online and immediately on every
// offline→online transition. It checks once at start, then blocks until ctx
// is cancelled.
func (e *Engine) Run(ctx context.Context) {
	log := e.opts.Logger
	log.Info("syncer: started", "interval", e.opts.Interval, "base_url", e.opts.BaseURL)

	cancelSub := e.mon.Subscribe(func(online bool) {
		if !online {
			return
		}
		// Drain outside the monitor's notification path so a slow upstream
		// never stalls connectivity callbacks.
		go func() {
			if _, err := e.Drain(ctx); err != nil {
				log.Error("syncer: transition drain", "error", err)
			}
		}()
	})
	defer cancelSub()

	e.tick(ctx)

	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("syncer: stopped")
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	if !e.mon.Online() {
		return
	}
	if _, err := e.Drain(ctx); err != nil {
		e.opts.Logger.Error("syncer: periodic drain", "error", err)
	}
}

func (e *Engine) finish(r Report) {
	e.mu.Lock()
	e.last = &r
	subs := make([]func(Report), len(e.onPass))
	copy(subs, e.onPass)
	e.mu.Unlock()

	for _, fn := range subs {
		fn(r)
	}
}
