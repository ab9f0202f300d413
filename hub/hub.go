// Package hub is the single entry point the rest of the application talks
// to. It wires the queue store, the connectivity monitor and the sync engine
// together behind one service object: enqueue a mutation, ask for the current
// state, trigger a manual sync, subscribe to changes. Callers never touch the
// underlying components directly.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/RichardMcSorley/breather-outbox/netmon"
	"github.com/RichardMcSorley/breather-outbox/outbox"
	"github.com/RichardMcSorley/breather-outbox/syncer"
)

// State is a point-in-time snapshot of the sync machinery. It is always
// assembled fresh from the live components, never cached.
type State struct {
	Online      bool `json:"online"`
	QueueLength int  `json:"queue_length"`
	Syncing     bool `json:"syncing"`
}

// Options configures a Hub.
type Options struct {
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Hub fronts the offline queue machinery.
type Hub struct {
	store *outbox.Store
	mon   *netmon.Monitor
	eng   *syncer.Engine
	opts  Options

	started atomic.Bool

	mu      sync.Mutex
	subs    map[int]func(State)
	nextSub int
}

// New creates a Hub over an already-constructed store, monitor and engine.
// Call Start to bring up the background loops.
func New(store *outbox.Store, mon *netmon.Monitor, eng *syncer.Engine, opts Options) *Hub {
	opts.defaults()
	return &Hub{
		store: store,
		mon:   mon,
		eng:   eng,
		opts:  opts,
		subs:  map[int]func(State){},
	}
}

// Start launches the connectivity probe loop and the periodic sync loop, and
// wires state-change notifications to subscribers. It returns once the loops
// are running; cancel ctx to stop them. Calling Start twice is an error.
func (h *Hub) Start(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return fmt.Errorf("hub: already started")
	}

	h.mon.Subscribe(func(bool) { h.notify(ctx) })
	h.eng.OnPass(func(syncer.Report) { h.notify(ctx) })

	go h.mon.Run(ctx)
	go h.eng.Run(ctx)

	h.opts.Logger.Info("hub: started")
	return nil
}

// State assembles a fresh snapshot. Queue length is re-read from the store on
// every call so the answer reflects the persisted queue, not a cached count.
func (h *Hub) State(ctx context.Context) (State, error) {
	n, err := h.store.Len(ctx)
	if err != nil {
		return State{}, err
	}
	return State{
		Online:      h.mon.Online(),
		QueueLength: n,
		Syncing:     h.eng.Syncing(),
	}, nil
}

// Enqueue persists a mutation for later replay and notifies subscribers.
func (h *Hub) Enqueue(ctx context.Context, typ, endpoint, method string, body []byte) (*outbox.Mutation, error) {
	m, err := h.store.Enqueue(ctx, typ, endpoint, method, body)
	if err != nil {
		return nil, err
	}
	h.notify(ctx)
	return m, nil
}

// Queue returns the queued mutations in replay order.
func (h *Hub) Queue(ctx context.Context) ([]*outbox.Mutation, error) {
	return h.store.List(ctx)
}

// Discard drops a single queued mutation without replaying it, then notifies
// subscribers. Unknown ids are a no-op.
func (h *Hub) Discard(ctx context.Context, id string) error {
	if err := h.store.Remove(ctx, id); err != nil {
		return err
	}
	h.notify(ctx)
	return nil
}

// Clear drops every queued mutation without replaying them.
func (h *Hub) Clear(ctx context.Context) error {
	if err := h.store.Clear(ctx); err != nil {
		return err
	}
	h.notify(ctx)
	return nil
}

// ManualSync runs one drain pass right now. While offline it resolves
// immediately without touching the network. A nil report means a pass was
// already in flight.
func (h *Hub) ManualSync(ctx context.Context) (*syncer.Report, error) {
	return h.eng.Drain(ctx)
}

// LastReport returns the most recent drain pass, or nil before the first.
func (h *Hub) LastReport() *syncer.Report { return h.eng.LastReport() }

// SetOnline feeds a platform connectivity signal into the monitor.
func (h *Hub) SetOnline(online bool) { h.mon.SetOnline(online) }

// Subscribe registers fn to run with a fresh State whenever connectivity
// flips, a mutation is enqueued or discarded, or a drain pass completes.
// The returned cancel function removes the subscription.
func (h *Hub) Subscribe(fn func(State)) (cancel func()) {
	h.mu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

func (h *Hub) notify(ctx context.Context) {
	st, err := h.State(ctx)
	if err != nil {
		h.opts.Logger.Error("hub: state snapshot failed", "error", err)
		return
	}

	h.mu.Lock()
	subs := make([]func(State), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.Unlock()

	for _, fn := range subs {
		fn(st)
	}
}
