package syncer_test

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/RichardMcSorley/breather-outbox/dbopen"
	"github.com/RichardMcSorley/breather-outbox/netmon"
	"github.com/RichardMcSorley/breather-outbox/outbox"
	"github.com/RichardMcSorley/breather-outbox/syncer"
)

// upstream is a fake API that records every replayed request in order.
type upstream struct {
	mu       sync.Mutex
	requests []string // "METHOD path"
	failPath string   // non-empty: requests to this path get a 500
	delay    time.Duration
}

func (u *upstream) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u.delay > 0 {
			time.Sleep(u.delay)
		}
		u.mu.Lock()
		u.requests = append(u.requests, r.Method+" "+r.URL.Path)
		fail := u.failPath != "" && r.URL.Path == u.failPath
		u.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func (u *upstream) recorded() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, len(u.requests))
	copy(out, u.requests)
	return out
}

func newStore(t *testing.T, db *sql.DB) *outbox.Store {
	t.Helper()
	s := outbox.New(db, outbox.Options{})
	if err := s.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestDrainFIFOOrder(t *testing.T) {
	up := &upstream{}
	srv := httptest.NewServer(up.handler())
	defer srv.Close()

	db := dbopen.OpenMemory(t)
	store := newStore(t, db)
	mon := netmon.New(netmon.Options{InitiallyOnline: true})
	eng := syncer.New(store, mon, syncer.Options{BaseURL: srv.URL})
	ctx := context.Background()

	store.Enqueue(ctx, "", "/api/test/1", "POST", []byte(`{"a":1}`))
	store.Enqueue(ctx, "", "/api/test/2", "PUT", nil)
	store.Enqueue(ctx, "", "/api/test/3", "DELETE", nil)

	r, err := eng.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if r.Attempted != 3 || r.Succeeded != 3 || r.Failed != 0 {
		t.Fatalf("unexpected report: %+v", r)
	}
	if r.Remaining != 0 {
		t.Fatalf("remaining = %d, want 0", r.Remaining)
	}

	want := []string{"POST /api/test/1", "PUT /api/test/2", "DELETE /api/test/3"}
	got := up.recorded()
	if len(got) != len(want) {
		t.Fatalf("got %d requests, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("request %d = %q, want %q — FIFO order broken", i, got[i], want[i])
		}
	}
}

func TestDrainRemovesOnlyOnSuccess(t *testing.T) {
	up := &upstream{failPath: "/api/broken"}
	srv := httptest.NewServer(up.handler())
	defer srv.Close()

	db := dbopen.OpenMemory(t)
	store := newStore(t, db)
	mon := netmon.New(netmon.Options{InitiallyOnline: true})
	eng := syncer.New(store, mon, syncer.Options{BaseURL: srv.URL})
	ctx := context.Background()

	store.Enqueue(ctx, "", "/api/ok", "POST", nil)
	broken, _ := store.Enqueue(ctx, "", "/api/broken", "POST", nil)
	store.Enqueue(ctx, "", "/api/also-ok", "POST", nil)

	r, err := eng.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if r.Attempted != 3 || r.Succeeded != 2 || r.Failed != 1 {
		t.Fatalf("unexpected report: %+v", r)
	}
	if r.Remaining != 1 {
		t.Fatalf("remaining = %d, want 1", r.Remaining)
	}

	// The failing mutation stayed queued; the pass continued past it.
	muts, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(muts) != 1 || muts[0].ID != broken.ID {
		t.Fatalf("expected only the broken mutation to remain, got %+v", muts)
	}
	if len(up.recorded()) != 3 {
		t.Fatalf("expected all 3 replay attempts, got %v", up.recorded())
	}
}

func TestDrainOfflineMakesNoCalls(t *testing.T) {
	up := &upstream{}
	srv := httptest.NewServer(up.handler())
	defer srv.Close()

	db := dbopen.OpenMemory(t)
	store := newStore(t, db)
	mon := netmon.New(netmon.Options{}) // offline
	eng := syncer.New(store, mon, syncer.Options{BaseURL: srv.URL})
	ctx := context.Background()

	store.Enqueue(ctx, "", "/api/test", "POST", nil)

	r, err := eng.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Offline {
		t.Fatal("report should be flagged offline")
	}
	if r.Remaining != 1 {
		t.Fatalf("remaining = %d, want 1", r.Remaining)
	}
	if len(up.recorded()) != 0 {
		t.Fatalf("offline drain made network calls: %v", up.recorded())
	}
	if eng.Syncing() {
		t.Fatal("syncing must not transition for an offline drain")
	}
}

func TestConcurrentDrainIsNoop(t *testing.T) {
	up := &upstream{delay: 100 * time.Millisecond}
	srv := httptest.NewServer(up.handler())
	defer srv.Close()

	db := dbopen.OpenMemory(t)
	store := newStore(t, db)
	mon := netmon.New(netmon.Options{InitiallyOnline: true})
	eng := syncer.New(store, mon, syncer.Options{BaseURL: srv.URL})
	ctx := context.Background()

	store.Enqueue(ctx, "", "/api/slow", "POST", nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := eng.Drain(ctx); err != nil {
			t.Error(err)
		}
	}()

	// Wait until the first pass holds the guard.
	deadline := time.Now().Add(time.Second)
	for !eng.Syncing() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !eng.Syncing() {
		t.Fatal("first drain never started")
	}

	r, err := eng.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if r != nil {
		t.Fatalf("concurrent drain should be a no-op, got %+v", r)
	}

	wg.Wait()
	if got := len(up.recorded()); got != 1 {
		t.Fatalf("mutation replayed %d times, want 1", got)
	}
}

func TestRunPeriodicDrain(t *testing.T) {
	up := &upstream{}
	srv := httptest.NewServer(up.handler())
	defer srv.Close()

	db := dbopen.OpenMemory(t)
	store := newStore(t, db)
	mon := netmon.New(netmon.Options{InitiallyOnline: true})
	eng := syncer.New(store, mon, syncer.Options{
		BaseURL:  srv.URL,
		Interval: 50 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var passes atomic.Int32
	eng.OnPass(func(syncer.Report) { passes.Add(1) })

	go eng.Run(ctx)

	// Enqueue after the initial pass; only the ticker can pick it up.
	time.Sleep(10 * time.Millisecond)
	store.Enqueue(ctx, "", "/api/periodic", "POST", nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := store.Len(ctx); n == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n, _ := store.Len(ctx); n != 0 {
		t.Fatal("periodic drain never replayed the mutation")
	}

	// One pass per elapsed interval, not a free-running loop: over ~6
	// intervals the count stays near startup tick + 6. Generous bounds
	// absorb scheduler jitter.
	time.Sleep(300 * time.Millisecond)
	cancel()
	n := passes.Load()
	if n < 4 || n > 10 {
		t.Fatalf("got %d passes over ~6 intervals, want roughly 7", n)
	}
}

func TestPassNotificationSeesIdleEngine(t *testing.T) {
	up := &upstream{}
	srv := httptest.NewServer(up.handler())
	defer srv.Close()

	db := dbopen.OpenMemory(t)
	store := newStore(t, db)
	mon := netmon.New(netmon.Options{InitiallyOnline: true})
	eng := syncer.New(store, mon, syncer.Options{BaseURL: srv.URL})
	ctx := context.Background()

	store.Enqueue(ctx, "", "/api/test", "POST", nil)

	// Subscribers snapshot state from this callback; the pass must
	// already read as finished.
	var sawSyncing atomic.Bool
	eng.OnPass(func(syncer.Report) { sawSyncing.Store(eng.Syncing()) })

	if _, err := eng.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	if sawSyncing.Load() {
		t.Fatal("pass notification observed Syncing() == true after the pass ended")
	}
}

func TestRunDrainsOnOnlineTransition(t *testing.T) {
	up := &upstream{}
	srv := httptest.NewServer(up.handler())
	defer srv.Close()

	db := dbopen.OpenMemory(t)
	store := newStore(t, db)
	mon := netmon.New(netmon.Options{}) // offline
	eng := syncer.New(store, mon, syncer.Options{
		BaseURL:  srv.URL,
		Interval: time.Hour, // ticker out of the picture
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go eng.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	store.Enqueue(ctx, "", "/api/after-reconnect", "POST", nil)
	if len(up.recorded()) != 0 {
		t.Fatal("nothing should be replayed while offline")
	}

	mon.SetOnline(true)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := store.Len(ctx); n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("online transition did not trigger a drain")
}

func TestOnPassAndLastReport(t *testing.T) {
	up := &upstream{}
	srv := httptest.NewServer(up.handler())
	defer srv.Close()

	db := dbopen.OpenMemory(t)
	store := newStore(t, db)
	mon := netmon.New(netmon.Options{InitiallyOnline: true})
	eng := syncer.New(store, mon, syncer.Options{BaseURL: srv.URL})
	ctx := context.Background()

	var passes atomic.Int32
	eng.OnPass(func(syncer.Report) { passes.Add(1) })

	if eng.LastReport() != nil {
		t.Fatal("no report expected before the first pass")
	}

	store.Enqueue(ctx, "", "/api/test", "POST", nil)
	if _, err := eng.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	if passes.Load() != 1 {
		t.Fatalf("got %d pass notifications, want 1", passes.Load())
	}
	last := eng.LastReport()
	if last == nil || last.Succeeded != 1 {
		t.Fatalf("unexpected last report: %+v", last)
	}
}
