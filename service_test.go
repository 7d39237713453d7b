package syncbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"syncbox/netmon"
	"syncbox/notify"
	"syncbox/queue"
	"syncbox/store"
)

// staticProber flips between a dead network and a healthy one.
type staticProber struct {
	mu      sync.Mutex
	healthy bool
}

func (p *staticProber) Check(ctx context.Context, ep netmon.Endpoint) netmon.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.healthy {
		return netmon.Result{}
	}
	return netmon.Result{Reachable: true, Expected: true, Latency: 10 * time.Millisecond}
}

func (p *staticProber) Latency(ctx context.Context, ep netmon.Endpoint) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.healthy {
		return 0, netmon.ErrProbeFailed
	}
	return 40 * time.Millisecond, nil
}

func (p *staticProber) setHealthy(v bool) {
	p.mu.Lock()
	p.healthy = v
	p.mu.Unlock()
}

func fixedNow() time.Time {
	return time.Date(2026, 5, 12, 9, 0, 0, 0, time.UTC)
}

func testServiceConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "sync.db")
	cfg.MaxRetries = 3
	return cfg
}

func workoutMigrations() []store.Migration {
	return []store.Migration{{
		Version:     2,
		Description: "create saved workouts collection",
		Apply: func(ctx context.Context, tx *store.UpgradeTx) error {
			return tx.CreateCollection(ctx, "savedWorkouts")
		},
	}}
}

func newTestService(t *testing.T, online bool) (*Service, *staticProber) {
	t.Helper()
	prober := &staticProber{healthy: online}
	svc, err := New(context.Background(), testServiceConfig(t), workoutMigrations(), Deps{Prober: prober, Now: fixedNow})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc, prober
}

func waitForEvent(t *testing.T, ch <-chan notify.Event, kind string) notify.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", kind)
			}
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event within 2s", kind)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for " + what)
}

func TestNew_MigratesCoreAndAppCollections(t *testing.T) {
	svc, _ := newTestService(t, false)
	st := svc.Store()

	for _, name := range []string{"retryQueue", "syncState", "savedWorkouts"} {
		if !st.HasCollection(name) {
			t.Errorf("HasCollection(%q) = false, want true", name)
		}
	}
	if st.Version() != 2 {
		t.Errorf("Version = %d, want 2", st.Version())
	}

	state := svc.State()
	if state.Status != StatusIdle {
		t.Errorf("Status = %q, want %q", state.Status, StatusIdle)
	}
	if !state.LastSyncTime.IsZero() {
		t.Errorf("LastSyncTime = %v, want zero on a fresh install", state.LastSyncTime)
	}
}

func TestNew_RejectsReservedMigrationVersion(t *testing.T) {
	cfg := testServiceConfig(t)
	clashing := []store.Migration{{
		Version:     1,
		Description: "clashes with the core",
		Apply:       func(ctx context.Context, tx *store.UpgradeTx) error { return nil },
	}}

	_, err := New(context.Background(), cfg, clashing, Deps{Prober: &staticProber{}})
	if !errors.Is(err, store.ErrMigrationFailed) {
		t.Errorf("New = %v, want ErrMigrationFailed", err)
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New(context.Background(), Config{}, nil, Deps{Prober: &staticProber{}})
	if err == nil {
		t.Error("New with an empty config = nil, want error")
	}
}

func TestSyncNow_OfflineFailsFast(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, false)
	events, cancel := svc.Events()
	defer cancel()

	svc.RegisterHandler(queue.TypeSaveWorkout, queue.HandlerFunc(func(ctx context.Context, payload string) (string, error) {
		t.Error("handler ran while offline")
		return "", nil
	}))
	if _, err := svc.Enqueue(ctx, queue.TypeSaveWorkout, `{"workout_id":"w1"}`, queue.PriorityHigh); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := svc.SyncNow(ctx); !errors.Is(err, ErrOffline) {
		t.Fatalf("SyncNow = %v, want ErrOffline", err)
	}

	state := svc.State()
	if state.Status != StatusIdle || !state.LastSyncTime.IsZero() {
		t.Errorf("state touched by an offline sync: %+v", state)
	}
	e := waitForEvent(t, events, notify.KindSyncOffline)
	if e.Severity != notify.SeverityWarning {
		t.Errorf("Severity = %q, want %q", e.Severity, notify.SeverityWarning)
	}

	n, err := svc.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if n != 1 {
		t.Errorf("Pending = %d, want 1 (operation stays queued)", n)
	}
}

func TestSyncNow_SuccessRecordsLastSyncTime(t *testing.T) {
	ctx := context.Background()
	svc, prober := newTestService(t, false)
	events, cancel := svc.Events()
	defer cancel()

	svc.RegisterHandler(queue.TypeSaveWorkout, queue.HandlerFunc(func(ctx context.Context, payload string) (string, error) {
		return "remote-1", nil
	}))
	if _, err := svc.Enqueue(ctx, queue.TypeSaveWorkout, `{"workout_id":"w1"}`, queue.PriorityHigh); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	prober.setHealthy(true)
	if err := svc.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow: %v", err)
	}

	state := svc.State()
	if state.Status != StatusSuccess {
		t.Errorf("Status = %q, want %q", state.Status, StatusSuccess)
	}
	if !state.LastSyncTime.Equal(fixedNow()) {
		t.Errorf("LastSyncTime = %v, want %v", state.LastSyncTime, fixedNow())
	}
	waitForEvent(t, events, notify.KindSyncStarted)
	waitForEvent(t, events, notify.KindSyncSucceeded)

	n, err := svc.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if n != 0 {
		t.Errorf("Pending = %d, want 0", n)
	}
}

func TestSyncNow_DrainErrorSetsErrorState(t *testing.T) {
	ctx := context.Background()
	svc, prober := newTestService(t, false)
	events, cancel := svc.Events()
	defer cancel()

	svc.RegisterHandler("op", queue.HandlerFunc(func(ctx context.Context, payload string) (string, error) {
		return "", errors.New("server unavailable")
	}))
	if _, err := svc.EnqueueWithBudget(ctx, "op", "{}", queue.PriorityHigh, 5); err != nil {
		t.Fatalf("EnqueueWithBudget: %v", err)
	}

	prober.setHealthy(true)
	err := svc.SyncNow(ctx)
	if !errors.Is(err, queue.ErrHandlerFailed) {
		t.Fatalf("SyncNow = %v, want ErrHandlerFailed", err)
	}

	state := svc.State()
	if state.Status != StatusError {
		t.Errorf("Status = %q, want %q", state.Status, StatusError)
	}
	if !state.LastSyncTime.IsZero() {
		t.Errorf("LastSyncTime = %v, want zero (only success advances it)", state.LastSyncTime)
	}
	waitForEvent(t, events, notify.KindSyncFailed)

	n, _ := svc.Pending(ctx)
	if n != 1 {
		t.Errorf("Pending = %d, want 1", n)
	}

	// The error state never blocks another attempt.
	svc.RegisterHandler("op", queue.HandlerFunc(func(ctx context.Context, payload string) (string, error) {
		return "", nil
	}))
	if err := svc.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow after error state: %v", err)
	}
	if got := svc.State().Status; got != StatusSuccess {
		t.Errorf("Status = %q, want %q", got, StatusSuccess)
	}
}

func TestSyncNow_ReconnectScenario(t *testing.T) {
	ctx := context.Background()
	svc, prober := newTestService(t, false)

	attempts := 0
	svc.RegisterHandler(queue.TypeSaveWorkout, queue.HandlerFunc(func(ctx context.Context, payload string) (string, error) {
		attempts++
		if attempts == 1 {
			return "", errors.New("server hiccup")
		}
		return "remote-1", nil
	}))

	// Saved while offline: queued silently.
	if _, err := svc.EnqueueWithBudget(ctx, queue.TypeSaveWorkout, `{"id":"w1"}`, queue.PriorityHigh, 2); err != nil {
		t.Fatalf("EnqueueWithBudget: %v", err)
	}
	if n, _ := svc.Pending(ctx); n != 1 {
		t.Fatalf("Pending = %d, want 1", n)
	}

	// Connection comes back; the first drain trigger fails once, the
	// second delivers.
	prober.setHealthy(true)
	if err := svc.SyncNow(ctx); err == nil {
		t.Fatal("first SyncNow = nil, want failure")
	}
	if err := svc.SyncNow(ctx); err != nil {
		t.Fatalf("second SyncNow: %v", err)
	}

	if n, _ := svc.Pending(ctx); n != 0 {
		t.Errorf("Pending = %d, want 0", n)
	}
	if attempts != 2 {
		t.Errorf("handler attempts = %d, want 2", attempts)
	}
	if got := svc.State(); got.LastSyncTime.IsZero() {
		t.Error("LastSyncTime still zero after a successful sync")
	}
}

func TestSyncNow_CoalescesConcurrentCalls(t *testing.T) {
	ctx := context.Background()
	svc, prober := newTestService(t, false)

	entered := make(chan struct{})
	block := make(chan struct{})
	svc.RegisterHandler("op", queue.HandlerFunc(func(ctx context.Context, payload string) (string, error) {
		close(entered)
		<-block
		return "", nil
	}))
	if _, err := svc.EnqueueWithBudget(ctx, "op", "{}", queue.PriorityHigh, 3); err != nil {
		t.Fatalf("EnqueueWithBudget: %v", err)
	}
	prober.setHealthy(true)

	done := make(chan error, 1)
	go func() { done <- svc.SyncNow(ctx) }()
	<-entered

	// A second call while the first is mid-drain returns immediately.
	if err := svc.SyncNow(ctx); err != nil {
		t.Errorf("coalesced SyncNow = %v, want nil", err)
	}
	if got := svc.State().Status; got != StatusSyncing {
		t.Errorf("Status = %q, want %q while the first run is active", got, StatusSyncing)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first SyncNow: %v", err)
	}
	if got := svc.State().Status; got != StatusSuccess {
		t.Errorf("Status = %q, want %q", got, StatusSuccess)
	}
}

func TestStart_AutoSyncOnReconnect(t *testing.T) {
	ctx := context.Background()
	svc, prober := newTestService(t, false)

	delivered := make(chan struct{}, 1)
	svc.RegisterHandler(queue.TypeSaveWorkout, queue.HandlerFunc(func(ctx context.Context, payload string) (string, error) {
		delivered <- struct{}{}
		return "", nil
	}))
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	if _, err := svc.Enqueue(ctx, queue.TypeSaveWorkout, `{"workout_id":"w1"}`, queue.PriorityHigh); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// The link returns and the fresh check passes; the watcher must
	// sync without anyone calling SyncNow.
	prober.setHealthy(true)
	snap := svc.LinkUp(ctx)
	if !snap.Online {
		t.Fatalf("LinkUp snapshot = %+v, want online", snap)
	}

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect never triggered a sync")
	}
	waitFor(t, "queue to empty", func() bool {
		n, err := svc.Pending(ctx)
		return err == nil && n == 0
	})
	waitFor(t, "success state", func() bool {
		return svc.State().Status == StatusSuccess
	})
}

func TestStart_ReconnectWithEmptyQueueStaysQuiet(t *testing.T) {
	ctx := context.Background()
	svc, prober := newTestService(t, false)

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	events, cancel := svc.Events()
	defer cancel()

	// The link returns with nothing queued. The watcher checks the queue
	// and stands down: no sync events, no LastSyncTime movement. Only an
	// explicit SyncNow runs the full cycle on an empty queue.
	prober.setHealthy(true)
	if snap := svc.LinkUp(ctx); !snap.Usable() {
		t.Fatalf("LinkUp snapshot = %+v, want usable", snap)
	}

	time.Sleep(50 * time.Millisecond)
	select {
	case e := <-events:
		t.Fatalf("unexpected %q event after a reconnect with nothing queued", e.Kind)
	default:
	}
	got := svc.State()
	if got.Status != StatusIdle {
		t.Errorf("Status = %q, want %q", got.Status, StatusIdle)
	}
	if !got.LastSyncTime.IsZero() {
		t.Errorf("LastSyncTime = %v, want zero (nothing was synced)", got.LastSyncTime)
	}
}

func TestService_RestoresLastSyncTimeAcrossRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testServiceConfig(t)
	prober := &staticProber{}

	svc, err := New(ctx, cfg, workoutMigrations(), Deps{Prober: prober, Now: fixedNow})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	svc.RegisterHandler("op", queue.HandlerFunc(func(ctx context.Context, payload string) (string, error) {
		return "", nil
	}))
	if _, err := svc.EnqueueWithBudget(ctx, "op", "{}", queue.PriorityHigh, 3); err != nil {
		t.Fatalf("EnqueueWithBudget: %v", err)
	}
	prober.setHealthy(true)
	if err := svc.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	last := svc.State().LastSyncTime
	if last.IsZero() {
		t.Fatal("LastSyncTime is zero after a successful sync")
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	restarted, err := New(ctx, cfg, workoutMigrations(), Deps{Prober: prober, Now: fixedNow})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer restarted.Close()

	state := restarted.State()
	if state.Status != StatusIdle {
		t.Errorf("Status = %q, want %q after restart", state.Status, StatusIdle)
	}
	if !state.LastSyncTime.Equal(last) {
		t.Errorf("LastSyncTime = %v, want %v restored from disk", state.LastSyncTime, last)
	}
}

func TestService_CloseRejectsFurtherUse(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, true)

	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}

	if err := svc.SyncNow(ctx); !errors.Is(err, store.ErrNotInitialized) {
		t.Errorf("SyncNow after Close = %v, want ErrNotInitialized", err)
	}
	if err := svc.Start(ctx); !errors.Is(err, store.ErrNotInitialized) {
		t.Errorf("Start after Close = %v, want ErrNotInitialized", err)
	}
	if _, err := svc.Enqueue(ctx, "op", "{}", queue.PriorityHigh); !errors.Is(err, store.ErrNotInitialized) {
		t.Errorf("Enqueue after Close = %v, want ErrNotInitialized", err)
	}
}

func TestEnqueue_UsesConfiguredRetryBudget(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, false) // MaxRetries 3 in testServiceConfig

	id, err := svc.Enqueue(ctx, queue.TypeSaveWorkout, "{}", queue.PriorityMedium)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ops, err := svc.PendingOperations(ctx)
	if err != nil {
		t.Fatalf("PendingOperations: %v", err)
	}
	if len(ops) != 1 || ops[0].ID != id {
		t.Fatalf("PendingOperations = %+v, want the enqueued operation", ops)
	}
	if ops[0].MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3 from config", ops[0].MaxRetries)
	}
}

func TestSyncNow_EmptyQueueStillSucceeds(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, true)

	if err := svc.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	if got := svc.State().Status; got != StatusSuccess {
		t.Errorf("Status = %q, want %q", got, StatusSuccess)
	}
}

func TestService_ConnectionSnapshots(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, true)

	if got := svc.Connection(); !got.Timestamp.IsZero() {
		t.Errorf("Connection before any check = %+v, want never-checked snapshot", got)
	}

	snap := svc.CheckConnection(ctx)
	if !snap.Online || snap.Quality != netmon.QualityExcellent {
		t.Errorf("CheckConnection = %+v, want online and excellent", snap)
	}
	if got := svc.Connection(); got != snap {
		t.Errorf("Connection = %+v, want the cached %+v", got, snap)
	}

	svc.LinkDown()
	if svc.Connection().Online {
		t.Error("Connection reports online after LinkDown")
	}
}
