// Package syncbox is an offline-first synchronization core. Local
// changes land in a durable retry queue backed by an embedded SQLite
// store, a network monitor tells genuine connectivity apart from
// captive portals, and a sync orchestrator drains the queue whenever
// the connection allows, notifying the application of the outcome.
package syncbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"syncbox/netmon"
	"syncbox/notify"
	"syncbox/perf"
	"syncbox/queue"
	"syncbox/store"
)

// SyncStatus is the orchestrator's position in its lifecycle.
type SyncStatus string

const (
	StatusIdle    SyncStatus = "idle"
	StatusSyncing SyncStatus = "syncing"
	StatusSuccess SyncStatus = "success"
	StatusError   SyncStatus = "error"
)

// SyncState is the orchestrator's status plus the time of the last
// successful sync. A zero LastSyncTime means this device never synced.
type SyncState struct {
	Status       SyncStatus `json:"status"`
	LastSyncTime time.Time  `json:"last_sync_time"`
}

// stateCollection holds the single persisted SyncState record.
const (
	stateCollection = "syncState"
	stateRecordID   = "sync_state"
)

// Deps are the service's injectable collaborators. Zero fields get
// production defaults.
type Deps struct {
	// Prober issues connectivity probes. Defaults to an HTTP prober.
	Prober netmon.Prober

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Service owns the sync core: one store, one retry queue, one network
// monitor, one notification hub. Construct it once at process start and
// hand it to consumers; there are no package-level singletons.
type Service struct {
	cfg     Config
	db      *store.TimedDB
	store   *store.Store
	queue   *queue.Queue
	monitor *netmon.Monitor
	hub     *notify.Hub
	perf    *perf.Collector
	now     func() time.Time

	mu      sync.Mutex
	state   SyncState
	stopFns []func()

	syncing atomic.Bool
	started atomic.Bool
	closed  atomic.Bool
}

// coreMigration creates the collections the sync core itself owns.
func coreMigration() store.Migration {
	return store.Migration{
		Version:     1,
		Description: "create sync core collections",
		Apply: func(ctx context.Context, tx *store.UpgradeTx) error {
			if err := tx.CreateCollection(ctx, queue.DefaultCollection); err != nil {
				return err
			}
			return tx.CreateCollection(ctx, stateCollection)
		},
	}
}

// New opens the database, migrates it, and wires the sync core
// together. Schema version 1 is reserved for the core's own
// collections; application migrations must use versions 2 and up.
// PRE: cfg passes Validate; appMigrations only touch application
// collections
// POST: the store is migrated and LastSyncTime restored from disk; no
// background work runs until Start
func New(ctx context.Context, cfg Config, appMigrations []store.Migration, deps Deps) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, m := range appMigrations {
		if m.Version < 2 {
			return nil, fmt.Errorf("%w: application migration version %d is reserved for the sync core", store.ErrMigrationFailed, m.Version)
		}
	}
	if deps.Prober == nil {
		deps.Prober = netmon.NewHTTPProber(nil)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	collector := perf.NewCollector(cfg.PerfRingSize)

	db, err := store.OpenDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	timed := store.NewTimedDB(db, collector)

	migrations := append([]store.Migration{coreMigration()}, appMigrations...)
	st, err := store.New(ctx, timed, migrations)
	if err != nil {
		timed.Close()
		return nil, err
	}

	hub := notify.NewHub()
	monitor := netmon.New(netmon.NewTimedProber(deps.Prober, collector), cfg.netmonConfig())

	s := &Service{
		cfg:     cfg,
		db:      timed,
		store:   st,
		monitor: monitor,
		hub:     hub,
		perf:    collector,
		now:     deps.Now,
		state:   SyncState{Status: StatusIdle},
	}
	s.queue = queue.New(queue.Deps{
		Store:  queue.NewCollectionStore(st, ""),
		Online: monitor.Usable,
		Notify: hub,
		Perf:   collector,
		Now:    deps.Now,
	})

	if err := s.restoreState(ctx); err != nil {
		timed.Close()
		return nil, err
	}

	slog.Info("sync_service_ready",
		"db_path", cfg.DBPath,
		"schema_version", st.Version(),
		"collections", len(st.Collections()),
	)
	return s, nil
}

// restoreState loads the persisted LastSyncTime, if any. Status always
// starts at idle.
func (s *Service) restoreState(ctx context.Context) error {
	rec, err := s.store.GetByID(ctx, stateCollection, stateRecordID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to restore sync state: %w", err)
	}

	var saved SyncState
	if err := json.Unmarshal(rec.Data, &saved); err != nil {
		slog.Warn("sync_state_unreadable", "error", err)
		return nil
	}
	s.mu.Lock()
	s.state.LastSyncTime = saved.LastSyncTime
	s.mu.Unlock()
	return nil
}

func (s *Service) persistState(ctx context.Context) error {
	data, err := json.Marshal(s.State())
	if err != nil {
		return fmt.Errorf("failed to encode sync state: %w", err)
	}
	return s.store.Update(ctx, stateCollection, store.Record{ID: stateRecordID, Data: data})
}

// Start launches the background machinery: periodic connectivity
// checks, the auto-sync watcher, and the optional wall-clock schedule.
// Calling Start twice is a no-op.
// PRE: the service is not closed
// POST: background goroutines run until Close or ctx cancellation
func (s *Service) Start(ctx context.Context) error {
	if s.closed.Load() {
		return store.ErrNotInitialized
	}
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	snaps, unsub := s.monitor.Subscribe()
	stopChecks := s.monitor.Start(ctx)
	done := make(chan struct{})
	go s.watchConnectivity(ctx, snaps, done)

	s.addStop(func() {
		stopChecks()
		unsub()
		<-done
	})

	if s.cfg.SyncSchedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(s.cfg.SyncSchedule, func() { s.autoSync(ctx, "schedule") }); err != nil {
			return fmt.Errorf("failed to install sync schedule: %w", err)
		}
		c.Start()
		s.addStop(func() { <-c.Stop().Done() })
		slog.Info("sync_schedule_started", "schedule", s.cfg.SyncSchedule)
	}

	slog.Info("sync_service_started")
	return nil
}

func (s *Service) addStop(fn func()) {
	s.mu.Lock()
	s.stopFns = append(s.stopFns, fn)
	s.mu.Unlock()
}

// watchConnectivity turns monitor snapshots into sync triggers: a
// transition into usable connectivity, or any usable snapshot while
// work is pending.
func (s *Service) watchConnectivity(ctx context.Context, snaps <-chan netmon.Snapshot, done chan<- struct{}) {
	defer close(done)
	wasUsable := s.monitor.Usable()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			usable := snap.Usable()
			transitioned := usable && !wasUsable
			wasUsable = usable
			if !usable {
				continue
			}
			reason := "periodic"
			if transitioned {
				reason = "reconnect"
			}
			s.autoSync(ctx, reason)
		}
	}
}

// autoSync runs SyncNow in the background when there is queued work.
// The in-progress guard coalesces overlapping triggers.
func (s *Service) autoSync(ctx context.Context, reason string) {
	go func() {
		pending, err := s.queue.Pending(ctx)
		if err != nil || pending == 0 {
			return
		}
		slog.Debug("auto_sync_triggered", "reason", reason, "pending", pending)
		if err := s.SyncNow(ctx); err != nil && !errors.Is(err, ErrOffline) {
			slog.Debug("auto_sync_failed", "reason", reason, "error", err)
		}
	}()
}

// SyncNow drains the retry queue once. Concurrent calls coalesce: while
// a sync runs, further calls return nil immediately.
// PRE: the service is initialized
// POST: offline returns ErrOffline with state untouched; otherwise the
// terminal state is published and, on success, LastSyncTime advances
// and is persisted
func (s *Service) SyncNow(ctx context.Context) error {
	if s.closed.Load() {
		return store.ErrNotInitialized
	}
	if !s.syncing.CompareAndSwap(false, true) {
		slog.Debug("sync_already_running")
		return nil
	}
	defer s.syncing.Store(false)

	snap := s.monitor.Current()
	if snap.Timestamp.IsZero() {
		snap = s.monitor.CheckNow(ctx)
	}
	if !snap.Usable() {
		msg := "You're offline. Changes will sync when the connection returns."
		if snap.CaptivePortal {
			msg = "This network needs a sign-in before changes can sync."
		}
		s.hub.Publish(notify.Event{Kind: notify.KindSyncOffline, Message: msg, Severity: notify.SeverityWarning})
		slog.Info("sync_skipped_offline", "quality", string(snap.Quality))
		return ErrOffline
	}

	s.setStatus(StatusSyncing)
	s.hub.Publish(notify.Event{Kind: notify.KindSyncStarted, Message: "Syncing your changes.", Severity: notify.SeverityInfo})

	stats, err := s.queue.Drain(ctx)
	if err != nil {
		s.setStatus(StatusError)
		s.hub.Publish(notify.Event{
			Kind:     notify.KindSyncFailed,
			Message:  "Some changes could not be synced. They stay queued for the next try.",
			Severity: notify.SeverityError,
		})
		slog.Warn("sync_failed",
			"processed", stats.Processed,
			"failed", stats.Failed,
			"exhausted", stats.Exhausted,
			"error", err,
		)
		return fmt.Errorf("failed to drain retry queue: %w", err)
	}

	s.mu.Lock()
	s.state.Status = StatusSuccess
	s.state.LastSyncTime = s.now()
	s.mu.Unlock()
	if perr := s.persistState(ctx); perr != nil {
		slog.Warn("sync_state_persist_failed", "error", perr)
	}
	s.hub.Publish(notify.Event{Kind: notify.KindSyncSucceeded, Message: "All changes are synced.", Severity: notify.SeverityInfo})
	slog.Info("sync_succeeded", "processed", stats.Processed, "succeeded", stats.Succeeded)
	return nil
}

func (s *Service) setStatus(status SyncStatus) {
	s.mu.Lock()
	s.state.Status = status
	s.mu.Unlock()
}

// State returns the orchestrator's current status and last sync time.
func (s *Service) State() SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RegisterHandler installs the delivery handler for an operation type,
// replacing any previous one.
func (s *Service) RegisterHandler(opType string, h queue.Handler) {
	s.queue.RegisterHandler(opType, h)
}

// Enqueue persists an offline change with the configured retry budget
// and, when online, triggers a background drain.
// PRE: opType has or will have a registered handler
// POST: the operation is durable before return
func (s *Service) Enqueue(ctx context.Context, opType, payload string, pri queue.Priority) (string, error) {
	return s.queue.Enqueue(ctx, opType, payload, pri, s.cfg.MaxRetries)
}

// EnqueueWithBudget is Enqueue with an explicit retry budget.
func (s *Service) EnqueueWithBudget(ctx context.Context, opType, payload string, pri queue.Priority, maxRetries int) (string, error) {
	return s.queue.Enqueue(ctx, opType, payload, pri, maxRetries)
}

// Pending returns how many operations wait in the retry queue.
func (s *Service) Pending(ctx context.Context) (int, error) {
	return s.queue.Pending(ctx)
}

// PendingOperations returns the queued operations in drain order.
func (s *Service) PendingOperations(ctx context.Context) ([]queue.Operation, error) {
	return s.queue.PendingOperations(ctx)
}

// ClearQueue removes every queued operation. For explicit user resets
// only; nothing in the core calls it.
func (s *Service) ClearQueue(ctx context.Context) error {
	return s.queue.Clear(ctx)
}

// Connection returns the latest connectivity snapshot without probing.
func (s *Service) Connection() netmon.Snapshot {
	return s.monitor.Current()
}

// CheckConnection probes right now and returns the fresh snapshot.
func (s *Service) CheckConnection(ctx context.Context) netmon.Snapshot {
	return s.monitor.CheckNow(ctx)
}

// LinkUp forwards a host-reported link arrival to the monitor, which
// verifies it with a fresh check.
func (s *Service) LinkUp(ctx context.Context) netmon.Snapshot {
	return s.monitor.LinkUp(ctx)
}

// LinkDown forwards a host-reported link loss to the monitor.
func (s *Service) LinkDown() {
	s.monitor.LinkDown()
}

// Events subscribes to user-facing notifications.
// POST: Returns a receive channel and a cancel function; cancel is idempotent
func (s *Service) Events() (<-chan notify.Event, func()) {
	return s.hub.Subscribe()
}

// Store exposes the underlying store for application collections.
func (s *Service) Store() *store.Store {
	return s.store
}

// Perf exposes the timing collector for diagnostics surfaces.
func (s *Service) Perf() *perf.Collector {
	return s.perf
}

// Close stops background work and releases the database.
// POST: idempotent; every later operation fails with ErrNotInitialized
func (s *Service) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	stops := s.stopFns
	s.stopFns = nil
	s.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
	s.hub.Close()

	err := s.store.Close()
	if cerr := s.db.Close(); cerr != nil && err == nil {
		err = cerr
	}
	slog.Info("sync_service_closed")
	return err
}
