// Package netmon watches device connectivity. It tells genuine internet
// access apart from captive portals by probing two unrelated endpoints
// and grades usable connections by round-trip latency.
package netmon

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Defaults for Config fields left zero.
const (
	DefaultProbeTimeout  = 5 * time.Second
	DefaultCheckInterval = 30 * time.Second
	DefaultGoodLatency   = 300 * time.Millisecond
	DefaultPoorLatency   = time.Second
)

// subscriberBuffer is the per-subscriber channel capacity. A slow
// subscriber loses the oldest snapshot, never the newest.
const subscriberBuffer = 16

// Config controls probing behavior.
type Config struct {
	// Endpoints are the probe targets. Captive-portal detection needs at
	// least two on unrelated domains.
	Endpoints []Endpoint

	// ProbeTimeout bounds every single probe request.
	ProbeTimeout time.Duration

	// CheckInterval is how often Start runs a check while the host
	// reports a link.
	CheckInterval time.Duration

	// GoodLatency and PoorLatency split usable connections into
	// excellent, good and poor.
	GoodLatency time.Duration
	PoorLatency time.Duration
}

// DefaultConfig probes the connectivity-check endpoints Android and
// Firefox use. Both serve fixed, cache-hostile responses from unrelated
// domains.
func DefaultConfig() Config {
	return Config{
		Endpoints: []Endpoint{
			{URL: "http://clients3.google.com/generate_204", WantStatus: 204, WantBody: ""},
			{URL: "http://detectportal.firefox.com/success.txt", WantStatus: 200, WantBody: "success"},
		},
		ProbeTimeout:  DefaultProbeTimeout,
		CheckInterval: DefaultCheckInterval,
		GoodLatency:   DefaultGoodLatency,
		PoorLatency:   DefaultPoorLatency,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if len(c.Endpoints) == 0 {
		c.Endpoints = def.Endpoints
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = def.CheckInterval
	}
	if c.GoodLatency <= 0 {
		c.GoodLatency = def.GoodLatency
	}
	if c.PoorLatency <= 0 {
		c.PoorLatency = def.PoorLatency
	}
	return c
}

// Monitor tracks connectivity through active probes and host link
// events. A host-reported link is necessary but never sufficient: the
// monitor only reports online after its own probes agree.
type Monitor struct {
	prober Prober
	cfg    Config
	now    func() time.Time

	mu      sync.Mutex
	current Snapshot
	linkUp  bool
	subs    map[int]chan Snapshot
	nextID  int
}

// New builds a monitor over the given prober.
// PRE: prober is non-nil
// POST: the monitor assumes the host link is up and reports quality
// unknown until the first check
func New(prober Prober, cfg Config) *Monitor {
	return &Monitor{
		prober:  prober,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		current: Snapshot{Quality: QualityUnknown},
		linkUp:  true,
		subs:    make(map[int]chan Snapshot),
	}
}

// Current returns the latest snapshot without touching the network.
func (m *Monitor) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Online reports whether the latest check saw traffic leave the device.
// True during a captive portal; see Usable.
func (m *Monitor) Online() bool {
	return m.Current().Online
}

// Usable reports whether the latest check reached the actual internet.
func (m *Monitor) Usable() bool {
	return m.Current().Usable()
}

// CheckNow runs one full connectivity check and publishes the result.
// PRE: ctx is valid
// POST: Current returns the new snapshot; probe failures classify the
// connection, they never surface as errors
func (m *Monitor) CheckNow(ctx context.Context) Snapshot {
	snap := m.check(ctx)
	m.publish(snap)
	return snap
}

func (m *Monitor) check(ctx context.Context) Snapshot {
	now := m.now()

	if !m.hostLinkUp() {
		return Snapshot{Quality: QualityOffline, Timestamp: now}
	}

	results := m.probeAll(ctx)
	reachable, expected := 0, 0
	for _, r := range results {
		if r.Reachable {
			reachable++
		}
		if r.Expected {
			expected++
		}
	}

	switch {
	case reachable == 0:
		return Snapshot{Quality: QualityOffline, Timestamp: now}
	case expected < len(results):
		// Something answered, but not the endpoints we aimed at. The
		// link carries traffic without reaching the open internet.
		return Snapshot{Online: true, CaptivePortal: true, Quality: QualityCaptivePortal, Timestamp: now}
	}

	latency, err := m.measureLatency(ctx)
	if err != nil {
		return Snapshot{Quality: QualityOffline, Timestamp: now}
	}
	return Snapshot{Online: true, Latency: latency, Quality: m.classify(latency), Timestamp: now}
}

// probeAll checks every endpoint concurrently, each under its own
// timeout.
func (m *Monitor) probeAll(ctx context.Context) []Result {
	results := make([]Result, len(m.cfg.Endpoints))
	var wg sync.WaitGroup
	for i, ep := range m.cfg.Endpoints {
		i, ep := i, ep
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
			defer cancel()
			results[i] = m.prober.Check(pctx, ep)
		}()
	}
	wg.Wait()
	return results
}

func (m *Monitor) measureLatency(ctx context.Context) (time.Duration, error) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	return m.prober.Latency(pctx, m.cfg.Endpoints[0])
}

func (m *Monitor) classify(latency time.Duration) Quality {
	switch {
	case latency > m.cfg.PoorLatency:
		return QualityPoor
	case latency > m.cfg.GoodLatency:
		return QualityGood
	default:
		return QualityExcellent
	}
}

// LinkUp records a host-reported link arrival and runs a fresh check
// before the monitor reports online.
// PRE: ctx is valid
// POST: the returned snapshot reflects an actual probe round, not the
// host signal alone
func (m *Monitor) LinkUp(ctx context.Context) Snapshot {
	m.mu.Lock()
	m.linkUp = true
	m.mu.Unlock()
	slog.Debug("link_reported_up")
	return m.CheckNow(ctx)
}

// LinkDown records a host-reported link loss.
// POST: Current reports offline immediately; no probes are issued
func (m *Monitor) LinkDown() {
	m.mu.Lock()
	m.linkUp = false
	m.mu.Unlock()
	slog.Debug("link_reported_down")
	m.publish(Snapshot{Quality: QualityOffline, Timestamp: m.now()})
}

func (m *Monitor) hostLinkUp() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.linkUp
}

// Subscribe registers for connectivity snapshots. Every check publishes
// one.
// POST: Returns a receive channel and a cancel function; cancel is idempotent
func (m *Monitor) Subscribe() (<-chan Snapshot, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Snapshot, subscriberBuffer)
	id := m.nextID
	m.nextID++
	m.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if sub, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// publish replaces the current snapshot and fans it out to subscribers
// without blocking. The lock is held across the fan-out: cancel closes
// channels under the same lock, so a send never races a close.
func (m *Monitor) publish(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.current
	m.current = snap

	if prev.Online != snap.Online || prev.Quality != snap.Quality {
		slog.Info("connection_changed",
			"online", snap.Online,
			"quality", string(snap.Quality),
			"captive_portal", snap.CaptivePortal,
			"latency_ms", snap.Latency.Milliseconds(),
		)
	}

	for _, ch := range m.subs {
		sendLatestSnapshot(ch, snap)
	}
}

// sendLatestSnapshot enqueues snap, evicting the oldest buffered
// snapshot if needed.
func sendLatestSnapshot(ch chan Snapshot, snap Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Start launches periodic checks that run while the host reports a
// link. The returned stop function halts them and is idempotent.
// PRE: ctx is valid
// POST: a check runs every CheckInterval until stop is called or ctx is
// cancelled
func (m *Monitor) Start(ctx context.Context) func() {
	tctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-tctx.Done():
				return
			case <-ticker.C:
				if !m.hostLinkUp() {
					continue
				}
				m.CheckNow(tctx)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
