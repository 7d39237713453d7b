package perf

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRingSize is the default capacity of the ring buffer.
const DefaultRingSize = 4096

// EntryKind distinguishes query, handler, and probe entries.
type EntryKind uint8

const (
	KindQuery EntryKind = iota
	KindHandler
	KindProbe
)

// Entry is a single timing record stored in the ring buffer.
type Entry struct {
	Kind       EntryKind
	Op         string // "ExecContext", operation type, or probe URL
	DurationMs float64
	Timestamp  time.Time
}

// Collector is a fixed-size ring buffer for timing entries.
// Writes are non-blocking; when full, oldest entries are overwritten.
// Aggregation happens only on read (Snapshot).
type Collector struct {
	mu      sync.Mutex
	entries []Entry
	size    int
	pos     int
	count   int64 // total entries ever written (atomic for stats)
}

// NewCollector creates a collector with the given ring buffer capacity.
// PRE: size > 0
// POST: Returns a ready-to-use collector with pre-allocated storage
func NewCollector(size int) *Collector {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Collector{
		entries: make([]Entry, size),
		size:    size,
	}
}

// Record appends an entry to the ring buffer.
// PRE: e is a valid Entry
// POST: Entry stored; if buffer full, oldest entry overwritten
func (c *Collector) Record(e Entry) {
	c.mu.Lock()
	c.entries[c.pos] = e
	c.pos = (c.pos + 1) % c.size
	c.mu.Unlock()
	atomic.AddInt64(&c.count, 1)
}

// TotalRecorded returns the total number of entries ever recorded.
// PRE: none
// POST: returns count >= 0
func (c *Collector) TotalRecorded() int64 {
	return atomic.LoadInt64(&c.count)
}

// Snapshot holds aggregated performance data computed on read.
type Snapshot struct {
	TotalRecorded   int64
	QueryP50Ms      float64
	QueryP95Ms      float64
	QueryP99Ms      float64
	SlowestQueries  []OpStat
	SlowestHandlers []OpStat
	SlowestProbes   []OpStat
}

// OpStat aggregates timing for a single operation.
type OpStat struct {
	Op      string
	AvgMs   float64
	MaxMs   float64
	Count   int
	TotalMs float64
}

// Snapshot computes aggregated stats from the ring buffer.
// This is expensive (sorts) and belongs on a diagnostics path, not per request.
// PRE: none
// POST: Returns a Snapshot with percentiles and top-N lists
func (c *Collector) Snapshot(since time.Time, topN int) Snapshot {
	c.mu.Lock()
	buf := make([]Entry, c.size)
	copy(buf, c.entries)
	c.mu.Unlock()

	var queryDurations []float64
	queryStats := make(map[string]*OpStat)
	handlerStats := make(map[string]*OpStat)
	probeStats := make(map[string]*OpStat)

	for _, e := range buf {
		if e.Timestamp.IsZero() || e.Timestamp.Before(since) {
			continue
		}
		switch e.Kind {
		case KindQuery:
			queryDurations = append(queryDurations, e.DurationMs)
			accumulate(queryStats, e)
		case KindHandler:
			accumulate(handlerStats, e)
		case KindProbe:
			accumulate(probeStats, e)
		}
	}

	for _, stats := range []map[string]*OpStat{queryStats, handlerStats, probeStats} {
		for _, s := range stats {
			s.AvgMs = s.TotalMs / float64(s.Count)
		}
	}

	snap := Snapshot{
		TotalRecorded:   c.TotalRecorded(),
		SlowestQueries:  topByAvg(queryStats, topN),
		SlowestHandlers: topByAvg(handlerStats, topN),
		SlowestProbes:   topByAvg(probeStats, topN),
	}

	if len(queryDurations) > 0 {
		sort.Float64s(queryDurations)
		snap.QueryP50Ms = percentile(queryDurations, 50)
		snap.QueryP95Ms = percentile(queryDurations, 95)
		snap.QueryP99Ms = percentile(queryDurations, 99)
	}

	return snap
}

// accumulate folds one entry into the per-op stats map.
func accumulate(stats map[string]*OpStat, e Entry) {
	s, ok := stats[e.Op]
	if !ok {
		s = &OpStat{Op: e.Op}
		stats[e.Op] = s
	}
	s.Count++
	s.TotalMs += e.DurationMs
	if e.DurationMs > s.MaxMs {
		s.MaxMs = e.DurationMs
	}
}

// percentile returns the p-th percentile from a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (p / 100) * float64(len(sorted)-1)
	lower := int(math.Floor(idx))
	upper := int(math.Ceil(idx))
	if lower == upper || upper >= len(sorted) {
		return sorted[lower]
	}
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

// topByAvg returns the top N ops sorted by average duration (descending).
func topByAvg(stats map[string]*OpStat, n int) []OpStat {
	list := make([]OpStat, 0, len(stats))
	for _, s := range stats {
		list = append(list, *s)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].AvgMs > list[j].AvgMs
	})
	if len(list) > n {
		list = list[:n]
	}
	return list
}
