package netmon

import (
	"context"
	"time"

	"syncbox/perf"
)

// TimedProber wraps a Prober and records probe timings to a collector.
// Satisfies the Prober interface so it can be passed anywhere a Prober
// is accepted.
type TimedProber struct {
	next      Prober
	collector *perf.Collector
}

var _ Prober = (*TimedProber)(nil)

// NewTimedProber wraps a prober with timing instrumentation.
// PRE: next is non-nil; collector may be nil
// POST: Returns a prober that records every probe to the collector
func NewTimedProber(next Prober, collector *perf.Collector) *TimedProber {
	return &TimedProber{next: next, collector: collector}
}

func (t *TimedProber) record(url string, start time.Time) {
	if t.collector == nil {
		return
	}
	t.collector.Record(perf.Entry{
		Kind:       perf.KindProbe,
		Op:         url,
		DurationMs: float64(time.Since(start).Microseconds()) / 1000.0,
		Timestamp:  start,
	})
}

func (t *TimedProber) Check(ctx context.Context, ep Endpoint) Result {
	start := time.Now()
	res := t.next.Check(ctx, ep)
	t.record(ep.URL, start)
	return res
}

func (t *TimedProber) Latency(ctx context.Context, ep Endpoint) (time.Duration, error) {
	start := time.Now()
	d, err := t.next.Latency(ctx, ep)
	t.record(ep.URL, start)
	return d, err
}
