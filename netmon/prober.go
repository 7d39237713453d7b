package netmon

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrProbeTimeout reports a probe that ran past its deadline.
	ErrProbeTimeout = errors.New("probe timed out")

	// ErrProbeFailed reports a probe whose request could not complete.
	ErrProbeFailed = errors.New("probe failed")
)

// Result is the outcome of a single endpoint probe.
type Result struct {
	// Reachable is true when the endpoint produced any HTTP response at
	// all, expected or not.
	Reachable bool

	// Expected is true when the response matched the endpoint's expected
	// status and body.
	Expected bool

	// Latency is the time the probe round trip took.
	Latency time.Duration
}

// Prober issues connectivity probes. Implementations must be safe for
// concurrent use.
type Prober interface {
	// Check probes the endpoint and reports what came back. Transport
	// failures and timeouts fold into the result as unreachable; Check
	// never returns an error.
	Check(ctx context.Context, ep Endpoint) Result

	// Latency measures the round-trip time of a minimal request to the
	// endpoint.
	Latency(ctx context.Context, ep Endpoint) (time.Duration, error)
}
