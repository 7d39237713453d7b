package netmon

import (
	"context"
	"time"
)

// NoopProber reports every endpoint healthy without any network
// traffic. It suits tests and embedded setups where outbound probing is
// unwanted.
type NoopProber struct{}

var _ Prober = NoopProber{}

func (NoopProber) Check(ctx context.Context, ep Endpoint) Result {
	return Result{Reachable: true, Expected: true, Latency: time.Millisecond}
}

func (NoopProber) Latency(ctx context.Context, ep Endpoint) (time.Duration, error) {
	return time.Millisecond, nil
}
