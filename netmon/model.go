package netmon

import "time"

// Quality grades a connection from the device's point of view.
type Quality string

const (
	QualityUnknown       Quality = "unknown"
	QualityOffline       Quality = "offline"
	QualityPoor          Quality = "poor"
	QualityGood          Quality = "good"
	QualityExcellent     Quality = "excellent"
	QualityCaptivePortal Quality = "captive-portal"
)

// Snapshot is the outcome of one connectivity check. Snapshots are never
// mutated, only superseded by the next check.
type Snapshot struct {
	// Online is true when traffic leaves the device, even if a captive
	// portal intercepts it before the open internet.
	Online bool

	// CaptivePortal is true when probes reached something, but not the
	// endpoints they were aimed at.
	CaptivePortal bool

	// Latency is the measured round-trip time. Zero when the check never
	// got that far.
	Latency time.Duration

	Quality   Quality
	Timestamp time.Time
}

// Usable reports whether traffic actually reaches the internet. A
// captive portal counts as online but not usable.
func (s Snapshot) Usable() bool {
	return s.Online && !s.CaptivePortal
}

// Endpoint is an external probe target together with the response a
// healthy, unintercepted connection produces.
type Endpoint struct {
	URL        string
	WantStatus int
	WantBody   string
}
