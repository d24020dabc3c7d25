package job

import (
	"errors"
	"time"
)

// ErrInvalidDefaultLease indicates the configured default lease duration is not positive.
var ErrInvalidDefaultLease = errors.New("default lease must be positive")

// MinLease is the shortest lease the queue hands out.
const MinLease = time.Second

// maxBackoff caps release backoff regardless of attempt count.
const maxBackoff = 10 * time.Minute

// LeaseSource identifies how a lease duration was resolved.
type LeaseSource string

const (
	// LeaseSourceExplicit indicates the caller supplied a usable duration.
	LeaseSourceExplicit LeaseSource = "explicit"
	// LeaseSourceDefault indicates the default duration was used.
	LeaseSourceDefault LeaseSource = "default"
	// LeaseSourceClamped indicates the requested duration was raised to MinLease.
	LeaseSourceClamped LeaseSource = "clamped"
)

// LeasePolicy normalises queue lease durations and derives heartbeat and
// release timings from them.
type LeasePolicy struct {
	defaultLease time.Duration
}

// NewLeasePolicy constructs a LeasePolicy with the provided default lease duration.
func NewLeasePolicy(defaultLease time.Duration) (*LeasePolicy, error) {
	if defaultLease <= 0 {
		return nil, ErrInvalidDefaultLease
	}
	if defaultLease < MinLease {
		defaultLease = MinLease
	}
	return &LeasePolicy{defaultLease: defaultLease}, nil
}

// Default returns the configured default lease duration.
func (p *LeasePolicy) Default() time.Duration {
	if p == nil {
		return 0
	}
	return p.defaultLease
}

// LeaseDecision captures the outcome of resolving a lease request.
type LeaseDecision struct {
	Lease     time.Duration
	Source    LeaseSource
	Requested time.Duration
}

// Clamped reports whether the requested value was raised to the minimum.
func (d LeaseDecision) Clamped() bool {
	return d.Source == LeaseSourceClamped
}

// Resolve turns a requested lease into the one the queue should use.
// Zero selects the default; anything below MinLease is clamped.
func (p *LeasePolicy) Resolve(request time.Duration) LeaseDecision {
	decision := LeaseDecision{Requested: request}
	switch {
	case request == 0:
		decision.Lease = p.Default()
		decision.Source = LeaseSourceDefault
	case request < MinLease:
		decision.Lease = MinLease
		decision.Source = LeaseSourceClamped
	default:
		decision.Lease = request.Truncate(time.Millisecond)
		decision.Source = LeaseSourceExplicit
	}
	return decision
}

// HeartbeatInterval returns how often an in-flight job should extend a lease
// so that two consecutive missed beats still leave it alive.
func HeartbeatInterval(lease time.Duration) time.Duration {
	interval := lease / 3
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	return interval
}

// ReleaseBackoff returns the delay before a released entry is redelivered:
// base doubled for each prior attempt, capped at ten minutes.
func ReleaseBackoff(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return min(d, maxBackoff)
}
