package services

import "time"

// Backoff computes retry delays and the minimum interval between joins of
// the same topic. It holds configuration only; per-topic counters live on
// the registry's connections.
type Backoff struct {
	Base              time.Duration
	Max               time.Duration
	MinRejoinInterval time.Duration
}

// DefaultBackoff matches the production defaults.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:              2 * time.Second,
		Max:               30 * time.Second,
		MinRejoinInterval: time.Second,
	}
}

// NextDelay doubles current, capped at Max. A non-positive current starts
// the sequence at Base.
func (b Backoff) NextDelay(current time.Duration) time.Duration {
	if current <= 0 {
		return b.clamp(b.Base)
	}
	if current >= b.Max/2 {
		return b.Max
	}
	return b.clamp(current * 2)
}

func (b Backoff) clamp(d time.Duration) time.Duration {
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// CanRejoinNow reports whether enough time has passed since lastJoinAt.
// A zero lastJoinAt means the topic was never joined.
func (b Backoff) CanRejoinNow(lastJoinAt, now time.Time) bool {
	return b.RemainingThrottle(lastJoinAt, now) == 0
}

// RemainingThrottle returns how long a join for the topic must still wait.
func (b Backoff) RemainingThrottle(lastJoinAt, now time.Time) time.Duration {
	if lastJoinAt.IsZero() {
		return 0
	}
	elapsed := now.Sub(lastJoinAt)
	if elapsed >= b.MinRejoinInterval {
		return 0
	}
	return b.MinRejoinInterval - elapsed
}
