package channel

import (
	"math"
	"time"
)

// Backoff is the reconnect policy
type Backoff struct {
	Base        time.Duration
	Factor      float64
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff returns 1s × 1.5^n capped at 60s, 20 attempts
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        time.Second,
		Factor:      1.5,
		Cap:         time.Minute,
		MaxAttempts: 20,
	}
}

// Delay returns min(Base × Factor^attempt, Cap) for a 0-indexed attempt
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Base) * math.Pow(b.Factor, float64(attempt))
	if d >= float64(b.Cap) || math.IsInf(d, 0) {
		return b.Cap
	}
	return time.Duration(d)
}

// Timer is a scheduled callback that can be cancelled
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
