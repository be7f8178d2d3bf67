// Package retry holds the exponential backoff policy. The scheduler applies
// it to transient tool failures, adapters never retry on their own.
package retry

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/CZERTAINLY/Warden/internal/model"
)

// Policy is an exponential backoff with symmetric jitter capped at MaxDelay.
type Policy struct {
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // delay before the first retry
	MaxDelay   time.Duration // upper bound of any single delay
	Jitter     float64       // fraction in [0, 1] of the delay randomized in both directions
}

// Default matches the configuration defaults.
func Default() Policy {
	return Policy{
		MaxRetries: model.DefaultMaxRetries,
		BaseDelay:  model.DefaultRetryBaseDelay,
		MaxDelay:   model.DefaultRetryMaxDelay,
		Jitter:     model.DefaultRetryJitter,
	}
}

// FromConfig builds the policy from the retry section, falling back to
// defaults for unset values.
func FromConfig(cfg *model.Retry) (Policy, error) {
	p := Default()
	if cfg == nil {
		return p, nil
	}
	var err error
	if cfg.MaxRetries != nil {
		p.MaxRetries = *cfg.MaxRetries
	}
	if p.BaseDelay, err = model.Get(cfg.BaseDelay).Or(p.BaseDelay); err != nil {
		return p, err
	}
	if p.MaxDelay, err = model.Get(cfg.MaxDelay).Or(p.MaxDelay); err != nil {
		return p, err
	}
	if cfg.Jitter != nil {
		p.Jitter = *cfg.Jitter
	}
	return p, nil
}

// WithMaxRetries returns a copy of the policy with a job specific retry budget.
func (p Policy) WithMaxRetries(n *int) Policy {
	if n != nil {
		p.MaxRetries = max(*n, 0)
	}
	return p
}

// Attempts is the total attempt budget of a unit.
func (p Policy) Attempts() int {
	return max(p.MaxRetries, 0) + 1
}

// Allow reports if another attempt may start after attempts already ran.
func (p Policy) Allow(attempts int) bool {
	return attempts < p.Attempts()
}

// Delay returns the backoff before retry number n (0-indexed), i.e. after
// attempt n+1 failed. The result is in [0, MaxDelay].
func (p Policy) Delay(n int) time.Duration {
	return p.delay(n, rand.Float64)
}

func (p Policy) delay(n int, random func() float64) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	n = max(n, 0)
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = p.BaseDelay
	}

	// 2^n overflows int64 nanoseconds long before n reaches 63
	d := float64(p.BaseDelay) * math.Pow(2, float64(n))
	if d > float64(maxDelay) || math.IsInf(d, 0) {
		d = float64(maxDelay)
	}

	if j := min(max(p.Jitter, 0), 1); j > 0 {
		d += d * j * (2*random() - 1)
	}
	return time.Duration(min(max(d, 0), float64(maxDelay)))
}
