package reconnect

import (
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	DefaultMin    = 1000 * time.Millisecond
	DefaultMax    = 60000 * time.Millisecond
	MinimumMax    = 5000 * time.Millisecond
	DefaultFactor = 2.0
	DefaultJitter = 0.5

	// seed used when Min is zero so the sequence still grows
	zeroMinSeed = time.Second
)

var (
	ErrNegativeMin  = errors.New("reconnect: min delay must not be negative")
	ErrMaxTooSmall  = errors.New("reconnect: max delay must be at least 5000ms")
	ErrMinAboveMax  = errors.New("reconnect: min delay must not exceed max delay")
	ErrFactorJitter = errors.New("reconnect: factor must be at least 1 + jitter")
)

// Policy computes reconnect delays. It holds no state; see Backoff for the
// attempt counter.
type Policy struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64
}

func DefaultPolicy() Policy {
	return Policy{
		Min:    DefaultMin,
		Max:    DefaultMax,
		Factor: DefaultFactor,
		Jitter: DefaultJitter,
	}
}

func (p Policy) Validate() error {
	if p.Min < 0 {
		return ErrNegativeMin
	}
	if p.Max < MinimumMax {
		return ErrMaxTooSmall
	}
	if p.Min > p.Max {
		return fmt.Errorf("%w: min=%v max=%v", ErrMinAboveMax, p.Min, p.Max)
	}
	if p.Jitter < 0 || p.Factor < 1+p.Jitter {
		return fmt.Errorf("%w: factor=%v jitter=%v", ErrFactorJitter, p.Factor, p.Jitter)
	}
	return nil
}

// Delay returns the wait before reconnect attempt number attempt (0-based).
// sample is a jitter sample in [0, 1). The result always lies in
// [Min, Max] and never decreases as attempt grows, whatever the samples.
func (p Policy) Delay(attempt int, sample float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	sample = math.Min(math.Max(sample, 0), 1)

	seed := p.Min
	if seed <= 0 {
		seed = zeroMinSeed
	}

	base := float64(seed) * math.Pow(p.Factor, float64(attempt))
	if math.IsInf(base, 0) || base > float64(p.Max) {
		base = float64(p.Max)
	}

	delay := base + base*p.Jitter*sample
	if delay > float64(p.Max) {
		return p.Max
	}
	if delay < float64(p.Min) {
		return p.Min
	}
	return time.Duration(delay)
}
