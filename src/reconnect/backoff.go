package reconnect

import (
	"math/rand"
	"sync"
	"time"
)

// DefaultStableAfter is how long a session must stay up before its drop is
// treated as a fresh failure rather than part of a failure streak.
const DefaultStableAfter = 30 * time.Second

// Backoff tracks consecutive reconnect attempts on top of a Policy.
type Backoff struct {
	mu          sync.Mutex
	policy      Policy
	attempt     int
	stableAfter time.Duration
	sample      func() float64
}

func NewBackoff(policy Policy, stableAfter time.Duration) *Backoff {
	return &Backoff{
		policy:      policy,
		stableAfter: stableAfter,
		sample:      rand.Float64,
	}
}

// WithSampler replaces the jitter source, mostly for tests.
func (b *Backoff) WithSampler(sample func() float64) *Backoff {
	b.mu.Lock()
	b.sample = sample
	b.mu.Unlock()
	return b
}

// Next returns the delay for the upcoming attempt and advances the counter.
// uptime is how long the session that just dropped had been established;
// reaching stableAfter starts a new streak.
func (b *Backoff) Next(uptime time.Duration) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stableAfter > 0 && uptime >= b.stableAfter {
		b.attempt = 0
	}

	delay := b.policy.Delay(b.attempt, b.sample())
	b.attempt++
	return delay
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

func (b *Backoff) Policy() Policy {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.policy
}

// SetPolicy swaps the policy after validating it. The attempt counter is kept.
func (b *Backoff) SetPolicy(policy Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	b.policy = policy
	b.mu.Unlock()
	return nil
}
