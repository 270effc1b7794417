package reconnect

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr error
	}{
		{name: "defaults", policy: DefaultPolicy()},
		{name: "zero min", policy: Policy{Min: 0, Max: 5 * time.Second, Factor: 2, Jitter: 0.5}},
		{name: "negative min", policy: Policy{Min: -1, Max: 10 * time.Second, Factor: 2}, wantErr: ErrNegativeMin},
		{name: "max below floor", policy: Policy{Min: 0, Max: 4999 * time.Millisecond, Factor: 2}, wantErr: ErrMaxTooSmall},
		{name: "min above max", policy: Policy{Min: 20 * time.Second, Max: 10 * time.Second, Factor: 2}, wantErr: ErrMinAboveMax},
		{name: "factor too small for jitter", policy: Policy{Min: time.Second, Max: 10 * time.Second, Factor: 1.2, Jitter: 0.5}, wantErr: ErrFactorJitter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestPolicyDelayBoundedAndNonDecreasing(t *testing.T) {
	policies := []Policy{
		DefaultPolicy(),
		{Min: 0, Max: 5 * time.Second, Factor: 2, Jitter: 0.5},
		{Min: 3 * time.Second, Max: 7 * time.Second, Factor: 1.5, Jitter: 0.25},
	}

	rnd := rand.New(rand.NewSource(1))
	for _, p := range policies {
		require.NoError(t, p.Validate())

		prev := time.Duration(0)
		for attempt := 0; attempt < 64; attempt++ {
			d := p.Delay(attempt, rnd.Float64())
			assert.GreaterOrEqual(t, d, p.Min)
			assert.LessOrEqual(t, d, p.Max)
			assert.GreaterOrEqual(t, d, prev, "attempt %d decreased", attempt)
			prev = d
		}
	}
}

func TestPolicyDelayExtremeSamples(t *testing.T) {
	p := DefaultPolicy()

	assert.Equal(t, time.Second, p.Delay(0, 0))
	assert.Equal(t, 1500*time.Millisecond, p.Delay(0, 1))
	assert.Equal(t, 2*time.Second, p.Delay(1, 0))
	assert.Equal(t, p.Max, p.Delay(1000, 0.5))
	assert.Equal(t, time.Second, p.Delay(-3, 0))
}

func TestBackoffResetsAfterStableSession(t *testing.T) {
	b := NewBackoff(DefaultPolicy(), 30*time.Second).WithSampler(func() float64 { return 0 })

	assert.Equal(t, 1*time.Second, b.Next(0))
	assert.Equal(t, 2*time.Second, b.Next(time.Second))
	assert.Equal(t, 4*time.Second, b.Next(0))
	assert.Equal(t, 3, b.Attempt())

	// the session stayed up long enough, so the streak starts over
	assert.Equal(t, 1*time.Second, b.Next(45*time.Second))
	assert.Equal(t, 1, b.Attempt())

	b.Reset()
	assert.Equal(t, 0, b.Attempt())
}

func TestBackoffSetPolicy(t *testing.T) {
	b := NewBackoff(DefaultPolicy(), 0)

	err := b.SetPolicy(Policy{Min: time.Second, Max: time.Second, Factor: 2})
	assert.ErrorIs(t, err, ErrMaxTooSmall)
	assert.Equal(t, DefaultPolicy(), b.Policy())

	p := Policy{Min: 2 * time.Second, Max: 8 * time.Second, Factor: 2, Jitter: 0.5}
	require.NoError(t, b.SetPolicy(p))
	assert.Equal(t, p, b.Policy())
}
