package gateway

import (
	"sync"
	"time"

	"personal/discordie_go/src/reconnect"
)

// AutoReconnect controls whether dropped sessions are retried and how long
// to wait between attempts.
type AutoReconnect struct {
	mu      sync.Mutex
	enabled bool
	backoff *reconnect.Backoff
}

func newAutoReconnect(enabled bool, backoff *reconnect.Backoff) *AutoReconnect {
	return &AutoReconnect{enabled: enabled, backoff: backoff}
}

func (a *AutoReconnect) Enable() {
	a.mu.Lock()
	a.enabled = true
	a.mu.Unlock()
}

func (a *AutoReconnect) Disable() {
	a.mu.Lock()
	a.enabled = false
	a.mu.Unlock()
}

func (a *AutoReconnect) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

// SetRange changes the delay bounds. minDelay must not be negative and
// maxDelay must be at least 5 seconds; on error the previous range is kept.
func (a *AutoReconnect) SetRange(minDelay, maxDelay time.Duration) error {
	p := a.backoff.Policy()
	p.Min, p.Max = minDelay, maxDelay
	return a.backoff.SetPolicy(p)
}

func (a *AutoReconnect) Min() time.Duration {
	return a.backoff.Policy().Min
}

func (a *AutoReconnect) Max() time.Duration {
	return a.backoff.Policy().Max
}

// next reports the delay for a retry, or false when retries are off.
func (a *AutoReconnect) next(uptime time.Duration) (time.Duration, bool) {
	if !a.Enabled() {
		return 0, false
	}
	return a.backoff.Next(uptime), true
}
