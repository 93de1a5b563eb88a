package client

import (
	"context"
	"time"
)

// Policy is the reconnect schedule. Attempt 0 runs immediately; attempt n
// waits BaseDelay*Multiplier^(n-1), capped at MaxDelay. MaxAttempts <= 0
// retries forever.
type Policy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultPolicy waits 0, 2s, 4s, 8s, 16s, 30s and then gives up. The first
// step, the cap and the attempt count match the classic 0, 2, 5, 10, 15, 30s
// table; the steps between grow geometrically.
var DefaultPolicy = Policy{
	BaseDelay:   2 * time.Second,
	Multiplier:  2,
	MaxDelay:    30 * time.Second,
	MaxAttempts: 6,
}

// Delay returns the wait before the given zero-based attempt, and false once
// the policy is exhausted.
func (p Policy) Delay(attempt int) (time.Duration, bool) {
	if attempt < 0 || (p.MaxAttempts > 0 && attempt >= p.MaxAttempts) {
		return 0, false
	}
	if attempt == 0 {
		return 0, true
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= mult
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			return p.MaxDelay, true
		}
	}
	delay := time.Duration(d)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
