package generators

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flux-lora-bridge/internal/config"
)

// ErrPollTimeout is returned when a queued job never completes within the attempt budget.
var ErrPollTimeout = errors.New("polling timed out")

// pollState is what one poll tick decided.
type pollState int

const (
	pollPending pollState = iota
	pollDone
)

// pollFunc performs one status check. Returning an error stops polling.
type pollFunc func(ctx context.Context, attempt int) (pollState, []byte, error)

// Poller waits a fixed interval before each check, up to MaxAttempts checks.
type Poller struct {
	Interval    time.Duration
	MaxAttempts int
}

func NewPoller(cfg config.PollingConfig) Poller {
	p := Poller{Interval: cfg.Interval, MaxAttempts: cfg.MaxAttempts}
	if p.Interval <= 0 {
		p.Interval = 2 * time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 60
	}
	return p
}

// Run calls check until it reports done, fails, or the attempts run out.
func (p Poller) Run(ctx context.Context, check pollFunc) ([]byte, error) {
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.Interval):
			state, payload, err := check(ctx, attempt)
			if err != nil {
				return nil, err
			}
			if state == pollDone {
				return payload, nil
			}
		}
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrPollTimeout, p.MaxAttempts)
}
