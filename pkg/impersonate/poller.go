package impersonate

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-auth/pkg/errors"
	"github.com/tendant/simple-auth/pkg/tokenstore"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultPollAttempts = 60
)

// StatusFunc fetches the current status of a request. The poller calls it
// once per attempt; in-process callers pass Service.Status bound to an admin,
// remote callers pass an HTTP client wrapper.
type StatusFunc func(ctx context.Context, requestID uuid.UUID) (RequestStatus, error)

// Sleeper waits for the poll interval. Overridden in tests so polling does
// not actually sleep.
type Sleeper func(ctx context.Context, d time.Duration) error

func defaultSleeper(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// StatusPoller waits for an impersonation request to leave the
// awaiting_confirmation state.
type StatusPoller struct {
	status      StatusFunc
	interval    time.Duration
	maxAttempts int
	sleep       Sleeper
}

// PollerOption is a function that configures a StatusPoller
type PollerOption func(*StatusPoller)

// WithPollInterval overrides the delay between polls
func WithPollInterval(interval time.Duration) PollerOption {
	return func(p *StatusPoller) {
		p.interval = interval
	}
}

// WithPollAttempts overrides the poll budget
func WithPollAttempts(attempts int) PollerOption {
	return func(p *StatusPoller) {
		p.maxAttempts = attempts
	}
}

// WithSleeper overrides how the poller waits between attempts
func WithSleeper(sleep Sleeper) PollerOption {
	return func(p *StatusPoller) {
		p.sleep = sleep
	}
}

// NewStatusPoller creates a new StatusPoller
func NewStatusPoller(status StatusFunc, options ...PollerOption) *StatusPoller {
	p := &StatusPoller{
		status:      status,
		interval:    DefaultPollInterval,
		maxAttempts: DefaultPollAttempts,
		sleep:       defaultSleeper,
	}
	for _, option := range options {
		option(p)
	}
	return p
}

// Wait polls until the request is confirmed, reaches a terminal state, or
// the poll budget runs out. It returns the confirmed status, or an error
// carrying the reason polling stopped: ErrCodeDenied, ErrCodeExpired,
// ErrCodeTimeout, the context error on cancellation, or whatever the status
// fetch failed with.
func (p *StatusPoller) Wait(ctx context.Context, requestID uuid.UUID) (RequestStatus, error) {
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := p.sleep(ctx, p.interval); err != nil {
				return RequestStatus{}, err
			}
		}

		status, err := p.status(ctx, requestID)
		if err != nil {
			return RequestStatus{}, err
		}

		switch status.State {
		case tokenstore.StateConfirmed:
			return status, nil
		case tokenstore.StateDenied:
			return RequestStatus{}, errors.New(errors.ErrCodeDenied, "request was denied")
		case tokenstore.StateExpired:
			return RequestStatus{}, errors.New(errors.ErrCodeExpired, "request expired unconfirmed")
		case tokenstore.StateExchanged:
			return RequestStatus{}, errors.New(errors.ErrCodeAlreadyExchanged, "request already exchanged")
		}
		// still created or awaiting_confirmation, keep polling
	}

	return RequestStatus{}, errors.New(errors.ErrCodeTimeout, "gave up waiting for confirmation")
}
