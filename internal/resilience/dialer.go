package resilience

import (
	"context"
	"time"

	"github.com/dmdzco/donna2/pkg/telephony/twilio"
)

// Dialer mirrors the scheduler's dialer dependency so this package does
// not import the scheduler.
type Dialer interface {
	Dial(ctx context.Context, p twilio.DialParams) (string, error)
	Hangup(ctx context.Context, callSID string) error
}

// RetryingDialer wraps a telephony client with a short retry on Dial.
// Only the REST round trip is retried; the scheduler owns longer-horizon
// redelivery with its own attempt budget, so two quick tries here cover
// transient network blips without double-dialing across minutes.
type RetryingDialer struct {
	inner Dialer
}

var _ Dialer = (*RetryingDialer)(nil)

// NewRetryingDialer wraps dialer.
func NewRetryingDialer(dialer Dialer) *RetryingDialer {
	return &RetryingDialer{inner: dialer}
}

func (d *RetryingDialer) Dial(ctx context.Context, p twilio.DialParams) (string, error) {
	var callSID string
	err := Retry(ctx, RetryConfig{
		Name:     "dial " + p.To,
		Attempts: 2,
		Backoff:  250 * time.Millisecond,
	}, func(ctx context.Context) error {
		var err error
		callSID, err = d.inner.Dial(ctx, p)
		return err
	})
	return callSID, err
}

// Hangup is not retried: a failed hangup on an already-dead call is noise,
// and the session teardown path reports it either way.
func (d *RetryingDialer) Hangup(ctx context.Context, callSID string) error {
	return d.inner.Hangup(ctx, callSID)
}
