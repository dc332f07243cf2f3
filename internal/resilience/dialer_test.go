package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/dmdzco/donna2/pkg/telephony/twilio"
)

type flakyDialer struct {
	dialFailures int
	dialCalls    int
	hangupCalls  int
}

func (f *flakyDialer) Dial(context.Context, twilio.DialParams) (string, error) {
	f.dialCalls++
	if f.dialCalls <= f.dialFailures {
		return "", errors.New("503 service unavailable")
	}
	return "CA-test", nil
}

func (f *flakyDialer) Hangup(context.Context, string) error {
	f.hangupCalls++
	return errors.New("call not found")
}

func TestRetryingDialerRecovers(t *testing.T) {
	inner := &flakyDialer{dialFailures: 1}
	d := NewRetryingDialer(inner)

	sid, err := d.Dial(context.Background(), twilio.DialParams{To: "+15551230001"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if sid != "CA-test" {
		t.Errorf("callSID: got %q, want %q", sid, "CA-test")
	}
	if inner.dialCalls != 2 {
		t.Errorf("dial calls: got %d, want 2", inner.dialCalls)
	}
}

func TestRetryingDialerGivesUpAfterTwoTries(t *testing.T) {
	inner := &flakyDialer{dialFailures: 10}
	d := NewRetryingDialer(inner)

	if _, err := d.Dial(context.Background(), twilio.DialParams{To: "+15551230001"}); err == nil {
		t.Fatal("expected error after exhausted attempts")
	}
	if inner.dialCalls != 2 {
		t.Errorf("dial calls: got %d, want 2", inner.dialCalls)
	}
}

func TestRetryingDialerHangupNotRetried(t *testing.T) {
	inner := &flakyDialer{}
	d := NewRetryingDialer(inner)

	if err := d.Hangup(context.Background(), "CA-test"); err == nil {
		t.Fatal("expected hangup error to pass through")
	}
	if inner.hangupCalls != 1 {
		t.Errorf("hangup calls: got %d, want 1", inner.hangupCalls)
	}
}
