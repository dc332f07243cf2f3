package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/dmdzco/donna2/internal/session"
	"github.com/dmdzco/donna2/internal/store"
)

const (
	testAuthToken = "test-auth-token"
	testPublicURL = "https://donna.example.com"
	testStreamURL = "wss://donna.example.com/voice/media"
)

type fakeTenants struct {
	byPhone map[string]*store.Tenant
}

func (f *fakeTenants) Tenant(_ context.Context, id string) (*store.Tenant, error) {
	for _, t := range f.byPhone {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeTenants) TenantByPhone(_ context.Context, phone string) (*store.Tenant, error) {
	t, ok := f.byPhone[phone]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeTenants) ActiveTenants(context.Context) ([]store.Tenant, error) {
	return nil, nil
}

type fakeDeliveries struct {
	byCallSID map[string]*store.Delivery
	updates   map[string]store.DeliveryStatus
}

func (f *fakeDeliveries) CreateDelivery(context.Context, store.Delivery) (string, error) {
	return "", nil
}

func (f *fakeDeliveries) Delivery(context.Context, string) (*store.Delivery, error) {
	return nil, store.ErrNotFound
}

func (f *fakeDeliveries) DeliveryByCallSID(_ context.Context, callSID string) (*store.Delivery, error) {
	d, ok := f.byCallSID[callSID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return d, nil
}

func (f *fakeDeliveries) UpdateDeliveryStatus(_ context.Context, id string, status store.DeliveryStatus, _ string) error {
	if f.updates == nil {
		f.updates = make(map[string]store.DeliveryStatus)
	}
	f.updates[id] = status
	return nil
}

func (f *fakeDeliveries) RetryPending(context.Context, time.Time, time.Duration, int) ([]store.Delivery, error) {
	return nil, nil
}

func (f *fakeDeliveries) IncrementAttempt(context.Context, string, string) error { return nil }

func (f *fakeDeliveries) UndeliveredForTenant(context.Context, string) ([]store.Delivery, error) {
	return nil, nil
}

type webhookFixture struct {
	srv        *Server
	sessions   *session.Manager
	tenants    *fakeTenants
	deliveries *fakeDeliveries
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	f := &webhookFixture{
		sessions: session.NewManager(),
		tenants: &fakeTenants{byPhone: map[string]*store.Tenant{
			"+15550100": {ID: "t1", Name: "Margaret", Phone: "+15550100", Active: true},
		}},
		deliveries: &fakeDeliveries{byCallSID: make(map[string]*store.Delivery)},
	}
	f.srv = NewServer(Config{
		AuthToken:   testAuthToken,
		PublicURL:   testPublicURL,
		StreamURL:   testStreamURL,
		Sessions:    f.sessions,
		Tenants:     f.tenants,
		Deliveries:  f.deliveries,
		MaxAttempts: 3,
	})
	return f
}

// sign computes the webhook signature the same way the provider does:
// HMAC-SHA1 over the URL and the sorted form parameters.
func sign(requestURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mac := hmac.New(sha1.New, []byte(testAuthToken))
	mac.Write([]byte(requestURL))
	for _, k := range keys {
		for _, v := range form[k] {
			mac.Write([]byte(k))
			mac.Write([]byte(v))
		}
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (f *webhookFixture) post(t *testing.T, path string, form url.Values, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(signatureHeader, signature)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *webhookFixture) postSigned(t *testing.T, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	return f.post(t, path, form, sign(testPublicURL+path, form))
}

func TestAnswerBridgesKnownTenant(t *testing.T) {
	f := newWebhookFixture(t)
	f.sessions.AttachPrefetch("CA1", session.PrefetchedCall{
		Reminder: &store.Reminder{ID: "rem-1", Title: "Morning medication"},
	})

	form := url.Values{}
	form.Set("CallSid", "CA1")
	form.Set("Direction", "outbound-api")
	form.Set("To", "+15550100")
	form.Set("From", "+15550000")

	rec := f.postSigned(t, "/voice/answer", form)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/xml") {
		t.Errorf("content type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, testStreamURL) {
		t.Errorf("answer document missing stream URL: %s", body)
	}
	if !strings.Contains(body, `value="t1"`) || !strings.Contains(body, `value="reminder"`) {
		t.Errorf("answer document missing custom parameters: %s", body)
	}
	// Answering must not consume the staged context; the media handler does.
	if _, ok := f.sessions.PeekPrefetch("CA1"); !ok {
		t.Error("prefetch consumed by answer webhook")
	}
}

func TestAnswerDeclinesUnknownCaller(t *testing.T) {
	f := newWebhookFixture(t)

	form := url.Values{}
	form.Set("CallSid", "CA2")
	form.Set("Direction", "inbound")
	form.Set("From", "+19998887777")
	form.Set("To", "+15550000")

	rec := f.postSigned(t, "/voice/answer", form)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "<Reject/>") {
		t.Errorf("expected reject document, got %s", rec.Body.String())
	}
}

func TestAnswerLabelsInboundCall(t *testing.T) {
	f := newWebhookFixture(t)

	form := url.Values{}
	form.Set("CallSid", "CA3")
	form.Set("Direction", "inbound")
	form.Set("From", "+15550100")
	form.Set("To", "+15550000")

	rec := f.postSigned(t, "/voice/answer", form)
	if !strings.Contains(rec.Body.String(), `value="inbound"`) {
		t.Errorf("expected inbound call type, got %s", rec.Body.String())
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newWebhookFixture(t)

	form := url.Values{}
	form.Set("CallSid", "CA1")

	for _, path := range []string{"/voice/answer", "/voice/status"} {
		rec := f.post(t, path, form, "bogus-signature")
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s with bad signature: status = %d", path, rec.Code)
		}
	}
}

func TestStatusFailedLegGoesRetryPending(t *testing.T) {
	f := newWebhookFixture(t)
	f.deliveries.byCallSID["CA1"] = &store.Delivery{
		ID: "del-1", Status: store.DeliveryPending, AttemptCount: 1, CallSID: "CA1",
	}
	f.sessions.AttachPrefetch("CA1", session.PrefetchedCall{})

	form := url.Values{}
	form.Set("CallSid", "CA1")
	form.Set("CallStatus", "no-answer")

	rec := f.postSigned(t, "/voice/status", form)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := f.deliveries.updates["del-1"]; got != store.DeliveryRetryPending {
		t.Errorf("delivery status = %q, want retry_pending", got)
	}
	if _, ok := f.sessions.PeekPrefetch("CA1"); ok {
		t.Error("stale prefetch not dropped")
	}
}

func TestStatusExhaustedAttemptsGoTerminal(t *testing.T) {
	f := newWebhookFixture(t)
	f.deliveries.byCallSID["CA1"] = &store.Delivery{
		ID: "del-1", Status: store.DeliveryPending, AttemptCount: 3, CallSID: "CA1",
	}

	form := url.Values{}
	form.Set("CallSid", "CA1")
	form.Set("CallStatus", "busy")

	f.postSigned(t, "/voice/status", form)
	if got := f.deliveries.updates["del-1"]; got != store.DeliveryMaxAttempts {
		t.Errorf("delivery status = %q, want max_attempts", got)
	}
}

func TestStatusCompletedTouchesNothing(t *testing.T) {
	f := newWebhookFixture(t)
	f.deliveries.byCallSID["CA1"] = &store.Delivery{
		ID: "del-1", Status: store.DeliveryDelivered, AttemptCount: 1, CallSID: "CA1",
	}

	form := url.Values{}
	form.Set("CallSid", "CA1")
	form.Set("CallStatus", "completed")
	form.Set("CallDuration", "412")

	rec := f.postSigned(t, "/voice/status", form)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(f.deliveries.updates) != 0 {
		t.Errorf("completed leg touched deliveries: %v", f.deliveries.updates)
	}
}

func TestStatusTerminalDeliveryIsSticky(t *testing.T) {
	f := newWebhookFixture(t)
	f.deliveries.byCallSID["CA1"] = &store.Delivery{
		ID: "del-1", Status: store.DeliveryAcknowledged, AttemptCount: 1, CallSID: "CA1",
	}

	form := url.Values{}
	form.Set("CallSid", "CA1")
	form.Set("CallStatus", "failed")

	f.postSigned(t, "/voice/status", form)
	if len(f.deliveries.updates) != 0 {
		t.Errorf("terminal delivery updated: %v", f.deliveries.updates)
	}
}
