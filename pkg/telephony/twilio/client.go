// Package twilio implements the Twilio side of the telephony adapter: the
// REST client for outbound dials and hangups, TwiML generation for the
// answer webhook, and request signature validation.
package twilio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.twilio.com"

	// defaultDialTimeout is how long an outbound call rings before Twilio
	// gives up and reports no-answer.
	defaultDialTimeout = 45 * time.Second
)

// Client is a minimal Twilio REST client covering outbound calls.
// Safe for concurrent use.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client (useful for tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL overrides the API base URL (useful for tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// NewClient creates a Client for the given account credentials.
func NewClient(accountSID, authToken string, opts ...Option) *Client {
	c := &Client{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DialParams describes one outbound call.
type DialParams struct {
	// To and From are E.164 phone numbers.
	To   string
	From string

	// AnswerURL is the webhook Twilio requests when the call is answered;
	// it must return the TwiML that connects the media stream.
	AnswerURL string

	// StatusCallbackURL receives call status updates (answered, completed,
	// no-answer, busy, failed). Optional.
	StatusCallbackURL string

	// RingTimeout bounds how long the call rings. Zero means the 45 s
	// default.
	RingTimeout time.Duration
}

// callResource is the subset of Twilio's call resource we read back.
type callResource struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// apiError is Twilio's error envelope.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Dial initiates an outbound call and returns its call SID.
func (c *Client) Dial(ctx context.Context, p DialParams) (string, error) {
	timeout := p.RingTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	form := url.Values{}
	form.Set("To", p.To)
	form.Set("From", p.From)
	form.Set("Url", p.AnswerURL)
	form.Set("Timeout", strconv.Itoa(int(timeout.Seconds())))
	if p.StatusCallbackURL != "" {
		form.Set("StatusCallback", p.StatusCallbackURL)
		form.Set("StatusCallbackEvent", "answered completed")
	}

	var call callResource
	if err := c.post(ctx, fmt.Sprintf("/2010-04-01/Accounts/%s/Calls.json", c.accountSID), form, &call); err != nil {
		return "", fmt.Errorf("twilio: dial %s: %w", p.To, err)
	}
	return call.SID, nil
}

// Hangup completes an in-progress call.
func (c *Client) Hangup(ctx context.Context, callSID string) error {
	form := url.Values{}
	form.Set("Status", "completed")

	path := fmt.Sprintf("/2010-04-01/Accounts/%s/Calls/%s.json", c.accountSID, callSID)
	if err := c.post(ctx, path, form, &callResource{}); err != nil {
		return fmt.Errorf("twilio: hangup %s: %w", callSID, err)
	}
	return nil
}

// post sends one form-encoded API request and decodes the JSON response
// into out.
func (c *Client) post(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("api error %d (code %d): %s", resp.StatusCode, apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
