// Package httpapi hosts the runtime's HTTP surface: the telephony webhooks
// that answer calls and report leg status, the media-stream WebSocket the
// calls ride on, and the health and metrics endpoints.
//
// Webhook requests are authenticated with the telephony provider's request
// signature; a failed check is a 403 before any handler logic runs.
package httpapi

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmdzco/donna2/internal/health"
	"github.com/dmdzco/donna2/internal/observe"
	"github.com/dmdzco/donna2/internal/session"
	"github.com/dmdzco/donna2/internal/store"
	"github.com/dmdzco/donna2/pkg/telephony/twilio"
)

// signatureHeader carries the webhook request signature.
const signatureHeader = "X-Twilio-Signature"

// Config wires a Server.
type Config struct {
	// AuthToken is the telephony account's webhook signing secret.
	AuthToken string

	// PublicURL is the externally visible base URL the provider signs
	// requests against, e.g. "https://donna.example.com".
	PublicURL string

	// StreamURL is the media WebSocket URL handed out in answer documents,
	// e.g. "wss://donna.example.com/voice/media".
	StreamURL string

	Sessions   *session.Manager
	Tenants    store.TenantStore
	Deliveries store.DeliveryStore

	// MaxAttempts caps delivery retries; a failed leg at this count goes
	// terminal instead of retry_pending.
	MaxAttempts int

	// RunCall drives one call over an accepted media stream. It blocks
	// until the call ends.
	RunCall RunCall

	// Health serves /healthz and /readyz. Optional.
	Health *health.Handler

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Server is the runtime's HTTP front end. Build with NewServer, mount with
// Handler.
type Server struct {
	cfg Config
	log *slog.Logger
	mux *http.ServeMux
}

// NewServer assembles the route table.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	s := &Server{
		cfg: cfg,
		log: cfg.Logger.With("component", "httpapi"),
		mux: http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /voice/answer", s.handleAnswer)
	s.mux.HandleFunc("POST /voice/status", s.handleStatus)
	s.mux.HandleFunc("GET /voice/media", s.handleMedia)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	if cfg.Health != nil {
		cfg.Health.Register(s.mux)
	}
	return s
}

// Handler returns the server's routes wrapped in request-ID and latency
// middleware.
func (s *Server) Handler() http.Handler {
	return observe.Middleware(s.cfg.Metrics)(s.mux)
}

// verifiedForm parses the webhook form and checks its signature. On failure
// it writes the error response and returns false.
func (s *Server) verifiedForm(w http.ResponseWriter, r *http.Request) (url.Values, bool) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form", http.StatusBadRequest)
		return nil, false
	}
	sig := r.Header.Get(signatureHeader)
	if !twilio.ValidateSignature(s.cfg.AuthToken, s.requestURL(r), r.PostForm, sig) {
		s.log.Warn("webhook signature rejected", "path", r.URL.Path)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return nil, false
	}
	return r.PostForm, true
}

// requestURL reconstructs the URL the provider signed: the public base plus
// the request path and query.
func (s *Server) requestURL(r *http.Request) string {
	return strings.TrimSuffix(s.cfg.PublicURL, "/") + r.URL.RequestURI()
}
