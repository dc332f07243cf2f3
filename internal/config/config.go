// Package config defines the YAML configuration schema, its loader and
// validation, and the provider registry that turns config entries into
// live provider instances.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dmdzco/donna2/internal/tools"
)

// LogLevel names a slog level in the config file.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// SlogLevel maps the config value onto a slog.Level. Unknown values fall
// back to Info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root of the configuration file.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Telephony TelephonyConfig `yaml:"telephony"`
	Providers ProvidersConfig `yaml:"providers"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Call      CallConfig      `yaml:"call"`
	MCP       MCPConfig       `yaml:"mcp"`
}

// ServerConfig covers the HTTP listener and logging.
type ServerConfig struct {
	// ListenAddr is the bind address for webhooks, media streams, health
	// and metrics. Default ":8080".
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// PublicURL is the externally reachable base URL Twilio calls back on,
	// e.g. "https://donna.example.com". Also used to verify webhook
	// signatures.
	PublicURL string `yaml:"public_url"`

	// StreamURL is the websocket endpoint handed to Twilio in TwiML.
	// Derived from PublicURL when empty.
	StreamURL string `yaml:"stream_url"`
}

// DatabaseConfig covers the Postgres connection.
type DatabaseConfig struct {
	// URL is a pgx connection string; pool settings ride along as query
	// parameters (pool_max_conns etc.).
	URL string `yaml:"url"`
}

// TelephonyConfig covers the Twilio account placing and receiving calls.
type TelephonyConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`

	// FromNumber is the E.164 caller ID for outbound dials.
	FromNumber string `yaml:"from_number"`
}

// ProvidersConfig binds each runtime role to a provider entry. Voice,
// Director and Analysis are LLM roles with different latency and quality
// trade-offs; they may name the same provider with different models.
type ProvidersConfig struct {
	Voice      ProviderEntry `yaml:"voice"`
	Director   ProviderEntry `yaml:"director"`
	Analysis   ProviderEntry `yaml:"analysis"`
	STT        ProviderEntry `yaml:"stt"`
	TTS        ProviderEntry `yaml:"tts"`
	Embeddings ProviderEntry `yaml:"embeddings"`
}

// ProviderEntry configures one provider instance.
type ProviderEntry struct {
	// Name selects the factory registered for the role.
	Name string `yaml:"name"`

	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// Options carries provider-specific settings (voice id, sample rate,
	// temperature overrides).
	Options map[string]any `yaml:"options"`
}

// StringOption returns a string-valued option, or def when absent or not a
// string.
func (p ProviderEntry) StringOption(key, def string) string {
	if v, ok := p.Options[key].(string); ok && v != "" {
		return v
	}
	return def
}

// SchedulerConfig covers the reminder dial loop.
type SchedulerConfig struct {
	// TickSeconds is the poll interval for due reminders. Default 60.
	TickSeconds int `yaml:"tick_seconds"`

	// RetryDelayMinutes is the wait before redialing an unanswered
	// reminder. Default 30.
	RetryDelayMinutes int `yaml:"retry_delay_minutes"`

	// MaxAttempts caps dials per delivery. Default 3.
	MaxAttempts int `yaml:"max_attempts"`

	// RingTimeoutSeconds bounds how long an outbound leg may ring.
	// Default 45.
	RingTimeoutSeconds int `yaml:"ring_timeout_seconds"`
}

// Tick returns the poll interval.
func (s SchedulerConfig) Tick() time.Duration {
	return time.Duration(s.TickSeconds) * time.Second
}

// RetryDelay returns the redial delay.
func (s SchedulerConfig) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelayMinutes) * time.Minute
}

// RingTimeout returns the outbound ring budget.
func (s SchedulerConfig) RingTimeout() time.Duration {
	return time.Duration(s.RingTimeoutSeconds) * time.Second
}

// CallConfig covers per-call behavior.
type CallConfig struct {
	// MaxCallMinutes hard-caps call duration. Default 15.
	MaxCallMinutes int `yaml:"max_call_minutes"`

	// FlushIntervalSeconds is how often the live transcript is persisted.
	// Default 10.
	FlushIntervalSeconds int `yaml:"flush_interval_seconds"`

	// DisableStreamingTTS synthesizes each reply whole after the model
	// finishes instead of streaming sentences. For TTS backends without
	// a usable streaming endpoint.
	DisableStreamingTTS bool `yaml:"disable_streaming_tts"`
}

// MaxDuration returns the call duration cap.
func (c CallConfig) MaxDuration() time.Duration {
	return time.Duration(c.MaxCallMinutes) * time.Minute
}

// FlushInterval returns the transcript persistence interval.
func (c CallConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSeconds) * time.Second
}

// MCPConfig lists external MCP tool servers attached at startup.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes one external MCP server.
type MCPServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command"`
	URL       string            `yaml:"url"`
	Env       map[string]string `yaml:"env"`
}

// ToolServer converts the entry into the tool host's server config.
func (m MCPServerConfig) ToolServer() tools.ServerConfig {
	return tools.ServerConfig{
		Name:      m.Name,
		Transport: tools.Transport(m.Transport),
		Command:   m.Command,
		URL:       m.URL,
		Env:       m.Env,
	}
}

// applyDefaults fills zero values with the documented defaults.
func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Server.StreamURL == "" && c.Server.PublicURL != "" {
		c.Server.StreamURL = deriveStreamURL(c.Server.PublicURL)
	}
	if c.Scheduler.TickSeconds <= 0 {
		c.Scheduler.TickSeconds = 60
	}
	if c.Scheduler.RetryDelayMinutes <= 0 {
		c.Scheduler.RetryDelayMinutes = 30
	}
	if c.Scheduler.MaxAttempts <= 0 {
		c.Scheduler.MaxAttempts = 3
	}
	if c.Scheduler.RingTimeoutSeconds <= 0 {
		c.Scheduler.RingTimeoutSeconds = 45
	}
	if c.Call.MaxCallMinutes <= 0 {
		c.Call.MaxCallMinutes = 15
	}
	if c.Call.FlushIntervalSeconds <= 0 {
		c.Call.FlushIntervalSeconds = 10
	}
}

// deriveStreamURL maps the public base URL onto the websocket media
// endpoint: https://host -> wss://host/voice/media.
func deriveStreamURL(publicURL string) string {
	base := strings.TrimSuffix(publicURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/voice/media"
}

// Validate checks the configuration and returns all hard errors joined.
// Suspicious-but-workable settings are logged at Warn instead.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.PublicURL == "" {
		errs = append(errs, errors.New("server.public_url is required"))
	} else if !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Warn("server.public_url is not https; webhook signature verification will use it as-is",
			"public_url", c.Server.PublicURL)
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}

	if c.Telephony.AccountSID == "" {
		errs = append(errs, errors.New("telephony.account_sid is required"))
	}
	if c.Telephony.AuthToken == "" {
		errs = append(errs, errors.New("telephony.auth_token is required"))
	}
	if c.Telephony.FromNumber == "" {
		errs = append(errs, errors.New("telephony.from_number is required"))
	} else if !strings.HasPrefix(c.Telephony.FromNumber, "+") {
		slog.Warn("telephony.from_number is not E.164; outbound dials may be rejected",
			"from_number", c.Telephony.FromNumber)
	}

	roles := []struct {
		role  string
		entry ProviderEntry
	}{
		{"voice", c.Providers.Voice},
		{"director", c.Providers.Director},
		{"analysis", c.Providers.Analysis},
		{"stt", c.Providers.STT},
		{"tts", c.Providers.TTS},
		{"embeddings", c.Providers.Embeddings},
	}
	for _, r := range roles {
		if r.entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.name is required", r.role))
		}
	}
	if c.Providers.Director.Name != "" && c.Providers.Director.Model == "" {
		slog.Warn("providers.director has no model; the provider default will be used")
	}

	for i, s := range c.MCP.Servers {
		switch tools.Transport(s.Transport) {
		case tools.TransportStdio:
			if s.Command == "" {
				errs = append(errs, fmt.Errorf("mcp.servers[%d] (%s): stdio transport requires a command", i, s.Name))
			}
		case tools.TransportStreamableHTTP:
			if s.URL == "" {
				errs = append(errs, fmt.Errorf("mcp.servers[%d] (%s): streamable_http transport requires a url", i, s.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("mcp.servers[%d] (%s): unknown transport %q", i, s.Name, s.Transport))
		}
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: name is required", i))
		}
	}

	if c.Scheduler.TickSeconds < 10 {
		slog.Warn("scheduler.tick_seconds is very aggressive", "tick_seconds", c.Scheduler.TickSeconds)
	}
	if c.Call.MaxCallMinutes > 60 {
		slog.Warn("call.max_call_minutes exceeds an hour", "max_call_minutes", c.Call.MaxCallMinutes)
	}

	return errors.Join(errs...)
}
