// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, scheduler policy, webhook
// endpoints, rate limiting, and observability.
package config

import (
	"errors"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-reminder-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// SchedulerConfig groups the reminder-policy knobs. The offsets and the
// escalation threshold are policy defaults, not invariants; product can move
// them without code changes.
type SchedulerConfig struct {
	Timezone     string // IANA zone all queue timestamps are rendered in
	AnchorHour   int    // daily send anchor, local hour
	AnchorMinute int    // daily send anchor, local minute

	// PendingStatuses is the custom-order-status set that keeps an obligation
	// open; PendingRestartStatuses is the subset that force-closes the prior
	// cycle before reopening (revision requests).
	PendingStatuses        []string
	PendingRestartStatuses []string
	// FollowUpStage is the sales stage that triggers a FOLLOWUP obligation.
	FollowUpStage string
	// ViewingStopStatuses are the only states that auto-confirm an urgent
	// daily diamond-viewing reminder.
	ViewingStopStatuses []string

	OpsWebhookURL        string
	EscalationWebhookURL string
	WebhookTimeout       time.Duration
	DeepLinkTemplate     string // e.g. "https://crm.example.com/orders/%s"

	SweepInterval       time.Duration // hourly safety sweep cadence
	RunLockWait         time.Duration // bounded wait for the run mutex
	GraceWindow         time.Duration // collection grace around the anchor
	EscalationAfterDays int           // firstDueAt staleness for escalation

	CustomOrderDueDays         int  // T+N for custom-order obligations
	CustomOrderDueBusinessDays bool // count N in business days
	ViewingNudgeLeadDays       int  // nudge fires N days before a viewing
	ViewingNudgeFallbackDays   int  // or N days after the triggering status
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// App
	DBPath    string // SQLite path
	Scheduler SchedulerConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath: getenv("DB_PATH", "reminders.db"),
		Scheduler: SchedulerConfig{
			Timezone:     getenv("TIMEZONE", "America/New_York"),
			AnchorHour:   getint("ANCHOR_HOUR", 9),
			AnchorMinute: getint("ANCHOR_MINUTE", 30),

			PendingStatuses: splitCSV(getenv("PENDING_STATUSES",
				"3D Requested,3D Revision Requested,3D Approved,In Production,Casting")),
			PendingRestartStatuses: splitCSV(getenv("PENDING_RESTART_STATUSES",
				"3D Revision Requested")),
			FollowUpStage: getenv("FOLLOWUP_STAGE", "Follow up"),
			ViewingStopStatuses: splitCSV(getenv("VIEWING_STOP_STATUSES",
				"Delivered,Viewing Ready,Deposit Confirmed,On The Way")),

			OpsWebhookURL:        getenv("OPS_WEBHOOK_URL", ""),
			EscalationWebhookURL: getenv("ESCALATION_WEBHOOK_URL", ""),
			WebhookTimeout:       getdur("WEBHOOK_TIMEOUT", 10*time.Second),
			DeepLinkTemplate:     getenv("DEEP_LINK_TEMPLATE", ""),

			SweepInterval:       getdur("SWEEP_INTERVAL", time.Hour),
			RunLockWait:         getdur("RUN_LOCK_WAIT", 20*time.Second),
			GraceWindow:         getdur("GRACE_WINDOW", 5*time.Minute),
			EscalationAfterDays: getint("ESCALATION_AFTER_DAYS", 3),

			CustomOrderDueDays:         getint("CUSTOM_ORDER_DUE_DAYS", 2),
			CustomOrderDueBusinessDays: getbool("CUSTOM_ORDER_DUE_BUSINESS_DAYS", false),
			ViewingNudgeLeadDays:       getint("VIEWING_NUDGE_LEAD_DAYS", 12),
			ViewingNudgeFallbackDays:   getint("VIEWING_NUDGE_FALLBACK_DAYS", 2),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-reminder-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	s := cfg.Scheduler
	if strings.TrimSpace(s.Timezone) == "" {
		return cfg, errors.New("TIMEZONE must not be empty")
	}
	if s.AnchorHour < 0 || s.AnchorHour > 23 || s.AnchorMinute < 0 || s.AnchorMinute > 59 {
		return cfg, errors.New("ANCHOR_HOUR/ANCHOR_MINUTE must form a valid time of day")
	}
	if len(s.PendingStatuses) == 0 {
		return cfg, errors.New("PENDING_STATUSES must not be empty")
	}
	if strings.TrimSpace(s.FollowUpStage) == "" {
		return cfg, errors.New("FOLLOWUP_STAGE must not be empty")
	}
	for _, u := range []string{s.OpsWebhookURL, s.EscalationWebhookURL} {
		if u == "" {
			continue // unset channel is skipped at delivery time
		}
		if parsed, err := url.Parse(u); err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return cfg, errors.New("webhook URLs must be absolute http(s) URLs")
		}
	}
	if s.WebhookTimeout <= 0 {
		return cfg, errors.New("WEBHOOK_TIMEOUT must be > 0")
	}
	if s.SweepInterval <= 0 {
		return cfg, errors.New("SWEEP_INTERVAL must be > 0")
	}
	if s.RunLockWait <= 0 {
		return cfg, errors.New("RUN_LOCK_WAIT must be > 0")
	}
	if s.GraceWindow < 0 {
		return cfg, errors.New("GRACE_WINDOW must be >= 0")
	}
	if s.EscalationAfterDays < 1 {
		return cfg, errors.New("ESCALATION_AFTER_DAYS must be >= 1")
	}
	if s.CustomOrderDueDays < 0 || s.ViewingNudgeLeadDays < 0 || s.ViewingNudgeFallbackDays < 0 {
		return cfg, errors.New("due-day offsets must be >= 0")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
