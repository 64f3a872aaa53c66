// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the
// HTTP gateway, logging, the record store, daily quota accounting, image
// normalization, the generation backend, the message bus, and observability.
//
// The resulting Config is an immutable value: it is built once at startup and
// handed to constructors. Nothing in the application reads the environment
// after Load returns.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreREST     = "rest"
)

// Artifact backends.
const (
	ArtifactDataURL = "dataurl"
	ArtifactS3      = "s3"
)

// Event backends.
const (
	EventsLog    = "log"
	EventsPubSub = "pubsub"
	EventsNone   = "none"
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
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-tryon-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// StoreConfig selects and configures the external record store.
type StoreConfig struct {
	Backend         string // sqlite|postgres|rest
	DBPath          string // SQLite path (sqlite backend)
	DSN             string // connection string (postgres backend)
	URL             string // base URL of the REST store (rest backend)
	APIKey          string // API key sent as apikey + bearer token
	Timeout         time.Duration
	AtomicIncrement bool // expose the server-side increment primitive
}

// QuotaConfig controls per-identity daily usage accounting.
type QuotaConfig struct {
	DailyLimit  int           // generations per identity per UTC day
	MaxAttempts int           // first-of-the-day create attempts in the fallback path
	Backoff     time.Duration // initial retry delay, grown and jittered per retry
	MaxElapsed  time.Duration // bound on retrying lost version-guarded updates
}

// ImageConfig bounds normalized assets.
type ImageConfig struct {
	MaxWidth     int   // try-on inputs
	MaxHeight    int   // try-on inputs
	UploadMaxDim int   // profile uploads (square bound)
	JPEGQuality  int   // 1..100
	MaxBytes     int64 // cap on fetched asset size
	MaxPixels    int64 // cap on declared width*height before decoding
	FetchTimeout time.Duration
}

// GeminiConfig configures the generation backend.
type GeminiConfig struct {
	APIKey     string
	BaseURL    string // API root; empty means the SDK default
	APIVersion string // e.g. v1beta
	Model      string
	Timeout    time.Duration
	Prompt     string
}

// ArtifactConfig selects where generated images are kept.
type ArtifactConfig struct {
	Backend       string // dataurl|s3
	Bucket        string // S3_BUCKET
	Region        string // S3_REGION
	URL           string // S3_URL, S3-compatible endpoint (optional)
	AccessKey     string // S3_ACCESS_KEY
	SecretKey     string // S3_SECRET_KEY
	PublicBaseURL string // S3_PUBLIC_BASE_URL; refs are s3://bucket/key when empty
	Prefix        string // S3_PREFIX, key prefix
}

// EventsConfig selects where saga outcome events are published.
type EventsConfig struct {
	Backend   string // log|pubsub|none
	ProjectID string // PUBSUB_PROJECT_ID
	Topic     string // PUBSUB_TOPIC
}

// BusConfig configures the in-process message bus.
type BusConfig struct {
	InboxSize      int
	RequestTimeout time.Duration
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 120s; a saga can take a while
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	MaxBodyBytes      int64         // request body cap (uploads are base64)
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// Rate limiting (HTTP edge, per identity)
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Saga
	SagaTimeout time.Duration // upper bound for one generation run

	Store    StoreConfig
	Quota    QuotaConfig
	Image    ImageConfig
	Gemini   GeminiConfig
	Artifact ArtifactConfig
	Events   EventsConfig
	Bus      BusConfig
	CORS     CORSConfig
	Security SecurityConfig
	OTEL     OTELConfig
}

// DefaultPrompt instructs the backend how to combine the garment and the person.
const DefaultPrompt = "Create a professional e-commerce fashion photo. Take the clothing from the first image " +
	"and let the person from the second image wear it. Generate a realistic, full-body shot with proper " +
	"lighting and natural pose. Ensure the clothing fits naturally on the person's body. Maintain the " +
	"original style and color of the clothing while making it look professionally worn by the person."

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
		WriteTimeout:      getdur("WRITE_TIMEOUT", 120*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		MaxBodyBytes:      int64(getint("MAX_BODY_BYTES", 16<<20)),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 2.0),
		RateBurst: getint("RATE_BURST", 5),

		SagaTimeout: getdur("SAGA_TIMEOUT", 3*time.Minute),

		Store: StoreConfig{
			Backend:         strings.ToLower(getenv("STORE_BACKEND", StoreSQLite)),
			DBPath:          getenv("DB_PATH", "tryon.db"),
			DSN:             getenv("STORE_DSN", ""),
			URL:             strings.TrimRight(getenv("STORE_URL", ""), "/"),
			APIKey:          getenv("STORE_API_KEY", ""),
			Timeout:         getdur("STORE_TIMEOUT", 15*time.Second),
			AtomicIncrement: getbool("STORE_ATOMIC_INCREMENT", true),
		},

		Quota: QuotaConfig{
			DailyLimit:  getint("DAILY_LIMIT", 40),
			MaxAttempts: getint("QUOTA_MAX_ATTEMPTS", 3),
			Backoff:     getdur("QUOTA_BACKOFF", 50*time.Millisecond),
			MaxElapsed:  getdur("QUOTA_MAX_ELAPSED", 10*time.Second),
		},

		Image: ImageConfig{
			MaxWidth:     getint("RESIZE_MAX_WIDTH", 1024),
			MaxHeight:    getint("RESIZE_MAX_HEIGHT", 1024),
			UploadMaxDim: getint("UPLOAD_MAX_DIMENSION", 512),
			JPEGQuality:  getint("JPEG_QUALITY", 80),
			MaxBytes:     int64(getint("MAX_IMAGE_BYTES", 20<<20)),
			MaxPixels:    int64(getint("MAX_IMAGE_PIXELS", 40_000_000)),
			FetchTimeout: getdur("FETCH_TIMEOUT", 20*time.Second),
		},

		Gemini: GeminiConfig{
			APIKey:     getenv("GEMINI_API_KEY", ""),
			BaseURL:    getenv("GEMINI_BASE_URL", ""),
			APIVersion: getenv("GEMINI_API_VERSION", "v1beta"),
			Model:      getenv("GEMINI_MODEL", "gemini-2.5-flash-image-preview"),
			Timeout:    getdur("GEMINI_TIMEOUT", 90*time.Second),
			Prompt:     getenv("GEMINI_PROMPT", DefaultPrompt),
		},

		Artifact: ArtifactConfig{
			Backend:       strings.ToLower(getenv("ARTIFACT_BACKEND", ArtifactDataURL)),
			Bucket:        getenv("S3_BUCKET", ""),
			Region:        getenv("S3_REGION", "us-east-1"),
			URL:           strings.TrimRight(getenv("S3_URL", ""), "/"),
			AccessKey:     getenv("S3_ACCESS_KEY", ""),
			SecretKey:     getenv("S3_SECRET_KEY", ""),
			PublicBaseURL: strings.TrimRight(getenv("S3_PUBLIC_BASE_URL", ""), "/"),
			Prefix:        strings.Trim(getenv("S3_PREFIX", "tryons"), "/"),
		},

		Events: EventsConfig{
			Backend:   strings.ToLower(getenv("EVENTS_BACKEND", EventsLog)),
			ProjectID: getenv("PUBSUB_PROJECT_ID", ""),
			Topic:     getenv("PUBSUB_TOPIC", "tryon-events"),
		},

		Bus: BusConfig{
			InboxSize:      getint("BUS_INBOX_SIZE", 64),
			RequestTimeout: getdur("BUS_REQUEST_TIMEOUT", 30*time.Second),
		},

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},

		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-tryon-backend"),
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

	return cfg, cfg.Validate()
}

// Validate reports the first invalid setting. Load calls it; tests and the
// CLI call it on hand-built values.
func (cfg Config) Validate() error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		return errors.New("MAX_BODY_BYTES must be > 0")
	}
	if cfg.RateRPS < 0 {
		return errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return errors.New("RATE_BURST must be >= 1")
	}
	if cfg.SagaTimeout <= 0 {
		return errors.New("SAGA_TIMEOUT must be > 0")
	}

	switch cfg.Store.Backend {
	case StoreSQLite:
		if strings.TrimSpace(cfg.Store.DBPath) == "" {
			return errors.New("DB_PATH must not be empty")
		}
	case StorePostgres:
		if strings.TrimSpace(cfg.Store.DSN) == "" {
			return errors.New("STORE_DSN is required when STORE_BACKEND=postgres")
		}
	case StoreREST:
		if cfg.Store.URL == "" {
			return errors.New("STORE_URL is required when STORE_BACKEND=rest")
		}
	default:
		return errors.New("STORE_BACKEND must be one of: sqlite, postgres, rest")
	}
	if cfg.Store.Timeout <= 0 {
		return errors.New("STORE_TIMEOUT must be > 0")
	}

	if cfg.Quota.DailyLimit < 1 {
		return errors.New("DAILY_LIMIT must be >= 1")
	}
	if cfg.Quota.MaxAttempts < 1 {
		return errors.New("QUOTA_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Quota.Backoff < 0 {
		return errors.New("QUOTA_BACKOFF must be >= 0")
	}
	if cfg.Quota.MaxElapsed <= 0 {
		return errors.New("QUOTA_MAX_ELAPSED must be > 0")
	}

	if cfg.Image.MaxWidth < 1 || cfg.Image.MaxHeight < 1 || cfg.Image.UploadMaxDim < 1 {
		return errors.New("image bounds must be >= 1")
	}
	if cfg.Image.JPEGQuality < 1 || cfg.Image.JPEGQuality > 100 {
		return errors.New("JPEG_QUALITY must be between 1 and 100")
	}
	if cfg.Image.MaxPixels <= 0 {
		return errors.New("MAX_IMAGE_PIXELS must be > 0")
	}
	if cfg.Image.MaxBytes <= 0 {
		return errors.New("MAX_IMAGE_BYTES must be > 0")
	}
	if cfg.Image.FetchTimeout <= 0 {
		return errors.New("FETCH_TIMEOUT must be > 0")
	}

	if cfg.Gemini.Model == "" || cfg.Gemini.APIVersion == "" {
		return errors.New("GEMINI_MODEL and GEMINI_API_VERSION must not be empty")
	}
	if cfg.Gemini.Timeout <= 0 {
		return errors.New("GEMINI_TIMEOUT must be > 0")
	}

	switch cfg.Artifact.Backend {
	case ArtifactDataURL:
	case ArtifactS3:
		if cfg.Artifact.Bucket == "" {
			return errors.New("S3_BUCKET is required when ARTIFACT_BACKEND=s3")
		}
	default:
		return errors.New("ARTIFACT_BACKEND must be one of: dataurl, s3")
	}

	switch cfg.Events.Backend {
	case EventsLog, EventsNone:
	case EventsPubSub:
		if cfg.Events.ProjectID == "" || cfg.Events.Topic == "" {
			return errors.New("PUBSUB_PROJECT_ID and PUBSUB_TOPIC are required when EVENTS_BACKEND=pubsub")
		}
	default:
		return errors.New("EVENTS_BACKEND must be one of: log, pubsub, none")
	}

	if cfg.Bus.InboxSize < 1 {
		return errors.New("BUS_INBOX_SIZE must be >= 1")
	}
	if cfg.Bus.RequestTimeout <= 0 {
		return errors.New("BUS_REQUEST_TIMEOUT must be > 0")
	}

	if cfg.Security.HSTSMaxAge < 0 {
		return errors.New("HSTS_MAX_AGE must be >= 0")
	}

	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
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
