package taskd

import (
	"fmt"
	"path/filepath"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/taskd/internal/clock"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":8443"
	// DefaultChangesDir holds the change repository when none is configured.
	DefaultChangesDir = "./changes"
	// LockDirName is the lock directory created under the changes dir when
	// no explicit lock dir is configured.
	LockDirName = ".locks"
	// DefaultRateLimit is requests per minute per identity.
	DefaultRateLimit = 120
	// DefaultRateLimitBurst is the extra allowance on top of the base limit.
	DefaultRateLimitBurst = 20
	// DefaultHeartbeat paces SSE keep-alive comments.
	DefaultHeartbeat = 25 * time.Second
	// DefaultMaxResponseBytes caps serialized tool results.
	DefaultMaxResponseBytes = int64(10 << 10)
	// DefaultToolTimeout bounds a single tool execution.
	DefaultToolTimeout = 30 * time.Second
	// DefaultMetricsListen disables the Prometheus listener unless set.
	DefaultMetricsListen = ""
)

// Config controls taskd server runtime behavior.
type Config struct {
	// Listen is the host:port the API server binds to.
	Listen string
	// TLSCert/TLSKey enable TLS when both are set.
	TLSCert string
	TLSKey  string

	// AuthTokens is the bearer-token allow-list; the server refuses to
	// start without at least one token.
	AuthTokens []string
	// AllowedOrigins is the CORS allow-list; "*" allows any origin.
	AllowedOrigins []string
	// RateLimit is requests per minute per identity.
	RateLimit int
	// RateLimitBurst is the burst allowance on top of RateLimit.
	RateLimitBurst int
	// EnableHSTS adds Strict-Transport-Security to every response.
	EnableHSTS bool

	// Heartbeat paces SSE keep-alive comments.
	Heartbeat time.Duration
	// MaxResponseBytes caps a serialized tool result.
	MaxResponseBytes int64
	// ToolTimeout bounds tool execution.
	ToolTimeout time.Duration

	// ChangesDir is the change repository root.
	ChangesDir string
	// LockDir holds lock files; defaults to ChangesDir/.locks.
	LockDir string

	// MetricsListen exposes Prometheus metrics when non-empty.
	MetricsListen string
	// OTLPEndpoint enables trace export when non-empty.
	OTLPEndpoint string
	// OTLPProtocol selects the exporter transport: "grpc" or "http".
	OTLPProtocol string
	// OTLPInsecure disables TLS on the exporter connection.
	OTLPInsecure bool

	// Logger overrides the default stderr structured logger.
	Logger pslog.Logger
	// Clock overrides wall-clock time, for tests.
	Clock clock.Clock
}

// withDefaults fills unset options.
func (c Config) withDefaults() Config {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ChangesDir == "" {
		c.ChangesDir = DefaultChangesDir
	}
	if c.LockDir == "" {
		c.LockDir = filepath.Join(c.ChangesDir, LockDirName)
	}
	if c.RateLimit <= 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.RateLimitBurst < 0 {
		c.RateLimitBurst = DefaultRateLimitBurst
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = DefaultToolTimeout
	}
	if c.OTLPProtocol == "" {
		c.OTLPProtocol = "grpc"
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	return c
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if len(c.AuthTokens) == 0 {
		return fmt.Errorf("taskd: at least one auth token is required")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("taskd: tls cert and key must be configured together")
	}
	switch c.OTLPProtocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("taskd: unsupported otlp protocol %q", c.OTLPProtocol)
	}
	return nil
}
