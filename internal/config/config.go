package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ListenerConfig holds the network/TLS settings for a single listener (main or management).
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// Config holds all configuration for the messenger service.
type Config struct {
	// Mode controls security behavior: "prod" (default) or "testing".
	// In testing mode a bearer token that is not a JWT is taken as the user ID.
	Mode string

	// Database
	DBURL                   string
	DatastoreType           string // "postgres"
	DatastoreMigrateAtStart bool
	DBMaxOpenConns          int
	DBMaxIdleConns          int

	// Redis, shared by the redis presence registry and the redis realtime bus.
	RedisURL string

	// Presence registry backend: "local" or "redis".
	PresenceType string
	// PresenceTTL bounds how long a connection stays online without a heartbeat (redis only).
	PresenceTTL time.Duration

	// Realtime bus: "local" delivers to this process only, "redis" fans out across instances.
	RealtimeBusType    string
	RealtimeBusChannel string
	// RealtimeSendBuffer is the per-connection outbound queue size.
	RealtimeSendBuffer int
	// Fan-out of committed changes runs off the request path on a bounded pool.
	// Events for one conversation keep their order.
	FanoutWorkers   int
	FanoutQueueSize int
	FanoutTimeout   time.Duration

	// Push notifier: "none" or "fcm".
	PushType           string
	FCMProjectID       string
	FCMCredentialsFile string
	FCMEndpoint        string
	PushWorkers        int
	PushQueueSize      int
	PushTimeout        time.Duration

	// Attachment store: "fs" or "s3".
	AttachType        string
	AttachmentsDir    string
	AttachmentMaxSize int64
	S3Bucket          string
	S3Prefix          string
	S3UsePathStyle    bool

	// Retention worker.
	RetentionPollInterval time.Duration
	RetentionBatchSize    int

	// Pagination
	DefaultPageSize int
	MaxPageSize     int

	// Auth
	OIDCIssuer       string
	OIDCDiscoveryURL string
	JWTSecret        string

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	MetricsLabels string

	// Server
	Listener           ListenerConfig
	ManagementListener ListenerConfig
	// ManagementListenerEnabled is true when --management-port was explicitly provided.
	// When false, management endpoints are served on the main port.
	ManagementListenerEnabled bool
	ManagementAccessLog       bool
	CORSEnabled               bool
	CORSOrigins               string

	// Body size limit (bytes)
	MaxBodySize int64

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                    ModeProd,
		DatastoreType:           "postgres",
		DatastoreMigrateAtStart: true,
		DBMaxOpenConns:          25,
		DBMaxIdleConns:          5,
		PresenceType:            "local",
		PresenceTTL:             90 * time.Second,
		RealtimeBusType:         "local",
		RealtimeBusChannel:      "messenger-realtime",
		RealtimeSendBuffer:      256,
		FanoutWorkers:           8,
		FanoutQueueSize:         1024,
		FanoutTimeout:           30 * time.Second,
		PushType:                "none",
		FCMEndpoint:             "https://fcm.googleapis.com",
		PushWorkers:             8,
		PushQueueSize:           1024,
		PushTimeout:             10 * time.Second,
		AttachType:              "fs",
		AttachmentMaxSize:       25 * 1024 * 1024, // 25 MB
		RetentionPollInterval:   time.Second,
		RetentionBatchSize:      100,
		DefaultPageSize:         50,
		MaxPageSize:             200,
		Listener: ListenerConfig{
			Port:              8080,
			EnablePlainText:   true,
			EnableTLS:         true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			EnablePlainText: true,
			EnableTLS:       true,
		},
		MaxBodySize:  50 * 1024 * 1024, // 2x attachment max-size
		DrainTimeout: 30,
	}
}

// ResolvedAttachmentsDir returns the configured attachment directory or a
// "messenger-attachments" directory under the platform temp dir.
func (c *Config) ResolvedAttachmentsDir() string {
	if c != nil {
		if dir := strings.TrimSpace(c.AttachmentsDir); dir != "" {
			return dir
		}
	}
	return filepath.Join(os.TempDir(), "messenger-attachments")
}

// ClampPageSize applies the default and maximum page sizes to a requested limit.
func (c *Config) ClampPageSize(limit int) int {
	def, max := 50, 200
	if c != nil {
		if c.DefaultPageSize > 0 {
			def = c.DefaultPageSize
		}
		if c.MaxPageSize > 0 {
			max = c.MaxPageSize
		}
	}
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
