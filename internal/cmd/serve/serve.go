package serve

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/messenger-service/internal/config"
	registryattach "github.com/chirino/messenger-service/internal/registry/attach"
	registrypresence "github.com/chirino/messenger-service/internal/registry/presence"
	registrypush "github.com/chirino/messenger-service/internal/registry/push"
	registrystore "github.com/chirino/messenger-service/internal/registry/store"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/chirino/messenger-service/internal/plugin/attach/fsstore"
	_ "github.com/chirino/messenger-service/internal/plugin/attach/s3store"
	_ "github.com/chirino/messenger-service/internal/plugin/presence/local"
	_ "github.com/chirino/messenger-service/internal/plugin/presence/redis"
	_ "github.com/chirino/messenger-service/internal/plugin/push/fcm"
	_ "github.com/chirino/messenger-service/internal/plugin/push/none"
	_ "github.com/chirino/messenger-service/internal/plugin/route/system"
	_ "github.com/chirino/messenger-service/internal/plugin/store/postgres"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the messenger HTTP and realtime server",
		Flags: flags(&cfg, &readHeaderTimeoutSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.Listener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			cfg.ManagementListener.ReadHeaderTimeout = cfg.Listener.ReadHeaderTimeout
			cfg.ManagementListenerEnabled = cmd.IsSet("management-port")
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "mode",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_MODE"),
			Destination: &cfg.Mode,
			Value:       cfg.Mode,
			Usage:       "Security mode (prod|testing); testing accepts plain user IDs as bearer tokens",
		},
		&cli.StringFlag{
			Name:        "tls-cert-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_TLS_CERT_FILE"),
			Destination: &cfg.Listener.TLSCertFile,
			Usage:       "TLS certificate file for single-port TLS mode",
		},
		&cli.StringFlag{
			Name:        "tls-key-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_TLS_KEY_FILE"),
			Destination: &cfg.Listener.TLSKeyFile,
			Usage:       "TLS private key file for single-port TLS mode",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.Int64Flag{
			Name:        "max-body-size",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_MAX_BODY_SIZE"),
			Destination: &cfg.MaxBodySize,
			Value:       cfg.MaxBodySize,
			Usage:       "Maximum request body size in bytes (attachment uploads are limited separately)",
		},
		&cli.IntFlag{
			Name:        "drain-timeout",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_DRAIN_TIMEOUT"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Graceful shutdown drain timeout in seconds",
		},
		&cli.BoolFlag{
			Name:        "cors-enabled",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_CORS_ENABLED"),
			Destination: &cfg.CORSEnabled,
			Usage:       "Enable CORS headers",
		},
		&cli.StringFlag{
			Name:        "cors-origins",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_CORS_ORIGINS"),
			Destination: &cfg.CORSOrigins,
			Usage:       "Comma-separated allowed origins, also used for websocket origin checks (default: any)",
		},
		&cli.BoolFlag{
			Name:        "management-access-log",
			Category:    "Server:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_MANAGEMENT_ACCESS_LOG"),
			Destination: &cfg.ManagementAccessLog,
			Usage:       "Enable HTTP access logging for management endpoints (/health, /ready, /metrics)",
		},

		// ── Network Listener ──────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.BoolFlag{
			Name:        "plain-text",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_PLAIN_TEXT"),
			Destination: &cfg.Listener.EnablePlainText,
			Value:       cfg.Listener.EnablePlainText,
			Usage:       "Enable plaintext HTTP/1.1 + h2c",
		},
		&cli.BoolFlag{
			Name:        "tls",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_TLS"),
			Destination: &cfg.Listener.EnableTLS,
			Value:       cfg.Listener.EnableTLS,
			Usage:       "Enable TLS HTTP/1.1 + HTTP/2",
		},

		// ── Management Network Listener ───────────────────────────
		&cli.IntFlag{
			Name:        "management-port",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_MANAGEMENT_PORT"),
			Destination: &cfg.ManagementListener.Port,
			Value:       cfg.ManagementListener.Port,
			Usage:       "Dedicated port for health and metrics (0 = OS-assigned random port); when unset, served on the main port",
		},
		&cli.BoolFlag{
			Name:        "management-plain-text",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_MANAGEMENT_PLAIN_TEXT"),
			Destination: &cfg.ManagementListener.EnablePlainText,
			Value:       cfg.ManagementListener.EnablePlainText,
			Usage:       "Enable plaintext HTTP for management server",
		},
		&cli.BoolFlag{
			Name:        "management-tls",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_MANAGEMENT_TLS"),
			Destination: &cfg.ManagementListener.EnableTLS,
			Value:       cfg.ManagementListener.EnableTLS,
			Usage:       "Enable TLS for management server",
		},

		// ── Database ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Backend store (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL",
			Required:    true,
		},
		&cli.BoolFlag{
			Name:        "db-migrate-at-start",
			Category:    "Database:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_DB_MIGRATE_AT_START"),
			Destination: &cfg.DatastoreMigrateAtStart,
			Value:       cfg.DatastoreMigrateAtStart,
			Usage:       "Run schema migrations on startup",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},

		// ── Presence & Realtime ───────────────────────────────────
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Presence & Realtime:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis URL shared by the redis presence registry and realtime bus",
		},
		&cli.StringFlag{
			Name:        "presence-kind",
			Category:    "Presence & Realtime:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_PRESENCE_KIND"),
			Destination: &cfg.PresenceType,
			Value:       cfg.PresenceType,
			Usage:       "Presence registry (" + strings.Join(registrypresence.Names(), "|") + ")",
		},
		&cli.DurationFlag{
			Name:        "presence-ttl",
			Category:    "Presence & Realtime:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_PRESENCE_TTL"),
			Destination: &cfg.PresenceTTL,
			Value:       cfg.PresenceTTL,
			Usage:       "How long a connection stays online without a heartbeat",
		},
		&cli.StringFlag{
			Name:        "realtime-bus-kind",
			Category:    "Presence & Realtime:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_REALTIME_BUS_KIND"),
			Destination: &cfg.RealtimeBusType,
			Value:       cfg.RealtimeBusType,
			Usage:       "Realtime event bus (local|redis)",
		},
		&cli.StringFlag{
			Name:        "realtime-bus-channel",
			Category:    "Presence & Realtime:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_REALTIME_BUS_CHANNEL"),
			Destination: &cfg.RealtimeBusChannel,
			Value:       cfg.RealtimeBusChannel,
			Usage:       "Redis pub/sub channel used by the redis realtime bus",
		},
		&cli.IntFlag{
			Name:        "realtime-send-buffer",
			Category:    "Presence & Realtime:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_REALTIME_SEND_BUFFER"),
			Destination: &cfg.RealtimeSendBuffer,
			Value:       cfg.RealtimeSendBuffer,
			Usage:       "Outbound event queue size per realtime connection",
		},
		&cli.IntFlag{
			Name:        "fanout-workers",
			Category:    "Presence & Realtime:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_FANOUT_WORKERS"),
			Destination: &cfg.FanoutWorkers,
			Value:       cfg.FanoutWorkers,
			Usage:       "Background workers delivering events after a change commits",
		},
		&cli.IntFlag{
			Name:        "fanout-queue-size",
			Category:    "Presence & Realtime:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_FANOUT_QUEUE_SIZE"),
			Destination: &cfg.FanoutQueueSize,
			Value:       cfg.FanoutQueueSize,
			Usage:       "Pending deliveries per fan-out worker before new ones are dropped",
		},
		&cli.DurationFlag{
			Name:        "fanout-timeout",
			Category:    "Presence & Realtime:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_FANOUT_TIMEOUT"),
			Destination: &cfg.FanoutTimeout,
			Value:       cfg.FanoutTimeout,
			Usage:       "Timeout for delivering one change",
		},

		// ── Push Notifications ────────────────────────────────────
		&cli.StringFlag{
			Name:        "push-kind",
			Category:    "Push Notifications:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_PUSH_KIND"),
			Destination: &cfg.PushType,
			Value:       cfg.PushType,
			Usage:       "Push notifier (" + strings.Join(registrypush.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "push-fcm-project-id",
			Category:    "Push Notifications:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_PUSH_FCM_PROJECT_ID"),
			Destination: &cfg.FCMProjectID,
			Usage:       "Firebase project ID",
		},
		&cli.StringFlag{
			Name:        "push-fcm-credentials-file",
			Category:    "Push Notifications:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_PUSH_FCM_CREDENTIALS_FILE", "GOOGLE_APPLICATION_CREDENTIALS"),
			Destination: &cfg.FCMCredentialsFile,
			Usage:       "Service account JSON file (default: application default credentials)",
		},
		&cli.StringFlag{
			Name:        "push-fcm-endpoint",
			Category:    "Push Notifications:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_PUSH_FCM_ENDPOINT"),
			Destination: &cfg.FCMEndpoint,
			Value:       cfg.FCMEndpoint,
			Usage:       "FCM HTTP v1 API base URL",
		},
		&cli.IntFlag{
			Name:        "push-workers",
			Category:    "Push Notifications:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_PUSH_WORKERS"),
			Destination: &cfg.PushWorkers,
			Value:       cfg.PushWorkers,
			Usage:       "Maximum concurrent push requests",
		},
		&cli.IntFlag{
			Name:        "push-queue-size",
			Category:    "Push Notifications:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_PUSH_QUEUE_SIZE"),
			Destination: &cfg.PushQueueSize,
			Value:       cfg.PushQueueSize,
			Usage:       "Pending wake-ups per push worker before new ones are dropped",
		},
		&cli.DurationFlag{
			Name:        "push-timeout",
			Category:    "Push Notifications:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_PUSH_TIMEOUT"),
			Destination: &cfg.PushTimeout,
			Value:       cfg.PushTimeout,
			Usage:       "Timeout for a single push request",
		},

		// ── Attachment Storage ────────────────────────────────────
		&cli.StringFlag{
			Name:        "attachments-kind",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_ATTACHMENTS_KIND"),
			Destination: &cfg.AttachType,
			Value:       cfg.AttachType,
			Usage:       "Attachment store (" + strings.Join(registryattach.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "attachments-dir",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_ATTACHMENTS_DIR"),
			Destination: &cfg.AttachmentsDir,
			Usage:       "Root directory for the fs attachment store",
		},
		&cli.Int64Flag{
			Name:        "attachments-max-size",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_ATTACHMENTS_MAX_SIZE"),
			Destination: &cfg.AttachmentMaxSize,
			Value:       cfg.AttachmentMaxSize,
			Usage:       "Maximum attachment size in bytes",
		},
		&cli.StringFlag{
			Name:        "attachments-s3-bucket",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_ATTACHMENTS_S3_BUCKET"),
			Destination: &cfg.S3Bucket,
			Usage:       "S3 bucket name",
		},
		&cli.StringFlag{
			Name:        "attachments-s3-prefix",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_ATTACHMENTS_S3_PREFIX"),
			Destination: &cfg.S3Prefix,
			Usage:       "Key prefix for attachment objects",
		},
		&cli.BoolFlag{
			Name:        "attachments-s3-use-path-style",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_ATTACHMENTS_S3_USE_PATH_STYLE"),
			Destination: &cfg.S3UsePathStyle,
			Usage:       "Use path-style S3 URLs (required by most S3-compatible servers)",
		},

		// ── Retention ─────────────────────────────────────────────
		&cli.DurationFlag{
			Name:        "retention-poll-interval",
			Category:    "Retention:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_RETENTION_POLL_INTERVAL"),
			Destination: &cfg.RetentionPollInterval,
			Value:       cfg.RetentionPollInterval,
			Usage:       "How often due retention deletions are claimed",
		},
		&cli.IntFlag{
			Name:        "retention-batch-size",
			Category:    "Retention:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_RETENTION_BATCH_SIZE"),
			Destination: &cfg.RetentionBatchSize,
			Value:       cfg.RetentionBatchSize,
			Usage:       "Maximum retention jobs claimed per poll",
		},

		// ── Pagination ────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "default-page-size",
			Category:    "Pagination:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_DEFAULT_PAGE_SIZE"),
			Destination: &cfg.DefaultPageSize,
			Value:       cfg.DefaultPageSize,
			Usage:       "Message page size when the client does not ask for one",
		},
		&cli.IntFlag{
			Name:        "max-page-size",
			Category:    "Pagination:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_MAX_PAGE_SIZE"),
			Destination: &cfg.MaxPageSize,
			Value:       cfg.MaxPageSize,
			Usage:       "Largest message page a client may request",
		},

		// ── Authorization ─────────────────────────────────────────
		&cli.StringFlag{
			Name:        "oidc-issuer",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_OIDC_ISSUER"),
			Destination: &cfg.OIDCIssuer,
			Usage:       "OIDC issuer URL (enables OIDC auth)",
		},
		&cli.StringFlag{
			Name:        "oidc-discovery-url",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_OIDC_DISCOVERY_URL"),
			Destination: &cfg.OIDCDiscoveryURL,
			Usage:       "OIDC discovery URL (internal URL when issuer is not directly reachable)",
		},
		&cli.StringFlag{
			Name:        "jwt-secret",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_JWT_SECRET"),
			Destination: &cfg.JWTSecret,
			Usage:       "HMAC secret for locally issued JWTs",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("MESSENGER_SERVICE_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       "service=messenger-service",
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}

func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isStreamingRequest(c.Request) {
			c.Next()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		c.Next()
	}
}

// isStreamingRequest matches multipart uploads to
// /v1/conversations/{id}/attachments, which enforce their own size limit.
func isStreamingRequest(req *http.Request) bool {
	if req == nil || req.URL == nil || req.Method != http.MethodPost {
		return false
	}
	parts := strings.Split(strings.Trim(req.URL.Path, "/"), "/")
	if len(parts) != 4 || parts[0] != "v1" || parts[1] != "conversations" || parts[3] != "attachments" {
		return false
	}
	contentType := strings.ToLower(strings.TrimSpace(req.Header.Get("Content-Type")))
	return strings.HasPrefix(contentType, "multipart/form-data")
}
