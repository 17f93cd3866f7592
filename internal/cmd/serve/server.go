package serve

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/log"
	"github.com/chirino/messenger-service/internal/config"
	"github.com/chirino/messenger-service/internal/delivery"
	"github.com/chirino/messenger-service/internal/plugin/route/attachments"
	"github.com/chirino/messenger-service/internal/plugin/route/conversations"
	"github.com/chirino/messenger-service/internal/plugin/route/devices"
	"github.com/chirino/messenger-service/internal/plugin/route/messages"
	routerealtime "github.com/chirino/messenger-service/internal/plugin/route/realtime"
	routesystem "github.com/chirino/messenger-service/internal/plugin/route/system"
	storemetrics "github.com/chirino/messenger-service/internal/plugin/store/metrics"
	"github.com/chirino/messenger-service/internal/realtime"
	registryattach "github.com/chirino/messenger-service/internal/registry/attach"
	registrymigrate "github.com/chirino/messenger-service/internal/registry/migrate"
	registrypresence "github.com/chirino/messenger-service/internal/registry/presence"
	registrypush "github.com/chirino/messenger-service/internal/registry/push"
	registryroute "github.com/chirino/messenger-service/internal/registry/route"
	registrystore "github.com/chirino/messenger-service/internal/registry/store"
	"github.com/chirino/messenger-service/internal/security"
	"github.com/chirino/messenger-service/internal/service"
	"github.com/gin-gonic/gin"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the running server and its subsystems.
type Server struct {
	Config          *config.Config
	Store           registrystore.MessengerStore
	Messenger       *service.Messenger
	Hub             *realtime.Hub
	Router          *gin.Engine
	Running         *RunningServers
	fanout          *delivery.Pool
	push            *delivery.Pool
	closers         []io.Closer
	closeManagement func(context.Context) error
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.closeManagement != nil {
		_ = s.closeManagement(ctx)
	}
	err := s.Running.Close(ctx)
	// Fan-out jobs queue wake-ups, so the push pool closes last.
	s.fanout.Close()
	s.push.Close()
	for _, c := range s.closers {
		if cerr := c.Close(); cerr != nil {
			log.Warn("Failed to close subsystem", "err", cerr)
		}
	}
	return err
}

// StartServer initializes all subsystems and starts HTTP on a single port.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting messenger service",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"presence", cfg.PresenceType,
		"bus", cfg.RealtimeBusType,
		"push", cfg.PushType,
		"attachments", cfg.AttachType,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	rawStore, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if p, ok := rawStore.(pinger); ok {
		routesystem.AddReadinessCheck("database", p.Ping)
	}
	store := storemetrics.Wrap(rawStore)

	var closers []io.Closer

	presenceLoader, err := registrypresence.Select(cfg.PresenceType)
	if err != nil {
		return nil, err
	}
	presence, err := presenceLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize presence registry: %w", err)
	}
	if c, ok := presence.(io.Closer); ok {
		closers = append(closers, c)
	}

	attachLoader, err := registryattach.Select(cfg.AttachType)
	if err != nil {
		return nil, err
	}
	attachStore, err := attachLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize attachment store: %w", err)
	}

	pushLoader, err := registrypush.Select(cfg.PushType)
	if err != nil {
		return nil, err
	}
	notifier, err := pushLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize push notifier: %w", err)
	}

	// Realtime fan-out: every instance owns a hub; the bus decides whether
	// events reach only this hub or every instance's hub.
	hub := realtime.NewHub()
	bus, err := realtime.NewBus(ctx, cfg, hub)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize realtime bus: %w", err)
	}

	pushPool := delivery.NewPool("push", cfg.PushWorkers, cfg.PushQueueSize, cfg.PushTimeout)
	fanoutPool := delivery.NewPool("fanout", cfg.FanoutWorkers, cfg.FanoutQueueSize, cfg.FanoutTimeout)
	dispatcher := delivery.NewDispatcher(store, notifier, pushPool)
	router := delivery.NewRouter(store, presence, bus, dispatcher)
	retention := service.NewRetention(store, attachStore, bus, cfg.RetentionPollInterval, cfg.RetentionBatchSize)
	messenger := service.NewMessenger(store, attachStore, router, bus, fanoutPool, retention)

	go retention.Start(ctx)

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		engine.Use(security.AccessLogMiddleware())
	} else {
		engine.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	engine.Use(security.MetricsMiddleware())
	engine.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	var originPatterns []string
	if cfg.CORSEnabled {
		engine.Use(corsMiddleware(cfg.CORSOrigins))
		originPatterns = websocketOriginPatterns(cfg.CORSOrigins)
	}

	for _, loader := range registryroute.MainRouteLoaders() {
		if err := loader(engine); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}

	resolver := security.NewTokenResolver(cfg)
	auth := security.AuthMiddleware(resolver)

	conversations.MountRoutes(engine, messenger, store, auth)
	messages.MountRoutes(engine, messenger, store, cfg, auth)
	attachments.MountRoutes(engine, messenger, cfg, auth)
	devices.MountRoutes(engine, messenger, auth)
	routerealtime.MountRoutes(engine, &realtime.Handler{
		Hub:            hub,
		Presence:       presence,
		Directory:      store,
		SendBuffer:     cfg.RealtimeSendBuffer,
		OriginPatterns: originPatterns,
	}, auth)

	// Management routes run on a bare gin engine when a dedicated management
	// port is configured, otherwise on the main engine.
	var closeManagement func(context.Context) error
	if cfg.ManagementListenerEnabled {
		mgmtRouter := gin.New()
		mgmtRouter.Use(gin.Recovery())
		if cfg.ManagementAccessLog {
			mgmtRouter.Use(security.AccessLogMiddleware())
		}
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(mgmtRouter); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
		// Management listener shares TLS cert/key with the main listener.
		mgmtCfg := cfg.ManagementListener
		mgmtCfg.TLSCertFile = cfg.Listener.TLSCertFile
		mgmtCfg.TLSKeyFile = cfg.Listener.TLSKeyFile
		_, closeManagement, err = startManagementServer(mgmtCfg, mgmtRouter)
		if err != nil {
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
	} else {
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(engine); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
	}

	running, err := StartSinglePortHTTP(ctx, cfg.Listener, engine)
	if err != nil {
		return nil, err
	}

	log.Info("Server listening",
		"port", running.Port,
		"plaintext", cfg.Listener.EnablePlainText,
		"tls", cfg.Listener.EnableTLS,
	)

	routesystem.MarkReady()
	return &Server{
		Config:          cfg,
		Store:           store,
		Messenger:       messenger,
		Hub:             hub,
		Router:          engine,
		Running:         running,
		fanout:          fanoutPool,
		push:            pushPool,
		closers:         closers,
		closeManagement: closeManagement,
	}, nil
}
