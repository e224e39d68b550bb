package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/fleetward/nodewarden/internal/audit"
	"github.com/fleetward/nodewarden/internal/auth"
	"github.com/fleetward/nodewarden/internal/config"
	"github.com/fleetward/nodewarden/internal/httpserver"
	"github.com/fleetward/nodewarden/internal/lock"
	"github.com/fleetward/nodewarden/internal/platform"
	"github.com/fleetward/nodewarden/internal/store"
	"github.com/fleetward/nodewarden/internal/telemetry"
	"github.com/fleetward/nodewarden/pkg/api"
	"github.com/fleetward/nodewarden/pkg/assignment"
	"github.com/fleetward/nodewarden/pkg/collab/adminnotify"
	"github.com/fleetward/nodewarden/pkg/collab/messaging"
	"github.com/fleetward/nodewarden/pkg/collab/payment"
	"github.com/fleetward/nodewarden/pkg/collab/saleschatbot"
	"github.com/fleetward/nodewarden/pkg/convergence"
	"github.com/fleetward/nodewarden/pkg/lifecycle"
	"github.com/fleetward/nodewarden/pkg/pool"
	"github.com/fleetward/nodewarden/pkg/provider"
	"github.com/fleetward/nodewarden/pkg/sshdriver"
	"github.com/fleetward/nodewarden/pkg/sweeper"
)

// nodeHostKeyStore adapts store.NodeStore to sshdriver.HostKeyStore. TOFU
// pinning lives on the node row itself rather than a separate table —
// there's exactly one host key per node, and it's already the thing the
// rest of lifecycle reads and writes alongside every other connection
// parameter.
type nodeHostKeyStore struct {
	nodes *store.NodeStore
}

func (s *nodeHostKeyStore) GetFingerprint(ctx context.Context, nodeID string) (string, error) {
	id, err := uuid.Parse(nodeID)
	if err != nil {
		return "", fmt.Errorf("parsing node id %q: %w", nodeID, err)
	}
	n, err := s.nodes.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return n.SSHHostKeyFingerprint, nil
}

func (s *nodeHostKeyStore) SetFingerprint(ctx context.Context, nodeID, fingerprint string) error {
	id, err := uuid.Parse(nodeID)
	if err != nil {
		return fmt.Errorf("parsing node id %q: %w", nodeID, err)
	}
	return s.nodes.SetHostKeyFingerprint(ctx, id, fingerprint)
}

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api or worker).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting nodewarden",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "nodewarden", "dev")
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)
	pool_ := store.New(db)

	nodeProvider := provider.NewNodeProvider(cfg.ProviderBaseURL, provider.Credentials{
		NodeProviderToken: cfg.ProviderAPIToken,
		NodeProviderOSTag: cfg.ProviderOSTag,
	})
	modelRouter := provider.NewModelRouter(cfg.ModelRouterBaseURL, provider.Credentials{
		ModelRouterAdminKey: cfg.ModelRouterAdminKey,
	})

	sshDriver := sshdriver.New(&nodeHostKeyStore{nodes: pool_.Nodes})
	engine := convergence.New()
	lifecycleCtl := lifecycle.New(pool_.Nodes, nodeProvider, sshDriver, engine, logger)
	lifecycleCtl.Redis = rdb

	nodeLock := lock.New(rdb, 10*time.Minute)

	var notifier adminnotify.Notifier
	if cfg.TelegramAdminBotToken != "" {
		tgNotifier, err := adminnotify.NewTelegramNotifier(cfg.TelegramAdminBotToken, cfg.AdminChatID)
		if err != nil {
			return fmt.Errorf("creating admin notifier: %w", err)
		}
		notifier = tgNotifier
		logger.Info("admin notifications enabled")
	} else {
		logger.Info("admin notifications disabled (TELEGRAM_ADMIN_BOT_TOKEN not set)")
	}

	var gateway payment.Gateway
	if cfg.PaymentWebhookSecret != "" {
		gateway = payment.NewHTTPGateway(cfg.ModelRouterBaseURL, cfg.ModelRouterAdminKey)
	} else {
		logger.Info("payment gateway disabled (PAYMENT_WEBHOOK_SECRET not set)")
	}

	var salesChatbot saleschatbot.Notifier
	if cfg.SalesBotToken != "" {
		tgSales, err := saleschatbot.NewTelegramNotifier(cfg.SalesBotToken, cfg.SalesChatID)
		if err != nil {
			return fmt.Errorf("creating sales chatbot notifier: %w", err)
		}
		salesChatbot = tgSales
	} else {
		logger.Info("sales chatbot disabled (SALES_BOT_TOKEN not set)")
	}

	coordinator := &assignment.Coordinator{
		Nodes:                  pool_.Nodes,
		Users:                  pool_.Users,
		Profiles:               pool_.Profiles,
		Subscriptions:          pool_.Subscriptions,
		Lifecycle:              lifecycleCtl,
		ModelRouter:            modelRouter,
		Lock:                   nodeLock,
		SlowPath:               assignment.NewSlowPathQueue(db),
		AdminNotify:            notifier,
		MessagingValidator:     messaging.NewTelegramValidator(),
		SalesChatbot:           salesChatbot,
		Logger:                 logger,
		DefaultModel:           cfg.DefaultModel,
		DefaultMonthlyLimitUSD: cfg.DefaultMonthlyLimitUSD,
	}

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg, pool_, lifecycleCtl, coordinator, nodeLock, sshDriver)
	case "worker":
		return runWorker(ctx, pool_, lifecycleCtl, coordinator, cfg, logger, gateway, modelRouter, sshDriver, notifier)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	db *pgxpool.Pool,
	rdb *redis.Client,
	metricsReg *prometheus.Registry,
	st *store.Pool,
	lifecycleCtl *lifecycle.Controller,
	coordinator *assignment.Coordinator,
	nodeLock *lock.NodeLock,
	sshDriver *sshdriver.Driver,
) error {
	sessionMgr, err := auth.NewSessionManager(cfg.APITokenSecret, 24*time.Hour)
	if err != nil {
		return fmt.Errorf("creating session manager: %w", err)
	}

	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg, sessionMgr)

	handler := &api.Handler{
		Nodes:         st.Nodes,
		Profiles:      st.Profiles,
		Payments:      st.Payments,
		Lifecycle:     lifecycleCtl,
		Coordinator:   coordinator,
		Lock:          nodeLock,
		SSH:           sshDriver,
		Audit:         auditWriter,
		Logger:        logger,
		WebhookSecret: cfg.PaymentWebhookSecret,
	}

	srv.APIRouter.Mount("/", handler.Routes())
	srv.Router.Mount("/payments", handler.WebhookRoutes())
	srv.Router.Mount("/internal", handler.WsAuthRoutes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(
	ctx context.Context,
	st *store.Pool,
	lifecycleCtl *lifecycle.Controller,
	coordinator *assignment.Coordinator,
	cfg *config.Config,
	logger *slog.Logger,
	gateway payment.Gateway,
	modelRouter *provider.ModelRouter,
	sshDriver *sshdriver.Driver,
	notifier adminnotify.Notifier,
) error {
	logger.Info("worker started")

	maintainer := pool.New(st.Nodes, lifecycleCtl, logger, cfg.PoolMinAvailable, cfg.PoolMaxTotal)
	maintainer.ReapsTotal = telemetry.PoolReapedTotal

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		maintainer.Run(ctx)
	}()

	if gateway != nil {
		sw := &sweeper.Sweeper{
			Subscriptions: st.Subscriptions,
			Profiles:      st.Profiles,
			Nodes:         st.Nodes,
			Payments:      st.Payments,
			Gateway:       gateway,
			ModelRouter:   modelRouter,
			SSH:           sshDriver,
			AdminNotify:   notifier,
			Logger:        logger,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sw.Run(ctx)
		}()
	} else {
		logger.Info("renewal sweeper disabled (no payment gateway configured)")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		runSlowPathDrainer(ctx, coordinator, logger)
	}()

	wg.Wait()
	return nil
}

// runSlowPathDrainer periodically retries deferred assignments, re-running
// the same HandlePaymentSucceeded path a fresh webhook delivery would have
// taken once pool capacity may have freed up.
func runSlowPathDrainer(ctx context.Context, c *assignment.Coordinator, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	logger.Info("slow-path drainer started")
	for {
		select {
		case <-ctx.Done():
			logger.Info("slow-path drainer stopped")
			return
		case <-ticker.C:
			requests, err := c.SlowPath.ListUnresolved(ctx)
			if err != nil {
				logger.Error("listing slow-path requests", "error", err)
				continue
			}
			for _, req := range requests {
				if err := c.HandlePaymentSucceeded(ctx, assignment.PaymentSucceededEvent{UserID: req.UserID, IdempotencyKey: req.ID.String()}); err != nil {
					logger.Error("draining slow-path request", "request_id", req.ID, "error", err)
					continue
				}
				// HandlePaymentSucceeded also returns nil when it defers again
				// for lack of capacity; the request stays queued until the
				// user actually holds a node.
				if _, err := c.Nodes.GetByUser(ctx, req.UserID); err != nil {
					continue
				}
				if err := c.SlowPath.Resolve(ctx, req.ID); err != nil {
					logger.Error("resolving slow-path request", "request_id", req.ID, "error", err)
				}
			}
		}
	}
}
