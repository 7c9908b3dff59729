package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emperorhan/cargo-escrow/internal/admin"
	"github.com/emperorhan/cargo-escrow/internal/alert"
	"github.com/emperorhan/cargo-escrow/internal/api"
	"github.com/emperorhan/cargo-escrow/internal/auth"
	"github.com/emperorhan/cargo-escrow/internal/circuitbreaker"
	"github.com/emperorhan/cargo-escrow/internal/config"
	"github.com/emperorhan/cargo-escrow/internal/contract"
	"github.com/emperorhan/cargo-escrow/internal/domain/event"
	"github.com/emperorhan/cargo-escrow/internal/ledger"
	"github.com/emperorhan/cargo-escrow/internal/metrics"
	"github.com/emperorhan/cargo-escrow/internal/order"
	"github.com/emperorhan/cargo-escrow/internal/reconciliation"
	"github.com/emperorhan/cargo-escrow/internal/risk"
	"github.com/emperorhan/cargo-escrow/internal/signature"
	"github.com/emperorhan/cargo-escrow/internal/store/postgres"
	redisstore "github.com/emperorhan/cargo-escrow/internal/store/redis"
	"github.com/emperorhan/cargo-escrow/internal/tracing"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName         = "cargo-escrow"
	dbPoolStatsInterval = 15 * time.Second
	confirmRetryBackoff = 50 * time.Millisecond
	inMemoryStreamLimit = 10000
	shutdownTimeout     = 5 * time.Second
)

var newRedisClient = redisstore.NewClient

type dbStatsProvider interface {
	Stats() sql.DBStats
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// resolveRedis connects when a Redis URL is configured. Without one the
// process runs single-instance with in-memory nonces and events.
func resolveRedis(cfg *config.Config, logger *slog.Logger) (*redis.Client, error) {
	if cfg.Redis.URL == "" {
		if cfg.Events.StreamEnabled {
			return nil, errors.New("redis URL is empty but the event stream is enabled")
		}
		logger.Warn("redis not configured; nonces and events are kept in memory")
		return nil, nil
	}
	client, err := newRedisClient(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

func resolvePublisher(cfg *config.Config, client *redis.Client, logger *slog.Logger) event.Publisher {
	if cfg.Events.StreamEnabled && client != nil {
		logger.Info("settlement event stream enabled", "stream_key", cfg.Events.StreamKey, "max_len", cfg.Events.StreamMaxLen)
		return redisstore.NewStream(client, cfg.Events.StreamKey, cfg.Events.StreamMaxLen)
	}
	return redisstore.NewInMemoryStream(inMemoryStreamLimit)
}

func resolveNonceStore(client *redis.Client) redisstore.NonceStore {
	if client == nil {
		return redisstore.NewInMemoryNonceStore()
	}
	return redisstore.NewNonceStore(client)
}

// buildAlerter fans alerts out to every configured channel, each behind its
// own circuit breaker.
func buildAlerter(cfg config.AlertConfig, logger *slog.Logger) alert.Alerter {
	var channels []alert.Alerter
	guard := func(name string, next alert.Alerter) alert.Alerter {
		return alert.NewGuardedAlerter(next, circuitbreaker.New(circuitbreaker.Config{
			Name: name,
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				logger.Warn("alert circuit state changed", "channel", name, "from", from, "to", to)
			},
		}))
	}
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, guard("slack", alert.NewSlackAlerter(cfg.SlackWebhookURL)))
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, guard("webhook", alert.NewWebhookAlerter(cfg.WebhookURL)))
	}
	if len(channels) == 0 {
		return &alert.NoopAlerter{}
	}
	return alert.NewMultiAlerter(time.Duration(cfg.CooldownMS)*time.Millisecond, logger, channels...)
}

// jwtSecret returns the configured signing secret. Without one an ephemeral
// secret is generated, so sessions do not survive a restart.
func jwtSecret(cfg config.AuthConfig, logger *slog.Logger) ([]byte, error) {
	if cfg.JWTSecret != "" {
		return []byte(cfg.JWTSecret), nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate jwt secret: %w", err)
	}
	logger.Warn("JWT_SECRET not set; using an ephemeral secret")
	return buf, nil
}

// warnUnprotected flags a deployment where anyone can act as any wallet.
// Both checks stay opt-in for local development.
func warnUnprotected(cfg config.AuthConfig, logger *slog.Logger) bool {
	if cfg.Required || cfg.SignatureRequired {
		return false
	}
	logger.Warn("AUTH_REQUIRED and CONTRACT_SIGNATURE_REQUIRED are both off; wallet actions are unauthenticated")
	return true
}

type pinger interface {
	Healthy(ctx context.Context) error
}

// healthChecker reports Postgres and, when configured, Redis reachability.
type healthChecker struct {
	db    pinger
	redis *redis.Client
}

func (h healthChecker) Health(ctx context.Context) (any, bool) {
	report := map[string]string{"postgres": "ok"}
	ok := true
	if err := h.db.Healthy(ctx); err != nil {
		report["postgres"] = err.Error()
		ok = false
	}
	if h.redis != nil {
		report["redis"] = "ok"
		if err := h.redis.Ping(ctx).Err(); err != nil {
			report["redis"] = err.Error()
			ok = false
		}
	}
	return report, ok
}

func collectDBPoolStats(db dbStatsProvider) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("db pool stats collection panicked: %v", r)
		}
	}()
	if db == nil {
		return errors.New("db stats provider is nil")
	}
	metrics.ObserveDBPool(db.Stats())
	return nil
}

func runDBPoolStatsPump(ctx context.Context, db dbStatsProvider, interval time.Duration, logger *slog.Logger) {
	if err := collectDBPoolStats(db); err != nil {
		logger.Warn("failed to collect initial db pool stats", "error", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := collectDBPoolStats(db); err != nil {
				logger.Warn("failed to collect db pool stats", "error", err)
			}
		}
	}
}

func healthMux(h healthChecker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := h.Health(r.Context()); !ok {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// runHTTPServer serves handler on addr until ctx is cancelled.
func runHTTPServer(ctx context.Context, name, addr string, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("server shutdown error", "server", name, "error", err)
		}
	}()

	logger.Info("server started", "server", name, "addr", addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	logger.Info("starting cargo-escrow",
		"api_port", cfg.Server.APIPort,
		"health_port", cfg.Server.HealthPort,
		"admin_addr", cfg.Server.AdminAddr,
		"auth_required", cfg.Auth.Required,
		"contract_signature_required", cfg.Auth.SignatureRequired,
		"reconcile_interval", cfg.Reconciliation.Interval,
	)
	warnUnprotected(cfg.Auth, logger)

	tracingEndpoint := ""
	if cfg.Tracing.Enabled {
		tracingEndpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := tracing.Init(context.Background(), tracing.Options{
		ServiceName: serviceName,
		Endpoint:    tracingEndpoint,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	db, err := postgres.New(postgres.Config{
		URL:                cfg.DB.URL,
		MaxOpenConns:       cfg.DB.MaxOpenConns,
		MaxIdleConns:       cfg.DB.MaxIdleConns,
		ConnMaxLifetime:    cfg.DB.ConnMaxLifetime,
		StatementTimeoutMS: cfg.DB.StatementTimeoutMS,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.RunMigrations(cfg.DB.MigrationsDir); err != nil {
		logger.Error("failed to run migrations", "error", err, "dir", cfg.DB.MigrationsDir)
		os.Exit(1)
	}
	logger.Info("connected to database")

	redisClient, err := resolveRedis(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize redis", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	publisher := resolvePublisher(cfg, redisClient, logger)

	policy, err := config.LoadPolicy(cfg.Settlement.PolicyFile)
	if err != nil {
		logger.Error("failed to load settlement policy", "error", err)
		os.Exit(1)
	}
	evaluator, err := risk.NewEvaluator(policy.Risk)
	if err != nil {
		logger.Error("invalid risk policy", "error", err)
		os.Exit(1)
	}

	orderRepo := postgres.NewOrderRepo(db)
	depositRepo := postgres.NewDepositRepo(db)
	walletRepo := postgres.NewWalletRepo(db)
	contractRepo := postgres.NewContractRepo(db)
	incidentRepo := postgres.NewIncidentRepo(db)
	verifier := signature.NewVerifier()
	alerter := buildAlerter(cfg.Alert, logger)

	orderSvc := order.NewService(orderRepo, depositRepo, walletRepo, evaluator, publisher, logger)
	reconSvc := reconciliation.NewService(db, orderRepo, depositRepo, incidentRepo, orderSvc, alerter, logger)
	ledgerSvc := ledger.NewService(db, orderRepo, depositRepo, walletRepo, orderSvc, reconSvc, evaluator, publisher,
		ledger.Config{MaxAttempts: cfg.Settlement.ConfirmMaxRetries, Backoff: confirmRetryBackoff}, logger)
	contractSvc := contract.NewService(db, orderRepo, contractRepo, policy.Terms, verifier, cfg.Auth.SignatureRequired, publisher, logger)

	secret, err := jwtSecret(cfg.Auth, logger)
	if err != nil {
		logger.Error("failed to prepare auth", "error", err)
		os.Exit(1)
	}
	authSvc, err := auth.NewChallengeService(resolveNonceStore(redisClient), walletRepo, verifier, auth.Config{
		Secret:   secret,
		NonceTTL: cfg.Auth.NonceTTL,
		TokenTTL: cfg.Auth.TokenTTL,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize auth", "error", err)
		os.Exit(1)
	}

	apiServer, err := api.NewServer(api.Config{
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
		RateRPS:            cfg.RateLimit.RPS,
		RateBurst:          cfg.RateLimit.Burst,
		RequireAuth:        cfg.Auth.Required,
	}, api.Services{
		Orders:    orderSvc,
		Deposits:  ledgerSvc,
		Contracts: contractSvc,
		Auth:      authSvc,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize api", "error", err)
		os.Exit(1)
	}
	defer apiServer.Close()

	health := healthChecker{db: db, redis: redisClient}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runHTTPServer(gCtx, "health", fmt.Sprintf(":%d", cfg.Server.HealthPort), healthMux(health), logger)
	})
	g.Go(func() error {
		return runHTTPServer(gCtx, "api", fmt.Sprintf(":%d", cfg.Server.APIPort), apiServer.Handler(), logger)
	})

	if cfg.Server.AdminAddr != "" {
		limiter := admin.NewRateLimitMiddleware(logger, false)
		defer limiter.Stop()
		adminServer := admin.NewServer(logger,
			admin.WithReconcileRequester(reconSvc),
			admin.WithIncidentLister(reconSvc),
			admin.WithHealthProvider(health),
			admin.WithBasicAuth(cfg.Server.AdminAuthUser, cfg.Server.AdminAuthPass),
		)
		handler := limiter.Wrap(admin.AuditMiddleware(logger, adminServer.Handler()))
		g.Go(func() error {
			return runHTTPServer(gCtx, "admin", cfg.Server.AdminAddr, handler, logger)
		})
	} else {
		logger.Info("admin API disabled (ADMIN_ADDR not set)")
	}

	if cfg.Reconciliation.Interval > 0 {
		g.Go(func() error {
			if err := reconSvc.RunPeriodic(gCtx, cfg.Reconciliation.Interval); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		runDBPoolStatsPump(gCtx, db, dbPoolStatsInterval, logger)
		return nil
	})

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("cargo-escrow exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("cargo-escrow shut down gracefully")
}
