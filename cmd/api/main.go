package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	grpchealth "google.golang.org/grpc/health"

	"github.com/example/loan-adjustments/internal/adjustment"
	"github.com/example/loan-adjustments/internal/api"
	"github.com/example/loan-adjustments/internal/auth"
	"github.com/example/loan-adjustments/internal/config"
	"github.com/example/loan-adjustments/internal/health"
	"github.com/example/loan-adjustments/internal/lending"
	"github.com/example/loan-adjustments/internal/security"
	"github.com/example/loan-adjustments/pkg/audit"
)

type storeHandle struct {
	store   adjustment.Store
	clients auth.ClientStore
	close   func()
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handle, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer handle.close()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
	}

	lendingClient, err := newLendingClient(cfg, logger)
	if err != nil {
		logger.Error("failed to configure lending client", "error", err)
		os.Exit(1)
	}
	calculator := &lending.CachedCalculator{
		Next:   lendingClient,
		Redis:  redisClient,
		Prefix: "loan_adjustments",
		TTL:    cfg.AmountsCacheTTL,
		Logger: logger,
	}

	auditor, closeAudit, err := newAuditor(cfg, logger)
	if err != nil {
		logger.Error("failed to open audit sink", "error", err)
		os.Exit(1)
	}
	defer closeAudit()

	metrics, err := adjustment.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		logger.Error("failed to create metrics", "error", err)
		os.Exit(1)
	}
	httpMetrics, err := api.NewHTTPMetrics(otel.GetMeterProvider())
	if err != nil {
		logger.Error("failed to create http metrics", "error", err)
		os.Exit(1)
	}

	service := adjustment.NewService(handle.store, adjustment.NewValidator(calculator, cfg.CurrencyPrecision), lendingClient,
		adjustment.WithLogger(logger),
		adjustment.WithMetrics(metrics),
		adjustment.WithAuditor(auditor),
	)

	keySet, err := loadKeySet(cfg)
	if err != nil {
		logger.Error("failed to load signing key", "error", err)
		os.Exit(1)
	}

	allowlist, err := security.ParseCIDRAllowlist(cfg.IPAllowlist)
	if err != nil {
		logger.Error("invalid API_IP_ALLOWLIST", "error", err)
		os.Exit(1)
	}

	var rateLimiter *security.RedisTokenBucket
	if redisClient != nil {
		rateLimiter = &security.RedisTokenBucket{
			Redis:      redisClient,
			Prefix:     "loan_adjustments_api",
			Capacity:   cfg.RateLimitCapacity,
			RefillRate: float64(cfg.RateLimitRefillSec),
		}
	}

	router, err := api.NewRouter(api.Dependencies{
		Logger: logger,
		OAuth: &auth.OAuthServer{
			Store:          handle.clients,
			Keys:           keySet,
			Issuer:         cfg.OAuthIssuer,
			AccessTokenTTL: cfg.AccessTokenTTL,
			Logger:         logger,
		},
		JWTValidator: &auth.JWTValidator{KeySet: keySet, Issuer: cfg.OAuthIssuer},
		Adjustments:  service,
		Ready:        handle.store.Ping,
		Auditor:      auditor,
		Metrics:      httpMetrics,
		RateLimiter:  rateLimiter,
		IPAllowlist:  allowlist,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	if err != nil {
		logger.Error("failed to build router", "error", err)
		os.Exit(1)
	}

	adminLn, err := net.Listen("tcp", cfg.AdminAddr)
	if err != nil {
		logger.Error("failed to listen on admin address", "addr", cfg.AdminAddr, "error", err)
		os.Exit(1)
	}
	healthServer := grpchealth.NewServer()
	grpcServer := health.NewGRPCServer(healthServer)
	watcher := &health.Watcher{Health: healthServer, Check: handle.store.Ping, Logger: logger}
	go watcher.Run(ctx)
	go func() {
		logger.Info("admin grpc listening", "addr", cfg.AdminAddr)
		if err := grpcServer.Serve(adminLn); err != nil {
			logger.Error("admin grpc server error", "error", err)
		}
	}()

	ln, err := net.Listen("tcp", cfg.APIAddr)
	if err != nil {
		logger.Error("failed to listen", "addr", cfg.APIAddr, "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if cfg.TLSEnabled() {
		tlsCfg, err := security.LoadServerTLSConfig(security.TLSConfig{
			CertFile:          cfg.TLSCertFile,
			KeyFile:           cfg.TLSKeyFile,
			CAFile:            cfg.TLSCAFile,
			RequireClientAuth: true,
		})
		if err != nil {
			logger.Error("failed to load TLS config", "error", err)
			os.Exit(1)
		}
		srv.TLSConfig = tlsCfg
		ln = tls.NewListener(ln, tlsCfg)
	} else {
		logger.Warn("serving without TLS", "env", cfg.Environment)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
	}()

	logger.Info("loan adjustments api listening", "addr", cfg.APIAddr, "store", cfg.StoreDriver, "tls", cfg.TLSEnabled())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (*storeHandle, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		db, err := sql.Open("sqlite3", cfg.SQLitePath+"?_foreign_keys=on")
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)

		store := adjustment.NewSQLiteStore(db)
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		clients, err := auth.ParseStaticClients(cfg.OAuthClients)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("invalid OAUTH_CLIENTS: %w", err)
		}
		return &storeHandle{store: store, clients: clients, close: func() { db.Close() }}, nil

	default:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}

		store := adjustment.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}

		var clients auth.ClientStore = &auth.PostgresClientStore{Pool: pool}
		if cfg.OAuthClients != "" {
			static, err := auth.ParseStaticClients(cfg.OAuthClients)
			if err != nil {
				pool.Close()
				return nil, fmt.Errorf("invalid OAUTH_CLIENTS: %w", err)
			}
			clients = static
		}
		return &storeHandle{store: store, clients: clients, close: pool.Close}, nil
	}
}

func newLendingClient(cfg *config.Config, logger *slog.Logger) (*lending.Client, error) {
	opts := []lending.ClientOption{lending.WithToken(cfg.LendingToken), lending.WithClientLogger(logger)}

	if cfg.LendingTLSCA != "" || cfg.LendingTLSCert != "" {
		tlsCfg, err := security.LoadClientTLSConfig(security.TLSConfig{
			CertFile: cfg.LendingTLSCert,
			KeyFile:  cfg.LendingTLSKey,
			CAFile:   cfg.LendingTLSCA,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, lending.WithTLSConfig(tlsCfg))
	}
	return lending.NewClient(cfg.LendingBaseURL, cfg.LendingTimeout, opts...), nil
}

// newAuditor writes the audit chain to the service log, or to a file of its
// own when AUDIT_SINK names a path.
func newAuditor(cfg *config.Config, logger *slog.Logger) (*audit.ChainLogger, func(), error) {
	switch cfg.AuditSink {
	case "", "stdout":
		return audit.NewChainLogger(audit.WithLogger(logger)), func() {}, nil
	default:
		chain, f, err := audit.OpenFileSink(cfg.AuditSink)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("audit chain resumed", "sink", cfg.AuditSink, "head", chain.Head())
		return chain, func() { f.Close() }, nil
	}
}

func loadKeySet(cfg *config.Config) (*auth.KeySet, error) {
	if cfg.OAuthSigningKeyFile != "" {
		return auth.LoadKeySet(cfg.OAuthSigningKeyFile)
	}
	slog.Warn("using an ephemeral token signing key; tokens will not survive a restart")
	return auth.NewKeySet()
}
