package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haven-pm/haven/internal/app"
	"github.com/haven-pm/haven/internal/authz"
	"github.com/haven-pm/haven/internal/observability"
	"github.com/haven-pm/haven/internal/platform/db"
	"github.com/haven-pm/haven/internal/users"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	metrics := observability.NewMetrics()
	authzMetrics := authz.NewMetrics(metrics.Registerer())

	repo := authz.NewRepository(pool)
	auditLogger := authz.NewAuditLogger(pool)
	decisionCache := authz.NewDecisionCache(cfg.AuthzCacheTTL, cfg.AuthzCacheCapacity)
	catalog := authz.DefaultCatalog()

	checker := authz.NewChecker(repo, decisionCache, catalog, auditLogger, logger, authzMetrics)
	resolver := authz.NewCompatResolver(checker, logger, cfg.ViewSubmodules())
	inspector := authz.NewInspector(checker, auditLogger, logger)
	comparator := authz.NewComparator(checker, authz.WithEquivalenceThreshold(cfg.EquivalenceThreshold))
	governor := authz.NewGovernor(repo, checker, decisionCache, logger)

	// The admin role invariant is re-asserted on every boot.
	if err := governor.Bootstrap(ctx); err != nil {
		logger.Error("bootstrap admin role", slog.Any("error", err))
		os.Exit(1)
	}

	authzHandler := authz.NewHandler(logger, checker, resolver, inspector, comparator, governor)

	usersRepo := users.NewRepository(pool)
	usersService := users.NewService(usersRepo, comparator, logger)
	usersHandler := users.NewHandler(logger, usersService)

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		AuthzHandler: authzHandler,
		UsersHandler: usersHandler,
		Metrics:      metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
