package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/airliftapp/airlift/internal/app/migrate"
	"github.com/airliftapp/airlift/internal/docker"
	httpx "github.com/airliftapp/airlift/internal/http"
	"github.com/airliftapp/airlift/internal/repository/postgres"
	"github.com/airliftapp/airlift/internal/service/build"
	"github.com/airliftapp/airlift/internal/service/events"
	"github.com/airliftapp/airlift/internal/service/provision"
	"github.com/airliftapp/airlift/internal/service/registry"
	"github.com/airliftapp/airlift/internal/service/scaler"
	"github.com/airliftapp/airlift/internal/workspace"
	"github.com/airliftapp/airlift/internal/ws"
	"github.com/airliftapp/airlift/pkg/config"
	"github.com/airliftapp/airlift/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New("controlplane", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	dockerCli, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerCli.Close()
	if err := dockerCli.Ping(ctx); err != nil {
		log.Error("docker daemon unreachable", "error", err)
		os.Exit(1)
	}

	workdir, err := workspace.New(cfg.Workdir)
	if err != nil {
		log.Error("failed to prepare workspace", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	eventHub := ws.NewHub()

	eventSvc := events.New(repo, eventHub, log)
	registrySvc := registry.New(repo, repo, eventSvc, log)
	provisionSvc := provision.New(repo, repo, repo, dockerCli, registrySvc, eventSvc, log, cfg)
	buildSvc := build.New(repo, repo, dockerCli, workdir, provisionSvc, eventSvc, log, cfg)

	scalerCtl := scaler.New(repo, repo, repo, dockerCli, eventSvc, log, cfg)
	go scalerCtl.Run(ctx)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, registrySvc, buildSvc, eventSvc, limiter, pool.Ping, dockerCli.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("control plane starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("control plane stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
