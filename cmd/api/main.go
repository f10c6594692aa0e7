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

	"github.com/splax/localvercel/internal/app/migrate"
	"github.com/splax/localvercel/internal/container"
	httpx "github.com/splax/localvercel/internal/http"
	"github.com/splax/localvercel/internal/notify"
	"github.com/splax/localvercel/internal/queue"
	"github.com/splax/localvercel/internal/remote"
	"github.com/splax/localvercel/internal/repository/postgres"
	"github.com/splax/localvercel/internal/scm"
	"github.com/splax/localvercel/internal/service/backup"
	"github.com/splax/localvercel/internal/service/database"
	"github.com/splax/localvercel/internal/service/deploy"
	"github.com/splax/localvercel/internal/service/logs"
	"github.com/splax/localvercel/internal/service/preview"
	"github.com/splax/localvercel/internal/service/project"
	"github.com/splax/localvercel/internal/service/server"
	"github.com/splax/localvercel/internal/service/webhook"
	"github.com/splax/localvercel/internal/ws"
	"github.com/splax/localvercel/pkg/config"
	"github.com/splax/localvercel/pkg/crypto"
	"github.com/splax/localvercel/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.DatabaseURL, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if cfg.MigrationsOnStart {
		if err := runner.Ensure(ctx); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}
	}

	box, err := crypto.NewBox(cfg.EncryptionKey)
	if err != nil {
		log.Error("invalid encryption key", "error", err)
		os.Exit(1)
	}

	redisClient, err := queue.NewRedisClient(cfg.Queue)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	jobs := queue.NewRedisQueue(redisClient, cfg.Queue, log)
	broker := queue.NewRedisBroker(redisClient)

	repo := postgres.New(pool)
	exec := remote.NewSSHExecutor(box, log,
		remote.WithKnownHostsFile(cfg.Remote.KnownHostsFile),
		remote.WithTimeouts(cfg.Remote.ConnectTimeout, cfg.Remote.CommandTimeout),
	)
	containers := container.NewManager(exec, container.Timeouts{
		Command: cfg.Remote.CommandTimeout,
		Health:  cfg.Remote.HealthTimeout,
		Build:   cfg.Remote.BuildTimeout,
	}, cfg.Remote.BuildRoot, log)
	ports := container.NewPortAllocator(repo, containers, cfg.Remote.PortRangeStart, cfg.Remote.PortRangeEnd)
	pipeline := deploy.NewPipeline(containers, ports, deploy.Config{
		DomainSuffix: cfg.DomainSuffix,
		PublicScheme: cfg.PublicScheme,
		ImagePrefix:  cfg.Remote.ImagePrefix,
	}, log)

	deploySvc := deploy.New(repo, repo, repo, jobs, broker, pipeline, notify.NewLogNotifier(log), log)
	previewSvc := preview.New(repo, repo, repo, jobs, pipeline, scm.NewGitHub(cfg.GitHubAPIURL, cfg.GitHubToken, nil), log)
	backupSvc := backup.New(repo, repo, repo, jobs, exec, box, cfg.Remote.BackupRoot, backup.Timeouts{
		Command: cfg.Remote.CommandTimeout,
		Dump:    cfg.Remote.BuildTimeout,
	}, log)
	databaseSvc := database.New(repo, repo, repo, jobs, containers, ports, box, backupSvc, log)

	services := httpx.Services{
		Servers:   server.New(repo, exec, box, cfg.Remote.HealthTimeout, log),
		Projects:  project.New(repo, jobs, containers, ports, databaseSvc, box, log),
		Deploy:    deploySvc,
		Previews:  previewSvc,
		Webhook:   webhook.New(repo, box, deploySvc, previewSvc, log),
		Databases: databaseSvc,
		Backups:   backupSvc,
		Logs:      logs.New(repo, repo, repo, containers, broker, ws.NewHub(), log),
	}

	limiter := httpx.NewSharedRedisRateLimiter(redisClient, log)
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		dedicated, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("dedicated redis rate limiter unavailable", "error", err)
		} else {
			limiter = dedicated
		}
	}

	router := httpx.NewRouter(log, services, httpx.Options{
		JWTSecret:        cfg.JWTSecret,
		WebhookBodyLimit: cfg.WebhookBodyLimit,
		LogTail:          cfg.LogStreamTail,
		LogHeartbeat:     cfg.LogHeartbeat,
		Limiter:          limiter,
		DBHealth:         pool.Ping,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "environment", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
