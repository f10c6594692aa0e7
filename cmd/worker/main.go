package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/localvercel/internal/container"
	"github.com/splax/localvercel/internal/notify"
	"github.com/splax/localvercel/internal/queue"
	"github.com/splax/localvercel/internal/remote"
	"github.com/splax/localvercel/internal/repository/postgres"
	"github.com/splax/localvercel/internal/scm"
	"github.com/splax/localvercel/internal/service/backup"
	"github.com/splax/localvercel/internal/service/database"
	"github.com/splax/localvercel/internal/service/deploy"
	"github.com/splax/localvercel/internal/service/preview"
	"github.com/splax/localvercel/internal/service/project"
	"github.com/splax/localvercel/pkg/config"
	"github.com/splax/localvercel/pkg/crypto"
	"github.com/splax/localvercel/pkg/logger"
)

func main() {
	cfg := config.LoadWorkerConfig()
	log := logger.New("worker", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	repo := postgres.New(pool)
	if err := repo.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
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
	go jobs.KeepAlive(ctx)
	if moved, err := jobs.Recover(ctx); err != nil {
		log.Error("failed to recover in-flight jobs", "error", err)
		os.Exit(1)
	} else if moved > 0 {
		log.Warn("requeued jobs left in flight", "count", moved)
	}

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

	notifiers := notify.Multi{notify.NewLogNotifier(log)}
	if cfg.NotifyWebhookURL != "" {
		hook, err := notify.NewHTTPNotifier(cfg.NotifyWebhookURL, nil)
		if err != nil {
			log.Error("invalid notification webhook", "error", err)
			os.Exit(1)
		}
		notifiers = append(notifiers, hook)
	}

	deploySvc := deploy.New(repo, repo, repo, jobs, broker, pipeline, notifiers, log)
	previewSvc := preview.New(repo, repo, repo, jobs, pipeline, scm.NewGitHub(cfg.GitHubAPIURL, cfg.GitHubToken, nil), log)
	backupSvc := backup.New(repo, repo, repo, jobs, exec, box, cfg.Remote.BackupRoot, backup.Timeouts{
		Command: cfg.Remote.CommandTimeout,
		Dump:    cfg.Remote.BuildTimeout,
	}, log)
	databaseSvc := database.New(repo, repo, repo, jobs, containers, ports, box, backupSvc, log)
	projectSvc := project.New(repo, jobs, containers, ports, databaseSvc, box, log)

	workers := queue.NewPool(jobs, queue.WorkMap{
		queue.TypeDeploymentExecute: deploySvc.HandleExecute,
		queue.TypePreviewDeploy:     previewSvc.HandleDeploy,
		queue.TypePreviewDestroy:    previewSvc.HandleDestroy,
		queue.TypeDatabaseCreate:    databaseSvc.HandleCreate,
		queue.TypeDatabaseDelete:    databaseSvc.HandleDelete,
		queue.TypeBackupCreate:      backupSvc.HandleCreate,
		queue.TypeProjectCleanup:    projectSvc.HandleCleanup,
	},
		queue.WithWorkers(cfg.Concurrency),
		queue.WithLocker(queue.NewRedisLocker(redisClient, cfg.LockTTL, log)),
		queue.WithHealthChecker(repo),
		queue.WithLogger(log),
	)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := repo.Ping(req.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("worker metrics listening", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", "error", err)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := deploySvc.ListenCancellations(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("cancellation listener stopped", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		backup.NewSweeper(backupSvc, cfg.BackupSweepEvery, log).Run(ctx)
	}()
	go func() {
		defer wg.Done()
		workers.Run(ctx)
	}()

	log.Info("worker started", "concurrency", cfg.Concurrency, "queue", cfg.Queue.Name, "environment", cfg.Environment)
	<-ctx.Done()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics shutdown failed", "error", err)
	}
	log.Info("worker stopped")
}
