package config

import "time"

// WorkerConfig holds runtime configuration for the job worker.
type WorkerConfig struct {
	Environment      string
	MetricsAddr      string
	DatabaseURL      string
	EncryptionKey    string
	Concurrency      int
	LockTTL          time.Duration
	BackupSweepEvery time.Duration
	DomainSuffix     string
	PublicScheme     string
	GitHubToken      string
	GitHubAPIURL     string
	NotifyWebhookURL string
	LogLevel         string
	Queue            QueueConfig
	Remote           RemoteConfig
}

// LoadWorkerConfig constructs a WorkerConfig from environment variables.
func LoadWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Environment:      GetString("APP_ENV", "development"),
		MetricsAddr:      GetString("WORKER_METRICS_ADDR", ":4100"),
		DatabaseURL:      GetString("DATABASE_URL", "postgres://peep:peep@db:5432/peep?sslmode=disable"),
		EncryptionKey:    GetString("ENCRYPTION_KEY", "supersecuresecret"),
		Concurrency:      GetInt("WORKER_CONCURRENCY", 4),
		LockTTL:          time.Duration(GetInt("WORKER_LOCK_TTL_SECONDS", 60)) * time.Second,
		BackupSweepEvery: time.Duration(GetInt("BACKUP_SWEEP_SECONDS", 3600)) * time.Second,
		DomainSuffix:     GetString("DEPLOY_DOMAIN_SUFFIX", ".apps.peep.local"),
		PublicScheme:     GetString("DEPLOY_PUBLIC_SCHEME", "https"),
		GitHubToken:      GetString("GITHUB_TOKEN", ""),
		GitHubAPIURL:     GetString("GITHUB_API_URL", "https://api.github.com"),
		NotifyWebhookURL: GetString("NOTIFY_WEBHOOK_URL", ""),
		LogLevel:         GetString("LOG_LEVEL", "info"),
		Queue:            loadQueueConfig(),
		Remote:           loadRemoteConfig(),
	}
}
