package config

import "time"

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsOnStart  bool
	JWTSecret          string
	EncryptionKey      string
	DomainSuffix       string
	PublicScheme       string
	WebhookBodyLimit   int64
	LogStreamTail      int
	LogHeartbeat       time.Duration
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	GitHubToken        string
	GitHubAPIURL       string
	LogLevel           string
	Queue              QueueConfig
	Remote             RemoteConfig
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":4000"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://peep:peep@db:5432/peep?sslmode=disable"),
		MigrationsOnStart:  GetBool("DB_MIGRATE_ON_START", true),
		JWTSecret:          GetString("JWT_SECRET", "supersecuresecret"),
		EncryptionKey:      GetString("ENCRYPTION_KEY", "supersecuresecret"),
		DomainSuffix:       GetString("DEPLOY_DOMAIN_SUFFIX", ".apps.peep.local"),
		PublicScheme:       GetString("DEPLOY_PUBLIC_SCHEME", "https"),
		WebhookBodyLimit:   int64(GetInt("WEBHOOK_BODY_LIMIT_KB", 5120)) * 1024,
		LogStreamTail:      GetInt("LOG_STREAM_TAIL", 100),
		LogHeartbeat:       time.Duration(GetInt("LOG_HEARTBEAT_SECONDS", 15)) * time.Second,
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		GitHubToken:        GetString("GITHUB_TOKEN", ""),
		GitHubAPIURL:       GetString("GITHUB_API_URL", "https://api.github.com"),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		Queue:              loadQueueConfig(),
		Remote:             loadRemoteConfig(),
	}
}
