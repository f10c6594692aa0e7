package config

import "time"

// QueueConfig configures the job dispatch queue.
type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
	MaxAttempts   int
	PollTimeout   time.Duration
}

// RemoteConfig configures SSH execution and container placement on servers.
type RemoteConfig struct {
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	HealthTimeout  time.Duration
	BuildTimeout   time.Duration
	KnownHostsFile string
	BuildRoot      string
	BackupRoot     string
	PortRangeStart int
	PortRangeEnd   int
	ImagePrefix    string
}

func loadQueueConfig() QueueConfig {
	return QueueConfig{
		RedisAddr:     GetString("REDIS_ADDR", "redis:6379"),
		RedisPassword: GetString("REDIS_PASSWORD", ""),
		RedisDB:       GetInt("REDIS_DB", 0),
		Name:          GetString("QUEUE_NAME", "peep:jobs"),
		MaxAttempts:   GetInt("JOB_MAX_ATTEMPTS", 3),
		PollTimeout:   time.Duration(GetInt("QUEUE_POLL_SECONDS", 5)) * time.Second,
	}
}

func loadRemoteConfig() RemoteConfig {
	return RemoteConfig{
		ConnectTimeout: time.Duration(GetInt("SSH_CONNECT_TIMEOUT_SECONDS", 10)) * time.Second,
		CommandTimeout: time.Duration(GetInt("COMMAND_TIMEOUT_SECONDS", 30)) * time.Second,
		HealthTimeout:  time.Duration(GetInt("HEALTH_TIMEOUT_SECONDS", 10)) * time.Second,
		BuildTimeout:   time.Duration(GetInt("BUILD_TIMEOUT_MINUTES", 30)) * time.Minute,
		KnownHostsFile: GetString("SSH_KNOWN_HOSTS", ""),
		BuildRoot:      GetString("REMOTE_BUILD_ROOT", "/var/lib/peep/builds"),
		BackupRoot:     GetString("REMOTE_BACKUP_ROOT", "/var/lib/peep/backups"),
		PortRangeStart: GetInt("PORT_RANGE_START", 20000),
		PortRangeEnd:   GetInt("PORT_RANGE_END", 29999),
		ImagePrefix:    GetString("IMAGE_PREFIX", "peep"),
	}
}
