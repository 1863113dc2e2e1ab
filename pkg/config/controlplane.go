package config

import "time"

// Config holds runtime configuration for the control-plane service.
type Config struct {
	Environment      string
	Addr             string
	LogLevel         string
	DatabaseURL      string
	MigrationsDir    string
	DockerHost       string
	Workdir          string
	EnvEncryptionKey string

	BuildTimeout time.Duration

	ProvisionTimeout    time.Duration
	ProvisionMaxRetries int
	ProvisionBackoff    time.Duration

	ScaleInterval       time.Duration
	ScaleUpCPUPercent   int
	ScaleDownCPUPercent int

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:      GetString("APP_ENV", "development"),
		Addr:             GetString("AIRLIFT_ADDR", ":4000"),
		LogLevel:         GetString("LOG_LEVEL", "info"),
		DatabaseURL:      GetString("DATABASE_URL", "postgres://airlift:airlift@db:5432/airlift?sslmode=disable"),
		MigrationsDir:    GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		DockerHost:       GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		Workdir:          GetString("AIRLIFT_WORKDIR", "/tmp/airlift"),
		EnvEncryptionKey: GetString("ENV_ENCRYPTION_KEY", "supersecuresecret"),

		BuildTimeout: time.Duration(GetInt("BUILD_TIMEOUT_SECONDS", 600)) * time.Second,

		ProvisionTimeout:    time.Duration(GetInt("PROVISION_TIMEOUT_SECONDS", 300)) * time.Second,
		ProvisionMaxRetries: GetInt("PROVISION_MAX_RETRIES", 4),
		ProvisionBackoff:    time.Duration(GetInt("PROVISION_BACKOFF_MS", 500)) * time.Millisecond,

		ScaleInterval:       time.Duration(GetInt("SCALE_INTERVAL_SECONDS", 30)) * time.Second,
		ScaleUpCPUPercent:   GetInt("SCALE_UP_CPU_PERCENT", 75),
		ScaleDownCPUPercent: GetInt("SCALE_DOWN_CPU_PERCENT", 20),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
