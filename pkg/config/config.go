package config

import "time"

// Lock store constants
const (
	// LockStoreMemory keeps locks in process memory. Single replica only.
	LockStoreMemory = "memory"
	// LockStorePostgres uses a PostgreSQL table
	LockStorePostgres = "postgres"
	// LockStoreMySQL uses a MySQL table
	LockStoreMySQL = "mysql"
	// LockStoreRedis uses one Redis hash per lock
	LockStoreRedis = "redis"
	// LockStoreMongoDB uses a MongoDB collection
	LockStoreMongoDB = "mongodb"
	// LockStoreDynamoDB uses a DynamoDB table
	LockStoreDynamoDB = "dynamodb"
)

// Overlap policy constants
const (
	OverlapSkip    = "skip"
	OverlapWait    = "wait"
	OverlapContend = "contend"
)

// Config is the root configuration structure for schedlock
type Config struct {
	Service       ServiceConfig       `mapstructure:"service"`
	Management    ManagementConfig    `mapstructure:"management"`
	Lock          LockConfig          `mapstructure:"lock"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// ServiceConfig configures service identity metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ManagementConfig configures the management server
type ManagementConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LockConfig configures lock defaults and the backing store.
type LockConfig struct {
	DefaultLockAtMostFor  time.Duration      `mapstructure:"default_lock_at_most_for"`
	DefaultLockAtLeastFor time.Duration      `mapstructure:"default_lock_at_least_for"`
	Holder                string             `mapstructure:"holder"` // empty means hostname:pid
	OperationTimeout      time.Duration      `mapstructure:"operation_timeout"`
	ReleaseTimeout        time.Duration      `mapstructure:"release_timeout"`
	// BreakerThreshold is the consecutive store failures that open the circuit. 0 disables it.
	BreakerThreshold      int                `mapstructure:"breaker_threshold"`
	BreakerCooldown       time.Duration      `mapstructure:"breaker_cooldown"`
	Store                 string             `mapstructure:"store"` // memory, postgres, mysql, redis, mongodb, dynamodb
	EnsureSchema          bool               `mapstructure:"ensure_schema"`
	Postgres              LockPostgresConfig `mapstructure:"postgres"`
	MySQL                 LockMySQLConfig    `mapstructure:"mysql"`
	Redis                 LockRedisConfig    `mapstructure:"redis"`
	MongoDB               LockMongoDBConfig  `mapstructure:"mongodb"`
	DynamoDB              LockDynamoDBConfig `mapstructure:"dynamodb"`
}

// LockPostgresConfig configures the PostgreSQL lock store.
type LockPostgresConfig struct {
	URL             string        `mapstructure:"url" redact:"true"`
	Table           string        `mapstructure:"table"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// LockMySQLConfig configures the MySQL lock store.
type LockMySQLConfig struct {
	DSN             string        `mapstructure:"dsn" redact:"true"`
	Table           string        `mapstructure:"table"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// LockRedisConfig configures the Redis lock store.
type LockRedisConfig struct {
	URL    string `mapstructure:"url" redact:"true"`
	Prefix string `mapstructure:"prefix"`
}

// LockMongoDBConfig configures the MongoDB lock store.
type LockMongoDBConfig struct {
	URL            string        `mapstructure:"url" redact:"true"`
	Database       string        `mapstructure:"database"`
	Collection     string        `mapstructure:"collection"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// LockDynamoDBConfig configures the DynamoDB lock store.
type LockDynamoDBConfig struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id" redact:"true"`
	SecretAccessKey string `mapstructure:"secret_access_key" redact:"true"`
	SessionToken    string `mapstructure:"session_token" redact:"true"`
	Table           string `mapstructure:"table"`
}

// SchedulerConfig configures the cron runtime.
type SchedulerConfig struct {
	Enabled       bool                  `mapstructure:"enabled"`
	Timezone      string                `mapstructure:"timezone"`
	OverlapPolicy string                `mapstructure:"overlap_policy"` // skip, wait, contend
	SampleTask    bool                  `mapstructure:"sample_task"`
	Tasks         []SchedulerTaskConfig `mapstructure:"tasks"`
}

// SchedulerTaskConfig describes one scheduler task from configuration.
type SchedulerTaskConfig struct {
	Name           string         `mapstructure:"name"`
	Cron           string         `mapstructure:"cron"`
	LockAtMostFor  time.Duration  `mapstructure:"lock_at_most_for"`
	// LockAtLeastFor is nil when unset; an explicit 0s overrides a non-zero default.
	LockAtLeastFor *time.Duration `mapstructure:"lock_at_least_for"`
	OverlapPolicy  string         `mapstructure:"overlap_policy"`
}

// ObservabilityConfig configures logging and tracing
type ObservabilityConfig struct {
	LogLevel          string  `mapstructure:"log_level"`
	LogFormat         string  `mapstructure:"log_format"` // json, text
	TracingEnabled    bool    `mapstructure:"tracing_enabled"`
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate"`
	TracingEndpoint   string  `mapstructure:"tracing_endpoint"`
	TracingInsecure   bool    `mapstructure:"tracing_insecure"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "schedlock",
			Environment: "production",
		},
		Management: ManagementConfig{
			Enabled:         true,
			Port:            9090,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Lock: LockConfig{
			DefaultLockAtMostFor: 10 * time.Second,
			OperationTimeout:     3 * time.Second,
			ReleaseTimeout:       5 * time.Second,
			BreakerCooldown:      30 * time.Second,
			Store:                LockStoreMemory,
			EnsureSchema:         true,
			Postgres: LockPostgresConfig{
				Table:           "shedlock",
				MaxOpenConns:    5,
				MaxIdleConns:    2,
				ConnMaxLifetime: 5 * time.Minute,
			},
			MySQL: LockMySQLConfig{
				Table:           "shedlock",
				MaxOpenConns:    5,
				MaxIdleConns:    2,
				ConnMaxLifetime: 5 * time.Minute,
			},
			Redis: LockRedisConfig{
				Prefix: "schedlock",
			},
			MongoDB: LockMongoDBConfig{
				Database:       "schedlock",
				Collection:     "shedLock",
				ConnectTimeout: 10 * time.Second,
			},
			DynamoDB: LockDynamoDBConfig{
				Table: "shedlock",
			},
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			Timezone:      "UTC",
			OverlapPolicy: OverlapSkip,
			SampleTask:    true,
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogFormat:         "json",
			TracingSampleRate: 0.1,
		},
	}
}
