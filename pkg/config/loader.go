package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// FlagKeys maps command-line flag names to the config keys they override.
var FlagKeys = map[string]string{
	"lock-store":      "lock.store",
	"holder":          "lock.holder",
	"timezone":        "scheduler.timezone",
	"overlap-policy":  "scheduler.overlap_policy",
	"management-port": "management.port",
	"log-level":       "observability.log_level",
	"log-format":      "observability.log_format",
}

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile         string
	envPrefix          string
	serviceNameDefault string
	flags              *pflag.FlagSet
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (e.g., "SCHEDLOCK")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// WithServiceNameDefault sets the default service.name used when no config/env override is provided.
func (l *ViperLoader) WithServiceNameDefault(serviceName string) *ViperLoader {
	if l == nil {
		return l
	}
	l.serviceNameDefault = strings.TrimSpace(serviceName)
	return l
}

// WithFlags binds the flags named in FlagKeys. Flags set on the command line take precedence
// over environment variables and the config file.
func (l *ViperLoader) WithFlags(flags *pflag.FlagSet) *ViperLoader {
	if l == nil {
		return l
	}
	l.flags = flags
	return l
}

// ConfigFile returns the path passed to NewViperLoader.
func (l *ViperLoader) ConfigFile() string {
	if l == nil {
		return ""
	}
	return l.configFile
}

// Load loads configuration with precedence: ENV > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()

	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	v.SetEnvPrefix(l.envPrefix)
	l.bindEnvVars(v)
	if err := l.bindFlags(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// bindEnvVars binds nested keys explicitly; AutomaticEnv does not see keys without defaults.
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	// Service
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"))

	// Management
	v.BindEnv("management.enabled", l.prefixedEnv("MGMT_ENABLED"))
	v.BindEnv("management.port", l.prefixedEnv("MGMT_PORT"))
	v.BindEnv("management.read_timeout", l.prefixedEnv("MGMT_READ_TIMEOUT"))
	v.BindEnv("management.write_timeout", l.prefixedEnv("MGMT_WRITE_TIMEOUT"))
	v.BindEnv("management.shutdown_timeout", l.prefixedEnv("MGMT_SHUTDOWN_TIMEOUT"))

	// Lock
	v.BindEnv("lock.default_lock_at_most_for", l.prefixedEnv("LOCK_DEFAULT_LOCK_AT_MOST_FOR"))
	v.BindEnv("lock.default_lock_at_least_for", l.prefixedEnv("LOCK_DEFAULT_LOCK_AT_LEAST_FOR"))
	v.BindEnv("lock.holder", l.prefixedEnv("LOCK_HOLDER"))
	v.BindEnv("lock.operation_timeout", l.prefixedEnv("LOCK_OPERATION_TIMEOUT"))
	v.BindEnv("lock.release_timeout", l.prefixedEnv("LOCK_RELEASE_TIMEOUT"))
	v.BindEnv("lock.breaker_threshold", l.prefixedEnv("LOCK_BREAKER_THRESHOLD"))
	v.BindEnv("lock.breaker_cooldown", l.prefixedEnv("LOCK_BREAKER_COOLDOWN"))
	v.BindEnv("lock.store", l.prefixedEnv("LOCK_STORE"))
	v.BindEnv("lock.ensure_schema", l.prefixedEnv("LOCK_ENSURE_SCHEMA"))

	v.BindEnv("lock.postgres.url", l.prefixedEnv("LOCK_POSTGRES_URL"))
	v.BindEnv("lock.postgres.table", l.prefixedEnv("LOCK_POSTGRES_TABLE"))
	v.BindEnv("lock.postgres.max_open_conns", l.prefixedEnv("LOCK_POSTGRES_MAX_OPEN_CONNS"))
	v.BindEnv("lock.postgres.max_idle_conns", l.prefixedEnv("LOCK_POSTGRES_MAX_IDLE_CONNS"))
	v.BindEnv("lock.postgres.conn_max_lifetime", l.prefixedEnv("LOCK_POSTGRES_CONN_MAX_LIFETIME"))

	v.BindEnv("lock.mysql.dsn", l.prefixedEnv("LOCK_MYSQL_DSN"))
	v.BindEnv("lock.mysql.table", l.prefixedEnv("LOCK_MYSQL_TABLE"))
	v.BindEnv("lock.mysql.max_open_conns", l.prefixedEnv("LOCK_MYSQL_MAX_OPEN_CONNS"))
	v.BindEnv("lock.mysql.max_idle_conns", l.prefixedEnv("LOCK_MYSQL_MAX_IDLE_CONNS"))
	v.BindEnv("lock.mysql.conn_max_lifetime", l.prefixedEnv("LOCK_MYSQL_CONN_MAX_LIFETIME"))

	v.BindEnv("lock.redis.url", l.prefixedEnv("LOCK_REDIS_URL"))
	v.BindEnv("lock.redis.prefix", l.prefixedEnv("LOCK_REDIS_PREFIX"))

	v.BindEnv("lock.mongodb.url", l.prefixedEnv("LOCK_MONGODB_URL"))
	v.BindEnv("lock.mongodb.database", l.prefixedEnv("LOCK_MONGODB_DATABASE"))
	v.BindEnv("lock.mongodb.collection", l.prefixedEnv("LOCK_MONGODB_COLLECTION"))
	v.BindEnv("lock.mongodb.connect_timeout", l.prefixedEnv("LOCK_MONGODB_CONNECT_TIMEOUT"))

	v.BindEnv("lock.dynamodb.region", l.prefixedEnv("LOCK_DYNAMODB_REGION"))
	v.BindEnv("lock.dynamodb.endpoint", l.prefixedEnv("LOCK_DYNAMODB_ENDPOINT"))
	v.BindEnv("lock.dynamodb.access_key_id", l.prefixedEnv("LOCK_DYNAMODB_ACCESS_KEY_ID"))
	v.BindEnv("lock.dynamodb.secret_access_key", l.prefixedEnv("LOCK_DYNAMODB_SECRET_ACCESS_KEY"))
	v.BindEnv("lock.dynamodb.session_token", l.prefixedEnv("LOCK_DYNAMODB_SESSION_TOKEN"))
	v.BindEnv("lock.dynamodb.table", l.prefixedEnv("LOCK_DYNAMODB_TABLE"))

	// Scheduler; tasks come from the config file only
	v.BindEnv("scheduler.enabled", l.prefixedEnv("SCHEDULER_ENABLED"))
	v.BindEnv("scheduler.timezone", l.prefixedEnv("SCHEDULER_TIMEZONE"))
	v.BindEnv("scheduler.overlap_policy", l.prefixedEnv("SCHEDULER_OVERLAP_POLICY"))
	v.BindEnv("scheduler.sample_task", l.prefixedEnv("SCHEDULER_SAMPLE_TASK"))

	// Observability
	v.BindEnv("observability.log_level", l.prefixedEnv("LOG_LEVEL"))
	v.BindEnv("observability.log_format", l.prefixedEnv("LOG_FORMAT"))
	v.BindEnv("observability.tracing_enabled", l.prefixedEnv("TRACING_ENABLED"))
	v.BindEnv("observability.tracing_sample_rate", l.prefixedEnv("TRACING_SAMPLE_RATE"))
	v.BindEnv("observability.tracing_endpoint", l.prefixedEnv("TRACING_ENDPOINT"))
	v.BindEnv("observability.tracing_insecure", l.prefixedEnv("TRACING_INSECURE"))
}

func (l *ViperLoader) bindFlags(v *viper.Viper) error {
	if l.flags == nil {
		return nil
	}
	for name, key := range FlagKeys {
		flag := l.flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return nil
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = "SCHEDLOCK"
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

func (l *ViperLoader) defaultServiceName(fallback string) string {
	if l != nil {
		if configured := strings.TrimSpace(l.serviceNameDefault); configured != "" {
			return configured
		}
	}
	return strings.TrimSpace(fallback)
}

// setDefaults sets default values in Viper from the default config
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", l.defaultServiceName(cfg.Service.Name))
	v.SetDefault("service.environment", cfg.Service.Environment)

	v.SetDefault("management.enabled", cfg.Management.Enabled)
	v.SetDefault("management.port", cfg.Management.Port)
	v.SetDefault("management.read_timeout", cfg.Management.ReadTimeout)
	v.SetDefault("management.write_timeout", cfg.Management.WriteTimeout)
	v.SetDefault("management.shutdown_timeout", cfg.Management.ShutdownTimeout)

	v.SetDefault("lock.default_lock_at_most_for", cfg.Lock.DefaultLockAtMostFor)
	v.SetDefault("lock.default_lock_at_least_for", cfg.Lock.DefaultLockAtLeastFor)
	v.SetDefault("lock.holder", cfg.Lock.Holder)
	v.SetDefault("lock.operation_timeout", cfg.Lock.OperationTimeout)
	v.SetDefault("lock.release_timeout", cfg.Lock.ReleaseTimeout)
	v.SetDefault("lock.breaker_threshold", cfg.Lock.BreakerThreshold)
	v.SetDefault("lock.breaker_cooldown", cfg.Lock.BreakerCooldown)
	v.SetDefault("lock.store", cfg.Lock.Store)
	v.SetDefault("lock.ensure_schema", cfg.Lock.EnsureSchema)

	v.SetDefault("lock.postgres.url", cfg.Lock.Postgres.URL)
	v.SetDefault("lock.postgres.table", cfg.Lock.Postgres.Table)
	v.SetDefault("lock.postgres.max_open_conns", cfg.Lock.Postgres.MaxOpenConns)
	v.SetDefault("lock.postgres.max_idle_conns", cfg.Lock.Postgres.MaxIdleConns)
	v.SetDefault("lock.postgres.conn_max_lifetime", cfg.Lock.Postgres.ConnMaxLifetime)

	v.SetDefault("lock.mysql.dsn", cfg.Lock.MySQL.DSN)
	v.SetDefault("lock.mysql.table", cfg.Lock.MySQL.Table)
	v.SetDefault("lock.mysql.max_open_conns", cfg.Lock.MySQL.MaxOpenConns)
	v.SetDefault("lock.mysql.max_idle_conns", cfg.Lock.MySQL.MaxIdleConns)
	v.SetDefault("lock.mysql.conn_max_lifetime", cfg.Lock.MySQL.ConnMaxLifetime)

	v.SetDefault("lock.redis.url", cfg.Lock.Redis.URL)
	v.SetDefault("lock.redis.prefix", cfg.Lock.Redis.Prefix)

	v.SetDefault("lock.mongodb.url", cfg.Lock.MongoDB.URL)
	v.SetDefault("lock.mongodb.database", cfg.Lock.MongoDB.Database)
	v.SetDefault("lock.mongodb.collection", cfg.Lock.MongoDB.Collection)
	v.SetDefault("lock.mongodb.connect_timeout", cfg.Lock.MongoDB.ConnectTimeout)

	v.SetDefault("lock.dynamodb.region", cfg.Lock.DynamoDB.Region)
	v.SetDefault("lock.dynamodb.endpoint", cfg.Lock.DynamoDB.Endpoint)
	v.SetDefault("lock.dynamodb.table", cfg.Lock.DynamoDB.Table)

	v.SetDefault("scheduler.enabled", cfg.Scheduler.Enabled)
	v.SetDefault("scheduler.timezone", cfg.Scheduler.Timezone)
	v.SetDefault("scheduler.overlap_policy", cfg.Scheduler.OverlapPolicy)
	v.SetDefault("scheduler.sample_task", cfg.Scheduler.SampleTask)

	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.tracing_enabled", cfg.Observability.TracingEnabled)
	v.SetDefault("observability.tracing_sample_rate", cfg.Observability.TracingSampleRate)
	v.SetDefault("observability.tracing_endpoint", cfg.Observability.TracingEndpoint)
	v.SetDefault("observability.tracing_insecure", cfg.Observability.TracingInsecure)
}

// Validate checks the configuration and reports every problem at once.
func (l *ViperLoader) Validate(cfg *Config) error {
	var errs []error

	cfg.Lock.Store = strings.ToLower(strings.TrimSpace(cfg.Lock.Store))
	cfg.Scheduler.OverlapPolicy = strings.ToLower(strings.TrimSpace(cfg.Scheduler.OverlapPolicy))

	if strings.TrimSpace(cfg.Service.Name) == "" {
		errs = append(errs, errors.New("service.name is required"))
	}

	if cfg.Management.Enabled && (cfg.Management.Port <= 0 || cfg.Management.Port > 65535) {
		errs = append(errs, fmt.Errorf("management.port must be between 1 and 65535, got %d", cfg.Management.Port))
	}

	errs = append(errs, validateLock(cfg.Lock)...)
	errs = append(errs, validateScheduler(cfg.Scheduler, cfg.Lock)...)

	validLevels := []string{"debug", "info", "warn", "warning", "error"}
	if !contains(validLevels, strings.ToLower(cfg.Observability.LogLevel)) {
		errs = append(errs, fmt.Errorf("invalid observability.log_level: %s (must be one of: %v)", cfg.Observability.LogLevel, validLevels))
	}
	validFormats := []string{"json", "text", "console"}
	if !contains(validFormats, strings.ToLower(cfg.Observability.LogFormat)) {
		errs = append(errs, fmt.Errorf("invalid observability.log_format: %s (must be one of: %v)", cfg.Observability.LogFormat, validFormats))
	}
	if cfg.Observability.TracingEnabled {
		if strings.TrimSpace(cfg.Observability.TracingEndpoint) == "" {
			errs = append(errs, errors.New("observability.tracing_endpoint is required when tracing is enabled"))
		}
		if cfg.Observability.TracingSampleRate < 0 || cfg.Observability.TracingSampleRate > 1 {
			errs = append(errs, errors.New("observability.tracing_sample_rate must be between 0 and 1"))
		}
	}

	return errors.Join(errs...)
}

func validateLock(cfg LockConfig) []error {
	var errs []error

	if cfg.DefaultLockAtMostFor <= 0 {
		errs = append(errs, fmt.Errorf("lock.default_lock_at_most_for must be > 0, got %s", cfg.DefaultLockAtMostFor))
	}
	if cfg.DefaultLockAtLeastFor < 0 {
		errs = append(errs, fmt.Errorf("lock.default_lock_at_least_for must be >= 0, got %s", cfg.DefaultLockAtLeastFor))
	}
	if cfg.DefaultLockAtLeastFor > cfg.DefaultLockAtMostFor {
		errs = append(errs, errors.New("lock.default_lock_at_least_for must not exceed lock.default_lock_at_most_for"))
	}
	if cfg.OperationTimeout <= 0 {
		errs = append(errs, errors.New("lock.operation_timeout must be > 0"))
	}
	if cfg.ReleaseTimeout <= 0 {
		errs = append(errs, errors.New("lock.release_timeout must be > 0"))
	}
	if cfg.BreakerThreshold < 0 {
		errs = append(errs, fmt.Errorf("lock.breaker_threshold must be >= 0, got %d", cfg.BreakerThreshold))
	}
	if cfg.BreakerThreshold > 0 && cfg.BreakerCooldown <= 0 {
		errs = append(errs, errors.New("lock.breaker_cooldown must be > 0 when the breaker is enabled"))
	}

	switch cfg.Store {
	case LockStoreMemory:
	case LockStorePostgres:
		if strings.TrimSpace(cfg.Postgres.URL) == "" {
			errs = append(errs, errors.New("lock.postgres.url is required when lock.store is postgres"))
		}
	case LockStoreMySQL:
		if strings.TrimSpace(cfg.MySQL.DSN) == "" {
			errs = append(errs, errors.New("lock.mysql.dsn is required when lock.store is mysql"))
		}
	case LockStoreRedis:
		if strings.TrimSpace(cfg.Redis.URL) == "" {
			errs = append(errs, errors.New("lock.redis.url is required when lock.store is redis"))
		}
	case LockStoreMongoDB:
		if strings.TrimSpace(cfg.MongoDB.URL) == "" {
			errs = append(errs, errors.New("lock.mongodb.url is required when lock.store is mongodb"))
		}
		if strings.TrimSpace(cfg.MongoDB.Database) == "" {
			errs = append(errs, errors.New("lock.mongodb.database is required when lock.store is mongodb"))
		}
	case LockStoreDynamoDB:
		if strings.TrimSpace(cfg.DynamoDB.Region) == "" {
			errs = append(errs, errors.New("lock.dynamodb.region is required when lock.store is dynamodb"))
		}
	default:
		validStores := []string{LockStoreMemory, LockStorePostgres, LockStoreMySQL, LockStoreRedis, LockStoreMongoDB, LockStoreDynamoDB}
		errs = append(errs, fmt.Errorf("invalid lock.store: %s (must be one of: %v)", cfg.Store, validStores))
	}

	return errs
}

func validateScheduler(cfg SchedulerConfig, lockCfg LockConfig) []error {
	var errs []error

	validPolicies := []string{OverlapSkip, OverlapWait, OverlapContend}
	if !contains(validPolicies, cfg.OverlapPolicy) {
		errs = append(errs, fmt.Errorf("invalid scheduler.overlap_policy: %s (must be one of: %v)", cfg.OverlapPolicy, validPolicies))
	}
	if strings.TrimSpace(cfg.Timezone) != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("invalid scheduler.timezone: %w", err))
		}
	}

	seen := make(map[string]struct{}, len(cfg.Tasks))
	for index, task := range cfg.Tasks {
		name := strings.TrimSpace(task.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("scheduler.tasks[%d].name is required", index))
		} else if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("scheduler.tasks[%d].name %q is duplicated", index, name))
		} else {
			seen[name] = struct{}{}
		}
		if strings.TrimSpace(task.Cron) == "" {
			errs = append(errs, fmt.Errorf("scheduler.tasks[%d].cron is required", index))
		}
		atMost := task.LockAtMostFor
		if atMost == 0 {
			atMost = lockCfg.DefaultLockAtMostFor
		}
		atLeast := lockCfg.DefaultLockAtLeastFor
		if task.LockAtLeastFor != nil {
			atLeast = *task.LockAtLeastFor
		}
		if atMost < 0 || atLeast < 0 {
			errs = append(errs, fmt.Errorf("scheduler.tasks[%d] lock durations must not be negative", index))
		} else if atLeast > atMost {
			errs = append(errs, fmt.Errorf("scheduler.tasks[%d].lock_at_least_for (%s) must not exceed lock_at_most_for (%s)", index, atLeast, atMost))
		}
		if policy := strings.ToLower(strings.TrimSpace(task.OverlapPolicy)); policy != "" && !contains(validPolicies, policy) {
			errs = append(errs, fmt.Errorf("invalid scheduler.tasks[%d].overlap_policy: %s", index, task.OverlapPolicy))
		}
	}

	return errs
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
