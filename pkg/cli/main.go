// Package cli builds the schedlock command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nimburion/schedlock/pkg/config"
	"github.com/nimburion/schedlock/pkg/health"
	"github.com/nimburion/schedlock/pkg/lock"
	"github.com/nimburion/schedlock/pkg/lockstore"
	"github.com/nimburion/schedlock/pkg/observability/logger"
	"github.com/nimburion/schedlock/pkg/observability/metrics"
	"github.com/nimburion/schedlock/pkg/scheduler"
	"github.com/nimburion/schedlock/pkg/server"
	"github.com/nimburion/schedlock/pkg/version"
)

const (
	policiesAnnotationPrefix = "policies."
	defaultPolicyContext     = "run"
	defaultEnvPrefix         = "SCHEDLOCK"
)

// CommandPolicy tells deployment tooling when a command is meant to run.
type CommandPolicy string

const (
	PolicyAlways    CommandPolicy = "always"
	PolicyMigration CommandPolicy = "migration"
	PolicyRun       CommandPolicy = "run"
	PolicyOnDemand  CommandPolicy = "on_demand"
	PolicyScheduled CommandPolicy = "scheduled"
)

// Options defines the service-specific parts of the command tree.
type Options struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string

	// Tasks are the code-defined scheduled tasks. scheduler.tasks entries override them by name.
	Tasks []scheduler.Task
	// ConfigureTasks builds tasks that need the loaded configuration or logger.
	ConfigureTasks func(cfg *config.Config, log logger.Logger) ([]scheduler.Task, error)

	// StoreFactory overrides lockstore.NewStore.
	StoreFactory StoreFactory
	// LogOutput receives service logs. Defaults to stdout.
	LogOutput io.Writer

	CustomCommands []*cobra.Command
}

// NewCommand creates the CLI with run, trigger, tasks, locks, migrate, healthcheck, version and
// config subcommands. The root command runs the service.
func NewCommand(opts Options) *cobra.Command {
	if strings.TrimSpace(opts.Name) == "" {
		opts.Name = "schedlock"
	}
	if strings.TrimSpace(opts.EnvPrefix) == "" {
		opts.EnvPrefix = defaultEnvPrefix
	}

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	SetCommandPolicies(rootCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})

	var cfgPath string
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgPath, "config-file", "c", opts.ConfigPath, "config file path")
	flags.String("lock-store", "", "lock store: memory, postgres, mysql, redis, mongodb, dynamodb")
	flags.String("holder", "", "lock holder identity written into lock records")
	flags.String("timezone", "", "IANA timezone for cron expressions")
	flags.String("overlap-policy", "", "overlap policy: skip, wait, contend")
	flags.Int("management-port", 0, "management server port")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: json, text")

	loadConfig := func(cmd *cobra.Command) (*config.Config, logger.Logger, error) {
		return LoadConfigAndLogger(cfgPath, opts.EnvPrefix, cmd.Flags(), opts.Name, opts.LogOutput)
	}
	resolve := func(cfg *config.Config, log logger.Logger) ([]scheduler.Task, error) {
		defined := append([]scheduler.Task{}, opts.Tasks...)
		if opts.ConfigureTasks != nil {
			extra, err := opts.ConfigureTasks(cfg, log)
			if err != nil {
				return nil, fmt.Errorf("configure tasks: %w", err)
			}
			defined = append(defined, extra...)
		}
		return resolveTasks(cfg.Scheduler, defined, log)
	}

	rootCmd.AddCommand(newVersionCommand(opts.Name))

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler and the management server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			tasks, err := resolve(cfg, log)
			if err != nil {
				return err
			}
			runCtx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runService(runCtx, cfg, log, tasks, opts.StoreFactory)
		},
	}
	SetCommandPolicies(runCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyScheduled})
	rootCmd.AddCommand(runCmd)
	rootCmd.RunE = runCmd.RunE

	var triggerOutput string
	triggerCmd := &cobra.Command{
		Use:   "trigger <task>",
		Short: "Run one firing of a task now, under its lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			tasks, err := resolve(cfg, log)
			if err != nil {
				return err
			}
			services, err := openLockServices(commandContext(cmd), cfg, log, opts.StoreFactory)
			if err != nil {
				return err
			}
			defer closeServices(services, log)

			runtime, err := buildRuntime(cfg, log, services.coordinator, tasks)
			if err != nil {
				return err
			}
			result, taskErr := runtime.Trigger(commandContext(cmd), args[0])
			if errors.Is(taskErr, scheduler.ErrNotFound) {
				return taskErr
			}
			view := triggerView{
				Task:        args[0],
				State:       result.State.String(),
				Executed:    result.Executed,
				LockedAt:    result.LockedAt,
				LockedUntil: result.LockedUntil,
			}
			if taskErr != nil {
				view.Error = taskErr.Error()
			}
			if err := writeOutput(cmd.OutOrStdout(), triggerOutput, view); err != nil {
				return err
			}
			return taskErr
		},
	}
	triggerCmd.Flags().StringVarP(&triggerOutput, "output", "o", "yaml", "output format: yaml, json")
	SetCommandPolicies(triggerCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyOnDemand})
	rootCmd.AddCommand(triggerCmd)

	var tasksOutput string
	tasksCmd := &cobra.Command{
		Use:   "tasks",
		Short: "List resolved scheduled tasks and their next firing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			tasks, err := resolve(cfg, log)
			if err != nil {
				return err
			}
			infos, err := scheduler.Describe(tasks, schedulerConfig(cfg), time.Now())
			if err != nil {
				return err
			}
			sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
			return writeOutput(cmd.OutOrStdout(), tasksOutput, newTaskViews(infos))
		},
	}
	tasksCmd.Flags().StringVarP(&tasksOutput, "output", "o", "yaml", "output format: yaml, json")
	SetCommandPolicies(tasksCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyOnDemand})
	rootCmd.AddCommand(tasksCmd)

	locksCmd := &cobra.Command{
		Use:   "locks",
		Short: "Lock store commands",
	}
	var inspectOutput string
	inspectCmd := &cobra.Command{
		Use:   "inspect <name>",
		Short: "Show the stored record of a lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			services, err := openLockServices(commandContext(cmd), cfg, log, opts.StoreFactory)
			if err != nil {
				return err
			}
			defer closeServices(services, log)

			rec, err := services.provider.Inspect(commandContext(cmd), args[0])
			if err != nil {
				return fmt.Errorf("inspect lock: %w", err)
			}
			if rec == nil {
				return fmt.Errorf("lock %q has no record", args[0])
			}
			return writeOutput(cmd.OutOrStdout(), inspectOutput, newLockView(*rec, time.Now()))
		},
	}
	inspectCmd.Flags().StringVarP(&inspectOutput, "output", "o", "yaml", "output format: yaml, json")
	locksCmd.AddCommand(inspectCmd)
	SetCommandPolicies(locksCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyOnDemand})
	SetCommandPolicies(inspectCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyOnDemand})
	rootCmd.AddCommand(locksCmd)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the lock table, collection or index when the store needs one",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg.Lock.EnsureSchema = false
			services, err := openLockServices(commandContext(cmd), cfg, log, opts.StoreFactory)
			if err != nil {
				return err
			}
			defer closeServices(services, log)

			if _, ok := services.store.(lock.SchemaManager); !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "lock store %s needs no schema\n", cfg.Lock.Store)
				return nil
			}
			if err := lockstore.EnsureSchema(commandContext(cmd), services.store); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "lock schema for %s is up to date\n", cfg.Lock.Store)
			return nil
		},
	}
	SetCommandPolicies(migrateCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyMigration})
	rootCmd.AddCommand(migrateCmd)

	healthCmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check connectivity to the lock store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			services, err := openLockServices(commandContext(cmd), cfg, log, opts.StoreFactory)
			if err != nil {
				return err
			}
			defer closeServices(services, log)

			registry := health.NewRegistry()
			registry.Register(lock.NewProviderHealthChecker("lock-store", services.provider, cfg.Lock.OperationTimeout))
			result := registry.Check(commandContext(cmd))
			if err := writeOutput(cmd.OutOrStdout(), "json", result); err != nil {
				return err
			}
			if !result.IsHealthy() {
				return fmt.Errorf("lock store %s is %s", cfg.Lock.Store, result.Status)
			}
			return nil
		},
	}
	SetCommandPolicies(healthCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	rootCmd.AddCommand(healthCmd)

	rootCmd.AddCommand(newConfigCommand(&cfgPath, opts))

	for _, customCmd := range opts.CustomCommands {
		ensureDefaultPolicy(customCmd)
		rootCmd.AddCommand(customCmd)
	}

	return rootCmd
}

func newVersionCommand(serviceName string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Current(serviceName)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
			fmt.Fprintf(out, "Go:         %s\n", info.GoVersion)
		},
	}
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	return cmd
}

func newConfigCommand(cfgPath *string, opts Options) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}
	SetCommandPolicies(configCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfigOnly(*cfgPath, opts, cmd.Flags()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}
	SetCommandPolicies(validateCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	configCmd.AddCommand(validateCmd)

	var showSecrets bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigOnly(*cfgPath, opts, cmd.Flags())
			if err != nil {
				return err
			}
			if showSecrets {
				fmt.Fprint(cmd.OutOrStdout(), cfg.String())
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), cfg.Redacted())
			return nil
		},
	}
	showCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "show credential values")
	SetCommandPolicies(showCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	configCmd.AddCommand(showCmd)

	return configCmd
}

// runService wires the lock stack, the scheduler and the management server and runs them until
// ctx is cancelled.
func runService(ctx context.Context, cfg *config.Config, log logger.Logger, tasks []scheduler.Task, factory StoreFactory) error {
	services, err := openLockServices(ctx, cfg, log, factory)
	if err != nil {
		return err
	}
	defer closeServices(services, log)

	runtime, err := buildRuntime(cfg, log, services.coordinator, tasks)
	if err != nil {
		return err
	}

	healthRegistry := health.NewRegistry()
	healthRegistry.Register(lock.NewProviderHealthChecker("lock-store", services.provider, cfg.Lock.OperationTimeout))
	metricsRegistry := metrics.NewRegistry(append(lock.Collectors(), scheduler.Collectors()...)...)

	var components []server.Component
	if cfg.Scheduler.Enabled && len(tasks) > 0 {
		healthRegistry.Register(scheduler.NewRuntimeHealthChecker("", runtime))
		components = append(components, server.Component{Name: "scheduler", Start: runtime.Start})
	} else {
		log.Warn("scheduler is disabled or has no tasks; only the management server will run")
	}
	if cfg.Management.Enabled {
		mgmt, err := server.NewManagementServer(cfg.Management, log, server.ManagementDeps{
			Health:  healthRegistry,
			Metrics: metricsRegistry,
			Locks:   services.provider,
			Tasks:   runtime,
			Version: version.Current(cfg.Service.Name),
		})
		if err != nil {
			return fmt.Errorf("create management server: %w", err)
		}
		components = append(components, server.Component{Name: "management", Start: mgmt.Start})
	}
	if len(components) == 0 {
		return errors.New("nothing to run: enable the scheduler with at least one task or the management server")
	}

	return server.Run(ctx, &server.RunOptions{
		Config:     cfg,
		Logger:     log,
		Components: components,
		ShutdownHooks: []server.LifecycleHook{{
			Name: "close-lock-store",
			Fn:   func(context.Context) error { return services.Close() },
		}},
	})
}

func closeServices(services *lockServices, log logger.Logger) {
	if err := services.Close(); err != nil {
		log.Error("failed to close lock store", "error", err)
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// LoadConfigAndLogger loads and validates configuration, then builds the zap logger it describes.
func LoadConfigAndLogger(cfgPath, envPrefix string, flags *pflag.FlagSet, defaultServiceName string, logOutput io.Writer) (*config.Config, logger.Logger, error) {
	cfg, err := config.NewViperLoader(cfgPath, resolveEnvPrefix(envPrefix)).
		WithServiceNameDefault(defaultServiceName).
		WithFlags(flags).
		Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewZapLogger(logger.Config{
		Level:  logger.LogLevel(cfg.Observability.LogLevel),
		Format: logger.LogFormat(cfg.Observability.LogFormat),
		Name:   cfg.Service.Name,
		Fields: []any{"environment", cfg.Service.Environment},
		Output: logOutput,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}

	logConfigIfDebug(log, cfg)
	return cfg, log, nil
}

func loadConfigOnly(cfgPath string, opts Options, flags *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.NewViperLoader(cfgPath, resolveEnvPrefix(opts.EnvPrefix)).
		WithServiceNameDefault(opts.Name).
		WithFlags(flags).
		Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Execute runs the command and exits with appropriate code.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func logConfigIfDebug(log logger.Logger, cfg *config.Config) {
	if log == nil || cfg == nil {
		return
	}
	if !strings.EqualFold(cfg.Observability.LogLevel, string(logger.DebugLevel)) {
		return
	}
	log.Debug("effective configuration", "config", cfg.Redacted())
}

func resolveEnvPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return defaultEnvPrefix
	}
	return strings.ToUpper(trimmed)
}

// SetCommandPolicies stores policies as a map[string]string on command annotations using the "policies." prefix.
func SetCommandPolicies(cmd *cobra.Command, policies map[string]CommandPolicy) {
	if cmd == nil {
		return
	}
	if cmd.Annotations == nil {
		cmd.Annotations = make(map[string]string)
	}
	for _, key := range policyAnnotationKeys(cmd.Annotations) {
		delete(cmd.Annotations, key)
	}
	for context, policy := range policies {
		trimmedContext := strings.TrimSpace(context)
		if trimmedContext == "" {
			continue
		}
		cmd.Annotations[policiesAnnotationPrefix+trimmedContext] = string(policy)
	}
}

// GetCommandPolicies returns command policies from annotations.
func GetCommandPolicies(cmd *cobra.Command) map[string]string {
	out := map[string]string{}
	if cmd == nil {
		return out
	}
	for key, value := range cmd.Annotations {
		if !strings.HasPrefix(key, policiesAnnotationPrefix) {
			continue
		}
		context := strings.TrimPrefix(key, policiesAnnotationPrefix)
		if strings.TrimSpace(context) == "" {
			continue
		}
		out[context] = value
	}
	return out
}

func ensureDefaultPolicy(cmd *cobra.Command) {
	if cmd == nil {
		return
	}
	if len(GetCommandPolicies(cmd)) == 0 {
		SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	}
}

func policyAnnotationKeys(annotations map[string]string) []string {
	keys := make([]string, 0, len(annotations))
	for key := range annotations {
		if strings.HasPrefix(key, policiesAnnotationPrefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
