package cli

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"

	"github.com/nimburion/schedlock/pkg/config"
	"github.com/nimburion/schedlock/pkg/lock"
	"github.com/nimburion/schedlock/pkg/lockstore/memory"
	"github.com/nimburion/schedlock/pkg/observability/logger"
)

type cliTestLogger struct{}

func (l *cliTestLogger) Debug(string, ...any)                      {}
func (l *cliTestLogger) Info(string, ...any)                       {}
func (l *cliTestLogger) Warn(string, ...any)                       {}
func (l *cliTestLogger) Error(string, ...any)                      {}
func (l *cliTestLogger) With(...any) logger.Logger                 { return l }
func (l *cliTestLogger) WithContext(context.Context) logger.Logger { return l }

// sharedStore outlives a single command so later commands see earlier writes.
type sharedStore struct {
	*memory.Store
}

func (sharedStore) Close() error { return nil }

// schemaStore records EnsureSchema calls.
type schemaStore struct {
	sharedStore
	ensured int
}

func (s *schemaStore) EnsureSchema(context.Context) error {
	s.ensured++
	return nil
}

func storeFactory(store lock.Store) StoreFactory {
	return func(context.Context, config.LockConfig, logger.Logger) (lock.Store, error) {
		return store, nil
	}
}

// isolateEnv clears SCHEDLOCK_* variables for the duration of the test.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "SCHEDLOCK_") {
			key := strings.SplitN(env, "=", 2)[0]
			t.Setenv(key, "")
			os.Unsetenv(key)
		}
	}
	t.Setenv("SCHEDLOCK_MGMT_ENABLED", "false")
}

type commandRun struct {
	stdout bytes.Buffer
	logs   bytes.Buffer
}

func runCommand(t *testing.T, ctx context.Context, opts Options, args ...string) (*commandRun, error) {
	t.Helper()
	run := &commandRun{}
	opts.LogOutput = &run.logs
	cmd := NewCommand(opts)
	cmd.SetOut(&run.stdout)
	cmd.SetErr(&run.stdout)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return run, err
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp(t.TempDir(), "schedlock-*.yaml")
	if err != nil {
		t.Fatalf("create temp config file: %v", err)
	}
	if _, err := tmpFile.WriteString(content); err != nil {
		t.Fatalf("write temp config file: %v", err)
	}
	_ = tmpFile.Close()
	return tmpFile.Name()
}
