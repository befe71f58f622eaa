package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/nimburion/schedlock/pkg/health"
)

const defaultRuntimeHealthCheckName = "scheduler"

// NewRuntimeHealthChecker reports degraded while the runtime is not running.
func NewRuntimeHealthChecker(name string, runtime *Runtime) health.Checker {
	checkName := strings.TrimSpace(name)
	if checkName == "" {
		checkName = defaultRuntimeHealthCheckName
	}
	return health.NewFuncChecker(checkName, func(context.Context) (health.Status, string, error) {
		if runtime == nil {
			return health.StatusUnhealthy, "scheduler runtime is not initialized", nil
		}
		tasks := runtime.Tasks()
		if !runtime.Running() {
			return health.StatusDegraded, fmt.Sprintf("scheduler is stopped (%d tasks registered)", len(tasks)), nil
		}
		return health.StatusHealthy, fmt.Sprintf("scheduler is running %d tasks", len(tasks)), nil
	})
}
