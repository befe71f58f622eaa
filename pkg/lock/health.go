package lock

import (
	"strings"
	"time"

	"github.com/nimburion/schedlock/pkg/health"
)

const defaultProviderHealthCheckName = "lock-provider"

type breakerReporter interface {
	BreakerState() BreakerState
}

// NewProviderHealthChecker probes provider's store. Providers with a circuit breaker
// report degraded while the breaker is not closed.
func NewProviderHealthChecker(name string, provider LockProvider, timeout time.Duration) health.Checker {
	checkName := strings.TrimSpace(name)
	if checkName == "" {
		checkName = defaultProviderHealthCheckName
	}
	var opts []health.ProbeOption
	if reporter, ok := provider.(breakerReporter); ok {
		opts = append(opts, health.WithDetails(func() (health.Status, string, map[string]any) {
			state := reporter.BreakerState()
			metadata := map[string]any{"breaker": state.String()}
			if state != BreakerClosed {
				return health.StatusDegraded, "lock store circuit is " + state.String(), metadata
			}
			return "", "", metadata
		}))
	}
	return health.NewProbeChecker(checkName, provider, timeout, opts...)
}
