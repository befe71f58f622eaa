package health

import (
	"context"
	"time"
)

const defaultProbeTimeout = 5 * time.Second

// Checkable is implemented by components that can probe their own dependencies.
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// DetailsFunc reports state beyond connectivity, such as a tripped circuit breaker.
// An empty status leaves the probe outcome unchanged.
type DetailsFunc func() (Status, string, map[string]any)

// ProbeOption customizes a ProbeChecker.
type ProbeOption func(*ProbeChecker)

// WithDetails attaches fn to every probe result.
func WithDetails(fn DetailsFunc) ProbeOption {
	return func(c *ProbeChecker) { c.details = fn }
}

// ProbeChecker runs a bounded HealthCheck against a dependency.
type ProbeChecker struct {
	name    string
	target  Checkable
	timeout time.Duration
	details DetailsFunc
}

// NewProbeChecker creates a checker for target. A zero timeout defaults to 5s.
func NewProbeChecker(name string, target Checkable, timeout time.Duration, opts ...ProbeOption) *ProbeChecker {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	c := &ProbeChecker{name: name, target: target, timeout: timeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *ProbeChecker) Name() string { return c.name }

// Check probes the target, then applies the details func when one is set.
func (c *ProbeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result := CheckResult{Name: c.name, Status: StatusHealthy}
	if err := c.target.HealthCheck(probeCtx); err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
	}
	if c.details != nil {
		status, message, metadata := c.details()
		if status != "" {
			result.Status = Worse(result.Status, status)
		}
		result.Message = message
		result.Metadata = metadata
	}
	result.Timestamp = time.Now()
	result.Duration = result.Timestamp.Sub(start)
	return result
}

// FuncChecker adapts a function returning (status, message, error).
type FuncChecker struct {
	name string
	fn   func(ctx context.Context) (Status, string, error)
}

// NewFuncChecker creates a checker backed by fn.
func NewFuncChecker(name string, fn func(ctx context.Context) (Status, string, error)) *FuncChecker {
	return &FuncChecker{name: name, fn: fn}
}

func (c *FuncChecker) Name() string { return c.name }

func (c *FuncChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, err := c.fn(ctx)
	result := CheckResult{
		Name:      c.name,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = result.Timestamp.Sub(start)
	return result
}
