package server

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/nimburion/schedlock/pkg/lock"
	"github.com/nimburion/schedlock/pkg/observability/logger"
	"github.com/nimburion/schedlock/pkg/scheduler"
)

type serverTestLogger struct{}

func (l *serverTestLogger) Debug(string, ...any)                      {}
func (l *serverTestLogger) Info(string, ...any)                       {}
func (l *serverTestLogger) Warn(string, ...any)                       {}
func (l *serverTestLogger) Error(string, ...any)                      {}
func (l *serverTestLogger) With(...any) logger.Logger                 { return l }
func (l *serverTestLogger) WithContext(context.Context) logger.Logger { return l }

type fakeInspector struct {
	records map[string]lock.Record
	err     error
}

func (f *fakeInspector) Inspect(_ context.Context, name string) (*lock.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	rec, ok := f.records[name]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

type fakeTaskRunner struct {
	tasks   []scheduler.TaskInfo
	results map[string]lock.Result
	errs    map[string]error
}

func (f *fakeTaskRunner) Tasks() []scheduler.TaskInfo { return f.tasks }

func (f *fakeTaskRunner) Trigger(_ context.Context, name string) (lock.Result, error) {
	result, ok := f.results[name]
	if !ok {
		return lock.Result{}, errors.Join(scheduler.ErrNotFound, errors.New("task "+name+" is not registered"))
	}
	return result, f.errs[name]
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func splitPort(addr string) (string, int, error) {
	host, portText, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portText)
	return host, port, err
}
