package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimburion/schedlock/pkg/lock"
	"github.com/robfig/cron/v3"
)

// OverlapPolicy decides what a firing does while the same task still runs in this process.
type OverlapPolicy string

const (
	// OverlapSkip drops the firing.
	OverlapSkip OverlapPolicy = "skip"
	// OverlapWait queues the firing behind the running one.
	OverlapWait OverlapPolicy = "wait"
	// OverlapContend sends the firing to the lock store like any other replica.
	OverlapContend OverlapPolicy = "contend"
)

// ParseOverlapPolicy converts a config value. Empty means skip.
func ParseOverlapPolicy(raw string) (OverlapPolicy, error) {
	switch OverlapPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", OverlapSkip:
		return OverlapSkip, nil
	case OverlapWait:
		return OverlapWait, nil
	case OverlapContend:
		return OverlapContend, nil
	default:
		return "", schedulerError(ErrInvalidConfiguration, fmt.Sprintf("invalid overlap policy %q", raw))
	}
}

// NoLockAtLeastFor opts a task out of a non-zero runtime default for LockAtLeastFor.
const NoLockAtLeastFor time.Duration = -1

// Task describes one scheduled unit of work guarded by a named lock.
//
// Name doubles as the lock name. An empty Schedule registers a trigger-only task that runs
// through Trigger or Callback. Zero lock durations fall back to the runtime defaults; set
// LockAtLeastFor to NoLockAtLeastFor to release immediately regardless of the default.
type Task struct {
	Name           string
	Schedule       string
	Run            lock.Task
	LockAtMostFor  time.Duration
	LockAtLeastFor time.Duration
	Overlap        OverlapPolicy
}

// TaskInfo is the resolved view of a registered task.
type TaskInfo struct {
	Name           string        `json:"name"`
	Schedule       string        `json:"schedule,omitempty"`
	LockAtMostFor  time.Duration `json:"lock_at_most_for"`
	LockAtLeastFor time.Duration `json:"lock_at_least_for"`
	Overlap        OverlapPolicy `json:"overlap_policy"`
	Running        bool          `json:"running"`
	Next           time.Time     `json:"next,omitempty"`
}

// scheduleParser accepts an optional leading seconds field and @descriptors.
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule validates a cron expression the way Register does.
func ParseSchedule(expr string) (cron.Schedule, error) {
	schedule, err := scheduleParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, errors.Join(schedulerError(ErrInvalidConfiguration, fmt.Sprintf("invalid schedule %q", expr)), err)
	}
	return schedule, nil
}

// registeredTask is a Task with its defaults resolved and its schedule parsed.
type registeredTask struct {
	task     Task
	lock     lock.Configuration
	schedule cron.Schedule
	entryID  cron.EntryID

	inFlight atomic.Int32
	serial   sync.Mutex
}

func resolveTask(task Task, cfg Config) (*registeredTask, error) {
	task.Name = strings.TrimSpace(task.Name)
	task.Schedule = strings.TrimSpace(task.Schedule)
	if task.Name == "" {
		return nil, schedulerError(ErrInvalidConfiguration, "task name is required")
	}
	if task.Run == nil {
		return nil, schedulerError(ErrInvalidConfiguration, fmt.Sprintf("task %q has no body", task.Name))
	}

	if task.LockAtMostFor == 0 {
		task.LockAtMostFor = cfg.DefaultLockAtMostFor
	}
	switch task.LockAtLeastFor {
	case NoLockAtLeastFor:
		task.LockAtLeastFor = 0
	case 0:
		task.LockAtLeastFor = cfg.DefaultLockAtLeastFor
	}
	lockCfg, err := lock.NewConfiguration(task.Name, time.Time{}, task.LockAtMostFor, task.LockAtLeastFor)
	if err != nil {
		return nil, err
	}

	if task.Overlap == "" {
		task.Overlap = cfg.OverlapPolicy
	}
	policy, err := ParseOverlapPolicy(string(task.Overlap))
	if err != nil {
		return nil, fmt.Errorf("task %q: %w", task.Name, err)
	}
	task.Overlap = policy

	resolved := &registeredTask{task: task, lock: lockCfg}
	if task.Schedule != "" {
		schedule, err := ParseSchedule(task.Schedule)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", task.Name, err)
		}
		resolved.schedule = schedule
	}
	return resolved, nil
}

// Describe resolves tasks the way Register would, without a runtime, and fills Next from
// each schedule relative to now.
func Describe(tasks []Task, cfg Config, now time.Time) ([]TaskInfo, error) {
	cfg.normalize()
	location := time.UTC
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, errors.Join(schedulerError(ErrInvalidConfiguration, "invalid scheduler timezone"), err)
		}
		location = loc
	}

	infos := make([]TaskInfo, 0, len(tasks))
	for _, task := range tasks {
		resolved, err := resolveTask(task, cfg)
		if err != nil {
			return nil, err
		}
		info := TaskInfo{
			Name:           resolved.task.Name,
			Schedule:       resolved.task.Schedule,
			LockAtMostFor:  resolved.lock.LockAtMostFor,
			LockAtLeastFor: resolved.lock.LockAtLeastFor,
			Overlap:        resolved.task.Overlap,
		}
		if resolved.schedule != nil {
			info.Next = resolved.schedule.Next(now.In(location))
		}
		infos = append(infos, info)
	}
	return infos, nil
}
