package cli

import (
	"fmt"
	"strings"

	"github.com/nimburion/schedlock/pkg/config"
	"github.com/nimburion/schedlock/pkg/observability/logger"
	"github.com/nimburion/schedlock/pkg/scheduler"
)

// resolveTasks merges code-defined tasks with scheduler.tasks entries. A config entry overrides
// the schedule, durations and overlap policy of the code task with the same name; an entry
// without a matching task has no body and is rejected. The sample task is added, and can be
// overridden, when enabled and not already defined.
func resolveTasks(cfg config.SchedulerConfig, defined []scheduler.Task, log logger.Logger) ([]scheduler.Task, error) {
	tasks := make([]scheduler.Task, 0, len(defined)+1)
	index := make(map[string]int, len(defined))
	for _, task := range defined {
		name := strings.TrimSpace(task.Name)
		if _, dup := index[name]; dup {
			return nil, fmt.Errorf("task %q is defined twice", name)
		}
		task.Name = name
		index[name] = len(tasks)
		tasks = append(tasks, task)
	}

	if _, exists := index[SampleTaskName]; cfg.SampleTask && !exists {
		index[SampleTaskName] = len(tasks)
		tasks = append(tasks, SampleTask(log))
	}

	for _, entry := range cfg.Tasks {
		name := strings.TrimSpace(entry.Name)
		pos, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("scheduler.tasks entry %q has no task body registered under that name", name)
		}
		task := &tasks[pos]
		if cron := strings.TrimSpace(entry.Cron); cron != "" {
			task.Schedule = cron
		}
		if entry.LockAtMostFor != 0 {
			task.LockAtMostFor = entry.LockAtMostFor
		}
		if entry.LockAtLeastFor != nil {
			task.LockAtLeastFor = *entry.LockAtLeastFor
			if task.LockAtLeastFor == 0 {
				task.LockAtLeastFor = scheduler.NoLockAtLeastFor
			}
		}
		if entry.OverlapPolicy != "" {
			task.Overlap = scheduler.OverlapPolicy(entry.OverlapPolicy)
		}
	}

	return tasks, nil
}
