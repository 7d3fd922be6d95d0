package jobs

import (
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSessionCleanup sweeps expired and revoked sessions.
	TaskSessionCleanup = "session:cleanup"
	// TaskLockoutPrune drops idle in-memory attempt windows.
	TaskLockoutPrune = "lockout:prune"
)

// InstanceQueue names the queue only the given instance consumes. Sweeps of
// process-local state are routed there so every instance cleans its own.
func InstanceQueue(instanceID string) string {
	return "local:" + instanceID
}

// NewSessionCleanupTask constructs a session sweep task.
func NewSessionCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskSessionCleanup, nil, asynq.MaxRetry(0))
}

// NewLockoutPruneTask constructs an attempt window prune task.
func NewLockoutPruneTask() *asynq.Task {
	return asynq.NewTask(TaskLockoutPrune, nil, asynq.MaxRetry(0))
}

// TaskFor maps a task name to its constructor. It returns nil for unknown
// names.
func TaskFor(name string) *asynq.Task {
	switch name {
	case TaskSessionCleanup:
		return NewSessionCleanupTask()
	case TaskLockoutPrune:
		return NewLockoutPruneTask()
	}
	return nil
}
