package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/sitekeeper/sitekeeper/internal/jobs"
	"github.com/sitekeeper/sitekeeper/internal/session"
)

// SessionSweeper is the subset of the session registry used by the cleanup job.
type SessionSweeper interface {
	CleanupExpiredSessions(ctx context.Context) int
	Stats() session.Stats
}

// AttemptPruner drops attempt windows that no longer hold recent entries.
type AttemptPruner interface {
	Prune() int
}

// GaugeSetter receives the active session count after each sweep.
type GaugeSetter interface {
	SetActiveSessions(n int)
}

// SessionCleanupJob removes expired and revoked sessions.
type SessionCleanupJob struct {
	Sessions SessionSweeper
	Gauge    GaugeSetter
	Metrics  *jobmetrics.Metrics
	Logger   *slog.Logger
}

// Handle executes the sweep.
func (j *SessionCleanupJob) Handle(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Sessions == nil {
		return errors.New("session cleanup: handler not configured")
	}
	tracker := j.Metrics.Track(TaskSessionCleanup)
	defer func() { err = tracker.End(err) }()

	removed := j.Sessions.CleanupExpiredSessions(ctx)
	stats := j.Sessions.Stats()
	j.Metrics.AddReaped("session", removed)
	if j.Gauge != nil {
		j.Gauge.SetActiveSessions(stats.ActiveSessions)
	}
	logger(j.Logger).Info("session cleanup finished",
		slog.Int("removed", removed),
		slog.Int("active", stats.ActiveSessions))
	return nil
}

// LockoutPruneJob drops idle lockout windows from the in-memory store.
type LockoutPruneJob struct {
	Policy  AttemptPruner
	Metrics *jobmetrics.Metrics
	Logger  *slog.Logger
}

// Handle executes the prune.
func (j *LockoutPruneJob) Handle(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Policy == nil {
		return errors.New("lockout prune: handler not configured")
	}
	tracker := j.Metrics.Track(TaskLockoutPrune)
	defer func() { err = tracker.End(err) }()

	removed := j.Policy.Prune()
	j.Metrics.AddReaped("lockout_window", removed)
	if removed > 0 {
		logger(j.Logger).Info("lockout windows pruned", slog.Int("removed", removed))
	}
	return nil
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
