package lockout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sitekeeper/sitekeeper/internal/audit"
)

// ErrNoUser is returned when an operation needs a user id and none was given.
var ErrNoUser = errors.New("lockout: user id required")

// Attempt describes one sign-in attempt.
type Attempt struct {
	UserID    string
	Email     string
	Success   bool
	IP        string
	UserAgent string
	Reason    string
}

// Decision is the outcome of recording an attempt.
type Decision struct {
	Success      bool       `json:"success"`
	ShouldLock   bool       `json:"shouldLock"`
	LockoutUntil *time.Time `json:"lockoutUntil,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

// Status reports the lock state of an account.
type Status struct {
	Locked       bool       `json:"locked"`
	LockoutUntil *time.Time `json:"lockoutUntil,omitempty"`
}

// Pruner is implemented by stores that hold state in process memory.
type Pruner interface {
	Prune(now time.Time) int
}

// Policy throttles sign-in attempts per account.
type Policy struct {
	mu     sync.RWMutex
	cfg    Config
	store  AttemptStore
	audit  *audit.Log
	logger *slog.Logger
	now    func() time.Time
}

// Option customises a Policy.
type Option func(*Policy)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPolicy constructs a Policy. An invalid cfg falls back to DefaultConfig.
func NewPolicy(cfg Config, store AttemptStore, auditLog *audit.Log, logger *slog.Logger, opts ...Option) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if err := cfg.Validate(); err != nil {
		logger.Warn("lockout config rejected, using defaults", slog.Any("error", err))
		cfg = DefaultConfig()
	}
	p := &Policy{
		cfg:    cfg,
		store:  store,
		audit:  auditLog,
		logger: logger,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the active configuration.
func (p *Policy) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// UpdateConfig validates and installs cfg, auditing the change.
func (p *Policy) UpdateConfig(ctx context.Context, cfg Config, changedBy string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	previous := p.cfg
	p.cfg = cfg
	p.mu.Unlock()

	p.audit.Record(ctx, audit.Event{
		Type:        audit.EventDataModification,
		Action:      "update_lockout_config",
		Description: "Lockout policy updated",
		UserID:      changedBy,
		Severity:    audit.SeverityHigh,
		Details: map[string]any{
			"previous": previous,
			"current":  cfg,
		},
	})
	return nil
}

// RecordAttempt audits the attempt and updates the failure window. Unknown
// accounts are never locked.
func (p *Policy) RecordAttempt(ctx context.Context, a Attempt) Decision {
	p.audit.LogLogin(ctx, a.UserID, a.Email, a.Success, a.IP, a.UserAgent, a.Reason)

	if a.Success {
		if a.UserID != "" {
			if err := p.store.ClearFailures(ctx, a.UserID); err != nil {
				p.logger.Warn("clear failed attempts", slog.String("user_id", a.UserID), slog.Any("error", err))
			}
			if err := p.store.ClearViolations(ctx, a.UserID); err != nil {
				p.logger.Warn("clear lockout violations", slog.String("user_id", a.UserID), slog.Any("error", err))
			}
		}
		return Decision{Success: true}
	}
	if a.UserID == "" {
		return Decision{Reason: "User not found"}
	}

	cfg := p.Config()
	now := p.now()
	failures, err := p.store.RecordFailure(ctx, a.UserID, now, AttemptWindow)
	if err != nil {
		p.logger.Error("record failed attempt", slog.String("user_id", a.UserID), slog.Any("error", err))
		return Decision{Reason: "Attempt not recorded"}
	}
	if failures < cfg.MaxFailedAttempts {
		return Decision{Reason: fmt.Sprintf("Failed attempt %d of %d", failures, cfg.MaxFailedAttempts)}
	}

	violations, err := p.store.RecordViolation(ctx, a.UserID, now, ViolationWindow)
	if err != nil {
		p.logger.Warn("record lockout violation", slog.String("user_id", a.UserID), slog.Any("error", err))
		violations = 1
	}
	until := now.Add(cfg.lockDuration(violations))
	if err := p.store.SetLock(ctx, a.UserID, now, until); err != nil {
		p.logger.Error("set lock", slog.String("user_id", a.UserID), slog.Any("error", err))
	}
	if err := p.store.ClearFailures(ctx, a.UserID); err != nil {
		p.logger.Warn("clear failed attempts", slog.String("user_id", a.UserID), slog.Any("error", err))
	}
	p.audit.LogAccountLocked(ctx, a.UserID, a.Email, failures, until, a.IP, a.UserAgent)
	p.logger.Info("account locked",
		slog.String("user_id", a.UserID),
		slog.Int("attempts", failures),
		slog.Int("violations", violations),
		slog.Time("until", until),
	)
	return Decision{
		ShouldLock:   true,
		LockoutUntil: &until,
		Reason:       fmt.Sprintf("Account locked after %d failed attempts", failures),
	}
}

// IsAccountLocked reports whether userID is currently locked.
func (p *Policy) IsAccountLocked(ctx context.Context, userID string) (Status, error) {
	if userID == "" {
		return Status{}, ErrNoUser
	}
	until, locked, err := p.store.LockedUntil(ctx, userID, p.now())
	if err != nil {
		return Status{}, err
	}
	if !locked {
		return Status{}, nil
	}
	return Status{Locked: true, LockoutUntil: &until}, nil
}

// UnlockAccount clears every piece of lockout state for userID.
func (p *Policy) UnlockAccount(ctx context.Context, userID, unlockedBy, ip, ua string) error {
	if userID == "" {
		return ErrNoUser
	}
	if err := p.store.ClearLock(ctx, userID); err != nil {
		return err
	}
	if err := p.store.ClearFailures(ctx, userID); err != nil {
		return err
	}
	if err := p.store.ClearViolations(ctx, userID); err != nil {
		return err
	}
	p.audit.LogPasswordChange(ctx, userID, "unlock_account", "Account unlocked",
		map[string]any{"unlockedBy": unlockedBy}, ip, ua)
	p.logger.Info("account unlocked", slog.String("user_id", userID), slog.String("unlocked_by", unlockedBy))
	return nil
}

// Prune drops stale in-memory state. Stores kept outside the process expire
// their own keys and report zero.
func (p *Policy) Prune() int {
	pruner, ok := p.store.(Pruner)
	if !ok {
		return 0
	}
	return pruner.Prune(p.now())
}
