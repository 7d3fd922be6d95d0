package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sitekeeper/sitekeeper/internal/audit"
)

// RapidCreationWindow is the trailing window inspected for bursts of new
// sessions.
const RapidCreationWindow = 5 * time.Minute

var (
	// ErrInvalidSession is returned when CreateSession lacks a user or token.
	ErrInvalidSession = errors.New("session: user id and token required")
	// ErrDuplicateToken is returned when a token is already registered.
	ErrDuplicateToken = errors.New("session: token already registered")
)

// Registry owns every live session of the process.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	sessions map[string]*Session // by session token
	refresh  map[string]string   // refresh token -> session token
	audit    *audit.Log
	logger   *slog.Logger
	now      func() time.Time
}

// Option customises a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry constructs an empty Registry. An invalid cfg falls back to
// DefaultConfig.
func NewRegistry(cfg Config, auditLog *audit.Log, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		logger.Warn("session config rejected, using defaults", slog.Any("error", err))
		cfg = DefaultConfig()
	}
	r := &Registry{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		refresh:  make(map[string]string),
		audit:    auditLog,
		logger:   logger,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the active configuration.
func (r *Registry) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// UpdateConfig validates and installs cfg. Existing sessions keep their
// expiry; the new timeout applies to sessions created or refreshed later.
func (r *Registry) UpdateConfig(ctx context.Context, cfg Config, changedBy string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	previous := r.cfg
	r.cfg = cfg
	r.mu.Unlock()

	r.audit.Record(ctx, audit.Event{
		Type:        audit.EventDataModification,
		Action:      "update_session_config",
		Description: "Session policy updated",
		UserID:      changedBy,
		Severity:    audit.SeverityHigh,
		Details: map[string]any{
			"previous": previous,
			"current":  cfg,
		},
	})
	return nil
}

// CreateSession registers a new active session. When the user already holds
// the maximum number of active sessions the least recently active one is
// revoked first.
func (r *Registry) CreateSession(ctx context.Context, in NewSession) (Session, error) {
	if in.UserID == "" || in.SessionToken == "" {
		return Session{}, ErrInvalidSession
	}

	r.mu.Lock()
	if _, exists := r.sessions[in.SessionToken]; exists {
		r.mu.Unlock()
		return Session{}, ErrDuplicateToken
	}
	if in.RefreshToken != "" {
		if _, exists := r.refresh[in.RefreshToken]; exists {
			r.mu.Unlock()
			return Session{}, ErrDuplicateToken
		}
	}
	now := r.now()
	evicted := r.enforceLimitLocked(in.UserID)
	s := &Session{
		ID:           uuid.NewString(),
		UserID:       in.UserID,
		SessionToken: in.SessionToken,
		RefreshToken: in.RefreshToken,
		DeviceInfo:   in.DeviceInfo,
		IPAddress:    in.IP,
		UserAgent:    in.UserAgent,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(r.cfg.SessionTimeout),
		Status:       StatusActive,
	}
	r.sessions[s.SessionToken] = s
	if s.RefreshToken != "" {
		r.refresh[s.RefreshToken] = s.SessionToken
	}
	created := *s
	r.mu.Unlock()

	for _, old := range evicted {
		r.audit.LogLogout(ctx, old.UserID, "session_limit_exceeded", in.IP, in.UserAgent,
			map[string]any{"sessionId": old.ID})
	}
	r.audit.LogDataModification(ctx, in.UserID, "create", "session", created.ID, map[string]any{
		"deviceInfo": in.DeviceInfo,
		"expiresAt":  created.ExpiresAt.Format(time.RFC3339),
	}, in.IP, in.UserAgent)
	return created, nil
}

// enforceLimitLocked revokes least recently active sessions until the user
// has room for one more. Callers hold r.mu.
func (r *Registry) enforceLimitLocked(userID string) []Session {
	var active []*Session
	for _, s := range r.sessions {
		if s.UserID == userID && s.Status == StatusActive {
			active = append(active, s)
		}
	}
	if len(active) < r.cfg.MaxConcurrentSessions {
		return nil
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].LastActivity.Equal(active[j].LastActivity) {
			return active[i].CreatedAt.Before(active[j].CreatedAt)
		}
		return active[i].LastActivity.Before(active[j].LastActivity)
	})
	excess := len(active) - r.cfg.MaxConcurrentSessions + 1
	evicted := make([]Session, 0, excess)
	for _, s := range active[:excess] {
		s.Status = StatusRevoked
		evicted = append(evicted, *s)
	}
	return evicted
}

// ValidateSession checks token and, when valid, records activity. Expiry is
// materialised here rather than by a timer.
func (r *Registry) ValidateSession(ctx context.Context, token, ip, ua string) Validation {
	r.mu.Lock()
	s, ok := r.sessions[token]
	if !ok || token == "" {
		r.mu.Unlock()
		return Validation{Reason: "Session not found"}
	}
	now := r.now()
	if !now.Before(s.ExpiresAt) {
		if s.Status == StatusActive {
			s.Status = StatusExpired
		}
		r.mu.Unlock()
		return Validation{Reason: "Session expired"}
	}
	if s.Status != StatusActive {
		status := s.Status
		r.mu.Unlock()
		return Validation{Reason: fmt.Sprintf("Session %s", status)}
	}
	s.LastActivity = now
	mismatch := r.cfg.SessionFingerprinting && ua != "" && s.UserAgent != "" && ua != s.UserAgent
	snapshot := *s
	r.mu.Unlock()

	if mismatch {
		r.audit.LogSecurityEvent(ctx, snapshot.UserID, "session_fingerprint_mismatch",
			"Session presented from a different user agent", audit.SeverityMedium,
			map[string]any{"sessionId": snapshot.ID, "expectedUserAgent": snapshot.UserAgent}, ip, ua)
	}
	return Validation{Valid: true, Session: &snapshot}
}

// RefreshSession extends the session owning refreshToken. With rotation
// enabled the session is re-keyed under a fresh token pair in the same
// critical section, so the old tokens stop working immediately.
func (r *Registry) RefreshSession(ctx context.Context, refreshToken, ip, ua string) Refresh {
	if refreshToken == "" {
		return Refresh{Reason: "Invalid refresh token"}
	}
	r.mu.Lock()
	token, ok := r.refresh[refreshToken]
	s := r.sessions[token]
	if !ok || s == nil {
		r.mu.Unlock()
		return Refresh{Reason: "Invalid refresh token"}
	}
	now := r.now()
	if !now.Before(s.ExpiresAt) {
		if s.Status == StatusActive {
			s.Status = StatusExpired
		}
		r.mu.Unlock()
		return Refresh{Reason: "Session expired"}
	}
	if s.Status != StatusActive {
		status := s.Status
		r.mu.Unlock()
		return Refresh{Reason: fmt.Sprintf("Session %s", status)}
	}

	rotated := r.cfg.RefreshTokenRotation
	if rotated {
		delete(r.sessions, s.SessionToken)
		delete(r.refresh, s.RefreshToken)
		s.SessionToken = NewToken()
		s.RefreshToken = NewToken()
		r.sessions[s.SessionToken] = s
		r.refresh[s.RefreshToken] = s.SessionToken
	}
	s.LastActivity = now
	s.ExpiresAt = now.Add(r.cfg.SessionTimeout)
	snapshot := *s
	r.mu.Unlock()

	r.audit.LogDataModification(ctx, snapshot.UserID, "refresh", "session", snapshot.ID,
		map[string]any{"rotated": rotated}, ip, ua)
	return Refresh{
		Success:         true,
		Session:         &snapshot,
		NewSessionToken: snapshot.SessionToken,
		NewRefreshToken: snapshot.RefreshToken,
	}
}

// InvalidateSession revokes token. Unknown tokens, and tokens owned by a
// different user when userID is given, are left untouched. It always reports
// success and always audits.
func (r *Registry) InvalidateSession(ctx context.Context, token, userID, reason, ip, ua string) bool {
	if reason == "" {
		reason = "user_logout"
	}
	details := map[string]any{}
	r.mu.Lock()
	if s, ok := r.sessions[token]; ok && (userID == "" || s.UserID == userID) {
		if s.Status == StatusActive {
			s.Status = StatusRevoked
		}
		if userID == "" {
			userID = s.UserID
		}
		details["sessionId"] = s.ID
	}
	r.mu.Unlock()

	r.audit.LogLogout(ctx, userID, reason, ip, ua, details)
	return true
}

// InvalidateAllUserSessions revokes every active session of userID and
// returns how many were revoked.
func (r *Registry) InvalidateAllUserSessions(ctx context.Context, userID, reason, ip, ua string) int {
	if reason == "" {
		reason = "logout_all"
	}
	count := 0
	r.mu.Lock()
	for _, s := range r.sessions {
		if s.UserID == userID && s.Status == StatusActive {
			s.Status = StatusRevoked
			count++
		}
	}
	r.mu.Unlock()

	r.audit.LogLogout(ctx, userID, reason, ip, ua, map[string]any{"invalidatedCount": count})
	return count
}

// UserSessions returns the sessions of userID, most recently active first.
func (r *Registry) UserSessions(userID string) []Session {
	r.mu.Lock()
	out := make([]Session, 0)
	for _, s := range r.sessions {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// CleanupExpiredSessions removes sessions that are past their expiry or no
// longer active. It is the only operation that frees registry memory.
func (r *Registry) CleanupExpiredSessions(ctx context.Context) int {
	r.mu.Lock()
	now := r.now()
	removed := 0
	for token, s := range r.sessions {
		if !now.Before(s.ExpiresAt) || s.Status != StatusActive {
			delete(r.sessions, token)
			if s.RefreshToken != "" {
				delete(r.refresh, s.RefreshToken)
			}
			removed++
		}
	}
	remaining := len(r.sessions)
	r.mu.Unlock()

	if removed > 0 {
		r.logger.InfoContext(ctx, "session cleanup", slog.Int("removed", removed), slog.Int("remaining", remaining))
	}
	return removed
}

// Stats summarises the registry at the current time.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var st Stats
	var total time.Duration
	st.TotalSessions = len(r.sessions)
	for _, s := range r.sessions {
		switch {
		case s.Status == StatusRevoked:
			st.RevokedSessions++
		case s.Status == StatusExpired || !now.Before(s.ExpiresAt):
			st.ExpiredSessions++
		default:
			st.ActiveSessions++
			total += now.Sub(s.CreatedAt)
		}
	}
	if st.ActiveSessions > 0 {
		st.AverageSessionDuration = total.Minutes() / float64(st.ActiveSessions)
	}
	return st
}
