package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/sitekeeper/sitekeeper/internal/audit"
	"github.com/sitekeeper/sitekeeper/internal/lockout"
	"github.com/sitekeeper/sitekeeper/internal/session"
	"github.com/sitekeeper/sitekeeper/internal/shared"
	"github.com/sitekeeper/sitekeeper/internal/users"
)

// Credentials is the sign-in payload.
type Credentials struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=1024"`
}

// RequestContext describes where a sign-in came from.
type RequestContext struct {
	IP         string
	UserAgent  string
	DeviceInfo string
}

// Identity is handed back to the caller on a successful sign-in.
type Identity struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	SiteIDs      []string  `json:"siteIds"`
	SessionToken string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Service orchestrates sign-in, refresh and sign-out.
type Service struct {
	users    users.Store
	lockout  *lockout.Policy
	sessions *session.Registry
	hasher   Hasher
	audit    *audit.Log
	logger   *slog.Logger
	validate *validator.Validate
}

// NewService constructs a new Service.
func NewService(store users.Store, policy *lockout.Policy, sessions *session.Registry, hasher Hasher, auditLog *audit.Log, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if hasher == nil {
		hasher = BcryptHasher{}
	}
	return &Service{
		users:    store,
		lockout:  policy,
		sessions: sessions,
		hasher:   hasher,
		audit:    auditLog,
		logger:   logger,
		validate: validator.New(),
	}
}

// Authorize checks credentials and opens a session. Every rejection returns
// shared.ErrInvalidCredentials; the specific reason is only audited.
func (s *Service) Authorize(ctx context.Context, creds Credentials, rc RequestContext) (*Identity, error) {
	creds.Email = shared.NormalizeEmail(creds.Email)
	if err := s.validate.Struct(creds); err != nil {
		return nil, shared.ErrInvalidCredentials
	}

	user, err := s.users.FindByEmail(ctx, creds.Email)
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			s.logger.ErrorContext(ctx, "user lookup", slog.Any("error", err))
			s.audit.LogLogin(ctx, "", creds.Email, false, rc.IP, rc.UserAgent, "User lookup failed")
			return nil, shared.ErrInvalidCredentials
		}
		s.lockout.RecordAttempt(ctx, lockout.Attempt{
			Email: creds.Email, IP: rc.IP, UserAgent: rc.UserAgent, Reason: "User not found",
		})
		return nil, shared.ErrInvalidCredentials
	}
	if !user.IsActive {
		s.audit.LogLogin(ctx, user.ID, creds.Email, false, rc.IP, rc.UserAgent, "Account inactive")
		return nil, shared.ErrInvalidCredentials
	}
	if !user.HasPassword() {
		s.audit.LogLogin(ctx, user.ID, creds.Email, false, rc.IP, rc.UserAgent, "No password set")
		return nil, shared.ErrInvalidCredentials
	}

	status, err := s.lockout.IsAccountLocked(ctx, user.ID)
	if err != nil {
		s.logger.ErrorContext(ctx, "lockout state", slog.String("user_id", user.ID), slog.Any("error", err))
		s.audit.LogLogin(ctx, user.ID, creds.Email, false, rc.IP, rc.UserAgent, "Lockout state unavailable")
		return nil, shared.ErrInvalidCredentials
	}
	if status.Locked {
		s.audit.LogLogin(ctx, user.ID, creds.Email, false, rc.IP, rc.UserAgent, "Account locked")
		return nil, shared.ErrInvalidCredentials
	}

	if !s.hasher.Verify(creds.Password, user.PasswordHash) {
		s.lockout.RecordAttempt(ctx, lockout.Attempt{
			UserID: user.ID, Email: creds.Email, IP: rc.IP, UserAgent: rc.UserAgent, Reason: "Invalid password",
		})
		return nil, shared.ErrInvalidCredentials
	}

	if suspicion := s.sessions.CheckSuspiciousActivity(ctx, user.ID, rc.IP, rc.UserAgent); suspicion.Suspicious {
		s.logger.WarnContext(ctx, "suspicious sign-in", slog.String("user_id", user.ID), slog.Any("reasons", suspicion.Reasons))
	}

	sess, err := s.sessions.CreateSession(ctx, session.NewSession{
		UserID:       user.ID,
		SessionToken: session.NewToken(),
		RefreshToken: session.NewToken(),
		DeviceInfo:   rc.DeviceInfo,
		IP:           rc.IP,
		UserAgent:    rc.UserAgent,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "create session", slog.String("user_id", user.ID), slog.Any("error", err))
		return nil, shared.ErrInvalidCredentials
	}

	s.lockout.RecordAttempt(ctx, lockout.Attempt{
		UserID: user.ID, Email: creds.Email, Success: true, IP: rc.IP, UserAgent: rc.UserAgent,
	})

	siteIDs := user.SiteIDs
	if siteIDs == nil {
		siteIDs = []string{}
	}
	return &Identity{
		ID:           user.ID,
		Email:        user.Email,
		Name:         user.Name,
		Role:         user.Role,
		SiteIDs:      siteIDs,
		SessionToken: sess.SessionToken,
		RefreshToken: sess.RefreshToken,
		ExpiresAt:    sess.ExpiresAt,
	}, nil
}

// Logout revokes the session identified by token.
func (s *Service) Logout(ctx context.Context, token, userID, ip, ua string) {
	if token == "" {
		return
	}
	s.sessions.InvalidateSession(ctx, token, userID, "user_logout", ip, ua)
}

// LogoutEverywhere revokes every session of userID.
func (s *Service) LogoutEverywhere(ctx context.Context, userID, ip, ua string) int {
	return s.sessions.InvalidateAllUserSessions(ctx, userID, "logout_all", ip, ua)
}

// Refresh exchanges a refresh token for a renewed session.
func (s *Service) Refresh(ctx context.Context, refreshToken, ip, ua string) (session.Session, error) {
	res := s.sessions.RefreshSession(ctx, refreshToken, ip, ua)
	if !res.Success {
		s.audit.LogSecurityEvent(ctx, "", "refresh_rejected", "Session refresh rejected", audit.SeverityLow,
			map[string]any{"reason": res.Reason}, ip, ua)
		return session.Session{}, shared.ErrInvalidCredentials
	}
	return *res.Session, nil
}

// Sessions lists the sessions of userID.
func (s *Service) Sessions(userID string) []session.Session {
	return s.sessions.UserSessions(userID)
}
