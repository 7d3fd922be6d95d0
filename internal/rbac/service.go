package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sitekeeper/sitekeeper/internal/audit"
	"github.com/sitekeeper/sitekeeper/internal/platform/httpx"
	"github.com/sitekeeper/sitekeeper/internal/shared"
	"github.com/sitekeeper/sitekeeper/internal/users"
)

// UserStore loads the role and site assignments of a user.
type UserStore interface {
	FindByID(ctx context.Context, id string) (*users.User, error)
}

// SiteLookup resolves the site owning a resource. An empty id with a nil
// error means the resource has no site.
type SiteLookup interface {
	SiteIDOf(ctx context.Context, resourceType, resourceID string) (string, error)
}

// Access is the outcome of CanAccessResource.
type Access struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// GuardFunc authorizes one action on behalf of a CRUD handler. It returns an
// error wrapping httpx.ErrForbidden on denial.
type GuardFunc func(ctx context.Context, userID, resourceID, siteID string) error

// Service resolves permissions against the fixed role hierarchy.
type Service struct {
	users  UserStore
	sites  SiteLookup
	audit  *audit.Log
	logger *slog.Logger
}

// NewService constructs a Service. sites may be nil when no resource lookup
// is available.
func NewService(users UserStore, sites SiteLookup, auditLog *audit.Log, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{users: users, sites: sites, audit: auditLog, logger: logger}
}

// HasPermission reports whether userID holds permissionID, optionally scoped
// to siteID. Lookup failures deny. Every check is audited.
func (s *Service) HasPermission(ctx context.Context, userID, permissionID, resourceID, siteID string) bool {
	allowed, reason := s.evaluate(ctx, userID, permissionID, siteID)
	s.LogPermissionCheck(ctx, userID, permissionID, resourceID, siteID, allowed, reason)
	return allowed
}

func (s *Service) evaluate(ctx context.Context, userID, permissionID, siteID string) (bool, string) {
	if _, ok := Lookup(permissionID); !ok {
		return false, fmt.Sprintf("Unknown permission %s", permissionID)
	}
	if userID == "" || s.users == nil {
		return false, "User not found"
	}
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			s.logger.Error("rbac load user", slog.String("user_id", userID), slog.Any("error", err))
		}
		return false, "User not found"
	}
	if user == nil || !user.IsActive {
		return false, "User not found"
	}

	role := Role(user.Role)
	switch role {
	case RoleSuperAdmin:
		return true, ""
	case RoleAdmin:
		if roleGrants(role, permissionID) {
			return true, ""
		}
		return false, fmt.Sprintf("Role %s cannot %s", role, permissionID)
	case RoleSiteManager:
		if siteID != "" && !user.HasSite(siteID) {
			return false, fmt.Sprintf("No access to site %s", siteID)
		}
		if roleGrants(role, permissionID) {
			return true, ""
		}
		return false, fmt.Sprintf("Role %s cannot %s", role, permissionID)
	}
	return false, fmt.Sprintf("Role %q has no permissions", user.Role)
}

// CanAccessResource checks resource:action for userID. When siteID is empty
// and resourceID is set, the site is resolved through the SiteLookup. Every
// check is audited.
func (s *Service) CanAccessResource(ctx context.Context, userID, resource, action, resourceID, siteID string) Access {
	permissionID := PermissionID(resource, action)
	if siteID == "" && resourceID != "" && s.sites != nil {
		resolved, err := s.sites.SiteIDOf(ctx, resource, resourceID)
		if err != nil {
			s.logger.Error("rbac resolve site",
				slog.String("resource", resource),
				slog.String("resource_id", resourceID),
				slog.Any("error", err))
			reason := "Unable to resolve resource site"
			s.LogPermissionCheck(ctx, userID, permissionID, resourceID, siteID, false, reason)
			return Access{Allowed: false, Reason: reason}
		}
		siteID = resolved
	}

	allowed, reason := s.evaluate(ctx, userID, permissionID, siteID)
	if !allowed && reason == "" {
		reason = fmt.Sprintf("Insufficient permissions to %s %s", action, resource)
	}
	s.LogPermissionCheck(ctx, userID, permissionID, resourceID, siteID, allowed, reason)
	if allowed {
		return Access{Allowed: true}
	}
	return Access{Allowed: false, Reason: reason}
}

// LogPermissionCheck writes a DATA_ACCESS record for every check and an
// additional UNAUTHORIZED_ACCESS record when access was refused.
func (s *Service) LogPermissionCheck(ctx context.Context, userID, permissionID, resourceID, siteID string, granted bool, reason string) {
	if s.audit == nil {
		return
	}
	meta := shared.RequestMetaFromContext(ctx)
	details := map[string]any{
		"permission": permissionID,
		"granted":    granted,
	}
	if resourceID != "" {
		details["resourceId"] = resourceID
	}
	if siteID != "" {
		details["siteId"] = siteID
	}
	s.audit.Record(ctx, audit.Event{
		Type:        audit.EventDataAccess,
		Action:      "check_permission",
		Description: fmt.Sprintf("Permission check %s", permissionID),
		UserID:      userID,
		Details:     details,
		IPAddress:   meta.IP,
		UserAgent:   meta.UserAgent,
	})
	if granted {
		return
	}
	denied := map[string]any{"permission": permissionID, "reason": reason}
	if resourceID != "" {
		denied["resourceId"] = resourceID
	}
	if siteID != "" {
		denied["siteId"] = siteID
	}
	s.audit.LogSecurityEvent(ctx, userID, "permission_denied",
		fmt.Sprintf("Access denied for %s", permissionID),
		audit.SeverityMedium, denied, meta.IP, meta.UserAgent)
}

// Guard returns a reusable authorization check for resource:action.
func (s *Service) Guard(resource, action string) GuardFunc {
	return func(ctx context.Context, userID, resourceID, siteID string) error {
		access := s.CanAccessResource(ctx, userID, resource, action, resourceID, siteID)
		if access.Allowed {
			return nil
		}
		return fmt.Errorf("%w: %s", httpx.ErrForbidden, access.Reason)
	}
}

// EffectivePermissions returns the permission ids userID holds and, for site
// managers, the sites those permissions are scoped to.
func (s *Service) EffectivePermissions(ctx context.Context, userID string) ([]string, []string, error) {
	if s.users == nil {
		return nil, nil, errors.New("rbac: user store not configured")
	}
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if !user.IsActive {
		return nil, nil, nil
	}
	role := Role(user.Role)
	var sites []string
	if role == RoleSiteManager {
		sites = append(sites, user.SiteIDs...)
	}
	return PermissionsForRole(role), sites, nil
}
