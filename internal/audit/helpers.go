package audit

import (
	"context"
	"fmt"
	"time"
)

// AnonymousUser is the user id recorded for requests without a session.
const AnonymousUser = "anonymous"

// LogLogin records a sign-in attempt outcome.
func (l *Log) LogLogin(ctx context.Context, userID, email string, success bool, ip, ua, reason string) {
	event := Event{
		Type:      EventLoginSuccess,
		Action:    "login_success",
		UserID:    userID,
		IPAddress: ip,
		UserAgent: ua,
		Details:   map[string]any{"email": email},
	}
	if success {
		event.Description = fmt.Sprintf("User %s signed in", email)
	} else {
		event.Type = EventLoginFailure
		event.Action = "login_failure"
		event.Description = fmt.Sprintf("Failed sign-in for %s", email)
		if reason != "" {
			event.Details["reason"] = reason
		}
	}
	l.Record(ctx, event)
}

// LogLogout records the end of a session.
func (l *Log) LogLogout(ctx context.Context, userID, reason, ip, ua string, details map[string]any) {
	d := cloneDetails(details)
	if d == nil {
		d = map[string]any{}
	}
	if reason != "" {
		d["reason"] = reason
	}
	l.Record(ctx, Event{
		Type:        EventLogout,
		Action:      "logout",
		Description: "Session ended",
		UserID:      userID,
		Details:     d,
		IPAddress:   ip,
		UserAgent:   ua,
	})
}

// LogDataAccess records a read of a protected resource.
func (l *Log) LogDataAccess(ctx context.Context, userID, resource, resourceID string, details map[string]any, ip, ua string) {
	d := cloneDetails(details)
	if d == nil {
		d = map[string]any{}
	}
	d["resource"] = resource
	if resourceID != "" {
		d["resourceId"] = resourceID
	}
	l.Record(ctx, Event{
		Type:        EventDataAccess,
		Action:      "read_" + resource,
		Description: fmt.Sprintf("Accessed %s", resource),
		UserID:      userID,
		Details:     d,
		IPAddress:   ip,
		UserAgent:   ua,
	})
}

// LogDataModification records a mutation of a protected resource. Action is
// the verb, e.g. "create", "update" or "delete".
func (l *Log) LogDataModification(ctx context.Context, userID, action, resource, resourceID string, details map[string]any, ip, ua string) {
	d := cloneDetails(details)
	if d == nil {
		d = map[string]any{}
	}
	d["resource"] = resource
	if resourceID != "" {
		d["resourceId"] = resourceID
	}
	l.Record(ctx, Event{
		Type:        EventDataModification,
		Action:      action + "_" + resource,
		Description: fmt.Sprintf("%s %s", action, resource),
		UserID:      userID,
		Details:     d,
		IPAddress:   ip,
		UserAgent:   ua,
	})
}

// LogSecurityEvent records an UNAUTHORIZED_ACCESS-class event. A zero severity
// defaults to HIGH.
func (l *Log) LogSecurityEvent(ctx context.Context, userID, action, description string, severity Severity, details map[string]any, ip, ua string) {
	if severity == "" {
		severity = SeverityHigh
	}
	if userID == "" {
		userID = AnonymousUser
	}
	l.Record(ctx, Event{
		Type:        EventUnauthorizedAccess,
		Action:      action,
		Description: description,
		UserID:      userID,
		Severity:    severity,
		Details:     details,
		IPAddress:   ip,
		UserAgent:   ua,
	})
}

// LogAccountLocked records an automatic account lockout.
func (l *Log) LogAccountLocked(ctx context.Context, userID, email string, attempts int, until time.Time, ip, ua string) {
	l.Record(ctx, Event{
		Type:        EventAccountLocked,
		Action:      "lock_account",
		Description: fmt.Sprintf("Account %s locked after %d failed attempts", email, attempts),
		UserID:      userID,
		Severity:    SeverityHigh,
		Details: map[string]any{
			"email":        email,
			"attempts":     attempts,
			"lockoutUntil": until.UTC().Format(time.RFC3339),
		},
		IPAddress: ip,
		UserAgent: ua,
	})
}

// LogPasswordChange records credential and account-state changes such as an
// administrative unlock.
func (l *Log) LogPasswordChange(ctx context.Context, userID, action, description string, details map[string]any, ip, ua string) {
	l.Record(ctx, Event{
		Type:        EventPasswordChange,
		Action:      action,
		Description: description,
		UserID:      userID,
		Details:     details,
		IPAddress:   ip,
		UserAgent:   ua,
	})
}
