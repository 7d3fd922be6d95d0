package audit

import (
	"strings"
	"time"
)

// EventType classifies a security-relevant occurrence.
type EventType string

const (
	EventLoginSuccess       EventType = "LOGIN_SUCCESS"
	EventLoginFailure       EventType = "LOGIN_FAILURE"
	EventLogout             EventType = "LOGOUT"
	EventDataAccess         EventType = "DATA_ACCESS"
	EventDataModification   EventType = "DATA_MODIFICATION"
	EventAccountLocked      EventType = "ACCOUNT_LOCKED"
	EventPasswordChange     EventType = "PASSWORD_CHANGE"
	EventUnauthorizedAccess EventType = "UNAUTHORIZED_ACCESS"
)

// Severity ranks events for review.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities from LOW (1) to CRITICAL (4). Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Event is an immutable audit record.
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"eventType"`
	Action      string         `json:"action"`
	Description string         `json:"description"`
	UserID      string         `json:"userId,omitempty"`
	Severity    Severity       `json:"severity"`
	Details     map[string]any `json:"details,omitempty"`
	IPAddress   string         `json:"ipAddress,omitempty"`
	UserAgent   string         `json:"userAgent,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// IsSecurityEvent reports whether the event belongs in the security review feed.
func (e Event) IsSecurityEvent() bool {
	if e.Severity == SeverityHigh || e.Severity == SeverityCritical {
		return true
	}
	if e.Type == EventUnauthorizedAccess || e.Type == EventAccountLocked {
		return true
	}
	return strings.Contains(string(e.Type), "SECURITY")
}

func defaultSeverity(t EventType) Severity {
	switch t {
	case EventAccountLocked, EventUnauthorizedAccess:
		return SeverityHigh
	case EventLoginFailure, EventDataModification, EventPasswordChange:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func cloneDetails(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
