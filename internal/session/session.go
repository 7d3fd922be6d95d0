package session

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a session. It only moves forward.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// Session is one authenticated device or browser context.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	SessionToken string    `json:"-"`
	RefreshToken string    `json:"-"`
	DeviceInfo   string    `json:"deviceInfo,omitempty"`
	IPAddress    string    `json:"ipAddress,omitempty"`
	UserAgent    string    `json:"userAgent,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Status       Status    `json:"status"`
}

// NewSession carries the inputs of CreateSession.
type NewSession struct {
	UserID       string
	SessionToken string
	RefreshToken string
	DeviceInfo   string
	IP           string
	UserAgent    string
}

// Validation is the result of ValidateSession.
type Validation struct {
	Valid   bool
	Session *Session
	Reason  string
}

// Refresh is the result of RefreshSession.
type Refresh struct {
	Success         bool
	Session         *Session
	NewSessionToken string
	NewRefreshToken string
	Reason          string
}

// Suspicion is the result of CheckSuspiciousActivity.
type Suspicion struct {
	Suspicious bool     `json:"suspicious"`
	Reasons    []string `json:"reasons"`
}

// Stats summarises the registry.
type Stats struct {
	TotalSessions   int `json:"totalSessions"`
	ActiveSessions  int `json:"activeSessions"`
	ExpiredSessions int `json:"expiredSessions"`
	RevokedSessions int `json:"revokedSessions"`
	// AverageSessionDuration is the mean age of active sessions in minutes.
	AverageSessionDuration float64 `json:"averageSessionDuration"`
}

// NewToken mints an opaque bearer token.
func NewToken() string {
	if id, err := uuid.NewRandom(); err == nil {
		return id.String()
	}
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
