package users

import (
	"context"
	"time"
)

// User represents an account as seen by the security control plane.
type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	Role         string
	SiteIDs      []string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasPassword reports whether a password hash is stored.
func (u *User) HasPassword() bool {
	return u != nil && u.PasswordHash != ""
}

// HasSite reports whether the user is assigned to siteID.
func (u *User) HasSite(siteID string) bool {
	if u == nil {
		return false
	}
	for _, id := range u.SiteIDs {
		if id == siteID {
			return true
		}
	}
	return false
}

// Store is the lookup contract consumed by authentication and RBAC.
type Store interface {
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByID(ctx context.Context, id string) (*User, error)
}
