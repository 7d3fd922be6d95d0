package lockout

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	// AttemptWindow bounds the failures counted toward a lockout.
	AttemptWindow = 15 * time.Minute
	// ViolationWindow bounds the lockouts counted for progressive growth.
	ViolationWindow = 24 * time.Hour
)

// Config is the runtime-mutable lockout policy.
type Config struct {
	MaxFailedAttempts  int           `json:"maxFailedAttempts" validate:"gte=1,lte=100"`
	LockoutDuration    time.Duration `json:"lockoutDuration" validate:"gte=1s"`
	ProgressiveLockout bool          `json:"progressiveLockout"`
	MaxLockoutDuration time.Duration `json:"maxLockoutDuration" validate:"gtefield=LockoutDuration"`
}

// DefaultConfig returns five attempts and a fifteen minute lockout, capped at
// one day when progressive lockout is enabled.
func DefaultConfig() Config {
	return Config{
		MaxFailedAttempts:  5,
		LockoutDuration:    15 * time.Minute,
		ProgressiveLockout: false,
		MaxLockoutDuration: 24 * time.Hour,
	}
}

var configValidator = validator.New()

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("lockout: invalid config: %w", err)
	}
	return nil
}

// lockDuration returns how long the n-th violation inside ViolationWindow
// locks the account. n starts at 1.
func (c Config) lockDuration(violations int) time.Duration {
	base := c.LockoutDuration
	if !c.ProgressiveLockout || violations <= 1 {
		return base
	}
	d := base
	for i := 1; i < violations; i++ {
		d *= 2
		if d >= c.MaxLockoutDuration || d <= 0 {
			return c.MaxLockoutDuration
		}
	}
	return d
}
