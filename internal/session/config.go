package session

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the runtime-mutable session policy.
type Config struct {
	SessionTimeout        time.Duration `json:"sessionTimeout" validate:"gte=1m,lte=720h"`
	MaxConcurrentSessions int           `json:"maxConcurrentSessions" validate:"gte=1,lte=100"`
	RefreshTokenRotation  bool          `json:"refreshTokenRotation"`
	RequireHTTPS          bool          `json:"requireHttps"`
	SessionFingerprinting bool          `json:"sessionFingerprinting"`
}

// DefaultConfig returns a thirty minute timeout with three sessions per user.
func DefaultConfig() Config {
	return Config{
		SessionTimeout:        30 * time.Minute,
		MaxConcurrentSessions: 3,
		RefreshTokenRotation:  true,
		RequireHTTPS:          true,
		SessionFingerprinting: true,
	}
}

var configValidator = validator.New()

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("session: invalid config: %w", err)
	}
	return nil
}
