// Package session owns the lifecycle of the single active session: start,
// activity tracking, extension, warning, expiry, and teardown. Warning and
// expiry are driven by two scheduler timers per session, re-armed on every
// lifecycle transition, and every transition is appended to the activity log
// and to a subscribable event stream.
package session

import (
	"time"

	"github.com/storyforge/storyforge-security/internal/config"
)

// Session is the persisted record of one authenticated login window
type Session struct {
	UserID       string    `json:"userId"`
	SessionID    string    `json:"sessionId"`
	StartTime    time.Time `json:"startTime"`
	LastActivity time.Time `json:"lastActivity"`
	ExpiresAt    time.Time `json:"expiresAt"`
	IsActive     bool      `json:"isActive"`
	OriginIP     string    `json:"originIp,omitempty"`
	UserAgent    string    `json:"userAgent,omitempty"`
}

// Status is the derived read-only view of the current session. Warning is not
// a stored state; it is computed from TimeRemaining against the warning window.
type Status struct {
	IsValid       bool          `json:"isValid"`
	IsExpired     bool          `json:"isExpired"`
	IsWarning     bool          `json:"isWarning"`
	TimeRemaining time.Duration `json:"timeRemaining"`
}

// Config is the runtime session configuration. It starts from the process
// configuration and may be updated through the API; updates apply to
// subsequently started sessions.
type Config struct {
	TimeoutMinutes int  `json:"timeoutMinutes"`
	WarningMinutes int  `json:"warningMinutes"`
	MaxSessions    int  `json:"maxSessions"`
	AutoLogout     bool `json:"autoLogout"`
	RememberMeDays int  `json:"rememberMeDays"`
}

// ConfigFrom converts the process-level session settings
func ConfigFrom(cfg config.SessionConfig) Config {
	return Config{
		TimeoutMinutes: cfg.TimeoutMinutes,
		WarningMinutes: cfg.WarningMinutes,
		MaxSessions:    cfg.MaxSessions,
		AutoLogout:     cfg.AutoLogout,
		RememberMeDays: cfg.RememberMeDays,
	}
}

func (c Config) timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

func (c Config) warningWindow() time.Duration {
	return time.Duration(c.WarningMinutes) * time.Minute
}

func (c Config) rememberMeTTL() time.Duration {
	return time.Duration(c.RememberMeDays) * 24 * time.Hour
}

// StartOptions carries the optional fields of StartSession
type StartOptions struct {
	RememberMe bool
	IPAddress  string
	UserAgent  string
}
