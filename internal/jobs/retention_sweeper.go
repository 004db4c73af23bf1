// retention_sweeper.go implements the RetentionSweeper background job, which
// periodically removes activity entries, audit trails, and session events that
// have aged past their configured retention horizons. Cleanup is also available
// on demand through the audit API; the sweeper exists so long-running deployments
// stay bounded without an operator ever calling it.
package jobs

import (
	"log/slog"
	"time"

	"github.com/storyforge/storyforge-security/internal/audit"
	"github.com/storyforge/storyforge-security/internal/config"
	"github.com/storyforge/storyforge-security/internal/safego"
	"github.com/storyforge/storyforge-security/internal/session"
)

// RetentionSweeper periodically prunes aged audit and session data.
type RetentionSweeper struct {
	auditLog *audit.Log
	sessions *session.Manager
	cfg      config.AuditConfig
	interval time.Duration
	stopChan chan struct{}
}

// sessionEventRetentionDays bounds the session event stream. Events share the
// activity horizon rather than carrying their own configuration knob.
const sessionEventRetentionDays = 30

// NewRetentionSweeper creates a sweeper that runs every interval. A
// non-positive interval defaults to 24 hours.
func NewRetentionSweeper(auditLog *audit.Log, sessions *session.Manager, cfg config.AuditConfig, interval time.Duration) *RetentionSweeper {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &RetentionSweeper{
		auditLog: auditLog,
		sessions: sessions,
		cfg:      cfg,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start begins the background sweep loop in its own goroutine. It runs an
// initial sweep immediately, then repeats on the configured interval until
// Stop is called.
func (s *RetentionSweeper) Start() {
	safego.Go(func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		slog.Info("retention sweeper started",
			"interval", s.interval,
			"activity_days", s.cfg.ActivityRetentionDays,
			"trail_days", s.cfg.TrailRetentionDays)

		s.sweep()

		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.stopChan:
				slog.Info("retention sweeper stopped")
				return
			}
		}
	})
}

// Stop terminates the sweep loop. Safe to call once.
func (s *RetentionSweeper) Stop() {
	close(s.stopChan)
}

func (s *RetentionSweeper) sweep() {
	activities := s.auditLog.CleanupActivities(s.cfg.ActivityRetentionDays)
	trails := s.auditLog.CleanupTrails(s.cfg.TrailRetentionDays)
	events := s.sessions.CleanupEvents(sessionEventRetentionDays)

	if activities+trails+events > 0 {
		slog.Info("retention sweep removed aged entries",
			"activities", activities,
			"trails", trails,
			"session_events", events)
	}
}
