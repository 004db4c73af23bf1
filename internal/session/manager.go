package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storyforge/storyforge-security/internal/audit"
	"github.com/storyforge/storyforge-security/internal/auth"
	"github.com/storyforge/storyforge-security/internal/storage"
)

// Persistence keys
const (
	sessionKey = "session/current"
	configKey  = "session/config"
	eventsKey  = "session/events"
)

// activityCoalescing is the minimum gap between two recorded activity signals.
// Raw input events arrive far more often than this; only the first signal per
// window counts as real activity.
const activityCoalescing = 60 * time.Second

// Manager drives the single active session's lifecycle. All methods are safe
// for concurrent use. The persisted session record is the source of truth:
// status reads go back to the store so another writer ending or extending the
// session is observed rather than shadowed by stale memory.
type Manager struct {
	mu      sync.Mutex
	store   storage.Store
	gateway auth.Gateway
	audit   *audit.Log
	sched   Scheduler
	now     func() time.Time

	cfg          Config
	current      *Session
	lastRecorded time.Time

	events      []EventRecord
	subscribers map[int]func(EventRecord)
	nextSubID   int
}

// New creates a Manager and resumes any persisted session that has not yet
// expired, re-arming its timers. A persisted runtime configuration overrides
// cfg.
func New(store storage.Store, gateway auth.Gateway, auditLog *audit.Log, sched Scheduler, cfg Config) *Manager {
	m := &Manager{
		store:       store,
		gateway:     gateway,
		audit:       auditLog,
		sched:       sched,
		now:         time.Now,
		cfg:         cfg,
		subscribers: make(map[int]func(EventRecord)),
	}
	m.loadConfig()
	m.loadEvents()
	m.resume()
	return m
}

// SetClock replaces the wall clock. Tests use this to simulate elapsed time.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Manager) loadConfig() {
	data, err := m.store.Get(context.Background(), configKey)
	if err != nil {
		if err != storage.ErrNotFound {
			slog.Error("loading session config", "error", err)
		}
		return
	}
	var persisted Config
	if err := json.Unmarshal(data, &persisted); err != nil {
		slog.Error("corrupt session config in store, using defaults", "error", err)
		return
	}
	m.cfg = persisted
}

// resume rehydrates the persisted session. An already-expired session is
// cleared rather than resumed.
func (m *Manager) resume() {
	data, err := m.store.Get(context.Background(), sessionKey)
	if err != nil {
		if err != storage.ErrNotFound {
			slog.Error("loading persisted session", "error", err)
		}
		return
	}

	var persisted Session
	if err := json.Unmarshal(data, &persisted); err != nil {
		slog.Error("corrupt session in store, discarding", "error", err)
		m.clearPersisted()
		return
	}

	if !persisted.IsActive || !m.now().Before(persisted.ExpiresAt) {
		m.clearPersisted()
		return
	}

	m.current = &persisted
	m.gateway.Login(auth.User{ID: persisted.UserID})
	m.armTimers(&persisted)
	slog.Info("resumed persisted session",
		"session_id", persisted.SessionID, "user_id", persisted.UserID,
		"expires_at", persisted.ExpiresAt)
}

// StartSession ends any prior session and starts a new one for user. The
// session TTL is the configured timeout, or the extended remember-me TTL when
// opts.RememberMe is set.
func (m *Manager) StartSession(user auth.User, opts StartOptions) Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		m.teardownLocked("replaced")
	}

	now := m.now()
	ttl := m.cfg.timeout()
	if opts.RememberMe {
		ttl = m.cfg.rememberMeTTL()
	}

	s := Session{
		UserID:       user.ID,
		SessionID:    uuid.New().String(),
		StartTime:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(ttl),
		IsActive:     true,
		OriginIP:     opts.IPAddress,
		UserAgent:    opts.UserAgent,
	}
	m.current = &s
	m.lastRecorded = now
	m.persistSession()
	m.armTimers(&s)

	m.gateway.Login(user)
	m.recordEvent(EventLogin, s, map[string]any{"rememberMe": opts.RememberMe})
	m.audit.LogActivity(user.ID, "login", "auth",
		map[string]any{"rememberMe": opts.RememberMe, "expiresAt": s.ExpiresAt},
		audit.ActivityOptions{
			Category:  audit.CategoryAuth,
			SessionID: s.SessionID,
			IPAddress: opts.IPAddress,
			UserAgent: opts.UserAgent,
		})

	slog.Info("session started",
		"session_id", s.SessionID, "user_id", user.ID, "expires_at", s.ExpiresAt)
	return s
}

// ExtendSession pushes the current session's expiry out by the configured
// timeout. Returns false when there is no live session to extend.
func (m *Manager) ExtendSession() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.current
	now := m.now()
	if s == nil || !s.IsActive || !now.Before(s.ExpiresAt) {
		return false
	}

	s.LastActivity = now
	s.ExpiresAt = now.Add(m.cfg.timeout())
	m.persistSession()
	m.armTimers(s)

	m.recordEvent(EventExtended, *s, map[string]any{"expiresAt": s.ExpiresAt})
	m.audit.LogActivity(s.UserID, "session_extended", "auth",
		map[string]any{"expiresAt": s.ExpiresAt},
		audit.ActivityOptions{Category: audit.CategoryAuth, SessionID: s.SessionID})
	return true
}

// CheckSessionStatus computes the session state from the persisted record and
// the wall clock. It never mutates.
func (m *Manager) CheckSessionStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.readPersisted()
	if s == nil {
		return Status{}
	}

	now := m.now()
	expired := !now.Before(s.ExpiresAt)
	if expired || !s.IsActive {
		return Status{IsExpired: expired}
	}

	remaining := s.ExpiresAt.Sub(now)
	return Status{
		IsValid:       true,
		IsWarning:     remaining <= m.cfg.warningWindow(),
		TimeRemaining: remaining,
	}
}

// readPersisted re-reads the session record from the store, falling back to
// the in-memory copy when the store is unreadable.
func (m *Manager) readPersisted() *Session {
	data, err := m.store.Get(context.Background(), sessionKey)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil
		}
		slog.Error("reading persisted session", "error", err)
		return m.current
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		slog.Error("corrupt session in store", "error", err)
		return m.current
	}
	return &s
}

// RecordActivity notes a user activity signal. Signals inside the coalescing
// window are dropped; a counted signal refreshes LastActivity and emits an
// activity event. Returns whether the signal was counted.
func (m *Manager) RecordActivity() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.current
	now := m.now()
	if s == nil || !s.IsActive || !now.Before(s.ExpiresAt) {
		return false
	}
	if now.Sub(m.lastRecorded) < activityCoalescing {
		return false
	}

	m.lastRecorded = now
	s.LastActivity = now
	m.persistSession()
	m.recordEvent(EventActivity, *s, nil)
	return true
}

// EndSession cancels the timers, logs the logout with the session duration,
// and clears the persisted session. Safe to call with no session.
func (m *Manager) EndSession(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.current
	if s == nil {
		return
	}

	m.cancelTimers(s.SessionID)
	duration := m.now().Sub(s.StartTime)

	m.recordEvent(EventLogout, *s, map[string]any{"reason": reason, "duration": duration.String()})
	m.audit.LogActivity(s.UserID, "logout", "auth",
		map[string]any{"reason": reason, "duration": duration.String()},
		audit.ActivityOptions{Category: audit.CategoryAuth, SessionID: s.SessionID})

	m.current = nil
	m.clearPersisted()
	slog.Info("session ended", "session_id", s.SessionID, "reason", reason, "duration", duration)
}

// teardownLocked clears the prior session without the logout ceremony, used
// when a new login overwrites it. Caller holds the lock.
func (m *Manager) teardownLocked(reason string) {
	s := m.current
	m.cancelTimers(s.SessionID)
	m.recordEvent(EventLogout, *s, map[string]any{"reason": reason})
	m.current = nil
	m.clearPersisted()
}

// GetConfig returns the runtime session configuration
func (m *Manager) GetConfig() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// UpdateConfig replaces the runtime configuration and persists it. The new
// values apply to sessions started afterwards; the current session keeps its
// armed expiry.
func (m *Manager) UpdateConfig(cfg Config) error {
	if cfg.TimeoutMinutes <= 0 {
		return fmt.Errorf("timeoutMinutes must be positive, got %d", cfg.TimeoutMinutes)
	}
	if cfg.WarningMinutes < 0 || cfg.WarningMinutes >= cfg.TimeoutMinutes {
		return fmt.Errorf("warningMinutes must be in [0, timeoutMinutes), got %d", cfg.WarningMinutes)
	}
	if cfg.RememberMeDays <= 0 {
		return fmt.Errorf("rememberMeDays must be positive, got %d", cfg.RememberMeDays)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.cfg = cfg
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := m.store.Set(context.Background(), configKey, data); err != nil {
		slog.Error("persisting session config", "error", err)
	}
	return nil
}

// Current returns a copy of the in-memory session, if any
func (m *Manager) Current() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Session{}, false
	}
	return *m.current, true
}

// armTimers cancels and re-arms the warning and expiry timers for s. Callbacks
// check the session id before acting, so a stale timer firing after logout or
// a replacing login is a no-op.
func (m *Manager) armTimers(s *Session) {
	id := s.SessionID
	warningAt := s.ExpiresAt.Add(-m.cfg.warningWindow())
	m.sched.ScheduleAt("warning:"+id, warningAt, func() { m.onWarning(id) })
	m.sched.ScheduleAt("expiry:"+id, s.ExpiresAt, func() { m.onExpiry(id) })
}

func (m *Manager) cancelTimers(sessionID string) {
	m.sched.Cancel("warning:" + sessionID)
	m.sched.Cancel("expiry:" + sessionID)
}

func (m *Manager) onWarning(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.current
	if s == nil || s.SessionID != sessionID || !s.IsActive {
		return
	}

	remaining := s.ExpiresAt.Sub(m.now())
	m.recordEvent(EventWarning, *s, map[string]any{"timeRemaining": remaining.String()})
	slog.Info("session expiry warning", "session_id", sessionID, "time_remaining", remaining)
}

// onExpiry is the only automatic teardown path. Explicit logout goes through
// EndSession.
func (m *Manager) onExpiry(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.current
	if s == nil || s.SessionID != sessionID {
		return
	}

	s.IsActive = false
	m.persistSession()

	m.recordEvent(EventExpired, *s, nil)
	m.audit.LogActivity(s.UserID, "session_expired", "auth", nil,
		audit.ActivityOptions{
			Category:  audit.CategoryAuth,
			Result:    audit.ResultWarning,
			SessionID: s.SessionID,
		})
	slog.Info("session expired", "session_id", sessionID, "user_id", s.UserID)

	if m.cfg.AutoLogout {
		m.gateway.Logout()
		m.current = nil
		m.clearPersisted()
	}
}

func (m *Manager) persistSession() {
	data, err := json.Marshal(m.current)
	if err != nil {
		slog.Error("marshaling session", "error", err)
		return
	}
	if err := m.store.Set(context.Background(), sessionKey, data); err != nil {
		slog.Error("persisting session", "error", err)
	}
}

func (m *Manager) clearPersisted() {
	if err := m.store.Delete(context.Background(), sessionKey); err != nil && err != storage.ErrNotFound {
		slog.Error("clearing persisted session", "error", err)
	}
}
