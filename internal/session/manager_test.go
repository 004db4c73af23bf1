package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyforge/storyforge-security/internal/audit"
	"github.com/storyforge/storyforge-security/internal/auth"
	"github.com/storyforge/storyforge-security/internal/storage"
)

// fakeScheduler records armed timers and fires them on demand
type fakeScheduler struct {
	armed map[string]fakeTimer
}

type fakeTimer struct {
	at time.Time
	fn func()
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{armed: make(map[string]fakeTimer)}
}

func (s *fakeScheduler) ScheduleAt(id string, at time.Time, fn func()) {
	s.armed[id] = fakeTimer{at: at, fn: fn}
}

func (s *fakeScheduler) Cancel(id string) {
	delete(s.armed, id)
}

func (s *fakeScheduler) fire(t *testing.T, id string) {
	t.Helper()
	timer, ok := s.armed[id]
	require.True(t, ok, "timer %q not armed", id)
	delete(s.armed, id)
	timer.fn()
}

// countingGateway counts forced logouts
type countingGateway struct {
	auth.MemoryGateway
	logouts int
}

func (g *countingGateway) Logout() {
	g.logouts++
	g.MemoryGateway.Logout()
}

type managerFixture struct {
	manager *Manager
	store   storage.Store
	sched   *fakeScheduler
	gateway *countingGateway
	now     time.Time
}

func newFixture(t *testing.T) *managerFixture {
	t.Helper()
	f := &managerFixture{
		store:   storage.NewMemoryStore(),
		sched:   newFakeScheduler(),
		gateway: &countingGateway{},
		// Resume in New reads the real clock, so the fixture clock starts
		// there and advances from it.
		now: time.Now(),
	}
	auditLog := audit.New(storage.NewMemoryStore(), audit.Config{})
	f.manager = New(f.store, f.gateway, auditLog, f.sched, Config{
		TimeoutMinutes: 30,
		WarningMinutes: 5,
		MaxSessions:    3,
		AutoLogout:     true,
		RememberMeDays: 7,
	})
	f.manager.SetClock(func() time.Time { return f.now })
	return f
}

func (f *managerFixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func TestStartSessionStatus(t *testing.T) {
	f := newFixture(t)

	user := auth.User{ID: "user-1", Email: "u1@example.com"}
	s := f.manager.StartSession(user, StartOptions{IPAddress: "10.0.0.1"})

	assert.Equal(t, "user-1", s.UserID)
	assert.True(t, s.IsActive)
	assert.Equal(t, f.now.Add(30*time.Minute), s.ExpiresAt)
	assert.Equal(t, "10.0.0.1", s.OriginIP)

	status := f.manager.CheckSessionStatus()
	assert.True(t, status.IsValid)
	assert.False(t, status.IsExpired)
	assert.False(t, status.IsWarning)
	assert.Equal(t, 30*time.Minute, status.TimeRemaining)

	current, ok := f.gateway.CurrentUser()
	require.True(t, ok)
	assert.Equal(t, "user-1", current.ID)
}

func TestRememberMeExtendsTTL(t *testing.T) {
	f := newFixture(t)

	s := f.manager.StartSession(auth.User{ID: "user-1"}, StartOptions{RememberMe: true})
	assert.Equal(t, f.now.Add(7*24*time.Hour), s.ExpiresAt)
}

func TestWarningWindowDerived(t *testing.T) {
	f := newFixture(t)
	f.manager.StartSession(auth.User{ID: "user-1"}, StartOptions{})

	f.advance(26 * time.Minute)

	status := f.manager.CheckSessionStatus()
	assert.True(t, status.IsValid)
	assert.True(t, status.IsWarning)
	assert.Equal(t, 4*time.Minute, status.TimeRemaining)
}

func TestExpiryStatusAndAutoLogout(t *testing.T) {
	f := newFixture(t)
	s := f.manager.StartSession(auth.User{ID: "user-1"}, StartOptions{})

	f.advance(31 * time.Minute)

	status := f.manager.CheckSessionStatus()
	assert.False(t, status.IsValid)
	assert.True(t, status.IsExpired)

	f.sched.fire(t, "expiry:"+s.SessionID)
	assert.Equal(t, 1, f.gateway.logouts, "auth gateway logout invoked exactly once")

	_, ok := f.manager.Current()
	assert.False(t, ok)
}

func TestExpiryWithoutAutoLogout(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.UpdateConfig(Config{
		TimeoutMinutes: 30, WarningMinutes: 5, MaxSessions: 3,
		AutoLogout: false, RememberMeDays: 7,
	}))
	s := f.manager.StartSession(auth.User{ID: "user-1"}, StartOptions{})

	f.advance(31 * time.Minute)
	f.sched.fire(t, "expiry:"+s.SessionID)

	assert.Zero(t, f.gateway.logouts)
	current, ok := f.manager.Current()
	require.True(t, ok)
	assert.False(t, current.IsActive)
}

func TestExtendSession(t *testing.T) {
	f := newFixture(t)
	f.manager.StartSession(auth.User{ID: "user-1"}, StartOptions{})

	f.advance(20 * time.Minute)
	require.True(t, f.manager.ExtendSession())

	status := f.manager.CheckSessionStatus()
	assert.True(t, status.IsValid)
	assert.Equal(t, 30*time.Minute, status.TimeRemaining)

	current, _ := f.manager.Current()
	assert.True(t, current.ExpiresAt.After(current.LastActivity))
}

func TestExtendWithoutSession(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.manager.ExtendSession())
}

func TestExtendAfterExpiry(t *testing.T) {
	f := newFixture(t)
	f.manager.StartSession(auth.User{ID: "user-1"}, StartOptions{})

	f.advance(31 * time.Minute)
	assert.False(t, f.manager.ExtendSession())
}

func TestActivityCoalescing(t *testing.T) {
	f := newFixture(t)
	f.manager.StartSession(auth.User{ID: "user-1"}, StartOptions{})

	assert.False(t, f.manager.RecordActivity(), "signal inside the window is dropped")

	f.advance(61 * time.Second)
	assert.True(t, f.manager.RecordActivity())
	assert.False(t, f.manager.RecordActivity(), "second signal in the same window is dropped")

	f.advance(61 * time.Second)
	assert.True(t, f.manager.RecordActivity())
}

func TestEndSession(t *testing.T) {
	f := newFixture(t)
	s := f.manager.StartSession(auth.User{ID: "user-1"}, StartOptions{})

	f.manager.EndSession("user_logout")

	_, ok := f.manager.Current()
	assert.False(t, ok)
	assert.Empty(t, f.sched.armed, "both timers canceled")

	// A stale timer callback after logout must be a no-op.
	f.manager.onExpiry(s.SessionID)
	assert.Zero(t, f.gateway.logouts)
}

func TestStartSessionReplacesPrior(t *testing.T) {
	f := newFixture(t)
	first := f.manager.StartSession(auth.User{ID: "user-1"}, StartOptions{})
	second := f.manager.StartSession(auth.User{ID: "user-2"}, StartOptions{})

	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.NotContains(t, f.sched.armed, "expiry:"+first.SessionID)
	assert.Contains(t, f.sched.armed, "expiry:"+second.SessionID)

	current, ok := f.manager.Current()
	require.True(t, ok)
	assert.Equal(t, "user-2", current.UserID)
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t)

	var seen []Event
	unsubscribe := f.manager.Subscribe(func(r EventRecord) {
		seen = append(seen, r.Event)
	})

	f.manager.StartSession(auth.User{ID: "user-1"}, StartOptions{})
	f.manager.EndSession("test")
	assert.Equal(t, []Event{EventLogin, EventLogout}, seen)

	unsubscribe()
	f.manager.StartSession(auth.User{ID: "user-1"}, StartOptions{})
	assert.Len(t, seen, 2, "no events after unsubscribe")
}

func TestWarningTimerEmitsEvent(t *testing.T) {
	f := newFixture(t)

	var seen []Event
	f.manager.Subscribe(func(r EventRecord) { seen = append(seen, r.Event) })

	s := f.manager.StartSession(auth.User{ID: "user-1"}, StartOptions{})
	f.advance(25 * time.Minute)
	f.sched.fire(t, "warning:"+s.SessionID)

	assert.Equal(t, []Event{EventLogin, EventWarning}, seen)
}

func TestGetSessionEvents(t *testing.T) {
	f := newFixture(t)
	f.manager.StartSession(auth.User{ID: "user-1"}, StartOptions{})
	f.advance(time.Minute)
	f.manager.EndSession("test")

	events := f.manager.GetSessionEvents(0)
	require.Len(t, events, 2)
	assert.Equal(t, EventLogout, events[0].Event, "newest first")

	limited := f.manager.GetSessionEvents(1)
	require.Len(t, limited, 1)
	assert.Equal(t, EventLogout, limited[0].Event)
}

func TestCleanupEvents(t *testing.T) {
	f := newFixture(t)
	f.manager.StartSession(auth.User{ID: "user-1"}, StartOptions{})
	f.manager.EndSession("test")

	f.advance(31 * 24 * time.Hour)
	f.manager.StartSession(auth.User{ID: "user-1"}, StartOptions{})

	removed := f.manager.CleanupEvents(30)
	assert.Equal(t, 2, removed)

	events := f.manager.GetSessionEvents(0)
	require.Len(t, events, 1)
	assert.Equal(t, EventLogin, events[0].Event)
}

func TestUpdateConfigValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero timeout", Config{TimeoutMinutes: 0, WarningMinutes: 0, RememberMeDays: 7}},
		{"warning >= timeout", Config{TimeoutMinutes: 10, WarningMinutes: 10, RememberMeDays: 7}},
		{"zero remember me", Config{TimeoutMinutes: 30, WarningMinutes: 5, RememberMeDays: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, f.manager.UpdateConfig(tt.cfg))
		})
	}
}

func TestConfigPersistsAcrossRestart(t *testing.T) {
	f := newFixture(t)
	updated := Config{TimeoutMinutes: 60, WarningMinutes: 10, MaxSessions: 3, AutoLogout: false, RememberMeDays: 14}
	require.NoError(t, f.manager.UpdateConfig(updated))

	auditLog := audit.New(storage.NewMemoryStore(), audit.Config{})
	reloaded := New(f.store, &countingGateway{}, auditLog, newFakeScheduler(), Config{
		TimeoutMinutes: 30, WarningMinutes: 5, RememberMeDays: 7,
	})
	assert.Equal(t, updated, reloaded.GetConfig())
}

func TestResumePersistedSession(t *testing.T) {
	f := newFixture(t)
	s := f.manager.StartSession(auth.User{ID: "user-1"}, StartOptions{RememberMe: true})

	// A fresh manager over the same store picks the session back up.
	sched := newFakeScheduler()
	gateway := &countingGateway{}
	auditLog := audit.New(storage.NewMemoryStore(), audit.Config{})
	reloaded := New(f.store, gateway, auditLog, sched, Config{
		TimeoutMinutes: 30, WarningMinutes: 5, AutoLogout: true, RememberMeDays: 7,
	})

	current, ok := reloaded.Current()
	require.True(t, ok)
	assert.Equal(t, s.SessionID, current.SessionID)
	assert.Contains(t, sched.armed, "expiry:"+s.SessionID)

	user, ok := gateway.CurrentUser()
	require.True(t, ok)
	assert.Equal(t, "user-1", user.ID)
}

func TestExpiredSessionNotResumed(t *testing.T) {
	f := newFixture(t)
	f.manager.StartSession(auth.User{ID: "user-1"}, StartOptions{})

	// Past expiry by the time the new manager loads.
	auditLog := audit.New(storage.NewMemoryStore(), audit.Config{})
	reloaded := New(f.store, &countingGateway{}, auditLog, newFakeScheduler(), Config{
		TimeoutMinutes: 30, WarningMinutes: 5, RememberMeDays: 7,
	})
	reloaded.SetClock(func() time.Time { return f.now.Add(31 * time.Minute) })

	_, ok := reloaded.Current()
	assert.True(t, ok, "resume happens at construction, before the clock override")

	status := reloaded.CheckSessionStatus()
	assert.True(t, status.IsExpired)
}

func TestGetStats(t *testing.T) {
	f := newFixture(t)
	f.manager.StartSession(auth.User{ID: "user-1"}, StartOptions{})
	f.advance(10 * time.Minute)

	stats := f.manager.GetStats()
	assert.True(t, stats.HasActiveSession)
	assert.Equal(t, 10*time.Minute, stats.SessionDuration)
	assert.Equal(t, 20*time.Minute, stats.TimeRemaining)
	assert.Equal(t, 1, stats.EventCounts[EventLogin])
}
