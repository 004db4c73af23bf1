package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/storyforge/storyforge-security/internal/storage"
	"github.com/storyforge/storyforge-security/internal/telemetry"
)

// Event names the session lifecycle transitions
type Event string

// Lifecycle events
const (
	EventLogin    Event = "login"
	EventLogout   Event = "logout"
	EventActivity Event = "activity"
	EventWarning  Event = "warning"
	EventExpired  Event = "expired"
	EventExtended Event = "extended"
)

// maxEvents bounds the persisted event stream
const maxEvents = 100

// EventRecord is one entry in the session event stream
type EventRecord struct {
	ID        string         `json:"id"`
	Event     Event          `json:"event"`
	SessionID string         `json:"sessionId"`
	UserID    string         `json:"userId"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Subscribe registers fn for every subsequent lifecycle event and returns an
// unsubscribe function. fn is called synchronously with the manager's lock
// held, so it must not call back into the Manager.
func (m *Manager) Subscribe(fn func(EventRecord)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

// recordEvent appends to the bounded event stream, persists it, and fans out
// to subscribers. Caller holds the lock.
func (m *Manager) recordEvent(event Event, s Session, details map[string]any) {
	record := EventRecord{
		ID:        uuid.New().String(),
		Event:     event,
		SessionID: s.SessionID,
		UserID:    s.UserID,
		Timestamp: m.now(),
		Details:   details,
	}

	m.events = append(m.events, record)
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}
	m.persistEvents()

	telemetry.SessionTransitionsTotal.WithLabelValues(string(event)).Inc()
	for _, fn := range m.subscribers {
		fn(record)
	}
}

// GetSessionEvents returns the most recent events, newest first. limit <= 0
// returns them all.
func (m *Manager) GetSessionEvents(limit int) []EventRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]EventRecord, 0, len(m.events))
	for i := len(m.events) - 1; i >= 0; i-- {
		out = append(out, m.events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// CleanupEvents purges events older than daysToKeep and returns the number
// removed
func (m *Manager) CleanupEvents(daysToKeep int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().AddDate(0, 0, -daysToKeep)
	kept := m.events[:0]
	for _, record := range m.events {
		if record.Timestamp.After(cutoff) {
			kept = append(kept, record)
		}
	}
	removed := len(m.events) - len(kept)
	m.events = kept
	if removed > 0 {
		m.persistEvents()
		slog.Info("session event cleanup", "removed", removed, "days_kept", daysToKeep)
	}
	return removed
}

// Stats summarises the session and its event stream
type Stats struct {
	HasActiveSession bool          `json:"hasActiveSession"`
	SessionDuration  time.Duration `json:"sessionDuration"`
	TimeRemaining    time.Duration `json:"timeRemaining"`
	EventCounts      map[Event]int `json:"eventCounts"`
}

// GetStats computes the current session statistics
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{EventCounts: make(map[Event]int)}
	for _, record := range m.events {
		stats.EventCounts[record.Event]++
	}

	s := m.current
	now := m.now()
	if s != nil && s.IsActive && now.Before(s.ExpiresAt) {
		stats.HasActiveSession = true
		stats.SessionDuration = now.Sub(s.StartTime)
		stats.TimeRemaining = s.ExpiresAt.Sub(now)
	}
	return stats
}

func (m *Manager) loadEvents() {
	data, err := m.store.Get(context.Background(), eventsKey)
	if err != nil {
		if err != storage.ErrNotFound {
			slog.Error("loading session events", "error", err)
		}
		return
	}
	if err := json.Unmarshal(data, &m.events); err != nil {
		slog.Error("corrupt session events in store, starting empty", "error", err)
		m.events = nil
	}
}

func (m *Manager) persistEvents() {
	data, err := json.Marshal(m.events)
	if err != nil {
		slog.Error("marshaling session events", "error", err)
		return
	}
	if err := m.store.Set(context.Background(), eventsKey, data); err != nil {
		slog.Error("persisting session events", "error", err)
	}
}
