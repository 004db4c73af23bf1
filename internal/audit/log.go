// Package audit implements the append-only activity log and audit trail pipeline.
//
// Two streams are kept: activity entries (who did what to which resource, with a
// result, severity, and category) and audit trails (field-level before/after
// change records for mutations that need forensic reconstruction). Both streams
// are bounded ring buffers persisted through the storage port, and every new
// activity entry is run through the suspicious-activity rules in rules.go —
// detections are appended to the same stream as security-category warnings, so
// downstream consumers need no separate channel.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storyforge/storyforge-security/internal/storage"
	"github.com/storyforge/storyforge-security/internal/telemetry"
)

// Result classifies the outcome of a logged action
type Result string

// Result values
const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultWarning Result = "warning"
)

// Severity ranks how concerning an entry is
type Severity string

// Severity values, lowest to highest
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Category groups entries by subsystem
type Category string

// Category values
const (
	CategoryAuth     Category = "auth"
	CategoryData     Category = "data"
	CategorySystem   Category = "system"
	CategorySecurity Category = "security"
	CategoryAPI      Category = "api"
)

// ActivityEntry is one append-only activity log record
type ActivityEntry struct {
	ID         string         `json:"id"`
	UserID     string         `json:"userId"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	ResourceID string         `json:"resourceId,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	IPAddress  string         `json:"ipAddress,omitempty"`
	UserAgent  string         `json:"userAgent,omitempty"`
	SessionID  string         `json:"sessionId,omitempty"`
	Result     Result         `json:"result"`
	Severity   Severity       `json:"severity"`
	Category   Category       `json:"category"`
}

// FieldChange records one changed field in an audit trail entry
type FieldChange struct {
	Field    string `json:"field"`
	OldValue any    `json:"oldValue"`
	NewValue any    `json:"newValue"`
}

// TrailEntry is one append-only audit trail record
type TrailEntry struct {
	ID         string         `json:"id"`
	UserID     string         `json:"userId"`
	Action     string         `json:"action"`
	BeforeData map[string]any `json:"beforeData,omitempty"`
	AfterData  map[string]any `json:"afterData,omitempty"`
	Changes    []FieldChange  `json:"changes"`
	Timestamp  time.Time      `json:"timestamp"`
	Reason     string         `json:"reason,omitempty"`
	ApprovedBy string         `json:"approvedBy,omitempty"`
}

// ActivityOptions carries the optional fields of LogActivity
type ActivityOptions struct {
	ResourceID string
	Result     Result
	Severity   Severity
	Category   Category
	SessionID  string
	IPAddress  string
	UserAgent  string
}

// TrailOptions carries the optional fields of LogTrail
type TrailOptions struct {
	Reason     string
	ApprovedBy string
}

// Persistence keys
const (
	activityKey = "audit/activity"
	trailsKey   = "audit/trails"
)

// Config bounds the two streams
type Config struct {
	MaxActivityEntries int
	MaxTrailEntries    int
}

// Log is the activity/audit logging service. All methods are safe for
// concurrent use; entries are never edited in place.
type Log struct {
	mu    sync.Mutex
	store storage.Store
	now   func() time.Time

	maxActivity int
	maxTrails   int

	activities []ActivityEntry
	trails     []TrailEntry
}

// New creates a Log backed by store, rehydrating any persisted entries.
// A store read failure degrades to an empty log rather than failing startup.
func New(store storage.Store, cfg Config) *Log {
	l := &Log{
		store:       store,
		now:         time.Now,
		maxActivity: cfg.MaxActivityEntries,
		maxTrails:   cfg.MaxTrailEntries,
	}
	if l.maxActivity <= 0 {
		l.maxActivity = 10000
	}
	if l.maxTrails <= 0 {
		l.maxTrails = 5000
	}
	l.load()
	return l
}

// SetClock replaces the wall clock. Tests use this to simulate elapsed time.
func (l *Log) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *Log) load() {
	ctx := context.Background()

	if data, err := l.store.Get(ctx, activityKey); err == nil {
		if err := json.Unmarshal(data, &l.activities); err != nil {
			slog.Error("corrupt activity log in store, starting empty", "error", err)
			l.activities = nil
		}
	} else if err != storage.ErrNotFound {
		slog.Error("loading activity log", "error", err)
	}

	if data, err := l.store.Get(ctx, trailsKey); err == nil {
		if err := json.Unmarshal(data, &l.trails); err != nil {
			slog.Error("corrupt audit trails in store, starting empty", "error", err)
			l.trails = nil
		}
	} else if err != storage.ErrNotFound {
		slog.Error("loading audit trails", "error", err)
	}
}

// persistActivities writes the activity stream; failures are logged and
// swallowed so a storage hiccup never breaks the logging pipeline.
func (l *Log) persistActivities() {
	data, err := json.Marshal(l.activities)
	if err != nil {
		slog.Error("marshaling activity log", "error", err)
		return
	}
	if err := l.store.Set(context.Background(), activityKey, data); err != nil {
		slog.Error("persisting activity log", "error", err)
	}
}

func (l *Log) persistTrails() {
	data, err := json.Marshal(l.trails)
	if err != nil {
		slog.Error("marshaling audit trails", "error", err)
		return
	}
	if err := l.store.Set(context.Background(), trailsKey, data); err != nil {
		slog.Error("persisting audit trails", "error", err)
	}
}

// LogActivity appends an activity entry and runs suspicious-activity detection
// over it. Detected patterns are appended as additional security entries.
func (l *Log) LogActivity(userID, action, resource string, details map[string]any, opts ActivityOptions) ActivityEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.append(userID, action, resource, details, opts)

	// Detection entries are not themselves re-scanned; the off-hours rule
	// would otherwise detect its own output forever.
	for _, detected := range detectSuspicious(l.activities, entry, l.now()) {
		l.append(detected.userID, actionSuspicious, "security", detected.details, ActivityOptions{
			Result:   ResultWarning,
			Severity: detected.severity,
			Category: CategorySecurity,
		})
		telemetry.SuspiciousActivityTotal.WithLabelValues(detected.pattern).Inc()
		slog.Warn("suspicious activity detected",
			"pattern", detected.pattern, "user_id", detected.userID, "action", action)
	}

	l.persistActivities()
	return entry
}

// append builds and stores one entry under the held lock
func (l *Log) append(userID, action, resource string, details map[string]any, opts ActivityOptions) ActivityEntry {
	entry := ActivityEntry{
		ID:         uuid.New().String(),
		UserID:     userID,
		Action:     action,
		Resource:   resource,
		ResourceID: opts.ResourceID,
		Details:    details,
		Timestamp:  l.now(),
		IPAddress:  opts.IPAddress,
		UserAgent:  opts.UserAgent,
		SessionID:  opts.SessionID,
		Result:     opts.Result,
		Severity:   opts.Severity,
		Category:   opts.Category,
	}
	if entry.Result == "" {
		entry.Result = ResultSuccess
	}
	if entry.Severity == "" {
		entry.Severity = SeverityLow
	}
	if entry.Category == "" {
		entry.Category = CategoryData
	}

	l.activities = append(l.activities, entry)
	if len(l.activities) > l.maxActivity {
		l.activities = l.activities[len(l.activities)-l.maxActivity:]
	}

	telemetry.ActivityLogEntriesTotal.WithLabelValues(string(entry.Category)).Inc()
	return entry
}

// LogTrail appends an audit trail entry recording the field-level diff between
// beforeData and afterData. A field counts as changed iff its JSON-serialized
// value differs.
func (l *Log) LogTrail(userID, action string, beforeData, afterData map[string]any, opts TrailOptions) TrailEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := TrailEntry{
		ID:         uuid.New().String(),
		UserID:     userID,
		Action:     action,
		BeforeData: beforeData,
		AfterData:  afterData,
		Changes:    diffFields(beforeData, afterData),
		Timestamp:  l.now(),
		Reason:     opts.Reason,
		ApprovedBy: opts.ApprovedBy,
	}

	l.trails = append(l.trails, entry)
	if len(l.trails) > l.maxTrails {
		l.trails = l.trails[len(l.trails)-l.maxTrails:]
	}

	l.persistTrails()
	return entry
}

// diffFields returns the union-of-keys field diff between two maps, in sorted
// field order for deterministic output.
func diffFields(before, after map[string]any) []FieldChange {
	keys := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		keys[k] = struct{}{}
	}
	for k := range after {
		keys[k] = struct{}{}
	}

	fields := make([]string, 0, len(keys))
	for k := range keys {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	changes := make([]FieldChange, 0)
	for _, field := range fields {
		oldValue, newValue := before[field], after[field]
		oldJSON, _ := json.Marshal(oldValue)
		newJSON, _ := json.Marshal(newValue)
		if string(oldJSON) != string(newJSON) {
			changes = append(changes, FieldChange{Field: field, OldValue: oldValue, NewValue: newValue})
		}
	}
	return changes
}

// ActivityFilters narrows QueryActivities results. Zero values match everything.
type ActivityFilters struct {
	UserID   string
	Category Category
	Severity Severity
	Start    time.Time
	End      time.Time
	Limit    int
}

// QueryActivities returns matching activity entries, newest first
func (l *Log) QueryActivities(filters ActivityFilters) []ActivityEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	matched := make([]ActivityEntry, 0)
	for _, entry := range l.activities {
		if filters.UserID != "" && entry.UserID != filters.UserID {
			continue
		}
		if filters.Category != "" && entry.Category != filters.Category {
			continue
		}
		if filters.Severity != "" && entry.Severity != filters.Severity {
			continue
		}
		if !filters.Start.IsZero() && entry.Timestamp.Before(filters.Start) {
			continue
		}
		if !filters.End.IsZero() && entry.Timestamp.After(filters.End) {
			continue
		}
		matched = append(matched, entry)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	if filters.Limit > 0 && len(matched) > filters.Limit {
		matched = matched[:filters.Limit]
	}
	return matched
}

// TrailFilters narrows QueryTrails results. Zero values match everything.
type TrailFilters struct {
	UserID string
	Action string
	Start  time.Time
	End    time.Time
	Limit  int
}

// QueryTrails returns matching audit trail entries, newest first
func (l *Log) QueryTrails(filters TrailFilters) []TrailEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	matched := make([]TrailEntry, 0)
	for _, entry := range l.trails {
		if filters.UserID != "" && entry.UserID != filters.UserID {
			continue
		}
		if filters.Action != "" && entry.Action != filters.Action {
			continue
		}
		if !filters.Start.IsZero() && entry.Timestamp.Before(filters.Start) {
			continue
		}
		if !filters.End.IsZero() && entry.Timestamp.After(filters.End) {
			continue
		}
		matched = append(matched, entry)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	if filters.Limit > 0 && len(matched) > filters.Limit {
		matched = matched[:filters.Limit]
	}
	return matched
}

// CleanupActivities purges activity entries older than daysToKeep and returns
// the number removed
func (l *Log) CleanupActivities(daysToKeep int) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().AddDate(0, 0, -daysToKeep)
	kept := l.activities[:0]
	for _, entry := range l.activities {
		if entry.Timestamp.After(cutoff) {
			kept = append(kept, entry)
		}
	}
	removed := len(l.activities) - len(kept)
	l.activities = kept
	if removed > 0 {
		l.persistActivities()
		slog.Info("activity log cleanup", "removed", removed, "days_kept", daysToKeep)
	}
	return removed
}

// CleanupTrails purges audit trail entries older than daysToKeep and returns
// the number removed. Trails default to a longer horizon than activity entries.
func (l *Log) CleanupTrails(daysToKeep int) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().AddDate(0, 0, -daysToKeep)
	kept := l.trails[:0]
	for _, entry := range l.trails {
		if entry.Timestamp.After(cutoff) {
			kept = append(kept, entry)
		}
	}
	removed := len(l.trails) - len(kept)
	l.trails = kept
	if removed > 0 {
		l.persistTrails()
		slog.Info("audit trail cleanup", "removed", removed, "days_kept", daysToKeep)
	}
	return removed
}

// Stats summarises the activity stream
type Stats struct {
	TotalActivities  int              `json:"totalActivities"`
	ByCategory       map[Category]int `json:"activitiesByCategory"`
	ByResult         map[Result]int   `json:"activitiesByResult"`
	BySeverity       map[Severity]int `json:"activitiesBySeverity"`
	RecentActivities []ActivityEntry  `json:"recentActivities"`
	Suspicious       []ActivityEntry  `json:"suspiciousActivities"`
}

// GetStats computes aggregate statistics, optionally restricted to one user
func (l *Log) GetStats(userID string) Stats {
	entries := l.QueryActivities(ActivityFilters{UserID: userID})

	stats := Stats{
		TotalActivities: len(entries),
		ByCategory:      make(map[Category]int),
		ByResult:        make(map[Result]int),
		BySeverity:      make(map[Severity]int),
		Suspicious:      make([]ActivityEntry, 0),
	}
	for _, entry := range entries {
		stats.ByCategory[entry.Category]++
		stats.ByResult[entry.Result]++
		stats.BySeverity[entry.Severity]++
		if entry.Severity == SeverityHigh || entry.Severity == SeverityCritical {
			stats.Suspicious = append(stats.Suspicious, entry)
		}
	}

	recent := entries
	if len(recent) > 50 {
		recent = recent[:50]
	}
	stats.RecentActivities = recent
	return stats
}
