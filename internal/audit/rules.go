// rules.go implements the suspicious-activity rules evaluated against every new
// activity entry. Each rule is independent; several may fire for one entry, and
// each firing produces its own security-category warning entry in the stream.
package audit

import (
	"strings"
	"time"
)

// actionSuspicious is the action name of synthesized detection entries
const actionSuspicious = "suspicious_activity_detected"

// Rule thresholds
const (
	repeatedFailureCount  = 5
	repeatedFailureWindow = 5 * time.Minute
	offHoursStart         = 23 // local hour, exclusive
	offHoursEnd           = 6  // local hour, exclusive
)

// detection describes one fired rule
type detection struct {
	pattern  string
	severity Severity
	userID   string
	details  map[string]any
}

// detectSuspicious evaluates all rules against entry, given the full activity
// stream (entry already appended). now is the evaluation time.
func detectSuspicious(activities []ActivityEntry, entry ActivityEntry, now time.Time) []detection {
	// Never scan detection entries; the off-hours rule would detect its own
	// output forever.
	if entry.Action == actionSuspicious {
		return nil
	}

	detections := make([]detection, 0)

	fire := func(pattern string, severity Severity) {
		detections = append(detections, detection{
			pattern:  pattern,
			severity: severity,
			userID:   entry.UserID,
			details: map[string]any{
				"pattern":            pattern,
				"originalActivityId": entry.ID,
				"originalAction":     entry.Action,
				"detectedAt":         now,
			},
		})
	}

	// Rule 1: repeated failures — five or more failure results for the same
	// user inside a trailing five-minute window.
	failures := 0
	for _, logged := range activities {
		if logged.UserID == entry.UserID &&
			logged.Result == ResultFailure &&
			now.Sub(logged.Timestamp) < repeatedFailureWindow {
			failures++
		}
	}
	if failures >= repeatedFailureCount {
		fire("multiple_failures", SeverityHigh)
	}

	// Rule 2: off-hours activity, judged in the entry's local time.
	hour := entry.Timestamp.Local().Hour()
	if hour < offHoursEnd || hour > offHoursStart {
		fire("unusual_time", SeverityMedium)
	}

	// Rule 3: bulk data access, exports, and mass deletions.
	if containsAny(entry.Action, "bulk", "export", "delete_all") {
		fire("bulk_data_access", SeverityHigh)
	}

	// Rule 4: privilege-adjacent actions.
	if entry.Resource == "permission" || entry.Resource == "role" ||
		containsAny(entry.Action, "grant", "revoke") {
		fire("permission_change", SeverityCritical)
	}

	return detections
}

func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
