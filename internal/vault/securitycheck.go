package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/storyforge/storyforge-security/internal/storage"
)

// Aging thresholds for the advisory security check
const (
	rotationAge  = 365 * 24 * time.Hour
	unusedWindow = 30 * 24 * time.Hour
)

// Finding is one advisory issue from a security check, paired with a
// remediation recommendation. Findings never trigger automatic remediation.
type Finding struct {
	Provider       string `json:"provider"`
	KeyID          string `json:"keyId"`
	Severity       string `json:"severity"`
	Issue          string `json:"issue"`
	Recommendation string `json:"recommendation"`
}

// CheckReport is the outcome of PerformSecurityCheck
type CheckReport struct {
	CheckedAt   time.Time `json:"checkedAt"`
	Credentials int       `json:"credentials"`
	Findings    []Finding `json:"findings"`
}

// PerformSecurityCheck scans the user's credentials for expired keys, keys
// overdue for rotation, and keys that have gone unused despite historical use.
// The scan is read-only.
func (v *Vault) PerformSecurityCheck(ctx context.Context, userID string) (CheckReport, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	records, err := v.records(ctx, userID)
	if err != nil {
		return CheckReport{}, err
	}

	now := v.now()
	report := CheckReport{
		CheckedAt:   now,
		Credentials: len(records),
		Findings:    []Finding{},
	}

	for _, rec := range records {
		meta := rec.Metadata

		if meta.ExpiresAt != nil && now.After(*meta.ExpiresAt) {
			report.Findings = append(report.Findings, Finding{
				Provider:       meta.Provider,
				KeyID:          meta.KeyID,
				Severity:       "high",
				Issue:          fmt.Sprintf("%s key expired on %s", meta.Provider, meta.ExpiresAt.Format("2006-01-02")),
				Recommendation: "Replace the key with a freshly issued one",
			})
		}

		if now.Sub(meta.CreatedAt) > rotationAge {
			report.Findings = append(report.Findings, Finding{
				Provider:       meta.Provider,
				KeyID:          meta.KeyID,
				Severity:       "medium",
				Issue:          fmt.Sprintf("%s key is over a year old", meta.Provider),
				Recommendation: "Rotate keys at least once a year",
			})
		}

		if meta.UsageCount > 0 && now.Sub(meta.LastUsed) > unusedWindow {
			report.Findings = append(report.Findings, Finding{
				Provider:       meta.Provider,
				KeyID:          meta.KeyID,
				Severity:       "low",
				Issue:          fmt.Sprintf("%s key has not been used for over 30 days", meta.Provider),
				Recommendation: "Delete keys that are no longer needed",
			})
		}
	}

	slog.Info("vault security check",
		"user_id", userID, "credentials", report.Credentials, "findings", len(report.Findings))
	return report, nil
}

// UsageStats summarises the user's credentials
type UsageStats struct {
	TotalCredentials  int    `json:"totalCredentials"`
	ActiveCredentials int    `json:"activeCredentials"`
	TotalUsage        int    `json:"totalUsage"`
	MostUsedProvider  string `json:"mostUsedProvider,omitempty"`
}

// GetUsageStats aggregates usage counters across the user's credentials
func (v *Vault) GetUsageStats(ctx context.Context, userID string) (UsageStats, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	records, err := v.records(ctx, userID)
	if err != nil {
		return UsageStats{}, err
	}

	var stats UsageStats
	mostUsed := -1
	for _, rec := range records {
		meta := rec.Metadata
		stats.TotalCredentials++
		if meta.IsActive {
			stats.ActiveCredentials++
		}
		stats.TotalUsage += meta.UsageCount
		if meta.UsageCount > mostUsed {
			mostUsed = meta.UsageCount
			stats.MostUsedProvider = meta.Provider
		}
	}
	if stats.TotalCredentials == 0 {
		stats.MostUsedProvider = ""
	}
	return stats, nil
}

// records loads every credential record for userID. Caller holds the lock.
func (v *Vault) records(ctx context.Context, userID string) ([]record, error) {
	keys, err := v.store.Keys(ctx, fmt.Sprintf("vault/%s/", userID))
	if err != nil {
		return nil, err
	}

	records := make([]record, 0, len(keys))
	for _, key := range keys {
		data, err := v.store.Get(ctx, key)
		if err != nil {
			if err == storage.ErrNotFound {
				continue
			}
			return nil, err
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			slog.Error("corrupt credential record, skipping", "key", key, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
