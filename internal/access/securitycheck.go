package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/storyforge/storyforge-security/internal/audit"
)

// Denial-burst thresholds for the security check
const (
	denialBurstCount  = 10
	denialBurstWindow = 24 * time.Hour
)

// ErrNoUser is returned by RunSecurityCheck when nobody is logged in.
var ErrNoUser = errors.New("access: no authenticated user")

// Issue is one advisory finding from RunSecurityCheck
type Issue struct {
	Severity       string `json:"severity"`
	Issue          string `json:"issue"`
	Recommendation string `json:"recommendation"`
}

// CheckReport is the outcome of RunSecurityCheck
type CheckReport struct {
	UserID    string    `json:"userId"`
	CheckedAt time.Time `json:"checkedAt"`
	Issues    []Issue   `json:"issues"`
}

// RunSecurityCheck aggregates three advisory signals for the current user:
// no configured credentials, a burst of denied accesses inside 24 hours, and
// projects resolving to a different owner. Findings are surfaced, never
// auto-remediated.
func (c *Controller) RunSecurityCheck(ctx context.Context) (CheckReport, error) {
	user, ok := c.gateway.CurrentUser()
	if !ok {
		return CheckReport{}, ErrNoUser
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	report := CheckReport{
		UserID:    user.ID,
		CheckedAt: now,
		Issues:    []Issue{},
	}

	credentials, err := c.store.Keys(ctx, fmt.Sprintf("vault/%s/", user.ID))
	if err != nil {
		return CheckReport{}, err
	}
	if len(credentials) == 0 {
		report.Issues = append(report.Issues, Issue{
			Severity:       "low",
			Issue:          "no provider credentials are configured",
			Recommendation: "Add an API key for at least one provider to use generation features",
		})
	}

	denials := 0
	for _, d := range c.decisions {
		if d.UserID == user.ID && !d.Allowed && now.Sub(d.Timestamp) < denialBurstWindow {
			denials++
		}
	}
	if denials >= denialBurstCount {
		report.Issues = append(report.Issues, Issue{
			Severity:       "high",
			Issue:          fmt.Sprintf("%d denied access attempts in the last 24 hours", denials),
			Recommendation: "Review the activity log for the denied resources and who requested them",
		})
	}

	orphaned, err := c.orphanedProjects(ctx, user.ID)
	if err != nil {
		return CheckReport{}, err
	}
	if len(orphaned) > 0 {
		report.Issues = append(report.Issues, Issue{
			Severity:       "medium",
			Issue:          fmt.Sprintf("%d projects resolve to a different owner", len(orphaned)),
			Recommendation: "Transfer or remove projects that do not belong to this account",
		})
	}

	c.audit.LogActivity(user.ID, "security_check", "system",
		map[string]any{"issues": len(report.Issues)},
		audit.ActivityOptions{Category: audit.CategorySystem})
	slog.Info("access security check", "user_id", user.ID, "issues", len(report.Issues))
	return report, nil
}

// orphanedProjects lists project ids whose stored owner is not userID.
// Caller holds the lock.
func (c *Controller) orphanedProjects(ctx context.Context, userID string) ([]string, error) {
	keys, err := c.store.Keys(ctx, "resource/project/")
	if err != nil {
		return nil, err
	}

	orphaned := make([]string, 0)
	for _, key := range keys {
		raw, err := c.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var res Resource
		if err := json.Unmarshal(raw, &res); err != nil {
			slog.Error("corrupt project record, skipping", "key", key, "error", err)
			continue
		}
		if res.OwnerID != userID {
			orphaned = append(orphaned, res.ID)
		}
	}
	return orphaned, nil
}
