// Package access implements the ownership-based access controller. Every read,
// write, or delete on a project, image, template, or credential resolves the
// resource's owner, compares it to the acting user, and records the decision in
// the activity log whether or not the caller acts on it. The sole authorization
// rule is identity equality between actor and owner.
package access

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/storyforge/storyforge-security/internal/audit"
	"github.com/storyforge/storyforge-security/internal/auth"
	"github.com/storyforge/storyforge-security/internal/storage"
	"github.com/storyforge/storyforge-security/internal/telemetry"
)

// Resource kinds the controller arbitrates
const (
	KindProject    = "project"
	KindImage      = "image"
	KindTemplate   = "template"
	KindCredential = "credential"
)

// Actions the controller arbitrates
const (
	ActionRead   = "read"
	ActionWrite  = "write"
	ActionDelete = "delete"
)

// accessLogCap bounds the in-memory decision history consulted by the
// security check
const accessLogCap = 1000

// Resource is a stored project or template record with an explicit owner.
// Images carry their owner in the identifier prefix and credentials in the
// vault pairing key, so neither is stored here.
type Resource struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	OwnerID   string         `json:"ownerId"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Decision is the outcome of one access check
type Decision struct {
	UserID       string    `json:"userId"`
	ResourceType string    `json:"resourceType"`
	ResourceID   string    `json:"resourceId"`
	Action       string    `json:"action"`
	Allowed      bool      `json:"allowed"`
	Reason       string    `json:"reason,omitempty"`
	Resource     *Resource `json:"resource,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Controller arbitrates resource access
type Controller struct {
	mu      sync.Mutex
	store   storage.Store
	gateway auth.Gateway
	audit   *audit.Log
	now     func() time.Time

	decisions []Decision
}

// New creates a Controller
func New(store storage.Store, gateway auth.Gateway, auditLog *audit.Log) *Controller {
	return &Controller{
		store:   store,
		gateway: gateway,
		audit:   auditLog,
		now:     time.Now,
	}
}

// SetClock replaces the wall clock. Tests use this to simulate elapsed time.
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func resourceKey(kind, id string) string {
	return fmt.Sprintf("resource/%s/%s", kind, id)
}

// RegisterResource stores a project or template record with its owner. Images
// and credentials derive ownership and are not registered.
func (c *Controller) RegisterResource(ctx context.Context, kind, id, ownerID string, data map[string]any) (Resource, error) {
	if kind != KindProject && kind != KindTemplate {
		return Resource{}, fmt.Errorf("access: kind %q does not carry a stored owner", kind)
	}
	if id == "" || ownerID == "" {
		return Resource{}, fmt.Errorf("access: resource id and owner are required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	res := Resource{
		ID:        id,
		Kind:      kind,
		OwnerID:   ownerID,
		Data:      data,
		CreatedAt: c.now(),
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return Resource{}, err
	}
	if err := c.store.Set(ctx, resourceKey(kind, id), raw); err != nil {
		return Resource{}, err
	}
	return res, nil
}

// RemoveResource deletes a stored resource record. Removing an absent record
// is a no-op.
func (c *Controller) RemoveResource(ctx context.Context, kind, id string) error {
	err := c.store.Delete(ctx, resourceKey(kind, id))
	if err == storage.ErrNotFound {
		return nil
	}
	return err
}

// CheckAccess resolves the resource's owner, compares it to userID (defaulting
// to the current session's user when empty), and returns the decision. Every
// decision, allowed or denied, is appended to the activity log.
func (c *Controller) CheckAccess(ctx context.Context, resourceType, resourceID, action, userID string) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := Decision{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Action:       action,
		Timestamp:    c.now(),
	}

	if userID == "" {
		user, ok := c.gateway.CurrentUser()
		if !ok {
			d.Reason = "no authenticated user"
			c.record(ctx, d)
			return d
		}
		userID = user.ID
	}
	d.UserID = userID

	if action != ActionRead && action != ActionWrite && action != ActionDelete {
		d.Reason = fmt.Sprintf("unknown action %q", action)
		c.record(ctx, d)
		return d
	}

	switch resourceType {
	case KindProject, KindTemplate:
		res, err := c.loadResource(ctx, resourceType, resourceID)
		if err != nil {
			d.Reason = fmt.Sprintf("%s not found", resourceType)
		} else if res.OwnerID != userID {
			d.Reason = fmt.Sprintf("%s is owned by another user", resourceType)
		} else {
			d.Allowed = true
			d.Resource = &res
		}

	case KindImage:
		// Image identifiers are "<projectId>_<suffix>"; the owner is whoever
		// owns the project named by the prefix.
		projectID, _, found := strings.Cut(resourceID, "_")
		if !found || projectID == "" {
			d.Reason = "image identifier carries no project prefix"
		} else if res, err := c.loadResource(ctx, KindProject, projectID); err != nil {
			d.Reason = "owning project not found"
		} else if res.OwnerID != userID {
			d.Reason = "image belongs to another user's project"
		} else {
			d.Allowed = true
		}

	case KindCredential:
		// The vault pairing key encodes ownership: a user owns exactly the
		// credentials stored under their own prefix.
		_, err := c.store.Get(ctx, fmt.Sprintf("vault/%s/%s", userID, resourceID))
		if err == storage.ErrNotFound {
			d.Reason = "credential not found"
		} else if err != nil {
			d.Reason = "credential store unavailable"
		} else {
			d.Allowed = true
		}

	default:
		d.Reason = fmt.Sprintf("unknown resource type %q", resourceType)
	}

	c.record(ctx, d)
	return d
}

func (c *Controller) loadResource(ctx context.Context, kind, id string) (Resource, error) {
	raw, err := c.store.Get(ctx, resourceKey(kind, id))
	if err != nil {
		return Resource{}, err
	}
	var res Resource
	if err := json.Unmarshal(raw, &res); err != nil {
		return Resource{}, fmt.Errorf("access: corrupt resource record: %w", err)
	}
	return res, nil
}

// record appends the decision to the bounded history and the activity log.
// Caller holds the lock.
func (c *Controller) record(ctx context.Context, d Decision) {
	c.decisions = append(c.decisions, d)
	if len(c.decisions) > accessLogCap {
		c.decisions = c.decisions[len(c.decisions)-accessLogCap:]
	}

	outcome := "denied"
	result := audit.ResultFailure
	if d.Allowed {
		outcome = "allowed"
		result = audit.ResultSuccess
	}
	telemetry.AccessDecisionsTotal.WithLabelValues(d.ResourceType, outcome).Inc()

	c.audit.LogActivity(d.UserID, "access_check", d.ResourceType,
		map[string]any{"action": d.Action, "allowed": d.Allowed, "reason": d.Reason},
		audit.ActivityOptions{
			ResourceID: d.ResourceID,
			Result:     result,
			Category:   audit.CategoryData,
		})

	if !d.Allowed {
		slog.Info("access denied",
			"user_id", d.UserID, "resource_type", d.ResourceType,
			"resource_id", d.ResourceID, "action", d.Action, "reason", d.Reason)
	}
}

// RecentDecisions returns the most recent access decisions, newest first
func (c *Controller) RecentDecisions(limit int) []Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Decision, 0, len(c.decisions))
	for i := len(c.decisions) - 1; i >= 0; i-- {
		out = append(out, c.decisions[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
