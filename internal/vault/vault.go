// Package vault implements the encrypted credential store for provider API
// keys. Keys are validated, encrypted under a caller-supplied passphrase, and
// persisted one credential per (user, provider) pair. Plaintext never touches
// the store: listings expose only metadata and a provider-shaped mask, and a
// successful load is the only operation that ever returns key material.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storyforge/storyforge-security/internal/config"
	"github.com/storyforge/storyforge-security/internal/crypto"
	"github.com/storyforge/storyforge-security/internal/storage"
	"github.com/storyforge/storyforge-security/internal/telemetry"
)

var (
	// ErrNotFound is returned when no credential exists for the (user, provider) pair.
	ErrNotFound = errors.New("vault: credential not found")
	// ErrExpired is returned when the credential's expiry has passed.
	ErrExpired = errors.New("vault: credential has expired")
	// ErrInactive is returned when the credential has been toggled off.
	ErrInactive = errors.New("vault: credential is inactive")
)

// ValidationError reports a rejected API key with every violated rule
type ValidationError struct {
	Result crypto.ValidationResult
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("vault: invalid API key: %s", strings.Join(e.Result.Issues, "; "))
}

// Metadata describes a stored credential without exposing key material
type Metadata struct {
	KeyID      string     `json:"keyId"`
	Provider   string     `json:"provider"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsed   time.Time  `json:"lastUsed"`
	UsageCount int        `json:"usageCount"`
	IsActive   bool       `json:"isActive"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// record is the persisted form: ciphertext plus metadata, never plaintext
type record struct {
	Ciphertext string   `json:"ciphertext"`
	Metadata   Metadata `json:"metadata"`
}

// SaveOptions carries the optional fields of Save
type SaveOptions struct {
	ExpiresAt *time.Time
	Inactive  bool
}

// Listing is one entry of List: metadata plus the provider's masked key shape
type Listing struct {
	Metadata  Metadata `json:"metadata"`
	MaskedKey string   `json:"maskedKey"`
}

// Vault stores encrypted credentials through the storage port
type Vault struct {
	mu         sync.Mutex
	store      storage.Store
	iterations int
	now        func() time.Time
}

// New creates a Vault. cfg.KDFIterations below the secure floor are raised at
// encryption time.
func New(store storage.Store, cfg config.VaultConfig) *Vault {
	return &Vault{
		store:      store,
		iterations: cfg.KDFIterations,
		now:        time.Now,
	}
}

// SetClock replaces the wall clock. Tests use this to simulate key aging.
func (v *Vault) SetClock(now func() time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.now = now
}

func credentialKey(userID, provider string) string {
	return fmt.Sprintf("vault/%s/%s", userID, provider)
}

// Save validates apiKey, encrypts it under passphrase, and persists it with
// fresh metadata, overwriting any prior credential for the (user, provider)
// pair. A key failing the strength rules is rejected with every violation
// listed, before any state changes.
func (v *Vault) Save(ctx context.Context, userID, provider, apiKey, passphrase string, opts SaveOptions) (Metadata, error) {
	if result := crypto.ValidateKeyStrength(apiKey); !result.Valid {
		telemetry.VaultOperationsTotal.WithLabelValues("save", "invalid").Inc()
		return Metadata{}, &ValidationError{Result: result}
	}

	ciphertext, err := crypto.SealWithPassphrase(apiKey, passphrase, v.iterations)
	if err != nil {
		telemetry.VaultOperationsTotal.WithLabelValues("save", "error").Inc()
		return Metadata{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	meta := Metadata{
		KeyID:     uuid.New().String(),
		Provider:  provider,
		CreatedAt: now,
		LastUsed:  now,
		IsActive:  !opts.Inactive,
		ExpiresAt: opts.ExpiresAt,
	}
	if err := v.put(ctx, userID, provider, record{Ciphertext: ciphertext, Metadata: meta}); err != nil {
		telemetry.VaultOperationsTotal.WithLabelValues("save", "error").Inc()
		return Metadata{}, err
	}

	telemetry.VaultOperationsTotal.WithLabelValues("save", "success").Inc()
	slog.Info("credential saved", "user_id", userID, "provider", provider, "key_id", meta.KeyID)
	return meta, nil
}

// Load decrypts and returns the stored API key. On success the usage counters
// are updated and persisted before the plaintext is returned; a wrong
// passphrase leaves them untouched. Callers must not persist the returned key.
func (v *Vault) Load(ctx context.Context, userID, provider, passphrase string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, err := v.get(ctx, userID, provider)
	if err != nil {
		telemetry.VaultOperationsTotal.WithLabelValues("load", "not_found").Inc()
		return "", err
	}

	now := v.now()
	if rec.Metadata.ExpiresAt != nil && now.After(*rec.Metadata.ExpiresAt) {
		telemetry.VaultOperationsTotal.WithLabelValues("load", "expired").Inc()
		return "", ErrExpired
	}
	if !rec.Metadata.IsActive {
		telemetry.VaultOperationsTotal.WithLabelValues("load", "inactive").Inc()
		return "", ErrInactive
	}

	plaintext, err := crypto.OpenWithPassphrase(rec.Ciphertext, passphrase, v.iterations)
	if err != nil {
		telemetry.VaultOperationsTotal.WithLabelValues("load", "decrypt_failed").Inc()
		return "", err
	}

	rec.Metadata.UsageCount++
	rec.Metadata.LastUsed = now
	if err := v.put(ctx, userID, provider, rec); err != nil {
		// Usage bookkeeping failed but the decryption is good; degrade rather
		// than withhold the key.
		slog.Error("persisting credential usage metadata", "error", err,
			"user_id", userID, "provider", provider)
	}

	telemetry.VaultOperationsTotal.WithLabelValues("load", "success").Inc()
	return plaintext, nil
}

// Delete removes the credential. Deleting an absent credential is a no-op.
func (v *Vault) Delete(ctx context.Context, userID, provider string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	err := v.store.Delete(ctx, credentialKey(userID, provider))
	if err != nil && err != storage.ErrNotFound {
		telemetry.VaultOperationsTotal.WithLabelValues("delete", "error").Inc()
		return err
	}

	telemetry.VaultOperationsTotal.WithLabelValues("delete", "success").Inc()
	slog.Info("credential deleted", "user_id", userID, "provider", provider)
	return nil
}

// ToggleStatus flips the credential's active flag and returns the updated
// metadata. Ciphertext is untouched.
func (v *Vault) ToggleStatus(ctx context.Context, userID, provider string) (Metadata, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, err := v.get(ctx, userID, provider)
	if err != nil {
		return Metadata{}, err
	}

	rec.Metadata.IsActive = !rec.Metadata.IsActive
	if err := v.put(ctx, userID, provider, rec); err != nil {
		return Metadata{}, err
	}

	telemetry.VaultOperationsTotal.WithLabelValues("toggle_status", "success").Inc()
	return rec.Metadata, nil
}

// SetExpiration sets or clears the credential's expiry and returns the updated
// metadata. Ciphertext is untouched.
func (v *Vault) SetExpiration(ctx context.Context, userID, provider string, expiresAt *time.Time) (Metadata, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, err := v.get(ctx, userID, provider)
	if err != nil {
		return Metadata{}, err
	}

	rec.Metadata.ExpiresAt = expiresAt
	if err := v.put(ctx, userID, provider, rec); err != nil {
		return Metadata{}, err
	}

	telemetry.VaultOperationsTotal.WithLabelValues("set_expiration", "success").Inc()
	return rec.Metadata, nil
}

// List returns the user's credentials as metadata plus the provider-shaped
// mask. Neither ciphertext nor plaintext ever appears in a listing.
func (v *Vault) List(ctx context.Context, userID string) ([]Listing, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	records, err := v.records(ctx, userID)
	if err != nil {
		return nil, err
	}

	listings := make([]Listing, 0, len(records))
	for _, rec := range records {
		listings = append(listings, Listing{
			Metadata:  rec.Metadata,
			MaskedKey: crypto.MaskForProvider(rec.Metadata.Provider),
		})
	}
	return listings, nil
}

// GetSupportedProviders lists the providers with a strict key format
func (v *Vault) GetSupportedProviders() []string {
	return crypto.SupportedProviders()
}

// ValidateFormat checks an API key against the named provider's strict shape
func (v *Vault) ValidateFormat(provider, apiKey string) bool {
	return crypto.ValidateFormat(provider, apiKey)
}

func (v *Vault) get(ctx context.Context, userID, provider string) (record, error) {
	data, err := v.store.Get(ctx, credentialKey(userID, provider))
	if err != nil {
		if err == storage.ErrNotFound {
			return record{}, ErrNotFound
		}
		return record{}, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{}, fmt.Errorf("vault: corrupt credential record: %w", err)
	}
	return rec, nil
}

func (v *Vault) put(ctx context.Context, userID, provider string, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return v.store.Set(ctx, credentialKey(userID, provider), data)
}
