package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/storyforge/storyforge-security/internal/crypto"
	"github.com/storyforge/storyforge-security/internal/vault"
)

type credentialHandlers struct {
	vault *vault.Vault
}

func newCredentialHandlers(v *vault.Vault) *credentialHandlers {
	return &credentialHandlers{vault: v}
}

type saveCredentialRequest struct {
	APIKey     string     `json:"apiKey" binding:"required"`
	Passphrase string     `json:"passphrase" binding:"required"`
	ExpiresAt  *time.Time `json:"expiresAt"`
	Inactive   bool       `json:"inactive"`
}

func (h *credentialHandlers) save(c *gin.Context) {
	provider := c.Param("provider")

	var req saveCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	meta, err := h.vault.Save(c.Request.Context(), currentUserID(c), provider, req.APIKey, req.Passphrase, vault.SaveOptions{
		ExpiresAt: req.ExpiresAt,
		Inactive:  req.Inactive,
	})
	if err != nil {
		var verr *vault.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":      "API key failed strength validation",
				"validation": verr.Result,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store credential"})
		return
	}

	c.JSON(http.StatusOK, meta)
}

type loadCredentialRequest struct {
	Passphrase string `json:"passphrase" binding:"required"`
}

// load decrypts and returns the API key. Decryption failures are reported as
// client errors without distinguishing tampering from a wrong passphrase.
func (h *credentialHandlers) load(c *gin.Context) {
	provider := c.Param("provider")

	var req loadCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	apiKey, err := h.vault.Load(c.Request.Context(), currentUserID(c), provider, req.Passphrase)
	if err != nil {
		switch {
		case errors.Is(err, vault.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Credential not found"})
		case errors.Is(err, vault.ErrExpired):
			c.JSON(http.StatusForbidden, gin.H{"error": "Credential has expired"})
		case errors.Is(err, vault.ErrInactive):
			c.JSON(http.StatusForbidden, gin.H{"error": "Credential is inactive"})
		case errors.Is(err, crypto.ErrDecryptionFailed):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Decryption failed, check passphrase"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load credential"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"provider": provider,
		"apiKey":   apiKey,
	})
}

func (h *credentialHandlers) remove(c *gin.Context) {
	if err := h.vault.Delete(c.Request.Context(), currentUserID(c), c.Param("provider")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete credential"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *credentialHandlers) toggle(c *gin.Context) {
	meta, err := h.vault.ToggleStatus(c.Request.Context(), currentUserID(c), c.Param("provider"))
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Credential not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to toggle credential"})
		return
	}
	c.JSON(http.StatusOK, meta)
}

type setExpirationRequest struct {
	// ExpiresAt clears the expiry when null
	ExpiresAt *time.Time `json:"expiresAt"`
}

func (h *credentialHandlers) setExpiration(c *gin.Context) {
	var req setExpirationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	meta, err := h.vault.SetExpiration(c.Request.Context(), currentUserID(c), c.Param("provider"), req.ExpiresAt)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Credential not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to set expiration"})
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (h *credentialHandlers) list(c *gin.Context) {
	listings, err := h.vault.List(c.Request.Context(), currentUserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list credentials"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"credentials": listings,
		"count":       len(listings),
	})
}

func (h *credentialHandlers) providers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": h.vault.GetSupportedProviders()})
}

type validateCredentialRequest struct {
	Provider string `json:"provider" binding:"required"`
	APIKey   string `json:"apiKey" binding:"required"`
}

// validate checks format and strength without storing anything
func (h *credentialHandlers) validate(c *gin.Context) {
	var req validateCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"formatValid": h.vault.ValidateFormat(req.Provider, req.APIKey),
		"strength":    crypto.ValidateKeyStrength(req.APIKey),
	})
}

func (h *credentialHandlers) securityCheck(c *gin.Context) {
	report, err := h.vault.PerformSecurityCheck(c.Request.Context(), currentUserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Security check failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *credentialHandlers) stats(c *gin.Context) {
	stats, err := h.vault.GetUsageStats(c.Request.Context(), currentUserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute usage stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}
