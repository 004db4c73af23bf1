package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyforge/storyforge-security/internal/access"
	"github.com/storyforge/storyforge-security/internal/audit"
	"github.com/storyforge/storyforge-security/internal/auth"
	"github.com/storyforge/storyforge-security/internal/config"
	"github.com/storyforge/storyforge-security/internal/session"
	"github.com/storyforge/storyforge-security/internal/storage"
	"github.com/storyforge/storyforge-security/internal/vault"
)

const testAPIKey = "sk-Abcdefghijklmnopqrstuvwxyz0123456789ABCDEFGHIJ01"

func newTestConfig() *config.Config {
	return &config.Config{
		Auth: config.AuthConfig{TokenTTL: time.Hour},
		Session: config.SessionConfig{
			TimeoutMinutes: 30,
			WarningMinutes: 5,
			AutoLogout:     true,
			RememberMeDays: 7,
		},
		// Iteration count is low because the KDF runs on every save/load in
		// these tests; the cipher raises it to the secure floor anyway.
		Vault: config.VaultConfig{KDFIterations: 10000},
		Audit: config.AuditConfig{
			MaxActivityEntries:    1000,
			MaxTrailEntries:       500,
			ActivityRetentionDays: 30,
			TrailRetentionDays:    90,
		},
		Security: config.SecurityConfig{
			RateLimiting: config.RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 200,
				Burst:             50,
			},
			CORS: config.CORSConfig{AllowedOrigins: []string{"*"}},
		},
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := newTestConfig()
	store := storage.NewMemoryStore()
	gateway := auth.NewMemoryGateway()
	auditLog := audit.New(store, audit.Config{
		MaxActivityEntries: cfg.Audit.MaxActivityEntries,
		MaxTrailEntries:    cfg.Audit.MaxTrailEntries,
	})
	sessions := session.New(store, gateway, auditLog, session.NewTimerScheduler(), session.ConfigFrom(cfg.Session))
	credentialVault := vault.New(store, cfg.Vault)
	controller := access.New(store, gateway, auditLog)

	router, bg := NewRouter(cfg, Services{
		Store:    store,
		Gateway:  gateway,
		Sessions: sessions,
		Vault:    credentialVault,
		Audit:    auditLog,
		Access:   controller,
	})
	t.Cleanup(bg.Shutdown)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

// doJSON sends a JSON request and decodes the response body into a map.
// A nil body sends an empty request.
func doJSON(t *testing.T, server *httptest.Server, method, path, token string, body any) (int, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	if resp.StatusCode != http.StatusNoContent {
		// Export responses are not JSON; callers that need raw bytes use
		// doRaw instead.
		_ = json.NewDecoder(resp.Body).Decode(&decoded)
	}
	return resp.StatusCode, decoded
}

func doRaw(t *testing.T, server *httptest.Server, method, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, server.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func login(t *testing.T, server *httptest.Server, userID string) string {
	t.Helper()
	code, body := doJSON(t, server, "POST", "/api/v1/auth/login", "", map[string]any{
		"userId": userID,
		"email":  userID + "@example.com",
	})
	require.Equal(t, http.StatusOK, code)
	token, ok := body["token"].(string)
	require.True(t, ok, "login response missing token")
	return token
}

func TestHealthAndVersion(t *testing.T) {
	server := newTestServer(t)

	resp := doRaw(t, server, "GET", "/healthz", "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	code, body := doJSON(t, server, "GET", "/version", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "v1", body["api_version"])
}

func TestLoginIssuesTokenAndSession(t *testing.T) {
	server := newTestServer(t)

	code, body := doJSON(t, server, "POST", "/api/v1/auth/login", "", map[string]any{
		"userId":     "user-1",
		"email":      "u1@example.com",
		"rememberMe": false,
	})
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body["token"])

	sess, ok := body["session"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "user-1", sess["userId"])
	assert.Equal(t, true, sess["isActive"])
}

func TestLoginRejectsMissingUserID(t *testing.T) {
	server := newTestServer(t)

	code, _ := doJSON(t, server, "POST", "/api/v1/auth/login", "", map[string]any{
		"email": "u1@example.com",
	})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAuthenticatedRoutesRequireToken(t *testing.T) {
	server := newTestServer(t)

	code, _ := doJSON(t, server, "GET", "/api/v1/session/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestSessionStatusExtendAndLogout(t *testing.T) {
	server := newTestServer(t)
	token := login(t, server, "user-1")

	code, body := doJSON(t, server, "GET", "/api/v1/session/status", token, nil)
	require.Equal(t, http.StatusOK, code)
	status, ok := body["status"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, status["isValid"])

	code, _ = doJSON(t, server, "POST", "/api/v1/session/extend", token, nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = doJSON(t, server, "POST", "/api/v1/auth/logout", token, nil)
	assert.Equal(t, http.StatusOK, code)

	// The token outlives the session; the middleware rejects it now.
	code, _ = doJSON(t, server, "GET", "/api/v1/session/status", token, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestReplacedSessionRetiresOldToken(t *testing.T) {
	server := newTestServer(t)

	tokenA := login(t, server, "user-a")
	code, _ := doJSON(t, server, "GET", "/api/v1/session/status", tokenA, nil)
	require.Equal(t, http.StatusOK, code)

	// user-b's login overwrites the single session. user-a's token is still a
	// valid JWT but no longer matches the live session's user.
	login(t, server, "user-b")
	code, _ = doJSON(t, server, "GET", "/api/v1/session/status", tokenA, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestUpdateSessionConfigValidation(t *testing.T) {
	server := newTestServer(t)
	token := login(t, server, "user-1")

	code, _ := doJSON(t, server, "PUT", "/api/v1/session/config", token, map[string]any{
		"timeoutMinutes": 10,
		"warningMinutes": 30,
		"autoLogout":     true,
		"rememberMeDays": 7,
	})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := doJSON(t, server, "PUT", "/api/v1/session/config", token, map[string]any{
		"timeoutMinutes": 45,
		"warningMinutes": 10,
		"autoLogout":     true,
		"rememberMeDays": 14,
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(45), body["timeoutMinutes"])
}

func TestCredentialRoundTrip(t *testing.T) {
	server := newTestServer(t)
	token := login(t, server, "user-1")

	code, body := doJSON(t, server, "PUT", "/api/v1/credentials/openai", token, map[string]any{
		"apiKey":     testAPIKey,
		"passphrase": "correct horse battery staple",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "openai", body["provider"])

	code, body = doJSON(t, server, "GET", "/api/v1/credentials", token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["count"])
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), testAPIKey, "listing must never expose the plaintext key")

	code, body = doJSON(t, server, "POST", "/api/v1/credentials/openai/load", token, map[string]any{
		"passphrase": "correct horse battery staple",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, testAPIKey, body["apiKey"])

	code, body = doJSON(t, server, "POST", "/api/v1/credentials/openai/load", token, map[string]any{
		"passphrase": "wrong passphrase",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "passphrase")

	code, _ = doJSON(t, server, "DELETE", "/api/v1/credentials/openai", token, nil)
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = doJSON(t, server, "POST", "/api/v1/credentials/openai/load", token, map[string]any{
		"passphrase": "correct horse battery staple",
	})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCredentialWeakKeyRejected(t *testing.T) {
	server := newTestServer(t)
	token := login(t, server, "user-1")

	code, body := doJSON(t, server, "PUT", "/api/v1/credentials/openai", token, map[string]any{
		"apiKey":     "short",
		"passphrase": "correct horse battery staple",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body, "validation")
}

func TestCredentialToggleAndProviders(t *testing.T) {
	server := newTestServer(t)
	token := login(t, server, "user-1")

	code, _ := doJSON(t, server, "PUT", "/api/v1/credentials/openai", token, map[string]any{
		"apiKey":     testAPIKey,
		"passphrase": "correct horse battery staple",
	})
	require.Equal(t, http.StatusOK, code)

	code, body := doJSON(t, server, "POST", "/api/v1/credentials/openai/toggle", token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["isActive"])

	code, _ = doJSON(t, server, "POST", "/api/v1/credentials/openai/load", token, map[string]any{
		"passphrase": "correct horse battery staple",
	})
	assert.Equal(t, http.StatusForbidden, code)

	code, body = doJSON(t, server, "GET", "/api/v1/credentials/providers", token, nil)
	require.Equal(t, http.StatusOK, code)
	providers, ok := body["providers"].([]any)
	require.True(t, ok)
	assert.Contains(t, providers, "openai")

	code, _ = doJSON(t, server, "POST", "/api/v1/credentials/missing/toggle", token, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCredentialValidateEndpoint(t *testing.T) {
	server := newTestServer(t)
	token := login(t, server, "user-1")

	code, body := doJSON(t, server, "POST", "/api/v1/credentials/validate", token, map[string]any{
		"provider": "openai",
		"apiKey":   testAPIKey,
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["formatValid"])
}

func TestAuditTrailLifecycle(t *testing.T) {
	server := newTestServer(t)
	token := login(t, server, "user-1")

	code, body := doJSON(t, server, "POST", "/api/v1/audit/trails", token, map[string]any{
		"action":     "project_update",
		"beforeData": map[string]any{"name": "Draft"},
		"afterData":  map[string]any{"name": "Final"},
		"reason":     "rename before publishing",
	})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "project_update", body["action"])

	code, body = doJSON(t, server, "GET", "/api/v1/audit/trails?action=project_update", token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["count"])

	// Login itself is an audited activity.
	code, body = doJSON(t, server, "GET", "/api/v1/audit/activities?category=auth", token, nil)
	require.Equal(t, http.StatusOK, code)
	activities, ok := body["activities"].([]any)
	require.True(t, ok)
	assert.NotEmpty(t, activities)
}

func TestAuditExportCSV(t *testing.T) {
	server := newTestServer(t)
	token := login(t, server, "user-1")

	resp := doRaw(t, server, "GET", "/api/v1/audit/export?kind=activities&format=csv", token)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/csv")
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")
}

func TestAuditExportRejectsUnknownKind(t *testing.T) {
	server := newTestServer(t)
	token := login(t, server, "user-1")

	code, _ := doJSON(t, server, "GET", "/api/v1/audit/export?kind=nonsense", token, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAuditCleanupAndStats(t *testing.T) {
	server := newTestServer(t)
	token := login(t, server, "user-1")

	code, body := doJSON(t, server, "POST", "/api/v1/audit/cleanup", token, nil)
	require.Equal(t, http.StatusOK, code)
	// Nothing is older than the default retention yet.
	assert.Equal(t, float64(0), body["activitiesRemoved"])

	code, body = doJSON(t, server, "GET", "/api/v1/audit/stats", token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "totalActivities")
}

func TestResourceOwnershipFlow(t *testing.T) {
	server := newTestServer(t)
	token := login(t, server, "owner")

	code, body := doJSON(t, server, "POST", "/api/v1/resources/project", token, map[string]any{
		"id":   "proj-1",
		"data": map[string]any{"name": "Castle Story"},
	})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "owner", body["ownerId"])

	code, body = doJSON(t, server, "GET", "/api/v1/resources/project/proj-1", token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["allowed"])

	// A different login replaces the session; the old owner's token is dead
	// and the new user does not own the project.
	intruderToken := login(t, server, "intruder")
	code, body = doJSON(t, server, "GET", "/api/v1/resources/project/proj-1", intruderToken, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Contains(t, body, "decision")

	code, _ = doJSON(t, server, "DELETE", "/api/v1/resources/project/proj-1", intruderToken, nil)
	assert.Equal(t, http.StatusForbidden, code)

	ownerToken := login(t, server, "owner")
	code, _ = doJSON(t, server, "DELETE", "/api/v1/resources/project/proj-1", ownerToken, nil)
	assert.Equal(t, http.StatusNoContent, code)
}

func TestRegisterResourceRejectsDerivedKinds(t *testing.T) {
	server := newTestServer(t)
	token := login(t, server, "user-1")

	for _, kind := range []string{"image", "credential", "nonsense"} {
		code, _ := doJSON(t, server, "POST", "/api/v1/resources/"+kind, token, map[string]any{
			"id": "x-1",
		})
		assert.Equal(t, http.StatusBadRequest, code, "kind %s", kind)
	}
}

func TestAccessCheckEndpoint(t *testing.T) {
	server := newTestServer(t)
	token := login(t, server, "user-1")

	code, body := doJSON(t, server, "POST", "/api/v1/access/check", token, map[string]any{
		"resourceType": "project",
		"resourceId":   "missing-project",
		"action":       "read",
	})
	require.Equal(t, http.StatusOK, code, "denials are decisions, not HTTP errors")
	assert.Equal(t, false, body["allowed"])

	code, body = doJSON(t, server, "GET", "/api/v1/access/decisions", token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.NotEqual(t, float64(0), body["count"])
}

func TestAccessSecurityCheck(t *testing.T) {
	server := newTestServer(t)
	token := login(t, server, "user-1")

	code, body := doJSON(t, server, "GET", "/api/v1/access/security-check", token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "user-1", body["userId"])
}

func TestCORSPreflight(t *testing.T) {
	server := newTestServer(t)

	req, err := http.NewRequest("OPTIONS", server.URL+"/api/v1/session/status", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}
