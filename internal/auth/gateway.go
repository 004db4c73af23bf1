// Package auth implements the authentication gateway consulted by the rest of
// the security subsystem: it tracks the currently authenticated user, issues and
// validates JWT access tokens, and performs logout when the session manager
// forces one on expiry.
package auth

import (
	"log/slog"
	"sync"
)

// User identifies an authenticated user
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Gateway is the auth collaborator the session manager and access controller
// depend on. CurrentUser defaults the acting user for access checks; Logout is
// invoked by the session manager on forced expiry.
type Gateway interface {
	// CurrentUser returns the authenticated user, or false when nobody is
	// logged in.
	CurrentUser() (User, bool)

	// Login records user as the authenticated user.
	Login(user User)

	// Logout clears the authenticated user. Calling Logout with nobody logged
	// in is a no-op.
	Logout()
}

// MemoryGateway is the production Gateway: one authenticated user per process,
// mirroring the one-session-per-profile model.
type MemoryGateway struct {
	mu      sync.RWMutex
	user    User
	present bool
}

// NewMemoryGateway creates a gateway with no user logged in
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{}
}

// CurrentUser returns the authenticated user, or false when nobody is logged in
func (g *MemoryGateway) CurrentUser() (User, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.user, g.present
}

// Login records user as the authenticated user
func (g *MemoryGateway) Login(user User) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.user = user
	g.present = true
}

// Logout clears the authenticated user
func (g *MemoryGateway) Logout() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.present {
		slog.Info("auth gateway logout", "user_id", g.user.ID)
	}
	g.user = User{}
	g.present = false
}
