package auth

import (
	"strings"
	"sync"
	"time"
)

// SessionTokenVault remembers the latest session token each user presented,
// so writes queued under that session can later be replayed as the same user.
// Tokens live in memory only and are dropped once expired.
type SessionTokenVault struct {
	mu     sync.Mutex
	tokens map[string]vaultEntry
	clock  func() time.Time
}

type vaultEntry struct {
	token     string
	expiresAt time.Time
}

// NewSessionTokenVault returns an empty vault. A nil clock uses time.Now.
func NewSessionTokenVault(clock func() time.Time) *SessionTokenVault {
	if clock == nil {
		clock = time.Now
	}
	return &SessionTokenVault{tokens: map[string]vaultEntry{}, clock: clock}
}

// Remember stores token for userID. A zero expiresAt never expires.
func (v *SessionTokenVault) Remember(userID, token string, expiresAt time.Time) {
	user := strings.TrimSpace(userID)
	trimmed := strings.TrimSpace(token)
	if user == "" || trimmed == "" {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tokens[user] = vaultEntry{token: trimmed, expiresAt: expiresAt}
}

// Token returns the unexpired token remembered for userID.
func (v *SessionTokenVault) Token(userID string) (string, bool) {
	user := strings.TrimSpace(userID)
	v.mu.Lock()
	defer v.mu.Unlock()
	entry, ok := v.tokens[user]
	if !ok {
		return "", false
	}
	if !entry.expiresAt.IsZero() && !v.clock().Before(entry.expiresAt) {
		delete(v.tokens, user)
		return "", false
	}
	return entry.token, true
}

// Forget drops the token remembered for userID, as on sign-out.
func (v *SessionTokenVault) Forget(userID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.tokens, strings.TrimSpace(userID))
}
