package backend

import (
	"context"

	"github.com/MarcoPoloResearchLab/ledger/internal/offline"
)

// TokenSource returns the session token last seen for a user.
type TokenSource interface {
	Token(userID string) (string, bool)
}

// ReplayCredentials scopes queued writes to their owner's session token. It
// never falls back to the service key.
type ReplayCredentials struct {
	tokens TokenSource
}

var _ offline.CredentialProvider = (*ReplayCredentials)(nil)

// NewReplayCredentials returns credentials backed by tokens.
func NewReplayCredentials(tokens TokenSource) *ReplayCredentials {
	return &ReplayCredentials{tokens: tokens}
}

func (r *ReplayCredentials) ReplayContext(ctx context.Context, userID string) (context.Context, bool) {
	if r == nil || r.tokens == nil {
		return nil, false
	}
	token, ok := r.tokens.Token(userID)
	if !ok || token == "" {
		return nil, false
	}
	return WithAccessToken(ctx, token), true
}
