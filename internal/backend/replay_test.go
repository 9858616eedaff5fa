package backend

import (
	"context"
	"testing"
)

type staticTokens map[string]string

func (s staticTokens) Token(userID string) (string, bool) {
	token, ok := s[userID]
	return token, ok
}

func TestReplayCredentialsAuthenticateAsOwner(t *testing.T) {
	recorder := &recordingServer{}
	client := newClientForTest(t, recorder)
	credentials := NewReplayCredentials(staticTokens{"user-a": "token-a"})

	ctx, ok := credentials.ReplayContext(context.Background(), "user-a")
	if !ok {
		t.Fatal("expected credentials for a known user")
	}
	if err := client.Delete(ctx, "accounts", "a1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if request := recorder.last(t); request.Authorization != "Bearer token-a" {
		t.Fatalf("expected owner token, got %#v", request)
	}
}

func TestReplayCredentialsRefuseUnknownOrBlankTokens(t *testing.T) {
	credentials := NewReplayCredentials(staticTokens{"user-b": ""})
	for _, userID := range []string{"user-a", "user-b"} {
		if _, ok := credentials.ReplayContext(context.Background(), userID); ok {
			t.Fatalf("expected no credentials for %q", userID)
		}
	}
	if _, ok := NewReplayCredentials(nil).ReplayContext(context.Background(), "user-a"); ok {
		t.Fatal("expected no credentials without a token source")
	}
}
