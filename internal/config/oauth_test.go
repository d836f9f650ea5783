package config

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResolveAPIKeyWithoutOAuthReturnsStaticKey(t *testing.T) {
	p := &AnthropicProviderConfig{APIKey: "sk-static"}
	key, err := p.ResolveAPIKey(context.Background())
	if err != nil {
		t.Fatalf("ResolveAPIKey: %v", err)
	}
	if key != "sk-static" {
		t.Fatalf("key = %q, want sk-static", key)
	}
}

func TestResolveAPIKeyWithOAuthExchangesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse token request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "refreshed-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	p := &OpenAIProviderConfig{
		APIKey: "fallback-should-not-be-used",
		OAuth: &OAuthConfig{
			ClientID:     "client",
			ClientSecret: "secret",
			TokenURL:     srv.URL,
		},
	}
	key, err := p.ResolveAPIKey(context.Background())
	if err != nil {
		t.Fatalf("ResolveAPIKey: %v", err)
	}
	if key != "refreshed-token" {
		t.Fatalf("key = %q, want refreshed-token", key)
	}
}

func TestResolveAPIKeyWithOAuthPropagatesTokenError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := &AnthropicProviderConfig{
		OAuth: &OAuthConfig{ClientID: "client", ClientSecret: "bad-secret", TokenURL: srv.URL},
	}
	if _, err := p.ResolveAPIKey(context.Background()); err == nil {
		t.Fatal("expected token exchange failure to surface as an error")
	}
}
