package config

import (
	"context"
	"fmt"

	"golang.org/x/oauth2/clientcredentials"
)

// OAuthConfig configures client-credentials token refresh for a provider
// whose "API key" is actually a short-lived OAuth2 access token issued by
// the operator's identity provider, rather than a long-lived static secret.
type OAuthConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes,omitempty"`
}

// resolveAPIKey returns staticKey unchanged when oauthCfg is nil, otherwise
// exchanges the configured client credentials for a fresh access token.
// Consumed only: the secrets backend holding ClientSecret stays outside
// this package, resolved by whatever loads the raw config file.
func resolveAPIKey(ctx context.Context, staticKey string, oauthCfg *OAuthConfig) (string, error) {
	if oauthCfg == nil {
		return staticKey, nil
	}
	cc := &clientcredentials.Config{
		ClientID:     oauthCfg.ClientID,
		ClientSecret: oauthCfg.ClientSecret,
		TokenURL:     oauthCfg.TokenURL,
		Scopes:       oauthCfg.Scopes,
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("config: refresh oauth2 token: %w", err)
	}
	return tok.AccessToken, nil
}

// ResolveAPIKey returns the provider's effective credential, refreshing it
// via OAuth2 client-credentials when OAuth is configured.
func (p *AnthropicProviderConfig) ResolveAPIKey(ctx context.Context) (string, error) {
	return resolveAPIKey(ctx, p.APIKey, p.OAuth)
}

// ResolveAPIKey returns the provider's effective credential, refreshing it
// via OAuth2 client-credentials when OAuth is configured.
func (p *OpenAIProviderConfig) ResolveAPIKey(ctx context.Context) (string, error) {
	return resolveAPIKey(ctx, p.APIKey, p.OAuth)
}
