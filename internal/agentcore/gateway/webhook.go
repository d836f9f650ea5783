package gateway

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// WebhookVerifier validates the signed callback token a ChannelSender
// presents when it calls back into the core out-of-band (e.g. a delivery
// receipt or an inbound reply posted to a webhook endpoint fronting this
// gateway), so an unsigned or forged callback is rejected before its
// claims are trusted.
//
// This is optional: senders that never call back (the common case) never
// construct one.
type WebhookVerifier struct {
	secret []byte
}

// NewWebhookVerifier builds a verifier keyed on secret, shared out-of-band
// with the sender issuing callback tokens.
func NewWebhookVerifier(secret []byte) *WebhookVerifier {
	return &WebhookVerifier{secret: secret}
}

// Verify parses token, checks its signature and expiry, and returns its
// claims. Only HMAC-family signing methods are accepted — an attacker
// supplying "alg: none" or an asymmetric header is rejected outright.
func (v *WebhookVerifier) Verify(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("outbound: unexpected webhook signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("outbound: webhook signature verification failed: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("outbound: webhook token rejected")
	}
	return claims, nil
}
