package gateway

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestWebhookVerifierAcceptsValidSignature(t *testing.T) {
	secret := []byte("shared-secret")
	v := NewWebhookVerifier(secret)
	token := signToken(t, secret, jwt.MapClaims{
		"sub": "discord-sender",
		"exp": time.Now().Add(time.Minute).Unix(),
	})

	claims, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims["sub"] != "discord-sender" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestWebhookVerifierRejectsWrongSecret(t *testing.T) {
	v := NewWebhookVerifier([]byte("correct-secret"))
	token := signToken(t, []byte("wrong-secret"), jwt.MapClaims{
		"sub": "discord-sender",
		"exp": time.Now().Add(time.Minute).Unix(),
	})

	if _, err := v.Verify(token); err == nil {
		t.Fatal("expected verification to fail for a token signed with the wrong secret")
	}
}

func TestWebhookVerifierRejectsExpiredToken(t *testing.T) {
	secret := []byte("shared-secret")
	v := NewWebhookVerifier(secret)
	token := signToken(t, secret, jwt.MapClaims{
		"sub": "discord-sender",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})

	if _, err := v.Verify(token); err == nil {
		t.Fatal("expected verification to fail for an expired token")
	}
}

func TestWebhookVerifierRejectsUnsignedToken(t *testing.T) {
	v := NewWebhookVerifier([]byte("shared-secret"))
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "x"})
	unsigned, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign unsigned token: %v", err)
	}

	if _, err := v.Verify(unsigned); err == nil {
		t.Fatal("expected verification to reject alg:none tokens")
	}
}
