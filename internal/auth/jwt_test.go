package auth

import (
	"testing"
	"time"

	"github.com/adred-codev/opcua-server/internal/ua"
)

func TestJWTManagerGenerateAndVerify(t *testing.T) {
	m := NewJWTManager("test-secret", "opcua-server")
	token, err := m.Generate("device-42", time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := m.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "device-42" {
		t.Fatalf("subject mismatch: got %q", claims.Subject)
	}
}

func TestJWTManagerRejectsWrongIssuer(t *testing.T) {
	issuer := NewJWTManager("test-secret", "opcua-server")
	token, err := issuer.Generate("device-42", time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	other := NewJWTManager("test-secret", "someone-else")
	if _, err := other.Verify(token); err == nil {
		t.Fatalf("expected issuer mismatch to fail verification")
	}
}

func TestJWTManagerRejectsExpiredToken(t *testing.T) {
	m := NewJWTManager("test-secret", "opcua-server")
	token, err := m.Generate("device-42", -time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := m.Verify(token); err == nil {
		t.Fatalf("expected expired token to fail verification")
	}
}

func TestValidatorResolvesIssuedTokenIdentity(t *testing.T) {
	m := NewJWTManager("test-secret", "opcua-server")
	token, err := m.Generate("device-42", time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	identity, err := m.Validator()([]byte(token), nil)
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	if identity.TokenType != ua.UserTokenIssuedToken {
		t.Fatalf("expected UserTokenIssuedToken, got %v", identity.TokenType)
	}
	if identity.Subject != "device-42" {
		t.Fatalf("subject mismatch: got %q", identity.Subject)
	}
}
