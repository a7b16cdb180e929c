package authx

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func sign(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return raw
}

func TestHMACVerifierMapsClaims(t *testing.T) {
	v, err := NewHMACVerifier("s3cret", 0)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	token := sign(t, "s3cret", jwt.MapClaims{
		"sub":        "17",
		"name":       "Ana Cruz",
		"user_role":  "admin_staff",
		"exp":        time.Now().Add(time.Hour).Unix(),
		"account_id": float64(17),
	})

	p, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.AccountID != 17 || p.Name != "Ana Cruz" || p.Role != "admin_staff" {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

func TestHMACVerifierRejects(t *testing.T) {
	v, _ := NewHMACVerifier("s3cret", 0)

	wrongKey := sign(t, "other", jwt.MapClaims{"sub": "1", "exp": time.Now().Add(time.Hour).Unix()})
	if _, err := v.Verify(wrongKey); err == nil {
		t.Fatalf("expected wrong signature to fail")
	}
	expired := sign(t, "s3cret", jwt.MapClaims{"sub": "1", "exp": time.Now().Add(-time.Hour).Unix()})
	if _, err := v.Verify(expired); err == nil {
		t.Fatalf("expected expired token to fail")
	}
	noExp := sign(t, "s3cret", jwt.MapClaims{"sub": "1"})
	if _, err := v.Verify(noExp); err == nil {
		t.Fatalf("expected token without exp to fail")
	}
}

func TestParseRoles(t *testing.T) {
	roles := parseRoles(map[string]any{
		"role":  "operator",
		"roles": []any{"admin", "operator"},
	})
	if len(roles) != 2 || roles[0] != "operator" || roles[1] != "admin" {
		t.Fatalf("unexpected roles %v", roles)
	}
}

func TestConstructorValidation(t *testing.T) {
	if _, err := NewJWKSVerifier("", "aud", "", 60, 0); err == nil {
		t.Fatalf("expected error for missing issuer")
	}
	if _, err := NewHMACVerifier(" ", 0); err == nil {
		t.Fatalf("expected error for missing secret")
	}
	if !LooksLikeJWT("a.b.c") || LooksLikeJWT("opaque-session-id") {
		t.Fatalf("LooksLikeJWT misclassified")
	}
}
