package access

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssueAndParse(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	issuer, err := NewTokenIssuer(testSecret, "maes-test", time.Hour, func() time.Time { return now })
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	token, expires, err := issuer.Issue(&Principal{ID: "usr_1", OrganizationID: "org_1", Role: RoleAnalyst})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !expires.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", expires)
	}
	claims, err := issuer.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "usr_1" || claims.OrganizationID != "org_1" || claims.Role != string(RoleAnalyst) {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestTokenRejectsForeignIssuerAndAlgorithm(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	a, _ := NewTokenIssuer(testSecret, "a", time.Hour, clock)
	b, _ := NewTokenIssuer(testSecret, "b", time.Hour, clock)
	token, _, err := a.Issue(&Principal{ID: "usr_1"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := b.Parse(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for foreign issuer, got %v", err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "usr_1", Issuer: "a"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := a.Parse(unsigned); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for alg none, got %v", err)
	}
}

func TestTokenIssuerRequiresLongSecret(t *testing.T) {
	if _, err := NewTokenIssuer("short", "", 0, nil); err == nil {
		t.Fatal("expected error for short secret")
	}
}
