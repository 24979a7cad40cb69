package identityd

import (
	"errors"
	"testing"
	"time"

	"clinikey.org/internal/identity"
)

func TestIssuerRoundTrip(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	iss, err := NewIssuer("secret", time.Minute, time.Hour, func() time.Time { return now })
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	tok, exp, err := iss.SignAccess("u1", identity.ProviderPassword)
	if err != nil {
		t.Fatalf("SignAccess: %v", err)
	}
	if !exp.Equal(now.Add(time.Minute)) {
		t.Fatalf("exp=%s", exp)
	}
	claims, err := iss.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "u1" || claims.Provider != identity.ProviderPassword {
		t.Fatalf("claims=%+v", claims)
	}

	now = now.Add(2 * time.Minute)
	if _, err := iss.Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token err=%v", err)
	}
}

func TestIssuerRejectsForeignSignature(t *testing.T) {
	a, _ := NewIssuer("secret-a", 0, 0, nil)
	b, _ := NewIssuer("secret-b", 0, 0, nil)
	tok, _, err := a.SignAccess("u1", identity.ProviderPassword)
	if err != nil {
		t.Fatalf("SignAccess: %v", err)
	}
	if _, err := b.Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err=%v", err)
	}
}

func TestIssuerRequiresSecret(t *testing.T) {
	if _, err := NewIssuer("  ", 0, 0, nil); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("err=%v", err)
	}
}

func TestRefreshTokenFormat(t *testing.T) {
	iss, _ := NewIssuer("secret", 0, 0, nil)
	raw, rec, err := iss.newRefresh("u1")
	if err != nil {
		t.Fatalf("newRefresh: %v", err)
	}
	id, secret, err := splitRefreshToken(raw)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if id != rec.ID || !secureCompareHash(rec.TokenHash, secret) {
		t.Fatal("refresh token does not match its record")
	}
	if secureCompareHash(rec.TokenHash, secret+"x") {
		t.Fatal("hash compare accepted a different secret")
	}
	for _, bad := range []string{"", "nodot", ".x", "x.", "a.b.c"} {
		if _, _, err := splitRefreshToken(bad); err == nil {
			t.Fatalf("split accepted %q", bad)
		}
	}
}

func TestPeerLimiterSweeps(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	l := NewPeerLimiter(1, 2)
	l.now = func() time.Time { return now }

	if !l.Allow("10.0.0.1") || !l.Allow("10.0.0.1") {
		t.Fatal("burst not honoured")
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("limit not enforced")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("peers share a bucket")
	}
	now = now.Add(10 * time.Minute)
	if n := l.Sweep(); n != 2 {
		t.Fatalf("swept %d buckets, want 2", n)
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("long-password", 4)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := VerifyPassword(hash, "long-password"); err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if err := VerifyPassword(hash, "other"); err == nil {
		t.Fatal("wrong password verified")
	}
	if _, err := HashPassword("", 4); err == nil {
		t.Fatal("empty password hashed")
	}
}
