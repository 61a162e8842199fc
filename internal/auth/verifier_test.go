package auth

import (
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const testSecret = "verifier-test-secret"

func newTestVerifier(t *testing.T, now time.Time) *Verifier {
	t.Helper()
	v, err := NewVerifier(Config{
		Secret:    testSecret,
		Issuer:    "https://id.pavedeck.test",
		Audience:  "pavedeck-api",
		ClockSkew: time.Second,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	v.WithNow(func() time.Time { return now })
	return v
}

func signedToken(t *testing.T, secret string, mutate func(*jwt.Builder)) string {
	t.Helper()
	now := time.Now()
	builder := jwt.NewBuilder().
		Subject("user-1").
		Issuer("https://id.pavedeck.test").
		Audience([]string{"pavedeck-api"}).
		IssuedAt(now).
		Expiration(now.Add(time.Minute)).
		Claim("email", "crew@pavedeck.test").
		Claim("org", "9c7a3f2e-4a5b-4d7e-9f10-2b3c4d5e6f70")
	if mutate != nil {
		mutate(builder)
	}
	tok, err := builder.Build()
	if err != nil {
		t.Fatalf("build token: %v", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(secret)))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return string(signed)
}

func TestParseAccessTokenExtractsClaims(t *testing.T) {
	v := newTestVerifier(t, time.Now())
	claims, err := v.ParseAccessToken(signedToken(t, testSecret, nil))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Fatalf("unexpected subject: %s", claims.UserID)
	}
	if claims.Email != "crew@pavedeck.test" {
		t.Fatalf("unexpected email: %s", claims.Email)
	}
	if claims.OrgID != "9c7a3f2e-4a5b-4d7e-9f10-2b3c4d5e6f70" {
		t.Fatalf("unexpected org: %s", claims.OrgID)
	}
}

func TestParseAccessTokenRejectsWrongSecret(t *testing.T) {
	v := newTestVerifier(t, time.Now())
	if _, err := v.ParseAccessToken(signedToken(t, "another-secret", nil)); err == nil {
		t.Fatal("expected signature verification failure")
	}
}

func TestParseAccessTokenRejectsExpired(t *testing.T) {
	v := newTestVerifier(t, time.Now().Add(2*time.Hour))
	if _, err := v.ParseAccessToken(signedToken(t, testSecret, nil)); err == nil {
		t.Fatal("expected expiry error")
	}
}

func TestParseAccessTokenRejectsWrongAudience(t *testing.T) {
	v := newTestVerifier(t, time.Now())
	token := signedToken(t, testSecret, func(b *jwt.Builder) {
		b.Audience([]string{"someone-else"})
	})
	if _, err := v.ParseAccessToken(token); err == nil {
		t.Fatal("expected audience mismatch error")
	}
}

func TestParseAccessTokenRejectsUnsignedGarbage(t *testing.T) {
	v := newTestVerifier(t, time.Now())
	for _, token := range []string{"", "not.a.token", "   "} {
		if _, err := v.ParseAccessToken(token); err == nil {
			t.Fatalf("expected rejection for %q", token)
		}
	}
}
