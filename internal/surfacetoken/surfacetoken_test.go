package surfacetoken

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueVerify(t *testing.T) {
	iss, err := New([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tok, err := iss.Issue("req-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := iss.Verify(tok, "req-1"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := iss.Verify(tok, "req-2"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("token for req-1 must not authorize req-2, got %v", err)
	}
	if err := iss.Verify("", "req-1"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("empty token accepted: %v", err)
	}
}

func TestVerify_Expired(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }
	iss, err := New([]byte("secret"), WithTTL(time.Minute), WithClock(clock))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tok, err := iss.Issue("req-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := iss.Verify(tok, "req-1"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expired token accepted: %v", err)
	}
}

func TestVerify_ForeignSecretAndAlg(t *testing.T) {
	a, _ := New(nil)
	b, _ := New(nil)
	tok, err := a.Issue("req-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := b.Verify(tok, "req-1"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("token from another secret accepted: %v", err)
	}

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Issuer: issuer, Subject: "req-1", Audience: jwt.ClaimStrings{audience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if err := a.Verify(none, "req-1"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("alg=none accepted: %v", err)
	}
}
