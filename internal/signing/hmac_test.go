package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"event":"test.run.completed"}`)
	secret := "my-secret-key"

	sig := Sign(payload, secret)

	if sig == "" {
		t.Fatal("signature should not be empty")
	}
	if sig[:7] != "sha256=" {
		t.Fatalf("signature should start with sha256=, got %s", sig[:7])
	}

	if !Verify(payload, secret, sig) {
		t.Fatal("Verify should return true for valid signature")
	}

	if Verify(payload, "wrong-secret", sig) {
		t.Fatal("Verify should return false for wrong secret")
	}

	if Verify([]byte(`{"event":"test.run.completed" }`), secret, sig) {
		t.Fatal("Verify should return false for tampered payload")
	}
}

func TestSign_MatchesManualDigest(t *testing.T) {
	payload := []byte(`{"event":"test.run.failed","timestamp":"2026-01-01T00:00:00Z"}`)
	secret := "fixed-secret"

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if got := Sign(payload, secret); got != want {
		t.Fatalf("Sign() = %s, want %s", got, want)
	}
}
