package systemtoken

import (
	"testing"
	"time"
)

func TestIssueThenVerifyRoundTrip(t *testing.T) {
	signer, err := NewSigner([]byte("test-secret"), time.Minute)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	token, err := signer.Issue("srv1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := signer.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.ServerUUID != "srv1" {
		t.Fatalf("expected serverUuid srv1, got %q", claims.ServerUUID)
	}
	if claims.Subject != SystemPrincipal {
		t.Fatalf("expected subject %q, got %q", SystemPrincipal, claims.Subject)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	signer, _ := NewSigner([]byte("test-secret"), -time.Second)
	token, err := signer.Issue("srv1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := signer.Verify(token); err == nil {
		t.Fatal("expected an expired token to fail verification")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	signer, _ := NewSigner([]byte("secret-a"), time.Minute)
	other, _ := NewSigner([]byte("secret-b"), time.Minute)
	token, err := signer.Issue("srv1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := other.Verify(token); err == nil {
		t.Fatal("expected verification with the wrong secret to fail")
	}
}

func TestNewSignerRejectsEmptySecret(t *testing.T) {
	if _, err := NewSigner(nil, time.Minute); err == nil {
		t.Fatal("expected an empty secret to be rejected")
	}
}
