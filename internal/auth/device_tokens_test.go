package auth

import (
	"context"
	"testing"
	"time"
)

var testSecret = []byte("unit-test-signing-secret")

func newTestIssuer(clock func() time.Time) *DeviceTokenIssuer {
	return NewDeviceTokenIssuer(DeviceTokenIssuerConfig{
		SigningSecret: testSecret,
		Issuer:        "scute-server",
		Audience:      "scute-sync",
		Clock:         clock,
	})
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	issuer := newTestIssuer(nil)

	token, expiresIn, err := issuer.IssueDeviceToken(context.Background(), DeviceClaims{UserID: "user-1", DeviceID: "phone-1"})
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if expiresIn != int64((30 * 24 * time.Hour).Seconds()) {
		t.Fatalf("unexpected default ttl: %d", expiresIn)
	}

	claims, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validate error: %v", err)
	}
	if claims.UserID != "user-1" || claims.DeviceID != "phone-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestIssueRequiresUserID(t *testing.T) {
	issuer := newTestIssuer(nil)
	if _, _, err := issuer.IssueDeviceToken(context.Background(), DeviceClaims{DeviceID: "phone-1"}); err == nil {
		t.Fatalf("expected error for missing user id")
	}
}

func TestValidateRejectsForeignSecret(t *testing.T) {
	issuer := newTestIssuer(nil)
	foreign := NewDeviceTokenIssuer(DeviceTokenIssuerConfig{
		SigningSecret: []byte("some-other-secret"),
		Issuer:        "scute-server",
		Audience:      "scute-sync",
	})

	token, _, err := foreign.IssueDeviceToken(context.Background(), DeviceClaims{UserID: "user-1"})
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if _, err := issuer.ValidateToken(token); err == nil {
		t.Fatalf("expected signature validation failure")
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	issuedAt := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	current := issuedAt
	issuer := NewDeviceTokenIssuer(DeviceTokenIssuerConfig{
		SigningSecret: testSecret,
		Issuer:        "scute-server",
		Audience:      "scute-sync",
		TokenTTL:      time.Hour,
		Clock:         func() time.Time { return current },
	})

	token, _, err := issuer.IssueDeviceToken(context.Background(), DeviceClaims{UserID: "user-1"})
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	current = issuedAt.Add(2 * time.Hour)
	if _, err := issuer.ValidateToken(token); err == nil {
		t.Fatalf("expected expiry validation failure")
	}
}

func TestValidateRejectsWrongAudience(t *testing.T) {
	issuer := newTestIssuer(nil)
	other := NewDeviceTokenIssuer(DeviceTokenIssuerConfig{
		SigningSecret: testSecret,
		Issuer:        "scute-server",
		Audience:      "another-service",
	})

	token, _, err := other.IssueDeviceToken(context.Background(), DeviceClaims{UserID: "user-1"})
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if _, err := issuer.ValidateToken(token); err == nil {
		t.Fatalf("expected audience validation failure")
	}
}
