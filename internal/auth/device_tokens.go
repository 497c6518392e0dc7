// Package auth issues and validates the bearer tokens that scope sync
// requests to a user and device on the harness server.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 30 * 24 * time.Hour

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
)

// DeviceClaims identifies the user and the syncing device behind a token.
type DeviceClaims struct {
	UserID   string
	DeviceID string
}

type tokenClaims struct {
	DeviceID string `json:"device_id,omitempty"`
	jwt.RegisteredClaims
}

// DeviceTokenIssuerConfig configures the HS256 token issuer.
type DeviceTokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// DeviceTokenIssuer issues long-lived bearer tokens for sync clients.
type DeviceTokenIssuer struct {
	config DeviceTokenIssuerConfig
	clock  func() time.Time
}

// NewDeviceTokenIssuer constructs a DeviceTokenIssuer with sane defaults.
func NewDeviceTokenIssuer(cfg DeviceTokenIssuerConfig) *DeviceTokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &DeviceTokenIssuer{
		config: DeviceTokenIssuerConfig{
			SigningSecret: cfg.SigningSecret,
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}
}

// IssueDeviceToken produces a signed JWT and its expiry (seconds) for the
// provided user and device.
func (i *DeviceTokenIssuer) IssueDeviceToken(_ context.Context, claims DeviceClaims) (string, int64, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if claims.UserID == "" {
		return "", 0, errMissingSubjectClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		DeviceID: claims.DeviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.UserID,
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the bearer token is well formed and returns the
// user and device it identifies.
func (i *DeviceTokenIssuer) ValidateToken(tokenString string) (DeviceClaims, error) {
	if len(i.config.SigningSecret) == 0 {
		return DeviceClaims{}, errMissingSigningSecret
	}

	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return DeviceClaims{}, err
	}
	if claims.Subject == "" {
		return DeviceClaims{}, errMissingSubjectClaim
	}
	return DeviceClaims{UserID: claims.Subject, DeviceID: claims.DeviceID}, nil
}
