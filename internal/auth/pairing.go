package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 5 * time.Minute
	defaultIssuer   = "bluenote"
)

var (
	// ErrMissingSigningSecret indicates the pairing secret was not configured.
	ErrMissingSigningSecret = errors.New("auth: pairing secret must be provided")
	// ErrMissingDeviceID indicates a token request or token without a device id.
	ErrMissingDeviceID = errors.New("auth: device id must be provided")
	// ErrInvalidToken indicates a token that failed signature or claim validation.
	ErrInvalidToken = errors.New("auth: invalid pairing token")
)

// PairingConfig configures the tokens paired devices present to each other.
type PairingConfig struct {
	// SigningSecret is shared by every device of the user.
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// PairingTokens issues and validates the HS256 tokens sent in the companion
// handshake. The subject is the calling device and the audience the device
// being called, so a token cannot be replayed against another peer.
type PairingTokens struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  func() time.Time
}

// NewPairingTokens constructs PairingTokens with defaults applied.
func NewPairingTokens(cfg PairingConfig) (*PairingTokens, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = defaultIssuer
	}
	return &PairingTokens{
		secret: cfg.SigningSecret,
		issuer: issuer,
		ttl:    ttl,
		clock:  clock,
	}, nil
}

// Issue signs a token for deviceID to present to peerID.
func (p *PairingTokens) Issue(deviceID, peerID string) (string, time.Time, error) {
	if deviceID == "" || peerID == "" {
		return "", time.Time{}, ErrMissingDeviceID
	}

	now := p.clock().UTC()
	expiresAt := now.Add(p.ttl)
	registered := jwt.RegisteredClaims{
		Subject:   deviceID,
		Issuer:    p.issuer,
		Audience:  []string{peerID},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Validate checks a token addressed to selfID and returns the calling device id.
func (p *PairingTokens) Validate(tokenString, selfID string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return p.secret, nil
		},
		jwt.WithAudience(selfID),
		jwt.WithIssuer(p.issuer),
		jwt.WithTimeFunc(p.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", ErrMissingDeviceID
	}
	return claims.Subject, nil
}
