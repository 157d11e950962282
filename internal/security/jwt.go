package security

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/luciancaetano/kephasgate"
)

// DeviceClaims are the token claims the gateway understands. The subject is
// the device id.
type DeviceClaims struct {
	Fingerprint string         `json:"fingerprint,omitempty"`
	DeviceInfo  map[string]any `json:"device_info,omitempty"`
	jwt.RegisteredClaims
}

// JWTValidator validates HMAC-signed device tokens.
type JWTValidator struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTValidator creates a validator for tokens signed with secret. When
// issuer is non-empty the iss claim must match it.
func NewJWTValidator(secret, issuer string) *JWTValidator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTValidator{secret: []byte(secret), parser: jwt.NewParser(opts...)}
}

// ValidateToken parses token and returns the device it was issued to.
func (v *JWTValidator) ValidateToken(_ context.Context, token string) (DeviceIdentity, error) {
	claims := &DeviceClaims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		msg := "token is invalid"
		if errors.Is(err, jwt.ErrTokenExpired) {
			msg = "token has expired"
		}
		return DeviceIdentity{}, kephasgate.NewAuthenticationError(kephasgate.CodeInvalidToken, msg).Wrap(err)
	}
	if claims.Subject == "" {
		return DeviceIdentity{}, kephasgate.NewAuthenticationError(kephasgate.CodeInvalidToken, "token has no subject")
	}
	return DeviceIdentity{
		DeviceID:    claims.Subject,
		Fingerprint: claims.Fingerprint,
		DeviceInfo:  claims.DeviceInfo,
	}, nil
}

// Sign issues a token for claims. It is used by tooling and tests.
func (v *JWTValidator) Sign(claims DeviceClaims) (string, error) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}
