package common

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTIssuedAtLeeway is the allowed clock drift for the iat claim (engine API authentication spec)
const JWTIssuedAtLeeway = 60 * time.Second

var (
	ErrInvalidJWTSecret  = errors.New("invalid JWT secret")
	ErrMissingJWTToken   = errors.New("missing JWT token")
	ErrInvalidJWTToken   = errors.New("invalid JWT token")
	ErrJWTSecretConflict = errors.New("JWT secret and JWT secret path are mutually exclusive")
)

// DecodeJWTSecret decodes a hex encoded 32 byte secret, with or without 0x prefix
func DecodeJWTSecret(secretHex string) ([]byte, error) {
	secret, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(secretHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidJWTSecret, err.Error())
	}
	if len(secret) != 32 {
		return nil, fmt.Errorf("%w: expected 32 bytes, got %d", ErrInvalidJWTSecret, len(secret))
	}
	return secret, nil
}

// LoadJWTSecret returns the secret from either the hex string or the file at path.
// Both empty returns (nil, nil).
func LoadJWTSecret(secretHex, path string) ([]byte, error) {
	if secretHex != "" && path != "" {
		return nil, ErrJWTSecretConflict
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidJWTSecret, err.Error())
		}
		secretHex = string(data)
	}
	if secretHex == "" {
		return nil, nil
	}
	return DecodeJWTSecret(secretHex)
}

// NewJWTToken creates a HS256 token with the iat claim set to now
func NewJWTToken(secret []byte, now time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iat": now.Unix(),
	})
	authToken, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign JWT token: %w", err)
	}
	return authToken, nil
}

// VerifyJWTToken checks the signature and that iat is within JWTIssuedAtLeeway of now
func VerifyJWTToken(secret []byte, tokenStr string, now time.Time) error {
	if tokenStr == "" {
		return ErrMissingJWTToken
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidJWTToken, err.Error())
	}

	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return fmt.Errorf("%w: missing iat claim", ErrInvalidJWTToken)
	}
	drift := now.Sub(iat.Time)
	if drift > JWTIssuedAtLeeway || drift < -JWTIssuedAtLeeway {
		return fmt.Errorf("%w: stale token, iat drift %s", ErrInvalidJWTToken, drift)
	}
	return nil
}
