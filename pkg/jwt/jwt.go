package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	TokenAccess  = "access"
	TokenRefresh = "refresh"
	TokenProof   = "proof"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims identify a device. Control API tokens name the device an operator
// is logged into; connection proofs name the device answering a challenge.
type Claims struct {
	DeviceID  string `json:"device_id"`
	TokenType string `json:"token_type"`
	Challenge string `json:"challenge,omitempty"`
	jwt.RegisteredClaims
}

func sign(claims *Claims, key []byte) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func newClaims(deviceID, tokenType string, expiration time.Duration) *Claims {
	now := time.Now()
	return &Claims{
		DeviceID:  deviceID,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
		},
	}
}

func GenerateToken(deviceID string, expiration time.Duration, secret string) (string, error) {
	return sign(newClaims(deviceID, TokenAccess, expiration), []byte(secret))
}

func GenerateRefreshToken(deviceID string, expiration time.Duration, secret string) (string, error) {
	return sign(newClaims(deviceID, TokenRefresh, expiration), []byte(secret))
}

func parse(tokenString string, key []byte) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateToken accepts access tokens only.
func ValidateToken(tokenString, secret string) (*Claims, error) {
	claims, err := parse(tokenString, []byte(secret))
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenAccess {
		return nil, fmt.Errorf("%w: not an access token", ErrInvalidToken)
	}
	return claims, nil
}

func ValidateRefreshToken(tokenString, secret string) (*Claims, error) {
	claims, err := parse(tokenString, []byte(secret))
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenRefresh {
		return nil, fmt.Errorf("%w: not a refresh token", ErrInvalidToken)
	}
	return claims, nil
}

// GenerateProof answers a connection challenge. The audience is the device
// that issued the challenge.
func GenerateProof(deviceID, audience, challenge string, expiration time.Duration, key []byte) (string, error) {
	claims := newClaims(deviceID, TokenProof, expiration)
	claims.Challenge = challenge
	claims.Audience = jwt.ClaimStrings{audience}
	return sign(claims, key)
}

// ValidateProof checks a challenge answer from deviceID addressed to
// audience.
func ValidateProof(tokenString string, key []byte, deviceID, audience, challenge string) (*Claims, error) {
	claims, err := parse(tokenString, key)
	if err != nil {
		return nil, err
	}
	switch {
	case claims.TokenType != TokenProof:
		return nil, fmt.Errorf("%w: not a proof", ErrInvalidToken)
	case claims.DeviceID != deviceID:
		return nil, fmt.Errorf("%w: proof names %q", ErrInvalidToken, claims.DeviceID)
	case claims.Challenge != challenge:
		return nil, fmt.Errorf("%w: challenge mismatch", ErrInvalidToken)
	case len(claims.Audience) != 1 || claims.Audience[0] != audience:
		return nil, fmt.Errorf("%w: wrong audience", ErrInvalidToken)
	}
	return claims, nil
}
