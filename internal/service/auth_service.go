package service

import (
	"errors"
	"fmt"
	"time"

	"bizsync-p2p/internal/domain"
	"bizsync-p2p/pkg/hash"
	"bizsync-p2p/pkg/jwt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// AuthService issues control API tokens for the local device. There is a
// single operator credential: a bcrypt hash from configuration.
type AuthService struct {
	deviceID          string
	passwordHash      string
	jwtSecret         string
	jwtExpiration     time.Duration
	refreshExpiration time.Duration
}

func NewAuthService(deviceID, passwordHash, jwtSecret string, jwtExp, refreshExp time.Duration) *AuthService {
	return &AuthService{
		deviceID:          deviceID,
		passwordHash:      passwordHash,
		jwtSecret:         jwtSecret,
		jwtExpiration:     jwtExp,
		refreshExpiration: refreshExp,
	}
}

func (s *AuthService) Login(req *domain.LoginRequest) (*domain.LoginResponse, error) {
	if s.passwordHash == "" {
		return nil, fmt.Errorf("control API login is disabled: no password configured")
	}
	if err := hash.Compare(s.passwordHash, req.Password); err != nil {
		return nil, ErrInvalidCredentials
	}

	accessToken, err := jwt.GenerateToken(s.deviceID, s.jwtExpiration, s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	refreshToken, err := jwt.GenerateRefreshToken(s.deviceID, s.refreshExpiration, s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	return &domain.LoginResponse{
		DeviceID:     s.deviceID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.jwtExpiration.Seconds()),
	}, nil
}

func (s *AuthService) RefreshToken(req *domain.RefreshTokenRequest) (*domain.TokenResponse, error) {
	claims, err := jwt.ValidateRefreshToken(req.RefreshToken, s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh token")
	}
	if claims.DeviceID != s.deviceID {
		return nil, fmt.Errorf("refresh token was issued by another device")
	}

	accessToken, err := jwt.GenerateToken(claims.DeviceID, s.jwtExpiration, s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	return &domain.TokenResponse{
		AccessToken: accessToken,
		ExpiresIn:   int64(s.jwtExpiration.Seconds()),
	}, nil
}

func (s *AuthService) ValidateToken(token string) (*jwt.Claims, error) {
	claims, err := jwt.ValidateToken(token, s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if claims.DeviceID != s.deviceID {
		return nil, fmt.Errorf("invalid token: issued by another device")
	}
	return claims, nil
}
