package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/smartobjectoriented/soo/internal/config"
	"github.com/smartobjectoriented/soo/internal/middleware/auth"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrExpiredToken       = errors.New("token has expired")
)

const RoleAdmin = "admin"

// Claims carried by admin access tokens.
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

type AuthService interface {
	Login(username, password string) (accessToken string, expiresIn time.Duration, err error)
	ValidateToken(tokenString string) (*Claims, error)
}

// authService authenticates the single operator account configured with
// ADMIN_USER / ADMIN_PASSWORD_HASH. There is no user table.
type authService struct {
	adminUser    string
	passwordHash string
	jwtSecret    []byte
	tokenTTL     time.Duration
	now          func() time.Time
}

func NewAuthService(cfg *config.Config) AuthService {
	return &authService{
		adminUser:    cfg.AdminUser,
		passwordHash: cfg.AdminPasswordHash,
		jwtSecret:    []byte(cfg.JWTSecret),
		tokenTTL:     cfg.JWTExpiry,
		now:          time.Now,
	}
}

// Login: checks the operator credentials and returns a signed access token.
func (s *authService) Login(username, password string) (string, time.Duration, error) {
	if username != s.adminUser || s.passwordHash == "" {
		// same cost as a real comparison, so usernames cannot be probed by timing
		auth.BurnCompare(password)
		return "", 0, ErrInvalidCredentials
	}
	if err := auth.VerifyPassword(s.passwordHash, password); err != nil {
		return "", 0, ErrInvalidCredentials
	}

	token, err := s.generateAccessToken(username)
	if err != nil {
		return "", 0, err
	}
	return token, s.tokenTTL, nil
}

func (s *authService) generateAccessToken(username string) (string, error) {
	now := s.now()
	claims := Claims{
		Username: username,
		Role:     RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   username,
			Issuer:    "soo-relay",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
