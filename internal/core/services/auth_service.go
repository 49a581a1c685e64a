package services

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"vocetra/internal/core/ports"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

type signalClaims struct {
	UserName string `json:"userName"`
	jwt.RegisteredClaims
}

type authService struct {
	secret []byte
	ttl    time.Duration
}

// NewAuthService builds the HS256 token issuer/verifier used at
// signaling connect time.
func NewAuthService(secret string, ttl time.Duration) ports.AuthService {
	return &authService{secret: []byte(secret), ttl: ttl}
}

func (s *authService) IssueToken(userName string) (string, error) {
	now := time.Now()
	claims := &signalClaims{
		UserName: userName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *authService) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &signalClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*signalClaims)
	if !ok || !token.Valid || claims.UserName == "" {
		return "", ErrInvalidToken
	}
	return claims.UserName, nil
}
