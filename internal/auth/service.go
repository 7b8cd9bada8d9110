package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrInvalidEnrollKey = errors.New("invalid enrollment key")
)

// Service issues and validates agent session tokens and verifies the
// shared enrollment key agents present at registration.
type Service struct {
	secret        []byte
	enrollKeyHash []byte
	tokenTTL      time.Duration
}

// NewService builds an auth service. enrollKey is the plaintext key from
// config; it is hashed once at startup so comparisons never touch the
// plaintext again.
func NewService(secret, enrollKey string, tokenTTL time.Duration) (*Service, error) {
	if secret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(enrollKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &Service{
		secret:        []byte(secret),
		enrollKeyHash: hash,
		tokenTTL:      tokenTTL,
	}, nil
}

// Claims carried by an agent session token.
type Claims struct {
	AgentID  string `json:"agent_id"`
	Hostname string `json:"hostname"`
	jwt.RegisteredClaims
}

// CheckEnrollKey verifies the key an agent presented at registration.
func (s *Service) CheckEnrollKey(key string) error {
	if err := bcrypt.CompareHashAndPassword(s.enrollKeyHash, []byte(key)); err != nil {
		return ErrInvalidEnrollKey
	}
	return nil
}

// GenerateToken issues a session token bound to one agent.
func (s *Service) GenerateToken(agentID, hostname string) (string, error) {
	now := time.Now()
	claims := &Claims{
		AgentID:  agentID,
		Hostname: hostname,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "vigil-server",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken parses a session token and returns its claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
