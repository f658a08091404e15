package admin

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultTokenExpiration is the default expiration time for operator tokens.
	DefaultTokenExpiration = 12 * time.Hour

	issuer = "tabletime"
)

var (
	// ErrInvalidToken is returned when a JWT token is invalid.
	ErrInvalidToken = errors.New("invalid token")

	// ErrNoOperator is returned when a token is requested without an operator name.
	ErrNoOperator = errors.New("operator name is required")
)

// Claims represents the JWT claims for a floor operator.
type Claims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// AuthService issues and validates operator tokens.
type AuthService struct {
	jwtSecret       []byte
	tokenExpiration time.Duration
	now             func() time.Time
}

// NewAuthService creates a new authentication service.
func NewAuthService(jwtSecret string, tokenExpiration time.Duration) *AuthService {
	if tokenExpiration == 0 {
		tokenExpiration = DefaultTokenExpiration
	}

	return &AuthService{
		jwtSecret:       []byte(jwtSecret),
		tokenExpiration: tokenExpiration,
		now:             time.Now,
	}
}

// ValidateToken validates a JWT token and returns the claims.
func (s *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now))

	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Operator == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// GenerateToken generates a new JWT token for an operator. A zero ttl uses
// the service's token expiration.
func (s *AuthService) GenerateToken(operator string, ttl time.Duration) (string, time.Time, error) {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return "", time.Time{}, ErrNoOperator
	}
	if ttl <= 0 {
		ttl = s.tokenExpiration
	}

	now := s.now()
	expiresAt := now.Add(ttl)
	claims := &Claims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   operator,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}

	return signedToken, expiresAt, nil
}
