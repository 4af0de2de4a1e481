package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ForbiddenError indicates a caller acting on another user's record.
type ForbiddenError struct {
	UserID string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("token does not grant access to user %s", e.UserID)
}

var ErrNoSecret = errors.New("jwt secret not configured")

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Service issues and verifies HS256 identity tokens whose subject is a user id.
type Service struct {
	Secret string
	TTL    time.Duration
	Now    func() time.Time
}

func (s Service) Enabled() bool {
	return strings.TrimSpace(s.Secret) != ""
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// IssueToken signs a token for userID. It returns "" when no secret is configured.
func (s Service) IssueToken(userID, pseudo string) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	issued := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(issued),
		},
		Pseudo: pseudo,
	}
	if s.TTL > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(issued.Add(s.TTL))
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

type Claims struct {
	jwt.RegisteredClaims
	Pseudo string `json:"pseudo,omitempty"`
}

// ParseToken verifies token and returns its claims.
func (s Service) ParseToken(token string) (Claims, error) {
	if !s.Enabled() {
		return Claims{}, ErrNoSecret
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	claims := Claims{}
	parsed, err := parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return []byte(s.Secret), nil
	})
	if err != nil {
		return Claims{}, err
	}
	if !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Claims{}, errors.New("subject claim required")
	}
	return claims, nil
}
