// Package auth implements the credential manager: password hashing and
// verification, session token issuance and verification, and the admin
// secret check. It is stateless and performs no I/O.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/kunalverma25/chatmeter/internal/config"
)

// ErrInvalidToken is returned for every token verification failure. Callers
// must not learn whether a token was malformed, expired or forged; the
// distinction is logged server-side only.
var ErrInvalidToken = errors.New("invalid token")

// Claims represents the session token claims
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// Manager issues and verifies credentials. It is safe for concurrent use.
type Manager struct {
	secret        []byte
	adminPassword []byte
	tokenTTL      time.Duration
	bcryptCost    int
	dummyHash     []byte
}

// NewManager creates a credential manager from the auth configuration
func NewManager(cfg config.AuthConfig) *Manager {
	cost := cfg.BcryptCost
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}

	// Throwaway hash at the configured cost, compared on unknown-account
	// logins so both failure paths pay the same bcrypt work
	dummy, _ := bcrypt.GenerateFromPassword([]byte("no-such-account"), cost)

	return &Manager{
		secret:        []byte(cfg.JWTSecret),
		adminPassword: []byte(cfg.AdminPassword),
		tokenTTL:      cfg.TokenTTL,
		bcryptCost:    cost,
		dummyHash:     dummy,
	}
}

// HashPassword returns a salted bcrypt hash of the plaintext password
func (m *Manager) HashPassword(plain string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plain), m.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(b), nil
}

// VerifyPassword compares a bcrypt hash against a plaintext password. A
// malformed hash counts as a verification failure, never an error.
func (m *Manager) VerifyPassword(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// VerifyDummyPassword burns a bcrypt comparison against the throwaway hash.
// Login calls it when no account matches the email, so response latency
// does not reveal which addresses are registered.
func (m *Manager) VerifyDummyPassword(plain string) {
	_ = bcrypt.CompareHashAndPassword(m.dummyHash, []byte(plain))
}

// IssueToken signs an HS256 session token embedding the user identity and
// the configured expiry. It returns the token and its expiration time.
func (m *Manager) IssueToken(userID, email string) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(m.tokenTTL)

	claims := Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, expiresAt, nil
}

// VerifyToken checks signature and expiry. Every failure collapses to
// ErrInvalidToken.
func (m *Manager) VerifyToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.UserID == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// VerifyAdminSecret compares the provided secret against the configured
// admin password in constant time. It never mutates any state.
func (m *Manager) VerifyAdminSecret(provided string) bool {
	return subtle.ConstantTimeCompare([]byte(provided), m.adminPassword) == 1
}
