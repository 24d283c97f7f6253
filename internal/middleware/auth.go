package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kunalverma25/chatmeter/internal/auth"
	"github.com/kunalverma25/chatmeter/internal/metrics"
)

const (
	// AuthContextKey is the gin context key holding the authenticated user id
	AuthContextKey = "user_id"
	// EmailContextKey is the gin context key holding the authenticated email
	EmailContextKey = "email"
	// AdminHeader carries the admin secret for administrative routes
	AdminHeader = "X-Admin-Password"
)

// TokenVerifier validates a bearer token into claims
type TokenVerifier interface {
	VerifyToken(token string) (*auth.Claims, error)
}

// AdminVerifier validates the admin secret header
type AdminVerifier interface {
	VerifyAdminSecret(provided string) bool
}

// JWTAuth middleware validates bearer tokens. Every failure mode — missing
// header, malformed, expired, bad signature — produces the same 401 body so
// the response leaks nothing about why verification failed.
func JWTAuth(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			unauthorized(c)
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			unauthorized(c)
			return
		}

		claims, err := verifier.VerifyToken(parts[1])
		if err != nil {
			unauthorized(c)
			return
		}

		c.Set(AuthContextKey, claims.UserID)
		c.Set(EmailContextKey, claims.Email)
		c.Next()
	}
}

func unauthorized(c *gin.Context) {
	metrics.RecordAuthFailure("token_invalid")
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"error":   "invalid or expired token",
	})
}

// AdminAuth middleware validates the X-Admin-Password header in constant
// time. Failures are 403 and never mutate any state.
func AdminAuth(verifier AdminVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !verifier.VerifyAdminSecret(c.GetHeader(AdminHeader)) {
			metrics.RecordAuthFailure("admin_secret")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   "invalid admin password",
			})
			return
		}
		c.Next()
	}
}

// GetUserID retrieves the authenticated user ID from the context
func GetUserID(c *gin.Context) (string, bool) {
	userID, exists := c.Get(AuthContextKey)
	if !exists {
		return "", false
	}

	userIDStr, ok := userID.(string)
	return userIDStr, ok
}

// GetUserEmail retrieves the authenticated email from the context
func GetUserEmail(c *gin.Context) (string, bool) {
	email, exists := c.Get(EmailContextKey)
	if !exists {
		return "", false
	}

	emailStr, ok := email.(string)
	return emailStr, ok
}
