package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	ContextKeySubject = "auth_subject"
	ContextKeyClaims  = "auth_claims"
)

// Middleware creates a JWT authentication middleware
func Middleware(jwtManager *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abort(c, http.StatusUnauthorized, ErrUnauthorized, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			abort(c, http.StatusUnauthorized, ErrUnauthorized, "invalid authorization header format")
			return
		}

		claims, err := jwtManager.ValidateAccessToken(strings.TrimSpace(parts[1]))
		if err != nil {
			authErr, ok := err.(AuthError)
			if !ok {
				authErr = ErrInvalidToken
			}
			abort(c, http.StatusUnauthorized, authErr, authErr.Message)
			return
		}

		c.Set(ContextKeySubject, claims.Subject)
		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// RequireAdmin rejects tokens without the admin role. It must run after
// Middleware.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !GetClaims(c).IsAdmin() {
			abort(c, http.StatusForbidden, ErrForbidden, ErrForbidden.Message)
			return
		}
		c.Next()
	}
}

// GetClaims extracts the token claims from the Gin context
func GetClaims(c *gin.Context) *Claims {
	if claims, exists := c.Get(ContextKeyClaims); exists {
		if cl, ok := claims.(*Claims); ok {
			return cl
		}
	}
	return nil
}

// GetSubject returns the token subject, or "" when unauthenticated.
func GetSubject(c *gin.Context) string {
	return c.GetString(ContextKeySubject)
}

func abort(c *gin.Context, status int, err AuthError, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error":   err.Code,
		"message": msg,
	})
}
