package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey is the key for storing the API key in gin context.
	ContextKeyAPIKey = "apiKey"
	// ContextKeyApplicationID is the key for storing the authenticated
	// application ID in gin context.
	ContextKeyApplicationID = "authApplicationID"
)

// Middleware extracts and validates an API key from the request and, if
// valid, sets apiKey and authApplicationID in context. It never aborts:
// routes that require auth chain RequireAuth or RequireOwnership after it.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyApplicationID, key.ApplicationID)
			}
		}

		c.Next()
	}
}

// RequireAuth middleware rejects requests without valid auth.
func RequireAuth(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyAPIKey); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireOwnership middleware requires auth AND that the authenticated
// key's application matches the :paramName URL param.
func RequireOwnership(m *Manager, paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, exists := c.Get(ContextKeyAPIKey)
		if !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required.",
			})
			return
		}

		targetApp := c.Param(paramName)

		apiKey, ok := key.(*APIKey)
		if !ok {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Invalid authentication state",
			})
			return
		}
		if apiKey.ApplicationID != targetApp {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "You do not own this application.",
			})
			return
		}

		c.Next()
	}
}

// GetAPIKey returns the API key from context (if authenticated).
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	apiKey, ok := key.(*APIKey)
	if !ok {
		return nil, false
	}
	return apiKey, true
}

// GetAuthenticatedApplication returns the authenticated application ID.
func GetAuthenticatedApplication(c *gin.Context) string {
	id, exists := c.Get(ContextKeyApplicationID)
	if !exists {
		return ""
	}
	s, ok := id.(string)
	if !ok {
		return ""
	}
	return s
}

// IsAuthenticated checks if the request is authenticated.
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyAPIKey)
	return exists
}

// RequireAdmin middleware restricts access to admin endpoints.
// Checks the X-Admin-Secret header against the ADMIN_SECRET env var.
// Demo mode requires explicit DEMO_MODE=true to allow any authenticated request.
func RequireAdmin() gin.HandlerFunc {
	adminSecret := os.Getenv("ADMIN_SECRET")
	demoMode := os.Getenv("DEMO_MODE") == "true"
	if adminSecret == "" && !demoMode {
		slog.Error("ADMIN_SECRET is not set and DEMO_MODE is not enabled. Admin endpoints will reject all requests. Set ADMIN_SECRET for production or DEMO_MODE=true for development.")
	}
	return func(c *gin.Context) {
		if adminSecret == "" {
			if !demoMode {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "forbidden",
					"message": "Admin access is disabled. Set ADMIN_SECRET or enable DEMO_MODE.",
				})
				return
			}
			if _, exists := c.Get(ContextKeyAPIKey); !exists {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthorized",
					"message": "API key required.",
				})
				return
			}
			c.Next()
			return
		}

		provided := c.GetHeader("X-Admin-Secret")
		if provided == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin access required.",
			})
			return
		}

		if subtle.ConstantTimeCompare([]byte(provided), []byte(adminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin credentials.",
			})
			return
		}

		c.Next()
	}
}

// IsAdminRequest checks if the request carries a valid admin secret.
// Uses constant-time comparison to prevent timing attacks.
// Returns false if ADMIN_SECRET is not set (unless DEMO_MODE is enabled).
func IsAdminRequest(c *gin.Context) bool {
	provided := c.GetHeader("X-Admin-Secret")
	if provided == "" {
		return false
	}
	adminSecret := os.Getenv("ADMIN_SECRET")
	if adminSecret == "" {
		return os.Getenv("DEMO_MODE") == "true"
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(adminSecret)) == 1
}
