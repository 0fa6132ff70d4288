package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/dapidd12/hexhs/internal/ctxkeys"
	"github.com/dapidd12/hexhs/internal/store"
)

// roleLevels orders roles for comparison; higher outranks lower.
var roleLevels = map[string]int{
	store.RoleDeveloper: 5,
	store.RoleOwner:     4,
	store.RoleAdmin:     3,
	store.RoleReseller:  2,
	store.RoleUser:      1,
}

// RoleLevel returns the numeric rank of a role; unknown roles rank 0.
func RoleLevel(role string) int {
	return roleLevels[role]
}

// JWTAuthMiddleware validates the session token and injects tenant identity
// into the Gin context. The token is taken from the Authorization header,
// falling back to the access_token cookie and finally a token query
// parameter, since EventSource and browser WebSocket clients cannot set
// headers.
func JWTAuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "No authorization header"})
			c.Abort()
			return
		}

		claims, err := ValidateJWT(token, secret)
		if err != nil {
			status := http.StatusUnauthorized
			msg := "Invalid JWT token"
			if err == ErrExpiredJWT {
				msg = "Session expired, please log in again"
			}
			c.JSON(status, gin.H{"error": msg})
			c.Abort()
			return
		}

		c.Set(string(ctxkeys.KeyTenantID), claims.TenantID)
		c.Set(string(ctxkeys.KeyRole), claims.Role)
		c.Set(string(ctxkeys.KeyAuthType), "jwt")
		c.Set(string(ctxkeys.KeyJWTToken), token)
		c.Next()
	}
}

// RequireRole rejects requests whose authenticated role ranks below the
// minimum. It must run after JWTAuthMiddleware.
func RequireRole(minimum string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString(string(ctxkeys.KeyRole))
		if RoleLevel(role) < RoleLevel(minimum) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Insufficient permissions"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// TenantID returns the authenticated tenant for the request.
func TenantID(c *gin.Context) string {
	return c.GetString(string(ctxkeys.KeyTenantID))
}

// Role returns the authenticated role for the request.
func Role(c *gin.Context) string {
	return c.GetString(string(ctxkeys.KeyRole))
}

func bearerToken(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		parts := strings.Split(auth, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	if cookie, err := c.Cookie("access_token"); err == nil && cookie != "" {
		return cookie
	}
	return c.Query("token")
}
