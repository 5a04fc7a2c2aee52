package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	AdminKeyHeader = "X-Admin-Key"
	CallerKey      = "caller"
)

// AdminAuth accepts either the static admin key in X-Admin-Key or a Bearer
// service token carrying ScopeRotationAdmin. With neither configured the
// admin API is closed.
func AdminAuth(adminKey, serviceSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" && serviceSecret == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "admin API disabled"})
			return
		}

		if key := c.GetHeader(AdminKeyHeader); key != "" && adminKey != "" {
			if subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) == 1 {
				c.Set(CallerKey, "admin-key")
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin key"})
			return
		}

		header := c.GetHeader("Authorization")
		if serviceSecret == "" || !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
			return
		}
		claims, err := ParseServiceToken(strings.TrimPrefix(header, "Bearer "), serviceSecret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if claims.Scope != ScopeRotationAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient scope"})
			return
		}
		c.Set(CallerKey, claims.Subject)
		c.Next()
	}
}

// GetCaller returns who passed AdminAuth: "admin-key" or a token subject.
func GetCaller(c *gin.Context) string {
	if v, exists := c.Get(CallerKey); exists {
		return v.(string)
	}
	return ""
}
