package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/harrison/claudecron/internal/config"
)

// authMiddleware guards the API group per the configured auth type.
// /health stays open; it is registered outside the group.
func authMiddleware(auth config.AuthConfig) gin.HandlerFunc {
	switch auth.Type {
	case config.AuthBearer:
		return func(c *gin.Context) {
			header := c.GetHeader("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || !tokenEqual(token, auth.Token) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			c.Next()
		}
	case config.AuthAPIKey:
		headerName := auth.AuthHeader()
		return func(c *gin.Context) {
			if !tokenEqual(c.GetHeader(headerName), auth.Token) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			c.Next()
		}
	default:
		return func(c *gin.Context) { c.Next() }
	}
}

func tokenEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
