package middleware

import (
	"net/http"
	"strings"

	"teamcast/internal/core/services"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware guards operational HTTP endpoints with bearer tokens. The
// token is accepted from the Authorization header or a token query parameter
// (the latter matches how relay WebSocket clients attach it).
func AuthMiddleware(tokens services.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := tokenFromRequest(c.Request)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			c.Abort()
			return
		}

		claims, err := tokens.Validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Set("subject", claims.Subject)
		c.Next()
	}
}

func tokenFromRequest(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// TokenFromRequest is the upgrade-path variant used by the WebSocket handler.
func TokenFromRequest(r *http.Request) string {
	return tokenFromRequest(r)
}
