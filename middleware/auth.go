package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"chatrelay/tools/security"
)

// CtxUserIDKey is where Auth stores the verified token subject.
const CtxUserIDKey = "userId"

// Auth requires a valid bearer token on every request and records its
// subject in the gin context. A nil secret disables the check, matching
// the websocket authenticate path.
func Auth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(secret) == 0 {
			c.Next()
			return
		}
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		sub, err := security.Verify(security.DefaultOptions(secret), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(CtxUserIDKey, sub)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	authz := strings.TrimSpace(c.GetHeader("Authorization"))
	if authz == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[len("bearer "):])
}
