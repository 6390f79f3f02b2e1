package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/casoon/auditmysite-studio-sub003/pkg/api/common"
)

// ServiceAuthMiddleware guards mutating audit routes with a static
// bearer token. Comparison is constant time so the token cannot be
// probed byte by byte.
func ServiceAuthMiddleware(expectedToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				common.NewErrorResponse(common.CodeUnauthorized, "missing authorization header", nil))
			return
		}

		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				common.NewErrorResponse(common.CodeUnauthorized, "authorization header must be a bearer token", nil))
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				common.NewErrorResponse(common.CodeUnauthorized, "invalid service token", nil))
			return
		}

		c.Next()
	}
}
