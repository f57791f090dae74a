package middlewares

import (
	"net/http"

	"bitbucket.org/mmdatafocus/orderlink_backend/utils"
	"github.com/gin-gonic/gin"
)

// SessionMiddleware resolves the token header into the business id and
// username every tenant-scoped handler depends on. Requests without a token
// pass through; handlers reject them when they need a session.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}

		claims, err := utils.JwtValidate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetBusinessIdInContext(ctx, claims.BusinessId)
		ctx = utils.SetUsernameInContext(ctx, claims.Username)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
