package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/multipack_backend/utils"
)

// AuthMiddleware verifies the embedded app's session token and scopes the request to its shop.
// Requests without a valid token are rejected.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := strings.TrimSpace(c.Request.Header.Get("Authorization"))
		if auth == "" {
			auth = strings.TrimSpace(c.Request.Header.Get("token"))
		}
		if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
			auth = strings.TrimSpace(auth[7:])
		}
		if auth == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		shop, claims, err := utils.JwtValidate(auth)
		if err != nil || shop == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetShopInContext(c.Request.Context(), shop)
		ctx = utils.SetUserIdInContext(ctx, claims.Subject)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
