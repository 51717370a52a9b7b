package middlewares

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/multipack_backend/config"
	"github.com/mmdatafocus/multipack_backend/utils"
	"google.golang.org/api/idtoken"
)

var errPushAudienceUnset = errors.New("PUBSUB_PUSH_AUDIENCE is not set")

// TokenValidator checks a Google-signed OIDC token minted for audience.
type TokenValidator func(ctx context.Context, token string, audience string) (*idtoken.Payload, error)

// PubSubPushMiddleware admits push deliveries that carry a Google OIDC token for
// PUBSUB_PUSH_AUDIENCE and, when PUBSUB_PUSH_SERVICE_ACCOUNT is set, were minted for that
// service account. Without an audience the check is skipped outside production and every
// delivery is rejected in production.
func PubSubPushMiddleware(validate TokenValidator) gin.HandlerFunc {
	if validate == nil {
		validate = idtoken.Validate
	}
	return func(c *gin.Context) {
		audience := strings.TrimSpace(os.Getenv("PUBSUB_PUSH_AUDIENCE"))
		if audience == "" {
			if utils.IsProduction() {
				config.LogError(config.GetLogger(), "middlewares", "PubSubPushMiddleware", "reject push", c.FullPath(), errPushAudienceUnset)
				c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				c.Abort()
				return
			}
			c.Next()
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		payload, err := validate(c.Request.Context(), token, audience)
		if err != nil {
			config.LogError(config.GetLogger(), "middlewares", "PubSubPushMiddleware", "validate push token", c.FullPath(), err)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		if account := strings.TrimSpace(os.Getenv("PUBSUB_PUSH_SERVICE_ACCOUNT")); account != "" {
			email, _ := payload.Claims["email"].(string)
			verified, _ := payload.Claims["email_verified"].(bool)
			if !verified || !strings.EqualFold(email, account) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				c.Abort()
				return
			}
		}
		c.Next()
	}
}
