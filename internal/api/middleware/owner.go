package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/timmy/mediasearch/internal/logger"
)

const (
	// OwnerHeader carries the authenticated owner, set by the gateway in front of the API.
	OwnerHeader = "X-Owner-ID"
	ownerKey    = "owner_id"
)

// RequireOwner rejects requests without an owner and scopes the request logger to it.
func RequireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := strings.TrimSpace(c.GetHeader(OwnerHeader))
		if owner == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": OwnerHeader + " header is required",
			})
			return
		}

		c.Set(ownerKey, owner)
		ctx := logger.WithField(c.Request.Context(), logger.FieldOwnerID, owner)
		c.Request = c.Request.WithContext(ctx)
		c.Set("logger", logger.FromContext(ctx))
		c.Next()
	}
}

// OwnerID returns the owner set by RequireOwner.
func OwnerID(c *gin.Context) string {
	return c.GetString(ownerKey)
}
