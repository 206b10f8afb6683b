package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type tenantKey struct{}
type requestIDKey struct{}

const (
	HeaderTenantID  = "X-TENANT-ID"
	HeaderRequestID = "X-REQUEST-ID"
)

// Tenant copies X-TENANT-ID into the request context.
func Tenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.GetHeader(HeaderTenantID); id != "" {
			c.Request = c.Request.WithContext(WithTenantID(c.Request.Context(), id))
		}
		c.Next()
	}
}

// RequestID propagates X-REQUEST-ID or mints one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(HeaderRequestID, id)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), requestIDKey{}, id))
		c.Next()
	}
}

func WithTenantID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tenantKey{}, id)
}

func GetTenantID(ctx context.Context) string {
	id, _ := ctx.Value(tenantKey{}).(string)
	return id
}

func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
