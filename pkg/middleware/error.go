package middleware

import (
	"github.com/Phillboard/mobul-sub010/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last error attached with c.Error as a BaseError body.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		be := errutil.FromError(last.Err)
		if be.Code == errutil.StatusInternal {
			zap.L().Error("request failed",
				zap.String("path", c.FullPath()),
				zap.String("request_id", GetRequestID(c.Request.Context())),
				zap.Error(last.Err),
			)
		}

		c.AbortWithStatusJSON(be.Code.HTTPStatus(), be.JSON())
	}
}
