package audit

import (
	"net/http"

	"github.com/Phillboard/mobul-sub010/pkg/errutil"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(r *gin.Engine) {
	r.GET("/v1/audit", h.list)
}

func (h *Handler) list(c *gin.Context) {
	var req ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}

	events, err := h.svc.List(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": events})
}
