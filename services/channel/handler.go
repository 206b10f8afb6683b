package channel

import (
	"errors"
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
	r.POST("/v1/channels/resolve", h.resolve)

	g := r.Group("/v1/accounts")
	g.POST("", h.upsert)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.POST("/:id/validate", h.validate)
	g.POST("/:id/invalidate", h.invalidate)
	g.PATCH("/:id/enabled", h.setEnabled)
}

func (h *Handler) resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	res, err := h.svc.Resolve(c.Request.Context(), req)
	if errors.Is(err, ErrNoChannelAvailable) {
		c.JSON(http.StatusOK, res)
		return
	}
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) upsert(c *gin.Context) {
	var req UpsertAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	acc, err := h.svc.UpsertAccount(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, acc)
}

func (h *Handler) list(c *gin.Context) {
	accounts, err := h.svc.ListAccounts(c.Request.Context(), c.Query("owner_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

func (h *Handler) get(c *gin.Context) {
	acc, err := h.svc.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, acc)
}

func (h *Handler) validate(c *gin.Context) {
	acc, err := h.svc.MarkValidated(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, acc)
}

func (h *Handler) invalidate(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)

	acc, err := h.svc.Invalidate(c.Request.Context(), c.Param("id"), body.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, acc)
}

func (h *Handler) setEnabled(c *gin.Context) {
	var body struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	acc, err := h.svc.SetEnabled(c.Request.Context(), c.Param("id"), *body.Enabled)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, acc)
}
