package condition

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
	r.POST("/v1/events", h.evaluate)
	r.GET("/v1/recipients/:id/conditions", h.listStatuses)
	r.POST("/v1/campaigns/:id/conditions", h.define)
	r.GET("/v1/campaigns/:id/conditions", h.listDefinitions)
	r.DELETE("/v1/conditions/:id", h.deactivate)
}

// evaluate always answers 202: reward delivery happens after the response.
func (h *Handler) evaluate(c *gin.Context) {
	var req EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	res, err := h.svc.Evaluate(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (h *Handler) listStatuses(c *gin.Context) {
	out, err := h.svc.ListRecipientStatuses(c.Request.Context(), c.Param("id"), c.Query("campaign_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"statuses": out})
}

func (h *Handler) define(c *gin.Context) {
	var req DefineConditionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	out, err := h.svc.DefineConditions(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conditions": out})
}

func (h *Handler) listDefinitions(c *gin.Context) {
	out, err := h.svc.ListDefinitions(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conditions": out})
}

func (h *Handler) deactivate(c *gin.Context) {
	out, err := h.svc.DeactivateCondition(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}
