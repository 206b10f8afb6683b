package ledger

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
	g := r.Group("/v1/ledger/:tenant")
	g.POST("/credits", h.credit)
	g.GET("/balance", h.balance)
	g.GET("/verify", h.verify)
}

func (h *Handler) credit(c *gin.Context) {
	var req EntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	req.TenantID = c.Param("tenant")

	entry, err := h.svc.AddCredit(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (h *Handler) balance(c *gin.Context) {
	bal, err := h.svc.GetBalance(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

func (h *Handler) verify(c *gin.Context) {
	err := h.svc.VerifyChain(c.Request.Context(), c.Param("tenant"))
	if err != nil && !errors.Is(err, ErrChainBroken) {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": err == nil})
}
