package inventory

import (
	"net/http"
	"strconv"

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
	g := r.Group("/v1/pools")
	g.POST("", h.createPool)
	g.GET("", h.listPools)
	g.GET("/:id", h.getPool)
	g.POST("/:id/units", h.addUnits)
	g.GET("/:id/units", h.listUnits)

	r.GET("/v1/units/:id/code", h.revealCode)
}

func (h *Handler) createPool(c *gin.Context) {
	var req CreatePoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	pool, err := h.svc.CreatePool(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, pool)
}

func (h *Handler) listPools(c *gin.Context) {
	var req ListPoolsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}

	pools, err := h.svc.ListPools(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pools": pools})
}

func (h *Handler) getPool(c *gin.Context) {
	pool, err := h.svc.GetPool(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, pool)
}

func (h *Handler) addUnits(c *gin.Context) {
	var req AddUnitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	out, err := h.svc.AddUnits(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) listUnits(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	units, err := h.svc.ListUnits(c.Request.Context(), c.Param("id"), UnitState(c.Query("state")), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"units": units})
}

func (h *Handler) revealCode(c *gin.Context) {
	code, err := h.svc.RevealCode(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unit_id": c.Param("id"), "code": code})
}
