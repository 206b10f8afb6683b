package task

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(r *gin.Engine) {
	r.POST("/v1/tasks/retry-sweep", h.runRetrySweep)
	r.GET("/v1/tasks/jobs", h.listJobs)
}

// runRetrySweep runs one sweep synchronously and returns its counts.
func (h *Handler) runRetrySweep(c *gin.Context) {
	out, err := h.svc.RunRetrySweep(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) listJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	out, err := h.svc.ListJobs(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}
