package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Phillboard/mobul-sub010/pkg/errutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestErrorRendersBaseError(t *testing.T) {
	r := gin.New()
	r.Use(Error())
	r.GET("/missing", func(c *gin.Context) {
		_ = c.Error(errutil.NotFound("pool not found", errors.New("record not found")))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))

	require.Equal(t, http.StatusNotFound, w.Code)
	require.Contains(t, w.Body.String(), `"not_found"`)
}

func TestTenantAndRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestID(), Tenant())

	var tenant, reqID string
	r.GET("/", func(c *gin.Context) {
		tenant = GetTenantID(c.Request.Context())
		reqID = GetRequestID(c.Request.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderTenantID, "client-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, "client-1", tenant)
	require.NotEmpty(t, reqID)
	require.Equal(t, reqID, w.Header().Get(HeaderRequestID))
}
