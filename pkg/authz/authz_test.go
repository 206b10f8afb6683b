package authz

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Phillboard/mobul-sub010/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRoles(t *testing.T) {
	gin.SetMode(gin.TestMode)

	e, err := NewEnforcer()
	require.NoError(t, err)

	cfg := &config.Config{APIKeys: map[string]string{"op-key": RoleOperator, "in-key": RoleIngest}}
	r := gin.New()
	r.Use(Middleware(cfg, e))
	r.POST("/v1/events", func(c *gin.Context) { c.Status(http.StatusAccepted) })
	r.POST("/v1/pools", func(c *gin.Context) { c.Status(http.StatusCreated) })

	cases := []struct {
		key, path string
		want      int
	}{
		{"in-key", "/v1/events", http.StatusAccepted},
		{"in-key", "/v1/pools", http.StatusForbidden},
		{"op-key", "/v1/pools", http.StatusCreated},
		{"nope", "/v1/events", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, tc.path, nil)
		req.Header.Set(HeaderAPIKey, tc.key)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		require.Equal(t, tc.want, w.Code, "%s %s", tc.key, tc.path)
	}
}
