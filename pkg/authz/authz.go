package authz

import (
	"net/http"

	"github.com/Phillboard/mobul-sub010/pkg/config"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const HeaderAPIKey = "X-API-KEY"

const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && keyMatch2(r.obj, p.obj) && regexMatch(r.act, p.act)
`

// Roles. Ingest callers may only push events and read condition status.
const (
	RoleOperator = "operator"
	RoleIngest   = "ingest"
)

var defaultPolicies = [][]string{
	{RoleOperator, "/v1/*", "(GET)|(POST)|(DELETE)"},
	{RoleIngest, "/v1/events", "POST"},
	{RoleIngest, "/v1/recipients/:id/conditions", "GET"},
}

var Module = fx.Module("authz",
	fx.Provide(
		NewEnforcer,
		fx.Annotate(Middleware, fx.ResultTags(`group:"middleware"`)),
	),
)

func NewEnforcer() (*casbin.Enforcer, error) {
	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, err
	}

	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, err
	}

	if _, err := e.AddPolicies(defaultPolicies); err != nil {
		return nil, err
	}
	return e, nil
}

// Middleware checks the caller's API key role against the route. An empty
// key table disables the check for local development.
func Middleware(cfg *config.Config, e *casbin.Enforcer) gin.HandlerFunc {
	keys := cfg.APIKeys
	return func(c *gin.Context) {
		if len(keys) == 0 || c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/readyz" {
			c.Next()
			return
		}

		role, ok := keys[c.GetHeader(HeaderAPIKey)]
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": "unauthorized", "message": "invalid api key"}})
			return
		}

		allowed, err := e.Enforce(role, c.Request.URL.Path, c.Request.Method)
		if err != nil {
			zap.L().Error("casbin enforce failed", zap.Error(err))
		}
		if !allowed {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": gin.H{"code": "forbidden", "message": "role not permitted"}})
			return
		}
		c.Next()
	}
}
