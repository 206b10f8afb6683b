package inventory

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("inventory.module",
	fx.Provide(
		NewService,
	),
)

var Gateway = fx.Module("inventory.gateway",
	fx.Provide(NewHandler),
	fx.Invoke(func(r *gin.Engine, h *Handler) { h.Register(r) }),
)
