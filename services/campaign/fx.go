package campaign

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("campaign.module",
	fx.Provide(
		NewService,
	),
)

var Gateway = fx.Module("campaign.gateway",
	fx.Provide(NewHandler),
	fx.Invoke(func(r *gin.Engine, h *Handler) { h.Register(r) }),
)
