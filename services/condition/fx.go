package condition

import (
	"github.com/Phillboard/mobul-sub010/services/campaign"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

// Module expects a Dispatcher from the fulfillment module.
var Module = fx.Module("condition.module",
	fx.Provide(
		NewService,
		func(s *campaign.Service) Campaigns { return s },
	),
)

var Gateway = fx.Module("condition.gateway",
	fx.Provide(NewHandler),
	fx.Invoke(func(r *gin.Engine, h *Handler) { h.Register(r) }),
)
