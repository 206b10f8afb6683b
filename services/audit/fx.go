package audit

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.module",
	fx.Provide(
		NewService,
		func(s *Service) Recorder { return s },
	),
)

var Gateway = fx.Module("audit.gateway",
	fx.Provide(NewHandler),
	fx.Invoke(func(r *gin.Engine, h *Handler) { h.Register(r) }),
)
