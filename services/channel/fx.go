package channel

import (
	"context"

	"github.com/Phillboard/mobul-sub010/services/tenant"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("channel.module",
	fx.Provide(
		NewService,
		func(s *tenant.Service) TenantChain { return s },
	),
	fx.Invoke(registerLegacyAccounts),
)

var Gateway = fx.Module("channel.gateway",
	fx.Provide(NewHandler),
	fx.Invoke(func(r *gin.Engine, h *Handler) { h.Register(r) }),
)

func registerLegacyAccounts(lc fx.Lifecycle, svc *Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := svc.SyncLegacyAccounts(ctx); err != nil {
				zap.L().Error("failed to register legacy messaging accounts", zap.Error(err))
				return err
			}
			return nil
		},
	})
}
