package bootstrap

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("bootstrap",
	fx.Provide(
		NewService,
	),
	fx.Invoke(runBootstrap),
)

// runBootstrap migrates before any other start hook touches the tables, so
// the module must be listed ahead of the service modules.
func runBootstrap(lc fx.Lifecycle, b *Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return b.Migrate(ctx)
		},
	})
}
