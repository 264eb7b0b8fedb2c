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

// Run after DB initialized, before the processor starts polling.
func runBootstrap(lc fx.Lifecycle, b *Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return b.Migrate(ctx)
		},
	})
}
