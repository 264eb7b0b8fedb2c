package balance

import "go.uber.org/fx"

var Module = fx.Module("balance.service",
	fx.Provide(NewStore),
	fx.Provide(NewService),
)
