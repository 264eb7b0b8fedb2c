package monitor

import (
	"payout-engine/services/balance"
	"payout-engine/services/ledger"
	"payout-engine/services/processor"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("monitor",
	fx.Provide(
		func(p *processor.Processor) JobMonitor { return p },
		func(s *ledger.Service) LedgerReporter { return s },
		func(s *balance.Service) BalanceReader { return s },
		NewHandler,
	),
	fx.Invoke(registerRoutes),
)

func registerRoutes(engine *gin.Engine, h *Handler) {
	h.Register(engine)
}
