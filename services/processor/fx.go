package processor

import (
	"payout-engine/pkg/task"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("processor",
	fx.Provide(New),
)

// Workers runs the polling worker pool for the lifetime of the app.
var Workers = fx.Module("processor.workers",
	fx.Invoke(registerWorkers),
)

// Tasks serves the asynq triggers and contributes the periodic schedule.
var Tasks = fx.Module("processor.tasks",
	fx.Provide(
		NewTask,
		task.AsPeriodic(statusPollEntry),
		task.AsPeriodic(reclaimEntry),
		task.AsPeriodic(cleanupEntry),
		task.AsPeriodic(statsEntry),
		task.AsPeriodic(reconcileEntry),
	),
	fx.Invoke(registerHandlers),
)

func registerWorkers(lc fx.Lifecycle, p *Processor) {
	lc.Append(fx.Hook{
		OnStart: p.Start,
		OnStop:  p.Stop,
	})
}

func registerHandlers(mux *asynq.ServeMux, t *Task) {
	t.Register(mux)
}
