package task

import (
	"context"

	"payout-engine/pkg/config"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Periodic is a cron entry contributed by a service through the
// "periodic" value group.
type Periodic struct {
	Cron     string
	TaskType string
	Queue    string
}

// AsPeriodic annotates a constructor so its result joins the periodic group.
func AsPeriodic(f any) any {
	return fx.Annotate(f, fx.ResultTags(`group:"periodic"`))
}

var Scheduler = fx.Module("asynq:scheduler",
	fx.Invoke(registerScheduler),
)

type schedulerParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *config.Config
	Entries   []Periodic `group:"periodic"`
}

func registerScheduler(p schedulerParams) error {
	scheduler := asynq.NewScheduler(redisOpt(p.Config), &asynq.SchedulerOpts{
		EnqueueErrorHandler: func(task *asynq.Task, opts []asynq.Option, err error) {
			zap.L().Error("[Asynq] scheduled enqueue failed", zap.String("task_type", task.Type()), zap.Error(err))
		},
	})

	for _, e := range p.Entries {
		queue := e.Queue
		if queue == "" {
			queue = QueueDefault
		}
		id, err := scheduler.Register(e.Cron, asynq.NewTask(e.TaskType, nil), asynq.Queue(queue))
		if err != nil {
			return err
		}
		zap.L().Info("[Asynq] periodic task registered",
			zap.String("entry_id", id),
			zap.String("task_type", e.TaskType),
			zap.String("cron", e.Cron),
		)
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return scheduler.Start()
		},
		OnStop: func(ctx context.Context) error {
			scheduler.Shutdown()
			return nil
		},
	})

	return nil
}
