package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"payout-engine/pkg/task"
	"payout-engine/pkg/taskname"
	"payout-engine/services/balance"
	"payout-engine/services/payout"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const reconcileBatch = 100

// EnqueuePayload is the payout:enqueue task body sent by the authorization
// layer once payouts are in requested status.
type EnqueuePayload struct {
	PayoutIDs []string `json:"payout_ids"`
	Priority  int      `json:"priority"`
	TraceID   string   `json:"trace_id,omitempty"`
}

func NewEnqueueTask(payload EnqueuePayload) (*asynq.Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.PayoutEnqueue, raw), nil
}

func NewReleaseTask(ev balance.ReleaseEvent) (*asynq.Task, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.ContractPaymentRelease, raw, asynq.TaskID("release:"+ev.PaymentID)), nil
}

type Task struct {
	processor *Processor
	balance   *balance.Service
}

type TaskParams struct {
	fx.In
	Processor *Processor
	Balance   *balance.Service
}

func NewTask(p TaskParams) *Task {
	return &Task{processor: p.Processor, balance: p.Balance}
}

// Register wires every handler onto mux.
func (t *Task) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(taskname.PayoutEnqueue, t.HandleEnqueue)
	mux.HandleFunc(taskname.ContractPaymentRelease, t.HandlePaymentReleased)
	mux.HandleFunc(taskname.PayoutStatusPoll, t.HandleStatusPoll)
	mux.HandleFunc(taskname.PayoutJobsCleanup, t.HandleCleanup)
	mux.HandleFunc(taskname.PayoutJobsReclaim, t.HandleReclaim)
	mux.HandleFunc(taskname.PayoutStatsCollect, t.HandleStatsCollect)
	mux.HandleFunc(taskname.BalanceReconcileAll, t.HandleReconcileAll)
}

// skipRetry stops asynq from retrying errors a retry cannot fix.
func skipRetry(err error) error {
	var pe *payout.Error
	if errors.As(err, &pe) && !pe.Retryable {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	return err
}

func (t *Task) HandleEnqueue(ctx context.Context, at *asynq.Task) error {
	var payload EnqueuePayload
	if err := json.Unmarshal(at.Payload(), &payload); err != nil {
		return fmt.Errorf("%w: invalid payload: %v", asynq.SkipRetry, err)
	}

	zapLog := zap.L().With(
		zap.String("task_type", at.Type()),
		zap.Int("payouts", len(payload.PayoutIDs)),
		zap.String("trace_id", payload.TraceID),
	)

	if len(payload.PayoutIDs) == 1 {
		job, err := t.processor.Enqueue(ctx, payload.PayoutIDs[0], payload.Priority)
		if err != nil {
			zapLog.Warn("payout not enqueued", zap.Error(err))
			return skipRetry(err)
		}
		zapLog.Info("payout enqueued", zap.String("job_id", job.ID))
		return nil
	}

	res, err := t.processor.BulkEnqueue(ctx, payload.PayoutIDs, payload.Priority)
	if err != nil {
		zapLog.Error("bulk enqueue failed", zap.Error(err))
		return err
	}
	for id, reason := range res.Rejected {
		zapLog.Warn("payout rejected", zap.String("payout_id", id), zap.String("reason", reason))
	}
	return nil
}

func (t *Task) HandlePaymentReleased(ctx context.Context, at *asynq.Task) error {
	var ev balance.ReleaseEvent
	if err := json.Unmarshal(at.Payload(), &ev); err != nil {
		return fmt.Errorf("%w: invalid payload: %v", asynq.SkipRetry, err)
	}

	zapLog := zap.L().With(
		zap.String("task_type", at.Type()),
		zap.String("payment_id", ev.PaymentID),
		zap.String("user_id", ev.UserID),
	)

	res, err := t.balance.CreditFromRelease(ctx, ev)
	if err != nil {
		zapLog.Error("failed to credit released payment", zap.Error(err))
		return skipRetry(err)
	}
	if res.Skipped {
		zapLog.Info("released payment already credited")
		return nil
	}
	zapLog.Info("released payment credited", zap.Int64("available", res.Balance.Available))
	return nil
}

func (t *Task) HandleStatusPoll(ctx context.Context, at *asynq.Task) error {
	n, err := t.processor.PollSettlements(ctx, 0)
	if err != nil {
		return err
	}
	zap.L().Debug("settlement poll finished", zap.String("task_type", at.Type()), zap.Int("changed", n))
	return nil
}

func (t *Task) HandleCleanup(ctx context.Context, _ *asynq.Task) error {
	_, err := t.processor.Cleanup(ctx)
	return err
}

func (t *Task) HandleReclaim(ctx context.Context, _ *asynq.Task) error {
	_, err := t.processor.ReclaimStale(ctx)
	return err
}

func (t *Task) HandleStatsCollect(ctx context.Context, _ *asynq.Task) error {
	_, err := t.processor.RefreshStats(ctx)
	return err
}

func (t *Task) HandleReconcileAll(ctx context.Context, _ *asynq.Task) error {
	drift, err := t.balance.ReconcileAll(ctx, reconcileBatch)
	if err != nil {
		return err
	}
	if len(drift) > 0 {
		zap.L().Warn("users with balance drift", zap.Int("count", len(drift)))
	}
	return nil
}

func statusPollEntry() task.Periodic {
	return task.Periodic{Cron: "@every 1m", TaskType: taskname.PayoutStatusPoll, Queue: task.QueueDefault}
}

func reclaimEntry() task.Periodic {
	return task.Periodic{Cron: "@every 5m", TaskType: taskname.PayoutJobsReclaim, Queue: task.QueueCritical}
}

func cleanupEntry() task.Periodic {
	return task.Periodic{Cron: "0 3 * * *", TaskType: taskname.PayoutJobsCleanup, Queue: task.QueueLow}
}

func statsEntry() task.Periodic {
	return task.Periodic{Cron: "@every 30s", TaskType: taskname.PayoutStatsCollect, Queue: task.QueueLow}
}

func reconcileEntry() task.Periodic {
	return task.Periodic{Cron: "30 2 * * *", TaskType: taskname.BalanceReconcileAll, Queue: task.QueueLow}
}
