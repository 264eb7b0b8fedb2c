package processor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"payout-engine/pkg/task"
	"payout-engine/pkg/taskname"
	"payout-engine/services/balance"
	"payout-engine/services/payout"
)

func newTestTask(f *fixture) *Task {
	return NewTask(TaskParams{Processor: f.proc, Balance: f.balance})
}

func TestHandlePaymentReleasedCreditsOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tk := newTestTask(f)

	at, err := NewReleaseTask(balance.ReleaseEvent{PaymentID: "pay-7", UserID: "u9", ContractID: "c-1", Amount: 2_500, Currency: "USD"})
	require.NoError(t, err)
	require.Equal(t, taskname.ContractPaymentRelease, at.Type())

	require.NoError(t, tk.HandlePaymentReleased(ctx, at))
	require.NoError(t, tk.HandlePaymentReleased(ctx, at))

	require.Equal(t, int64(2_500), f.wallet(t, "u9").Available)
}

func TestHandlersSkipRetryOnBadInput(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tk := newTestTask(f)

	err := tk.HandlePaymentReleased(ctx, asynq.NewTask(taskname.ContractPaymentRelease, []byte("{")))
	require.True(t, errors.Is(err, asynq.SkipRetry))

	at, err := NewEnqueueTask(EnqueuePayload{PayoutIDs: []string{"missing"}})
	require.NoError(t, err)
	err = tk.HandleEnqueue(ctx, at)
	require.True(t, errors.Is(err, asynq.SkipRetry), "got %v", err)
}

func TestHandleEnqueueQueuesBatch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seedMethod(t, "m1", "u1", "US")
	f.seedPayout(t, "p1", "u1", "m1", 10_000)
	f.seedPayout(t, "p2", "u1", "m1", 10_000)

	raw, err := json.Marshal(EnqueuePayload{PayoutIDs: []string{"p1", "p2", "missing"}, Priority: 2})
	require.NoError(t, err)
	require.NoError(t, newTestTask(f).HandleEnqueue(ctx, asynq.NewTask(taskname.PayoutEnqueue, raw)))

	for _, id := range []string{"p1", "p2"} {
		job := f.job(t, id)
		require.Equal(t, payout.JobQueued, job.Status)
		require.Equal(t, 2, job.Priority)
	}
}

func TestMaintenanceHandlersRun(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tk := newTestTask(f)

	require.NoError(t, tk.HandleStatusPoll(ctx, asynq.NewTask(taskname.PayoutStatusPoll, nil)))
	require.NoError(t, tk.HandleCleanup(ctx, asynq.NewTask(taskname.PayoutJobsCleanup, nil)))
	require.NoError(t, tk.HandleReclaim(ctx, asynq.NewTask(taskname.PayoutJobsReclaim, nil)))
	require.NoError(t, tk.HandleStatsCollect(ctx, asynq.NewTask(taskname.PayoutStatsCollect, nil)))
	require.NoError(t, tk.HandleReconcileAll(ctx, asynq.NewTask(taskname.BalanceReconcileAll, nil)))
}

func TestRegisterCoversEveryTaskType(t *testing.T) {
	f := newFixture(t, nil)
	mux := asynq.NewServeMux()
	newTestTask(f).Register(mux)

	for _, typ := range []string{
		taskname.PayoutEnqueue,
		taskname.ContractPaymentRelease,
		taskname.PayoutStatusPoll,
		taskname.PayoutJobsCleanup,
		taskname.PayoutJobsReclaim,
		taskname.PayoutStatsCollect,
		taskname.BalanceReconcileAll,
	} {
		_, pattern := mux.Handler(asynq.NewTask(typ, nil))
		require.Equal(t, typ, pattern)
	}
}

func TestPeriodicEntries(t *testing.T) {
	seen := map[string]bool{}
	for _, e := range []func() task.Periodic{statusPollEntry, reclaimEntry, cleanupEntry, statsEntry, reconcileEntry} {
		p := e()
		require.NotEmpty(t, p.Cron)
		require.NotEmpty(t, p.Queue)
		seen[p.TaskType] = true
	}
	require.Len(t, seen, 5)
}
