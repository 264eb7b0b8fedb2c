package processor

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"payout-engine/pkg/config"
	"payout-engine/services/ledger"
	"payout-engine/services/payout"
	"payout-engine/services/rail"
)

func TestEnqueueValidatesBeforeQueuing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seedMethod(t, "m1", "u1", "US")
	f.seedMethod(t, "m-mx", "u1", "MX")

	unverified := &payout.WithdrawalMethod{
		ID: "m-new", UserID: "u1", Rail: rail.DomesticACH, Kind: payout.MethodBankAccount,
		Destination: "acct", Currency: "USD", Country: "US", IsActive: true,
	}
	require.NoError(t, f.payouts.CreateMethod(ctx, unverified))

	f.seedPayout(t, "p-mx", "u1", "m-mx", 10_000)
	f.seedPayout(t, "p-new", "u1", "m-new", 10_000)
	f.seedPayout(t, "p-paid", "u1", "m1", 10_000)
	_, err := f.payouts.Transition(ctx, "p-paid", []payout.Status{payout.StatusRequested}, payout.StatusProcessing, payout.Update{})
	require.NoError(t, err)

	tests := []struct {
		id   string
		code payout.Code
	}{
		{"p-mx", payout.CodeCountryUnsupported},
		{"p-new", payout.CodeMethodNotUsable},
		{"p-paid", payout.CodeInvalidState},
		{"missing", payout.CodeNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.id, func(t *testing.T) {
			_, err := f.proc.Enqueue(ctx, tc.id, 0)
			require.True(t, payout.HasCode(err, tc.code), "got %v", err)
		})
	}

	var jobs int64
	require.NoError(t, f.db.Model(&payout.Job{}).Count(&jobs).Error)
	require.Zero(t, jobs)
}

func TestEnqueueIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seedMethod(t, "m1", "u1", "US")
	f.seedPayout(t, "p1", "u1", "m1", 10_000)

	first, err := f.proc.Enqueue(ctx, "p1", 3)
	require.NoError(t, err)
	require.Equal(t, payout.JobQueued, first.Status)
	require.Equal(t, 3, first.MaxAttempts)
	require.Equal(t, 3, first.Priority)

	second, err := f.proc.Enqueue(ctx, "p1", 9)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	enqueued, err := f.ledger.List(ctx, ledger.Filter{PayoutID: "p1", Action: ledger.ActionJobEnqueued})
	require.NoError(t, err)
	require.Len(t, enqueued, 1)
}

func TestEnqueueEnforcesDailyLimit(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		ach := cfg.Rails[string(rail.DomesticACH)]
		ach.DailyLimit = 300_000
		cfg.Rails[string(rail.DomesticACH)] = ach
	})
	ctx := context.Background()
	f.seedMethod(t, "m1", "u1", "US")

	f.seedPayout(t, "p1", "u1", "m1", 150_000)
	f.seedPayout(t, "p2", "u1", "m1", 150_000)
	_, err := f.proc.Enqueue(ctx, "p1", 0)
	require.NoError(t, err)
	_, err = f.proc.Enqueue(ctx, "p2", 0)
	require.NoError(t, err)

	f.seedPayout(t, "p3", "u1", "m1", 1_000)
	_, err = f.proc.Enqueue(ctx, "p3", 0)
	require.True(t, payout.HasCode(err, payout.CodeDailyLimitExceeded), "got %v", err)

	// another user has their own allowance
	f.seedMethod(t, "m2", "u2", "US")
	f.seedPayout(t, "p4", "u2", "m2", 1_000)
	_, err = f.proc.Enqueue(ctx, "p4", 0)
	require.NoError(t, err)
}

func TestEnqueueEnforcesMonthlyLimit(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		ach := cfg.Rails[string(rail.DomesticACH)]
		ach.MonthlyLimit = 400_000
		cfg.Rails[string(rail.DomesticACH)] = ach
	})
	ctx := context.Background()
	f.seedMethod(t, "m1", "u1", "US")

	earlier := f.seedPayout(t, "p-early", "u1", "m1", 390_000)
	require.NoError(t, f.db.Model(&payout.Payout{}).Where("id = ?", earlier.ID).
		Update("requested_at", epoch.AddDate(0, 0, -10)).Error)

	f.seedPayout(t, "p1", "u1", "m1", 20_000)
	_, err := f.proc.Enqueue(ctx, "p1", 0)
	require.True(t, payout.HasCode(err, payout.CodeMonthlyLimitExceeded), "got %v", err)
}

func TestBulkEnqueueSharesBatchAndSkipsDuplicates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seedMethod(t, "m1", "u1", "US")
	f.seedMethod(t, "m-mx", "u1", "MX")
	f.seedPayout(t, "p1", "u1", "m1", 10_000)
	f.seedPayout(t, "p2", "u1", "m1", 20_000)
	f.seedPayout(t, "p-mx", "u1", "m-mx", 10_000)

	res, err := f.proc.BulkEnqueue(ctx, []string{"p1", "p2", "p-mx", "p1", "missing"}, 4)
	require.NoError(t, err)
	require.Equal(t, "PB-260318-001AB", res.BatchID)
	require.Equal(t, []string{"p1", "p2"}, res.Enqueued)
	require.Empty(t, res.Skipped)
	require.Len(t, res.Rejected, 2)
	require.Contains(t, res.Rejected["p-mx"], string(payout.CodeCountryUnsupported))
	require.Contains(t, res.Rejected, "missing")

	for _, id := range res.Enqueued {
		job := f.job(t, id)
		require.Equal(t, res.BatchID, job.BatchID)
		require.Equal(t, 4, job.Priority)
	}

	again, err := f.proc.BulkEnqueue(ctx, []string{"p1", "p2"}, 4)
	require.NoError(t, err)
	require.Empty(t, again.Enqueued)
	require.Equal(t, []string{"p1", "p2"}, again.Skipped)
}

func TestBulkEnqueueFallsBackToSnowflakeBatchID(t *testing.T) {
	f := newFixture(t, nil)
	f.proc.batches = nil
	f.seedMethod(t, "m1", "u1", "US")
	f.seedPayout(t, "p1", "u1", "m1", 10_000)

	res, err := f.proc.BulkEnqueue(context.Background(), []string{"p1"}, 0)
	require.NoError(t, err)
	require.Regexp(t, `^PB-[0-9a-z]+$`, res.BatchID)
	require.Equal(t, res.BatchID, f.job(t, "p1").BatchID)
}

func TestCancelQueuedPayoutReleasesFunds(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seedMethod(t, "m1", "u1", "US")
	f.seedPayout(t, "p1", "u1", "m1", 10_000)
	_, err := f.proc.Enqueue(ctx, "p1", 0)
	require.NoError(t, err)

	p, err := f.proc.CancelPayout(ctx, "p1", "ops@example.com")
	require.NoError(t, err)
	require.Equal(t, payout.StatusCancelled, p.Status)

	job := f.job(t, "p1")
	require.Equal(t, payout.JobFailed, job.Status)
	require.Equal(t, cancelledCode, job.LastErrorCode)
	require.Equal(t, int64(10_000), f.wallet(t, "u1").Available)

	cancelled, err := f.ledger.List(ctx, ledger.Filter{PayoutID: "p1", Action: ledger.ActionJobCancelled})
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	require.Equal(t, "ops@example.com", cancelled[0].Actor)

	// the queued job is gone from the worker's view
	n, err := f.proc.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = f.proc.CancelPayout(ctx, "p1", "ops@example.com")
	require.True(t, payout.HasCode(err, payout.CodeInvalidState))
}

func TestCancelAcceptedPayoutAtProvider(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.provider.on("/transfer/create", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, transfer("tr_9", "pending"))
	})
	f.provider.on("/transfer/cancel", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, transfer("tr_9", "cancelled"))
	})
	f.seedMethod(t, "m1", "u1", "US")
	f.seedPayout(t, "p1", "u1", "m1", 10_000)
	_, err := f.proc.Enqueue(ctx, "p1", 0)
	require.NoError(t, err)
	_, err = f.proc.RunOnce(ctx)
	require.NoError(t, err)

	p, err := f.proc.CancelPayout(ctx, "p1", "support")
	require.NoError(t, err)
	require.Equal(t, payout.StatusCancelled, p.Status)
	require.Equal(t, 1, f.provider.count("/transfer/cancel"))
	require.Equal(t, int64(10_000), f.wallet(t, "u1").Available)
}

func TestCancelUnsupportedByRail(t *testing.T) {
	f := newFixture(t, nil, newStubHandler())
	ctx := context.Background()
	f.seedMethod(t, "m1", "u1", "US")
	f.seedPayout(t, "p1", "u1", "m1", 10_000)
	_, err := f.proc.Enqueue(ctx, "p1", 0)
	require.NoError(t, err)
	_, err = f.proc.RunOnce(ctx)
	require.NoError(t, err)

	_, err = f.proc.CancelPayout(ctx, "p1", "support")
	require.True(t, payout.HasCode(err, payout.CodeCancelNotSupported))
	require.Equal(t, payout.StatusProcessing, f.payout(t, "p1").Status)
	require.Zero(t, f.wallet(t, "u1").Available)
}

func TestCleanupDeletesOldTerminalJobs(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	old := epoch.Add(-f.cfg.Processor.Retention - time.Hour)

	for _, j := range []payout.Job{
		{ID: "j1", PayoutID: "a", Status: payout.JobCompleted, MaxAttempts: 3, CreatedAt: old, UpdatedAt: old},
		{ID: "j2", PayoutID: "b", Status: payout.JobFailed, MaxAttempts: 3, CreatedAt: old, UpdatedAt: old},
		{ID: "j3", PayoutID: "c", Status: payout.JobCompleted, MaxAttempts: 3, CreatedAt: epoch, UpdatedAt: epoch},
		{ID: "j4", PayoutID: "d", Status: payout.JobQueued, MaxAttempts: 3, CreatedAt: old, UpdatedAt: old},
	} {
		require.NoError(t, f.db.Create(&j).Error)
	}

	deleted, err := f.proc.Cleanup(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), deleted)

	var left []string
	require.NoError(t, f.db.Model(&payout.Job{}).Order("id").Pluck("id", &left).Error)
	require.Equal(t, []string{"j3", "j4"}, left)
}
