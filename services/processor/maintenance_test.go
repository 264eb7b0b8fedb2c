package processor

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"payout-engine/services/ledger"
	"payout-engine/services/payout"
)

func claimOnly(t *testing.T, f *fixture, payoutID string) *payout.Job {
	t.Helper()
	claimed, err := f.proc.Claim(context.Background(), f.job(t, payoutID))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	return claimed
}

func TestReclaimStaleReturnsJobToRetrying(t *testing.T) {
	f := newFixture(t, nil, newStubHandler())
	ctx := context.Background()
	f.seedMethod(t, "m1", "u1", "US")
	f.seedPayout(t, "p1", "u1", "m1", 10_000)
	_, err := f.proc.Enqueue(ctx, "p1", 0)
	require.NoError(t, err)

	claimOnly(t, f, "p1")

	// still within the claim timeout
	n, err := f.proc.ReclaimStale(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	f.clock.Advance(f.cfg.Processor.ClaimTimeout + time.Minute)
	n, err = f.proc.ReclaimStale(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job := f.job(t, "p1")
	require.Equal(t, payout.JobRetrying, job.Status)
	require.Equal(t, string(payout.CodeProviderTimeout), job.LastErrorCode)
	require.Equal(t, payout.StatusRequested, f.payout(t, "p1").Status)

	reclaimed, err := f.ledger.List(ctx, ledger.Filter{PayoutID: "p1", Action: ledger.ActionJobReclaimed})
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.Equal(t, ledger.SeverityWarning, reclaimed[0].Severity)
}

func TestReclaimStaleFailsExhaustedJob(t *testing.T) {
	f := newFixture(t, nil, newStubHandler())
	ctx := context.Background()
	f.seedMethod(t, "m1", "u1", "US")
	f.seedPayout(t, "p1", "u1", "m1", 10_000)
	_, err := f.proc.Enqueue(ctx, "p1", 0)
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&payout.Job{}).Where("payout_id = ?", "p1").Update("attempts", 2).Error)

	claimOnly(t, f, "p1")
	f.clock.Advance(f.cfg.Processor.ClaimTimeout + time.Minute)

	n, err := f.proc.ReclaimStale(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Equal(t, payout.JobFailed, f.job(t, "p1").Status)
	require.Equal(t, payout.StatusFailed, f.payout(t, "p1").Status)
	require.Equal(t, int64(10_000), f.wallet(t, "u1").Available)
}

func TestReclaimStaleCompletesAcceptedPayout(t *testing.T) {
	f := newFixture(t, nil, newStubHandler())
	ctx := context.Background()
	f.seedMethod(t, "m1", "u1", "US")
	f.seedPayout(t, "p1", "u1", "m1", 10_000)
	_, err := f.proc.Enqueue(ctx, "p1", 0)
	require.NoError(t, err)

	claimOnly(t, f, "p1")
	_, err = f.payouts.Transition(ctx, "p1", []payout.Status{payout.StatusRequested}, payout.StatusProcessing,
		payout.Update{ProviderReference: "ref-p1"})
	require.NoError(t, err)
	f.clock.Advance(f.cfg.Processor.ClaimTimeout + time.Minute)

	_, err = f.proc.ReclaimStale(ctx)
	require.NoError(t, err)
	require.Equal(t, payout.JobCompleted, f.job(t, "p1").Status)
	require.Equal(t, payout.StatusProcessing, f.payout(t, "p1").Status)
}

func TestLostClaimLeavesJobAlone(t *testing.T) {
	f := newFixture(t, nil, newStubHandler())
	ctx := context.Background()
	f.seedMethod(t, "m1", "u1", "US")
	f.seedPayout(t, "p1", "u1", "m1", 10_000)
	_, err := f.proc.Enqueue(ctx, "p1", 0)
	require.NoError(t, err)

	claimed := claimOnly(t, f, "p1")
	f.clock.Advance(f.cfg.Processor.ClaimTimeout + time.Minute)
	_, err = f.proc.ReclaimStale(ctx)
	require.NoError(t, err)

	// the original worker wakes up after its claim was taken away
	err = f.proc.ProcessJob(ctx, claimed)
	require.True(t, IsLostClaim(err), "got %v", err)
	require.Equal(t, payout.JobRetrying, f.job(t, "p1").Status)
}

func TestPollSettlementsAppliesReturn(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.provider.on("/transfer/create", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, transfer("tr_1", "pending"))
	})
	f.seedMethod(t, "m1", "u1", "US")
	f.seedPayout(t, "p1", "u1", "m1", 40_000)
	_, err := f.proc.Enqueue(ctx, "p1", 0)
	require.NoError(t, err)
	_, err = f.proc.RunOnce(ctx)
	require.NoError(t, err)

	f.provider.on("/transfer/get", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"transfer": map[string]any{
			"id":     "tr_1",
			"status": "returned",
			"failure_reason": map[string]string{
				"ach_return_code": "R03",
				"description":     "No account or unable to locate account",
			},
		}})
	})

	changed, err := f.proc.PollSettlements(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, changed)

	p := f.payout(t, "p1")
	require.Equal(t, payout.StatusReturned, p.Status)
	require.Equal(t, "R03", p.FailureCode)
	require.Equal(t, "No account or unable to locate account", p.FailureReason)
	require.Equal(t, int64(40_000), f.wallet(t, "u1").Available)

	changes, err := f.ledger.List(ctx, ledger.Filter{PayoutID: "p1", Action: ledger.ActionStatusChanged})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, "returned", changes[0].ProviderStatus)
}

func TestPollSettlementsIgnoresUnknownStatus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.provider.on("/transfer/create", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, transfer("tr_1", "pending"))
	})
	f.provider.on("/transfer/get", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, transfer("tr_1", "under_review"))
	})
	f.seedMethod(t, "m1", "u1", "US")
	f.seedPayout(t, "p1", "u1", "m1", 40_000)
	_, err := f.proc.Enqueue(ctx, "p1", 0)
	require.NoError(t, err)
	_, err = f.proc.RunOnce(ctx)
	require.NoError(t, err)

	changed, err := f.proc.PollSettlements(ctx, 0)
	require.NoError(t, err)
	require.Zero(t, changed)
	require.Equal(t, payout.StatusProcessing, f.payout(t, "p1").Status)
}
