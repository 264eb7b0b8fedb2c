package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payout-engine/pkg/logger"
	"payout-engine/services/ledger"
	"payout-engine/services/payout"
	"payout-engine/services/rail"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ProcessJob runs one claimed job to its next state. A returned error means
// the job is still in processing; ReclaimStale picks it up after the claim
// timeout.
func (p *Processor) ProcessJob(ctx context.Context, job *payout.Job) error {
	log := zap.L().With(logger.TraceFields(ctx)...).With(
		zap.String("job_id", job.ID),
		zap.String("payout_id", job.PayoutID),
		zap.Int("attempt", job.Attempts),
	)

	pay, err := p.payouts.GetPayout(ctx, job.PayoutID)
	if err != nil {
		if payout.HasCode(err, payout.CodeNotFound) {
			log.Error("payout for job is gone, failing job")
			return p.finish(ctx, p.db, job, failedCols(p.now(), payout.AsError(err)))
		}
		return err
	}

	switch {
	case pay.Status == payout.StatusProcessing && pay.ProviderReference != "":
		// accepted on an earlier attempt whose job write was lost
		log.Info("payout already accepted by provider, completing job",
			zap.String("provider_reference", pay.ProviderReference))
		return p.complete(ctx, job, pay, &rail.Result{
			Success:           true,
			ProviderReference: pay.ProviderReference,
			Status:            payout.StatusProcessing,
			RawStatus:         "already_submitted",
		})
	case pay.Status != payout.StatusRequested:
		return p.fail(ctx, job, pay, ledger.ActionJobFailed,
			payout.ErrInvalidState("payout %s is %s, not requested", pay.ID, pay.Status))
	}

	method, err := p.payouts.GetMethod(ctx, pay.WithdrawalMethodID)
	if err != nil {
		var pe *payout.Error
		if !errors.As(err, &pe) {
			log.Warn("failed to load withdrawal method", zap.Error(err))
			err = payout.ErrStorage("withdrawal method", err)
		}
		return p.fail(ctx, job, pay, ledger.ActionJobFailed, err)
	}
	handler, err := p.registry.Resolve(ctx, pay.Rail)
	if err != nil {
		return p.fail(ctx, job, pay, ledger.ActionJobFailed, err)
	}

	if _, err := p.ledger.LogEntry(ctx, ledger.EntryParams{
		PayoutID: pay.ID,
		UserID:   pay.UserID,
		Rail:     pay.Rail,
		Action:   ledger.ActionJobStarted,
		Attempt:  job.Attempts,
		Amount:   pay.Amount,
		Currency: pay.Currency,
		Request: map[string]any{
			"idempotency_key": pay.IdempotencyKey(),
			"net_amount":      pay.NetAmount,
			"method_id":       method.ID,
		},
		Actor: "processor",
	}); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.ProviderTimeout)
	started := time.Now()
	res, err := handler.CreatePayout(callCtx, pay, method)
	cancel()
	p.metrics.providerCall(ctx, pay.Rail, time.Since(started))

	if err == nil && !res.Success {
		err = payout.ProviderError(payout.CodeProviderRejected, false, 0,
			fmt.Sprintf("provider reported status %q", res.RawStatus), nil)
	}
	if err != nil {
		log.Warn("provider call failed", zap.String("rail", string(pay.Rail)), zap.Error(err))
		return p.fail(ctx, job, pay, ledger.ActionJobFailed, err)
	}

	return p.complete(ctx, job, pay, res)
}

func (p *Processor) complete(ctx context.Context, job *payout.Job, pay *payout.Payout, res *rail.Result) error {
	now := p.now()

	var eta *time.Time
	if !res.EstimatedArrival.IsZero() {
		t := res.EstimatedArrival.UTC()
		eta = &t
	}

	if _, err := p.ledger.LogEntry(ctx, ledger.EntryParams{
		PayoutID:          pay.ID,
		UserID:            pay.UserID,
		Rail:              pay.Rail,
		Action:            ledger.ActionJobCompleted,
		ProviderReference: res.ProviderReference,
		ProviderStatus:    res.RawStatus,
		Attempt:           job.Attempts,
		Amount:            pay.Amount,
		Currency:          pay.Currency,
		Response:          res,
		Actor:             "processor",
	}); err != nil {
		return err
	}

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := p.finish(ctx, tx, job, map[string]any{
			"status":          payout.JobCompleted,
			"completed_at":    now,
			"next_retry_at":   nil,
			"last_error":      "",
			"last_error_code": "",
		}); err != nil {
			return err
		}

		payouts := p.payouts.WithTrx(tx)
		if pay.Status == payout.StatusRequested {
			moved, err := payouts.Transition(ctx, pay.ID, []payout.Status{payout.StatusRequested}, payout.StatusProcessing, payout.Update{
				ProviderReference: res.ProviderReference,
				ExpectedArrivalAt: eta,
				At:                now,
			})
			if err != nil {
				return err
			}
			if !moved {
				zap.L().Error("payout changed while its provider call was in flight",
					zap.String("payout_id", pay.ID),
					zap.String("provider_reference", res.ProviderReference),
				)
				return nil
			}
		}

		if res.Status == payout.StatusPaid {
			moved, err := payouts.Transition(ctx, pay.ID, []payout.Status{payout.StatusProcessing}, payout.StatusPaid, payout.Update{At: now})
			if err != nil || !moved {
				return err
			}
			settled := *pay
			settled.Status = payout.StatusPaid
			return unheldFunds(&settled, p.balance.WithTrx(tx).SettlePayout(ctx, &settled))
		}
		return nil
	})
	if err != nil {
		return err
	}

	p.metrics.outcome(ctx, pay.Rail, outcomeCompleted)
	p.balance.Invalidate(ctx, pay.UserID)
	zap.L().Info("payout submitted",
		zap.String("job_id", job.ID),
		zap.String("payout_id", pay.ID),
		zap.String("rail", string(pay.Rail)),
		zap.String("provider_reference", res.ProviderReference),
		zap.Int("attempt", job.Attempts),
	)
	return nil
}

// fail records cause and either schedules another attempt or ends the job
// and its payout. The ledger entry is written before the job row moves.
func (p *Processor) fail(ctx context.Context, job *payout.Job, pay *payout.Payout, action ledger.Action, cause error) error {
	pe := payout.AsError(cause)
	now := p.now()
	retry := pe.Retryable && job.Attempts < job.MaxAttempts

	severity := ledger.SeverityError
	note := fmt.Sprintf("attempt %d of %d failed permanently: %s", job.Attempts, job.MaxAttempts, pe.Message)
	var delay time.Duration
	if retry {
		delay = p.Backoff(pay.Rail, job.Attempts, pe.RetryAfter)
		severity = ledger.SeverityWarning
		note = fmt.Sprintf("attempt %d of %d failed, retrying in %s: %s", job.Attempts, job.MaxAttempts, delay, pe.Message)
	}

	if _, err := p.ledger.LogEntry(ctx, ledger.EntryParams{
		PayoutID:  pay.ID,
		UserID:    pay.UserID,
		Rail:      pay.Rail,
		Action:    action,
		Severity:  severity,
		ErrorCode: string(pe.Code),
		Attempt:   job.Attempts,
		Amount:    pay.Amount,
		Currency:  pay.Currency,
		Response:  pe,
		Note:      note,
		Actor:     "processor",
	}); err != nil {
		return err
	}

	if retry {
		next := now.Add(delay)
		if err := p.finish(ctx, p.db, job, map[string]any{
			"status":          payout.JobRetrying,
			"next_retry_at":   next,
			"last_error":      pe.Error(),
			"last_error_code": string(pe.Code),
		}); err != nil {
			return err
		}
		p.metrics.outcome(ctx, pay.Rail, outcomeRetrying)
		zap.L().Warn("payout job scheduled for retry",
			zap.String("job_id", job.ID),
			zap.String("payout_id", pay.ID),
			zap.String("code", string(pe.Code)),
			zap.Int("attempt", job.Attempts),
			zap.Time("next_retry_at", next),
		)
		return nil
	}

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := p.finish(ctx, tx, job, failedCols(now, pe)); err != nil {
			return err
		}
		return p.failPayout(ctx, tx, pay, []payout.Status{payout.StatusRequested, payout.StatusProcessing}, payout.StatusFailed, string(pe.Code), pe.Message)
	})
	if err != nil {
		return err
	}

	p.metrics.outcome(ctx, pay.Rail, outcomeFailed)
	p.balance.Invalidate(ctx, pay.UserID)
	zap.L().Error("payout job failed",
		zap.String("job_id", job.ID),
		zap.String("payout_id", pay.ID),
		zap.String("code", string(pe.Code)),
		zap.Int("attempt", job.Attempts),
		zap.String("reason", pe.Message),
	)
	return nil
}

// failPayout moves pay to a failure state and gives its reserved funds back.
// A payout some other writer already moved is left alone.
func (p *Processor) failPayout(ctx context.Context, tx *gorm.DB, pay *payout.Payout, from []payout.Status, to payout.Status, code, reason string) error {
	moved, err := p.payouts.WithTrx(tx).Transition(ctx, pay.ID, from, to, payout.Update{
		FailureCode:   code,
		FailureReason: reason,
		At:            p.now(),
	})
	if err != nil || !moved {
		return err
	}
	released := *pay
	released.Status = to
	return unheldFunds(&released, p.balance.WithTrx(tx).ReleasePayout(ctx, &released))
}

// unheldFunds keeps a payout outcome when the wallet no longer holds its
// reservation. The gap shows up as drift in the next reconciliation.
func unheldFunds(pay *payout.Payout, err error) error {
	if !payout.HasCode(err, payout.CodeInvalidState) {
		return err
	}
	zap.L().Error("wallet did not hold the payout's reserved funds",
		zap.String("payout_id", pay.ID),
		zap.String("user_id", pay.UserID),
		zap.String("status", string(pay.Status)),
		zap.Int64("amount", pay.Amount),
		zap.String("currency", pay.Currency),
		zap.Error(err),
	)
	return nil
}

func failedCols(now time.Time, pe *payout.Error) map[string]any {
	return map[string]any{
		"status":          payout.JobFailed,
		"completed_at":    now,
		"next_retry_at":   nil,
		"last_error":      pe.Error(),
		"last_error_code": string(pe.Code),
	}
}

// IsLostClaim reports whether err came from a job write that no longer held
// the claim.
func IsLostClaim(err error) bool {
	return errors.Is(err, errLostClaim)
}
