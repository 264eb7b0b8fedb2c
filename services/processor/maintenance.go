package processor

import (
	"context"
	"fmt"

	"payout-engine/services/ledger"
	"payout-engine/services/payout"
	"payout-engine/services/rail"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const cancelledCode = "cancelled"

// Cleanup deletes completed and failed jobs last touched before the
// retention window.
func (p *Processor) Cleanup(ctx context.Context) (int64, error) {
	cutoff := p.now().Add(-p.cfg.Retention)
	res := p.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []payout.JobStatus{payout.JobCompleted, payout.JobFailed}, cutoff).
		Delete(&payout.Job{})
	if res.Error != nil {
		zap.L().Error("job cleanup failed", zap.Error(res.Error))
		return 0, res.Error
	}
	zap.L().Info("job cleanup finished", zap.Int64("deleted", res.RowsAffected), zap.Time("cutoff", cutoff))
	return res.RowsAffected, nil
}

// ReclaimStale releases jobs whose worker disappeared mid-flight. A job with
// attempts left goes back to retrying; an exhausted one fails its payout.
func (p *Processor) ReclaimStale(ctx context.Context) (int, error) {
	cutoff := p.now().Add(-p.cfg.ClaimTimeout)
	var stale []*payout.Job
	if err := p.db.WithContext(ctx).
		Where("status = ? AND claimed_at < ?", payout.JobProcessing, cutoff).
		Order("claimed_at ASC").
		Find(&stale).Error; err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, job := range stale {
		if err := p.reclaim(ctx, job); err != nil {
			if IsLostClaim(err) {
				continue
			}
			zap.L().Error("failed to reclaim job", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		reclaimed++
	}

	if reclaimed > 0 {
		zap.L().Warn("reclaimed stale jobs", zap.Int("count", reclaimed), zap.Duration("claim_timeout", p.cfg.ClaimTimeout))
	}
	return reclaimed, nil
}

func (p *Processor) reclaim(ctx context.Context, job *payout.Job) error {
	pay, err := p.payouts.GetPayout(ctx, job.PayoutID)
	if err != nil {
		if payout.HasCode(err, payout.CodeNotFound) {
			return p.finish(ctx, p.db, job, failedCols(p.now(), payout.AsError(err)))
		}
		return err
	}

	if pay.Status == payout.StatusProcessing && pay.ProviderReference != "" {
		return p.complete(ctx, job, pay, &rail.Result{
			Success:           true,
			ProviderReference: pay.ProviderReference,
			Status:            payout.StatusProcessing,
			RawStatus:         "already_submitted",
		})
	}

	expired := payout.ProviderError(payout.CodeProviderTimeout, true, 0,
		fmt.Sprintf("worker claim expired after %s", p.cfg.ClaimTimeout), nil)
	return p.fail(ctx, job, pay, ledger.ActionJobReclaimed, expired)
}

// PollSettlements asks providers about payouts they accepted and applies
// final outcomes. It returns how many payouts changed status.
func (p *Processor) PollSettlements(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = p.cfg.PollBatch
	}
	pending, err := p.payouts.AwaitingSettlement(ctx, limit)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, pay := range pending {
		moved, err := p.pollOne(ctx, pay)
		if err != nil {
			zap.L().Warn("settlement poll failed",
				zap.String("payout_id", pay.ID),
				zap.String("rail", string(pay.Rail)),
				zap.Error(err),
			)
			continue
		}
		if moved {
			changed++
		}
	}
	return changed, nil
}

func (p *Processor) pollOne(ctx context.Context, pay *payout.Payout) (bool, error) {
	handler, err := p.registry.Resolve(ctx, pay.Rail)
	if err != nil {
		return false, err
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.ProviderTimeout)
	st, err := handler.GetPayoutStatus(callCtx, pay.ProviderReference)
	cancel()
	if err != nil {
		return false, err
	}
	if !st.Known || st.Status == payout.StatusProcessing {
		return false, nil
	}
	if !payout.StatusProcessing.CanTransition(st.Status) {
		zap.L().Warn("provider reported an unreachable status",
			zap.String("payout_id", pay.ID),
			zap.String("status", string(st.Status)),
			zap.String("raw_status", st.RawStatus),
		)
		return false, nil
	}

	reason := st.FailureReason
	if reason == "" && st.Status != payout.StatusPaid {
		reason = fmt.Sprintf("provider reported %s", st.RawStatus)
	}

	moved := false
	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := p.payouts.WithTrx(tx).Transition(ctx, pay.ID, []payout.Status{payout.StatusProcessing}, st.Status, payout.Update{
			FailureCode:   st.FailureCode,
			FailureReason: reason,
			At:            p.now(),
		})
		if err != nil || !ok {
			return err
		}
		moved = true

		severity := ledger.SeverityInfo
		if st.Status != payout.StatusPaid {
			severity = ledger.SeverityError
		}
		if _, err := p.ledger.WithTrx(tx).LogEntry(ctx, ledger.EntryParams{
			PayoutID:          pay.ID,
			UserID:            pay.UserID,
			Rail:              pay.Rail,
			Action:            ledger.ActionStatusChanged,
			Severity:          severity,
			ProviderReference: pay.ProviderReference,
			ProviderStatus:    st.RawStatus,
			ErrorCode:         st.FailureCode,
			Amount:            pay.Amount,
			Currency:          pay.Currency,
			Response:          st,
			Note:              fmt.Sprintf("%s -> %s", payout.StatusProcessing, st.Status),
			Actor:             "settlement-poller",
		}); err != nil {
			return err
		}

		final := *pay
		final.Status = st.Status
		if st.Status == payout.StatusPaid {
			return unheldFunds(&final, p.balance.WithTrx(tx).SettlePayout(ctx, &final))
		}
		return unheldFunds(&final, p.balance.WithTrx(tx).ReleasePayout(ctx, &final))
	})
	if err != nil {
		return false, err
	}

	if moved {
		p.balance.Invalidate(ctx, pay.UserID)
		zap.L().Info("payout settled by provider",
			zap.String("payout_id", pay.ID),
			zap.String("status", string(st.Status)),
			zap.String("raw_status", st.RawStatus),
		)
	}
	return moved, nil
}

// CancelPayout stops a payout. A queued payout is cancelled locally; one the
// provider already accepted is cancelled at the provider when the rail
// supports it. Funds go back to available either way.
func (p *Processor) CancelPayout(ctx context.Context, payoutID, actor string) (*payout.Payout, error) {
	pay, err := p.payouts.GetPayout(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	job, err := p.jobs.FindOne(ctx, &payout.Job{PayoutID: payoutID})
	if err != nil {
		return nil, err
	}

	switch {
	case pay.Status == payout.StatusRequested:
		if job != nil && job.Status == payout.JobProcessing {
			return nil, payout.ErrInvalidState("payout %s is being submitted to its provider", pay.ID)
		}
		err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if job != nil && !job.Status.Terminal() {
				res := tx.WithContext(ctx).Model(&payout.Job{}).
					Where("id = ? AND status = ? AND attempts = ?", job.ID, job.Status, job.Attempts).
					Updates(map[string]any{
						"status":          payout.JobFailed,
						"completed_at":    p.now(),
						"updated_at":      p.now(),
						"next_retry_at":   nil,
						"last_error":      "cancelled by " + actor,
						"last_error_code": cancelledCode,
					})
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected == 0 {
					return payout.ErrInvalidState("job for payout %s changed while cancelling", pay.ID)
				}
			}
			return p.cancelled(ctx, tx, pay, job, payout.StatusRequested, "cancelled before submission", actor)
		})
	case pay.Status == payout.StatusProcessing && pay.ProviderReference != "":
		handler, rerr := p.registry.Resolve(ctx, pay.Rail)
		if rerr != nil {
			return nil, rerr
		}
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.ProviderTimeout)
		ok, cerr := handler.CancelPayout(callCtx, pay.ProviderReference)
		cancel()
		if cerr != nil {
			return nil, cerr
		}
		if !ok {
			return nil, payout.ErrInvalidState("provider declined to cancel payout %s", pay.ID)
		}
		err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return p.cancelled(ctx, tx, pay, job, payout.StatusProcessing, "cancelled at provider", actor)
		})
	default:
		return nil, payout.ErrInvalidState("payout %s cannot be cancelled while %s", pay.ID, pay.Status)
	}
	if err != nil {
		return nil, err
	}

	p.balance.Invalidate(ctx, pay.UserID)
	zap.L().Info("payout cancelled", zap.String("payout_id", pay.ID), zap.String("actor", actor))
	return p.payouts.GetPayout(ctx, pay.ID)
}

func (p *Processor) cancelled(ctx context.Context, tx *gorm.DB, pay *payout.Payout, job *payout.Job, from payout.Status, reason, actor string) error {
	ok, err := p.payouts.WithTrx(tx).Transition(ctx, pay.ID, []payout.Status{from}, payout.StatusCancelled, payout.Update{
		FailureCode:   cancelledCode,
		FailureReason: reason,
		At:            p.now(),
	})
	if err != nil {
		return err
	}
	if !ok {
		return payout.ErrInvalidState("payout %s changed while cancelling", pay.ID)
	}

	attempt := 0
	if job != nil {
		attempt = job.Attempts
	}
	if _, err := p.ledger.WithTrx(tx).LogEntry(ctx, ledger.EntryParams{
		PayoutID:          pay.ID,
		UserID:            pay.UserID,
		Rail:              pay.Rail,
		Action:            ledger.ActionJobCancelled,
		ProviderReference: pay.ProviderReference,
		Attempt:           attempt,
		Amount:            pay.Amount,
		Currency:          pay.Currency,
		Note:              reason,
		Actor:             actor,
	}); err != nil {
		return err
	}

	final := *pay
	final.Status = payout.StatusCancelled
	return unheldFunds(&final, p.balance.WithTrx(tx).ReleasePayout(ctx, &final))
}
