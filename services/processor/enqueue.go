package processor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"payout-engine/pkg/db"
	"payout-engine/services/ledger"
	"payout-engine/services/payout"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const bulkParallelism = 4

// BulkResult reports what BulkEnqueue did with each payout id.
type BulkResult struct {
	BatchID  string            `json:"batch_id"`
	Enqueued []string          `json:"enqueued"`
	Skipped  []string          `json:"skipped"`
	Rejected map[string]string `json:"rejected"`
}

// Enqueue validates a requested payout and queues a job for it. Queuing a
// payout that already has a job returns the existing job.
func (p *Processor) Enqueue(ctx context.Context, payoutID string, priority int) (*payout.Job, error) {
	job, _, err := p.enqueue(ctx, payoutID, priority, "")
	return job, err
}

// BulkEnqueue queues ids under one batch id. Invalid payouts are rejected
// individually; the rest of the batch still goes through.
func (p *Processor) BulkEnqueue(ctx context.Context, ids []string, priority int) (*BulkResult, error) {
	batchID, err := p.nextBatchID(ctx)
	if err != nil {
		return nil, err
	}

	res := &BulkResult{BatchID: batchID, Rejected: map[string]string{}}
	var mu sync.Mutex

	seen := make(map[string]struct{}, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkParallelism)
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		g.Go(func() error {
			_, created, err := p.enqueue(gctx, id, priority, batchID)

			var pe *payout.Error
			if err != nil && !errors.As(err, &pe) {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Rejected[id] = pe.Error()
			case created:
				res.Enqueued = append(res.Enqueued, id)
			default:
				res.Skipped = append(res.Skipped, id)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(res.Enqueued)
	sort.Strings(res.Skipped)
	zap.L().Info("bulk enqueue finished",
		zap.String("batch_id", batchID),
		zap.Int("enqueued", len(res.Enqueued)),
		zap.Int("skipped", len(res.Skipped)),
		zap.Int("rejected", len(res.Rejected)),
	)
	return res, nil
}

func (p *Processor) nextBatchID(ctx context.Context) (string, error) {
	if p.batches != nil {
		id, err := p.batches.NextBatchID(ctx)
		if err == nil {
			return id, nil
		}
		zap.L().Warn("batch sequence unavailable, using snowflake id", zap.Error(err))
	}
	return "PB-" + p.node.Generate().Base36(), nil
}

func (p *Processor) enqueue(ctx context.Context, payoutID string, priority int, batchID string) (*payout.Job, bool, error) {
	existing, err := p.jobs.FindOne(ctx, &payout.Job{PayoutID: payoutID})
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	pay, err := p.payouts.GetPayout(ctx, payoutID)
	if err != nil {
		return nil, false, err
	}
	if err := p.Validate(ctx, pay); err != nil {
		zap.L().Info("payout rejected at enqueue",
			zap.String("payout_id", payoutID),
			zap.Error(err),
		)
		return nil, false, err
	}

	now := p.now()
	job := &payout.Job{
		ID:          p.node.Generate().String(),
		PayoutID:    pay.ID,
		Status:      payout.JobQueued,
		MaxAttempts: p.cfg.MaxAttempts,
		Priority:    priority,
		BatchID:     batchID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := p.jobs.Create(ctx, job); err != nil {
		if db.IsDuplicateKey(err) {
			existing, ferr := p.jobs.FindOne(ctx, &payout.Job{PayoutID: payoutID})
			if ferr != nil {
				return nil, false, ferr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	if _, err := p.ledger.LogEntry(ctx, ledger.EntryParams{
		PayoutID:  pay.ID,
		UserID:    pay.UserID,
		Rail:      pay.Rail,
		Action:    ledger.ActionJobEnqueued,
		Amount:    pay.Amount,
		Currency:  pay.Currency,
		SourceRef: pay.ID,
		Request:   map[string]any{"job_id": job.ID, "priority": priority, "batch_id": batchID},
		Actor:     "processor",
	}); err != nil && !errors.Is(err, ledger.ErrDuplicateSource) {
		return nil, false, err
	}

	return job, true, nil
}

// Validate checks everything that would make a payout fail before any
// provider call: its state, its method, the rail's support for the
// destination and the user's daily and monthly rail limits.
func (p *Processor) Validate(ctx context.Context, pay *payout.Payout) error {
	if pay.Status != payout.StatusRequested {
		return payout.ErrInvalidState("payout %s is %s, not requested", pay.ID, pay.Status)
	}
	if err := pay.Validate(); err != nil {
		return err
	}

	method, err := p.payouts.GetMethod(ctx, pay.WithdrawalMethodID)
	if err != nil {
		return err
	}
	if method.UserID != pay.UserID {
		return payout.ErrMethodNotUsable(method.ID)
	}

	handler, err := p.registry.Resolve(ctx, pay.Rail)
	if err != nil {
		return err
	}
	if _, err := handler.Quote(ctx, pay.Amount, pay.Currency, method); err != nil {
		return err
	}

	policy := p.conf.Rail(string(pay.Rail))
	requested := pay.RequestedAt.UTC()
	if requested.IsZero() {
		requested = p.now()
	}

	if policy.DailyLimit > 0 {
		day := time.Date(requested.Year(), requested.Month(), requested.Day(), 0, 0, 0, 0, time.UTC)
		total, err := p.payouts.RequestedSince(ctx, pay.UserID, pay.Rail, day)
		if err != nil {
			return err
		}
		// total already includes this payout
		if total > policy.DailyLimit {
			return payout.ErrDailyLimitExceeded(total-pay.Amount, pay.Amount, policy.DailyLimit)
		}
	}
	if policy.MonthlyLimit > 0 {
		month := time.Date(requested.Year(), requested.Month(), 1, 0, 0, 0, 0, time.UTC)
		total, err := p.payouts.RequestedSince(ctx, pay.UserID, pay.Rail, month)
		if err != nil {
			return err
		}
		if total > policy.MonthlyLimit {
			return payout.ErrMonthlyLimitExceeded(total-pay.Amount, pay.Amount, policy.MonthlyLimit)
		}
	}
	return nil
}
