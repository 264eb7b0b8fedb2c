package balance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"payout-engine/pkg/config"
	"payout-engine/pkg/db"
	"payout-engine/pkg/db/pagination"
	"payout-engine/pkg/logger"
	"payout-engine/pkg/redis"
	"payout-engine/pkg/rediskey"
	"payout-engine/services/ledger"
	"payout-engine/services/payout"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const reconcileParallelism = 4

// Service keeps wallet balances in step with payout outcomes and upstream
// payment releases, and detects drift without ever correcting it.
type Service struct {
	db       *gorm.DB
	store    Store
	payouts  *payout.Store
	ledger   *ledger.Service
	cache    redis.Cache
	cacheTTL time.Duration
}

type ServiceParams struct {
	fx.In
	DB      *gorm.DB
	Config  *config.Config
	Store   Store
	Payouts *payout.Store
	Ledger  *ledger.Service
	Cache   redis.Cache `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		store:    p.Store,
		payouts:  p.Payouts,
		ledger:   p.Ledger,
		cache:    p.Cache,
		cacheTTL: p.Config.Balance.CacheTTL,
	}
}

// WithTrx binds every write to tx so callers can fold balance moves into a
// larger transaction.
func (s *Service) WithTrx(tx *gorm.DB) *Service {
	if tx == nil {
		return s
	}
	cp := *s
	cp.db = tx
	cp.store = s.store.WithTrx(tx)
	cp.payouts = s.payouts.WithTrx(tx)
	cp.ledger = s.ledger.WithTrx(tx)
	return &cp
}

// CreditBalance is the only path that increases available funds.
func (s *Service) CreditBalance(ctx context.Context, userID string, amount int64, currency string) (*WalletBalance, error) {
	wb, err := s.store.Credit(ctx, userID, currency, amount)
	if err != nil {
		zap.L().With(logger.TraceFields(ctx)...).Error("failed to credit balance",
			zap.String("user_id", userID),
			zap.Int64("amount", amount),
			zap.String("currency", currency),
			zap.Error(err),
		)
		return nil, err
	}
	s.Invalidate(ctx, userID)
	return wb, nil
}

// CreditFromRelease credits an upstream payment release exactly once. A
// replayed event is reported as skipped.
func (s *Service) CreditFromRelease(ctx context.Context, ev ReleaseEvent) (*CreditResult, error) {
	if ev.PaymentID == "" || ev.UserID == "" {
		return nil, payout.ErrInvalidState("release event requires payment_id and user_id")
	}
	ev.Currency = strings.ToUpper(ev.Currency)
	if ev.ReleasedAt.IsZero() {
		ev.ReleasedAt = time.Now().UTC()
	}

	existing, err := s.ledger.FindBySource(ctx, ledger.ActionBalanceCredited, ev.PaymentID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		zap.L().Info("release already credited, skipping",
			zap.String("payment_id", ev.PaymentID),
			zap.String("entry_id", existing.ID),
		)
		return &CreditResult{Skipped: true}, nil
	}

	var wb *WalletBalance
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txs := s.WithTrx(tx)
		if err := txs.store.RecordRelease(ctx, &ev); err != nil {
			return err
		}
		credited, err := txs.store.Credit(ctx, ev.UserID, ev.Currency, ev.Amount)
		if err != nil {
			return err
		}
		wb = credited
		_, err = txs.ledger.LogEntry(ctx, ledger.EntryParams{
			UserID:    ev.UserID,
			Action:    ledger.ActionBalanceCredited,
			Amount:    ev.Amount,
			Currency:  ev.Currency,
			SourceRef: ev.PaymentID,
			Request:   ev,
			Note:      fmt.Sprintf("contract %s payment released", ev.ContractID),
		})
		return err
	})
	if isDuplicate(err) {
		zap.L().Info("release credited concurrently, skipping", zap.String("payment_id", ev.PaymentID))
		return &CreditResult{Skipped: true}, nil
	}
	if err != nil {
		zap.L().With(logger.TraceFields(ctx)...).Error("failed to credit release",
			zap.String("payment_id", ev.PaymentID),
			zap.Error(err),
		)
		return nil, err
	}

	s.Invalidate(ctx, ev.UserID)
	return &CreditResult{Balance: wb}, nil
}

func isDuplicate(err error) bool {
	return err != nil && (errors.Is(err, ledger.ErrDuplicateSource) || db.IsDuplicateKey(err))
}

// SettlePayout moves a paid payout's funds from pending to withdrawn. It is
// idempotent per payout.
func (s *Service) SettlePayout(ctx context.Context, p *payout.Payout) error {
	return s.applyOutcome(ctx, p, ledger.ActionBalanceSettled, func(st Store) error {
		return st.Settle(ctx, p.UserID, p.Currency, p.Amount)
	})
}

// ReleasePayout returns a failed, cancelled or returned payout's funds to
// available. It is idempotent per payout.
func (s *Service) ReleasePayout(ctx context.Context, p *payout.Payout) error {
	return s.applyOutcome(ctx, p, ledger.ActionBalanceReleased, func(st Store) error {
		return st.Release(ctx, p.UserID, p.Currency, p.Amount)
	})
}

func (s *Service) applyOutcome(ctx context.Context, p *payout.Payout, action ledger.Action, move func(Store) error) error {
	existing, err := s.ledger.FindBySource(ctx, action, p.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := move(s.store.WithTrx(tx)); err != nil {
			return err
		}
		_, err := s.ledger.WithTrx(tx).LogEntry(ctx, ledger.EntryParams{
			PayoutID:  p.ID,
			UserID:    p.UserID,
			Rail:      p.Rail,
			Action:    action,
			Amount:    p.Amount,
			Currency:  p.Currency,
			SourceRef: p.ID,
			Note:      fmt.Sprintf("payout %s", p.Status),
		})
		return err
	})
	if isDuplicate(err) {
		return nil
	}
	if err != nil {
		zap.L().With(logger.TraceFields(ctx)...).Error("failed to apply payout outcome to balance",
			zap.String("payout_id", p.ID),
			zap.String("action", string(action)),
			zap.Error(err),
		)
		return err
	}

	s.Invalidate(ctx, p.UserID)
	return nil
}

// ReconcileUserBalance recomputes each currency's available balance from
// release history minus payouts still holding funds, and reports gaps. Stored
// balances are never modified.
func (s *Service) ReconcileUserBalance(ctx context.Context, userID string) ([]Discrepancy, error) {
	released, err := s.store.ReleasedByCurrency(ctx, userID)
	if err != nil {
		return nil, err
	}
	outstanding, err := s.payouts.OutstandingByCurrency(ctx, userID)
	if err != nil {
		return nil, err
	}
	stored, err := s.store.List(ctx, userID)
	if err != nil {
		return nil, err
	}

	available := make(map[string]int64, len(stored))
	currencies := map[string]struct{}{}
	for _, wb := range stored {
		available[wb.Currency] = wb.Available
		currencies[wb.Currency] = struct{}{}
	}
	for c := range released {
		currencies[c] = struct{}{}
	}
	for c := range outstanding {
		currencies[c] = struct{}{}
	}

	var out []Discrepancy
	for c := range currencies {
		expected := released[c] - outstanding[c]
		if diff := expected - available[c]; diff != 0 {
			out = append(out, Discrepancy{
				UserID:     userID,
				Currency:   c,
				Stored:     available[c],
				Expected:   expected,
				Difference: diff,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })

	for _, d := range out {
		zap.L().Warn("balance drift detected",
			zap.String("user_id", userID),
			zap.String("currency", d.Currency),
			zap.Int64("stored", d.Stored),
			zap.Int64("expected", d.Expected),
			zap.Int64("difference", d.Difference),
		)
		if _, err := s.ledger.LogEntry(ctx, ledger.EntryParams{
			UserID:   userID,
			Action:   ledger.ActionBalanceDriftDetected,
			Amount:   d.Difference,
			Currency: d.Currency,
			Response: d,
			Note:     fmt.Sprintf("stored %d, expected %d", d.Stored, d.Expected),
		}); err != nil {
			return out, err
		}
	}

	return out, nil
}

// ReconcileAll runs ReconcileUserBalance for every user holding a balance,
// batch users per page. It returns the users with drift.
func (s *Service) ReconcileAll(ctx context.Context, batch int) (map[string][]Discrepancy, error) {
	if batch <= 0 {
		batch = 100
	}

	var (
		mu     sync.Mutex
		drift  = map[string][]Discrepancy{}
		cursor string
	)
	for {
		users, err := s.store.Users(ctx, cursor, batch)
		if err != nil {
			return drift, err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(reconcileParallelism)
		for _, u := range users {
			g.Go(func() error {
				d, err := s.ReconcileUserBalance(gctx, u)
				if err != nil {
					return fmt.Errorf("reconcile %s: %w", u, err)
				}
				if len(d) > 0 {
					mu.Lock()
					drift[u] = d
					mu.Unlock()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return drift, err
		}

		if len(users) < batch {
			break
		}
		cursor = users[len(users)-1]
	}

	zap.L().Info("balance reconciliation finished", zap.Int("users_with_drift", len(drift)))
	return drift, nil
}

// GetBalances is the cached read view of a user's balances.
func (s *Service) GetBalances(ctx context.Context, userID string) ([]*WalletBalance, error) {
	key := rediskey.BuildBalanceKey(userID)
	if s.cache != nil {
		raw, err := s.cache.Get(ctx, key)
		if err == nil {
			var cached []*WalletBalance
			if jerr := json.Unmarshal(raw, &cached); jerr == nil {
				return cached, nil
			}
		} else if !errors.Is(err, redis.ErrMiss) {
			zap.L().Warn("balance cache read failed", zap.String("key", key), zap.Error(err))
		}
	}

	balances, err := s.store.List(ctx, userID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if raw, err := json.Marshal(balances); err == nil {
			if err := s.cache.Set(ctx, key, raw, s.cacheTTL); err != nil {
				zap.L().Warn("balance cache write failed", zap.String("key", key), zap.Error(err))
			}
		}
	}
	return balances, nil
}

// HistoryPage is one page of a user's payouts.
type HistoryPage struct {
	Payouts  []*payout.Payout     `json:"payouts"`
	PageInfo *pagination.PageInfo `json:"page_info"`
}

// GetPayoutHistory pages a user's payouts newest first. Only the default
// first page is cached; deeper pages always read the database.
func (s *Service) GetPayoutHistory(ctx context.Context, userID string, page pagination.Pagination) (*HistoryPage, error) {
	key := rediskey.BuildPayoutHistoryKey(userID)
	cacheable := s.cache != nil && page.Cursor == "" && page.Size() == pagination.DefaultLimit

	if cacheable {
		raw, err := s.cache.Get(ctx, key)
		if err == nil {
			var cached HistoryPage
			if jerr := json.Unmarshal(raw, &cached); jerr == nil {
				return &cached, nil
			}
		} else if !errors.Is(err, redis.ErrMiss) {
			zap.L().Warn("payout history cache read failed", zap.String("key", key), zap.Error(err))
		}
	}

	payouts, info, err := s.payouts.History(ctx, userID, page)
	if err != nil {
		return nil, err
	}
	out := &HistoryPage{Payouts: payouts, PageInfo: info}

	if cacheable {
		if raw, err := json.Marshal(out); err == nil {
			if err := s.cache.Set(ctx, key, raw, s.cacheTTL); err != nil {
				zap.L().Warn("payout history cache write failed", zap.String("key", key), zap.Error(err))
			}
		}
	}
	return out, nil
}

// Invalidate drops the user's cached balance and payout history views.
func (s *Service) Invalidate(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, rediskey.BuildBalanceKey(userID), rediskey.BuildPayoutHistoryKey(userID)); err != nil {
		zap.L().Warn("cache invalidation failed", zap.String("user_id", userID), zap.Error(err))
	}
}
