package balance

import (
	"context"
	"strings"
	"time"

	"payout-engine/pkg/db"
	"payout-engine/pkg/db/option"
	"payout-engine/pkg/repository"
	"payout-engine/services/payout"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the atomic balance mutation layer. Every method is a single
// conditional statement; none of them read-modify-write.
type Store interface {
	WithTrx(tx *gorm.DB) Store
	Credit(ctx context.Context, userID, currency string, amount int64) (*WalletBalance, error)
	Debit(ctx context.Context, userID, currency string, amount int64) error
	Settle(ctx context.Context, userID, currency string, amount int64) error
	Release(ctx context.Context, userID, currency string, amount int64) error
	Get(ctx context.Context, userID, currency string) (*WalletBalance, error)
	List(ctx context.Context, userID string) ([]*WalletBalance, error)
	Users(ctx context.Context, after string, limit int) ([]string, error)
	RecordRelease(ctx context.Context, ev *ReleaseEvent) error
	ReleasedByCurrency(ctx context.Context, userID string) (map[string]int64, error)
}

type gormStore struct {
	db       *gorm.DB
	node     *snowflake.Node
	balances repository.Repository[WalletBalance]
	releases repository.Repository[ReleaseEvent]
}

type StoreParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewStore(p StoreParams) Store {
	return &gormStore{
		db:       p.DB,
		node:     p.Node,
		balances: repository.ProvideStore[WalletBalance](p.DB),
		releases: repository.ProvideStore[ReleaseEvent](p.DB),
	}
}

func (s *gormStore) WithTrx(tx *gorm.DB) Store {
	if tx == nil {
		return s
	}
	return &gormStore{
		db:       tx,
		node:     s.node,
		balances: s.balances.WithTrx(tx),
		releases: s.releases.WithTrx(tx),
	}
}

// Credit adds amount to available and total earned, creating the row on
// first credit. Postgres goes through credit_wallet_balance.
func (s *gormStore) Credit(ctx context.Context, userID, currency string, amount int64) (*WalletBalance, error) {
	if amount <= 0 {
		return nil, payout.ErrInvalidAmount(amount)
	}
	currency = strings.ToUpper(currency)
	id := s.node.Generate().String()

	if db.IsPostgres(s.db) {
		var wb WalletBalance
		err := s.db.WithContext(ctx).
			Raw("SELECT * FROM credit_wallet_balance(?, ?, ?, ?)", id, userID, currency, amount).
			Scan(&wb).Error
		if err != nil {
			return nil, err
		}
		return &wb, nil
	}

	now := time.Now()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "currency"}},
		DoUpdates: clause.Assignments(map[string]any{
			"available":    gorm.Expr("available + ?", amount),
			"total_earned": gorm.Expr("total_earned + ?", amount),
			"updated_at":   now,
		}),
	}).Create(&WalletBalance{
		ID:          id,
		UserID:      userID,
		Currency:    currency,
		Available:   amount,
		TotalEarned: amount,
		UpdatedAt:   now,
	}).Error
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, userID, currency)
}

// Debit reserves amount for a payout: available to pending.
func (s *gormStore) Debit(ctx context.Context, userID, currency string, amount int64) error {
	if amount <= 0 {
		return payout.ErrInvalidAmount(amount)
	}
	currency = strings.ToUpper(currency)

	n, err := s.move(ctx, userID, currency, "available >= ?", amount, map[string]any{
		"available": gorm.Expr("available - ?", amount),
		"pending":   gorm.Expr("pending + ?", amount),
	})
	if err != nil {
		return err
	}
	if n == 0 {
		var available int64
		if wb, _ := s.Get(ctx, userID, currency); wb != nil {
			available = wb.Available
		}
		return payout.ErrInsufficientBalance(available, amount, currency)
	}
	return nil
}

// Settle moves a paid payout's reservation from pending to withdrawn.
func (s *gormStore) Settle(ctx context.Context, userID, currency string, amount int64) error {
	n, err := s.move(ctx, userID, strings.ToUpper(currency), "pending >= ?", amount, map[string]any{
		"pending":         gorm.Expr("pending - ?", amount),
		"total_withdrawn": gorm.Expr("total_withdrawn + ?", amount),
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return payout.ErrInvalidState("no pending %d %s to settle for user %s", amount, currency, userID)
	}
	return nil
}

// Release returns a failed payout's reservation to available.
func (s *gormStore) Release(ctx context.Context, userID, currency string, amount int64) error {
	n, err := s.move(ctx, userID, strings.ToUpper(currency), "pending >= ?", amount, map[string]any{
		"pending":   gorm.Expr("pending - ?", amount),
		"available": gorm.Expr("available + ?", amount),
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return payout.ErrInvalidState("no pending %d %s to release for user %s", amount, currency, userID)
	}
	return nil
}

func (s *gormStore) move(ctx context.Context, userID, currency, guard string, amount int64, cols map[string]any) (int64, error) {
	if amount <= 0 {
		return 0, payout.ErrInvalidAmount(amount)
	}
	cols["updated_at"] = time.Now()
	res := s.db.WithContext(ctx).Model(&WalletBalance{}).
		Where("user_id = ? AND currency = ?", userID, currency).
		Where(guard, amount).
		Updates(cols)
	return res.RowsAffected, res.Error
}

func (s *gormStore) Get(ctx context.Context, userID, currency string) (*WalletBalance, error) {
	return s.balances.FindOne(ctx, &WalletBalance{UserID: userID, Currency: strings.ToUpper(currency)})
}

func (s *gormStore) List(ctx context.Context, userID string) ([]*WalletBalance, error) {
	return s.balances.Find(ctx, &WalletBalance{UserID: userID}, option.OrderBy("currency ASC"))
}

// Users pages through user ids holding a balance, in id order.
func (s *gormStore) Users(ctx context.Context, after string, limit int) ([]string, error) {
	var ids []string
	q := s.db.WithContext(ctx).Model(&WalletBalance{}).
		Distinct("user_id").
		Order("user_id ASC").
		Limit(limit)
	if after != "" {
		q = q.Where("user_id > ?", after)
	}
	err := q.Pluck("user_id", &ids).Error
	return ids, err
}

func (s *gormStore) RecordRelease(ctx context.Context, ev *ReleaseEvent) error {
	return s.releases.Create(ctx, ev)
}

func (s *gormStore) ReleasedByCurrency(ctx context.Context, userID string) (map[string]int64, error) {
	var rows []struct {
		Currency string
		Total    int64
	}
	err := s.db.WithContext(ctx).Model(&ReleaseEvent{}).
		Select("currency, COALESCE(SUM(amount), 0) AS total").
		Where("user_id = ?", userID).
		Group("currency").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Currency] = r.Total
	}
	return out, nil
}
