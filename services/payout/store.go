package payout

import (
	"context"
	"time"

	"payout-engine/pkg/db/option"
	"payout-engine/pkg/db/pagination"
	"payout-engine/pkg/repository"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("payout.store",
	fx.Provide(NewStore),
)

// Update carries the columns a status transition writes alongside status.
type Update struct {
	ProviderReference string
	FailureCode       string
	FailureReason     string
	ExpectedArrivalAt *time.Time
	At                time.Time
}

type Store struct {
	db      *gorm.DB
	payouts repository.Repository[Payout]
	methods repository.Repository[WithdrawalMethod]
}

type StoreParams struct {
	fx.In
	DB *gorm.DB
}

func NewStore(p StoreParams) *Store {
	return &Store{
		db:      p.DB,
		payouts: repository.ProvideStore[Payout](p.DB),
		methods: repository.ProvideStore[WithdrawalMethod](p.DB),
	}
}

func (s *Store) WithTrx(tx *gorm.DB) *Store {
	return &Store{
		db:      tx,
		payouts: s.payouts.WithTrx(tx),
		methods: s.methods.WithTrx(tx),
	}
}

func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) GetPayout(ctx context.Context, id string) (*Payout, error) {
	p, err := s.payouts.FindOne(ctx, &Payout{ID: id})
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotFound("payout", id)
	}
	return p, nil
}

func (s *Store) GetMethod(ctx context.Context, id string) (*WithdrawalMethod, error) {
	m, err := s.methods.FindOne(ctx, &WithdrawalMethod{ID: id})
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrNotFound("withdrawal method", id)
	}
	return m, nil
}

func (s *Store) CreatePayout(ctx context.Context, p *Payout) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return s.payouts.Create(ctx, p)
}

func (s *Store) CreateMethod(ctx context.Context, m *WithdrawalMethod) error {
	return s.methods.Create(ctx, m)
}

// History pages a user's payouts newest first.
func (s *Store) History(ctx context.Context, userID string, page pagination.Pagination) ([]*Payout, *pagination.PageInfo, error) {
	rows, err := s.payouts.Find(ctx, &Payout{UserID: userID}, option.ApplyPagination(page))
	if err != nil {
		return nil, nil, err
	}
	return pagination.BuildCursorPage(rows, page.Size(), func(p *Payout) pagination.Cursor {
		return pagination.Cursor{ID: p.ID}
	})
}

// Transition moves a payout to `to` only while it is still in one of `from`.
// It reports false when another writer got there first.
func (s *Store) Transition(ctx context.Context, id string, from []Status, to Status, u Update) (bool, error) {
	at := u.At
	if at.IsZero() {
		at = time.Now()
	}

	cols := map[string]any{
		"status":     to,
		"updated_at": at,
	}
	if u.ProviderReference != "" {
		cols["provider_reference"] = u.ProviderReference
	}
	if u.ExpectedArrivalAt != nil {
		cols["expected_arrival_at"] = *u.ExpectedArrivalAt
	}
	if u.FailureCode != "" {
		cols["failure_code"] = u.FailureCode
		cols["failure_reason"] = u.FailureReason
	}
	switch to {
	case StatusProcessing:
		cols["processing_started_at"] = gorm.Expr("COALESCE(processing_started_at, ?)", at)
	case StatusPaid, StatusFailed, StatusCancelled, StatusReturned:
		cols["completed_at"] = at
	}

	res := s.db.WithContext(ctx).Model(&Payout{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(cols)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RequestedSince sums amounts a user has requested on a rail since t,
// ignoring payouts that released their funds.
func (s *Store) RequestedSince(ctx context.Context, userID string, rail Rail, since time.Time) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&Payout{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("user_id = ? AND rail = ? AND requested_at >= ?", userID, rail, since).
		Where("status NOT IN ?", []Status{StatusFailed, StatusCancelled, StatusReturned}).
		Scan(&total).Error
	return total, err
}

// OutstandingByCurrency sums, per currency, every payout that still holds
// the user's funds.
func (s *Store) OutstandingByCurrency(ctx context.Context, userID string) (map[string]int64, error) {
	var rows []struct {
		Currency string
		Total    int64
	}
	err := s.db.WithContext(ctx).Model(&Payout{}).
		Select("currency, COALESCE(SUM(amount), 0) AS total").
		Where("user_id = ?", userID).
		Where("status NOT IN ?", []Status{StatusFailed, StatusCancelled, StatusReturned}).
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

// AwaitingSettlement lists processing payouts the provider has accepted,
// oldest first.
func (s *Store) AwaitingSettlement(ctx context.Context, limit int) ([]*Payout, error) {
	return s.payouts.Find(ctx, &Payout{Status: StatusProcessing},
		option.Where("provider_reference <> ''"),
		option.OrderBy("processing_started_at ASC"),
		option.WithLimit(limit),
	)
}
