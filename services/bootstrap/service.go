package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"payout-engine/pkg/config"
	"payout-engine/pkg/db"
	"payout-engine/pkg/repository"
	"payout-engine/services/balance"
	"payout-engine/services/ledger"
	"payout-engine/services/payout"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every table the engine owns.
func Models() []any {
	return []any{
		&payout.Payout{},
		&payout.WithdrawalMethod{},
		&payout.Job{},
		&ledger.Entry{},
		&balance.WalletBalance{},
		&balance.ReleaseEvent{},
	}
}

type Service struct {
	db      *gorm.DB
	node    *snowflake.Node
	config  *config.Config
	payouts *payout.Store
	methods repository.Repository[payout.WithdrawalMethod]
	wallets balance.Store
	balance *balance.Service
	now     func() time.Time
}

type ServiceParams struct {
	fx.In
	DB      *gorm.DB
	Node    *snowflake.Node
	Config  *config.Config
	Payouts *payout.Store
	Wallets balance.Store
	Balance *balance.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:      p.DB,
		node:    p.Node,
		config:  p.Config,
		payouts: p.Payouts,
		methods: repository.ProvideStore[payout.WithdrawalMethod](p.DB),
		wallets: p.Wallets,
		balance: p.Balance,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Migrate(ctx context.Context) error {
	if err := db.Migrate(ctx, s.db, Models()...); err != nil {
		zap.L().Error("[bootstrap] schema migration failed", zap.Error(err))
		return err
	}
	zap.L().Info("[bootstrap] schema ready")
	return nil
}

// SeedParams describes a sandbox user: one verified method on Rail, a
// release of Credit and one requested payout per entry in Payouts.
type SeedParams struct {
	UserID   string
	Rail     payout.Rail
	Country  string
	Currency string
	Credit   int64
	Payouts  []int64
}

type SeedResult struct {
	MethodID  string   `json:"method_id"`
	PaymentID string   `json:"payment_id,omitempty"`
	PayoutIDs []string `json:"payout_ids"`
}

// Seed creates sandbox data the same way production writers do: credits go
// through a release event and each payout reserves its amount, so
// reconciliation sees a consistent user. Re-running reuses the method.
func (s *Service) Seed(ctx context.Context, p SeedParams) (*SeedResult, error) {
	if p.UserID == "" {
		return nil, fmt.Errorf("seed: user id is required")
	}
	if !p.Rail.Valid() {
		return nil, payout.ErrRailUnsupported(string(p.Rail))
	}
	p.Currency = strings.ToUpper(p.Currency)
	p.Country = strings.ToUpper(p.Country)

	method, err := s.ensureMethod(ctx, p)
	if err != nil {
		return nil, err
	}
	res := &SeedResult{MethodID: method.ID}

	if p.Credit > 0 {
		res.PaymentID = "seed-" + s.node.Generate().String()
		if _, err := s.balance.CreditFromRelease(ctx, balance.ReleaseEvent{
			PaymentID:  res.PaymentID,
			UserID:     p.UserID,
			ContractID: "sandbox",
			Amount:     p.Credit,
			Currency:   p.Currency,
		}); err != nil {
			return nil, err
		}
	}

	fees := payout.FeesFromConfig(s.config.Rail(string(p.Rail)))
	if override, err := method.FeeOverride(); err == nil {
		fees = fees.WithOverride(override)
	}

	for _, amount := range p.Payouts {
		b, err := fees.Compute(amount)
		if err != nil {
			return res, err
		}
		po := &payout.Payout{
			ID:                 s.node.Generate().String(),
			UserID:             p.UserID,
			Rail:               p.Rail,
			WithdrawalMethodID: method.ID,
			Amount:             b.Amount,
			Currency:           p.Currency,
			PlatformFee:        b.PlatformFee,
			ProviderFee:        b.ProviderFee,
			NetAmount:          b.NetAmount,
			Status:             payout.StatusRequested,
			TraceID:            uuid.NewString(),
			RequestedAt:        s.now(),
		}
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.wallets.WithTrx(tx).Debit(ctx, p.UserID, p.Currency, po.Amount); err != nil {
				return err
			}
			return s.payouts.WithTrx(tx).CreatePayout(ctx, po)
		})
		if err != nil {
			zap.L().Error("[bootstrap] failed to seed payout", zap.String("user_id", p.UserID), zap.Int64("amount", amount), zap.Error(err))
			return res, err
		}
		res.PayoutIDs = append(res.PayoutIDs, po.ID)
	}
	s.balance.Invalidate(ctx, p.UserID)

	zap.L().Info("[bootstrap] sandbox user seeded",
		zap.String("user_id", p.UserID),
		zap.String("rail", string(p.Rail)),
		zap.Int("payouts", len(res.PayoutIDs)),
	)
	return res, nil
}

func (s *Service) ensureMethod(ctx context.Context, p SeedParams) (*payout.WithdrawalMethod, error) {
	existing, err := s.methods.FindOne(ctx, &payout.WithdrawalMethod{UserID: p.UserID, Rail: p.Rail})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	verified := s.now()
	m := &payout.WithdrawalMethod{
		ID:          s.node.Generate().String(),
		UserID:      p.UserID,
		Rail:        p.Rail,
		Kind:        kindFor(p.Rail),
		Destination: fmt.Sprintf("sandbox-%s-%s", p.Rail, p.UserID),
		Currency:    p.Currency,
		Country:     p.Country,
		IsVerified:  true,
		IsActive:    true,
		IsDefault:   true,
		VerifiedAt:  &verified,
	}
	if err := s.payouts.CreateMethod(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func kindFor(r payout.Rail) payout.MethodKind {
	switch r {
	case payout.RailWallet:
		return payout.MethodWallet
	case payout.RailGlobalPayee:
		return payout.MethodPayee
	default:
		return payout.MethodBankAccount
	}
}
