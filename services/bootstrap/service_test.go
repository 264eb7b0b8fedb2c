package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"payout-engine/pkg/config"
	"payout-engine/services/balance"
	"payout-engine/services/ledger"
	"payout-engine/services/payout"
	"payout-engine/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fixture struct {
	svc     *Service
	wallets balance.Store
	balance *balance.Service
	payouts *payout.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{Rails: config.DefaultRails()}
	cfg.Balance.CacheTTL = time.Minute

	f := &fixture{payouts: payout.NewStore(payout.StoreParams{DB: db})}
	led := ledger.NewService(ledger.ServiceParams{DB: db, Node: node})
	f.wallets = balance.NewStore(balance.StoreParams{DB: db, Node: node})
	f.balance = balance.NewService(balance.ServiceParams{
		DB:      db,
		Config:  cfg,
		Store:   f.wallets,
		Payouts: f.payouts,
		Ledger:  led,
	})
	f.svc = NewService(ServiceParams{
		DB:      db,
		Node:    node,
		Config:  cfg,
		Payouts: f.payouts,
		Wallets: f.wallets,
		Balance: f.balance,
	})
	require.NoError(t, f.svc.Migrate(context.Background()))
	return f
}

func TestMigrateIsRepeatable(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Migrate(context.Background()))
}

func TestSeedCreatesConsistentSandboxUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Seed(ctx, SeedParams{
		UserID:   "u1",
		Rail:     payout.RailDomesticACH,
		Country:  "us",
		Currency: "usd",
		Credit:   100_000,
		Payouts:  []int64{10_000, 25_000},
	})
	require.NoError(t, err)
	require.Len(t, res.PayoutIDs, 2)
	require.NotEmpty(t, res.PaymentID)

	m, err := f.payouts.GetMethod(ctx, res.MethodID)
	require.NoError(t, err)
	require.True(t, m.Usable())
	require.Equal(t, "US", m.Country)

	for _, id := range res.PayoutIDs {
		p, err := f.payouts.GetPayout(ctx, id)
		require.NoError(t, err)
		require.Equal(t, payout.StatusRequested, p.Status)
		require.NoError(t, p.Validate())
		require.Equal(t, "USD", p.Currency)
	}

	wb, err := f.wallets.Get(ctx, "u1", "USD")
	require.NoError(t, err)
	require.Equal(t, int64(65_000), wb.Available)
	require.Equal(t, int64(35_000), wb.Pending)

	drift, err := f.balance.ReconcileUserBalance(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, drift)
}

func TestSeedReusesMethod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	params := SeedParams{UserID: "u1", Rail: payout.RailDomesticACH, Country: "US", Currency: "USD", Credit: 5_000}

	first, err := f.svc.Seed(ctx, params)
	require.NoError(t, err)
	second, err := f.svc.Seed(ctx, params)
	require.NoError(t, err)
	require.Equal(t, first.MethodID, second.MethodID)
	require.NotEqual(t, first.PaymentID, second.PaymentID)
}

func TestSeedRejectsOverdraft(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Seed(context.Background(), SeedParams{
		UserID:   "u1",
		Rail:     payout.RailDomesticACH,
		Country:  "US",
		Currency: "USD",
		Credit:   1_000,
		Payouts:  []int64{5_000},
	})
	require.True(t, payout.HasCode(err, payout.CodeInsufficientBalance))
}

func TestSeedRejectsUnknownRail(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Seed(context.Background(), SeedParams{UserID: "u1", Rail: "carrier_pigeon", Currency: "USD"})
	require.True(t, payout.HasCode(err, payout.CodeRailUnsupported))
}
