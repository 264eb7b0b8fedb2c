package processor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"payout-engine/pkg/config"
	"payout-engine/pkg/redis"
	"payout-engine/services/balance"
	"payout-engine/services/ledger"
	"payout-engine/services/payout"
	"payout-engine/services/rail"
	"payout-engine/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var epoch = time.Date(2026, 3, 18, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// provider is a scriptable stand-in for the domestic ACH API.
type provider struct {
	*httptest.Server
	mu     sync.Mutex
	routes map[string]http.HandlerFunc
	keys   []string
	hits   map[string]int
}

func newProvider(t *testing.T) *provider {
	t.Helper()
	p := &provider{routes: map[string]http.HandlerFunc{}, hits: map[string]int{}}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.hits[r.URL.Path]++
		if key := r.Header.Get(rail.IdempotencyHeader); key != "" {
			p.keys = append(p.keys, key)
		}
		route := p.routes[r.URL.Path]
		p.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if route == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"code": "NOT_FOUND"})
			return
		}
		route(w, r)
	}))
	t.Cleanup(p.Close)
	return p
}

func (p *provider) on(path string, fn http.HandlerFunc) {
	p.mu.Lock()
	p.routes[path] = fn
	p.mu.Unlock()
}

func (p *provider) count(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits[path]
}

func (p *provider) idempotencyKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func transfer(id, status string) map[string]any {
	return map[string]any{"transfer": map[string]any{"id": id, "status": status}}
}

// stubHandler answers for domestic_ach without any network.
type stubHandler struct {
	mu     sync.Mutex
	calls  map[string]int
	create func(p *payout.Payout) (*rail.Result, error)
}

func newStubHandler() *stubHandler {
	return &stubHandler{calls: map[string]int{}}
}

func (s *stubHandler) Rail() rail.ID { return rail.DomesticACH }

func (s *stubHandler) Quote(_ context.Context, amount int64, currency string, method *payout.WithdrawalMethod) (*payout.Quote, error) {
	if !method.Usable() {
		return nil, payout.ErrMethodNotUsable(method.ID)
	}
	return &payout.Quote{Rail: rail.DomesticACH, Amount: amount, Currency: currency, NetAmount: amount}, nil
}

func (s *stubHandler) CreatePayout(_ context.Context, p *payout.Payout, _ *payout.WithdrawalMethod) (*rail.Result, error) {
	s.mu.Lock()
	s.calls[p.ID]++
	create := s.create
	s.mu.Unlock()
	if create != nil {
		return create(p)
	}
	return &rail.Result{Success: true, ProviderReference: "ref-" + p.ID, Status: payout.StatusProcessing, RawStatus: "pending"}, nil
}

func (s *stubHandler) GetPayoutStatus(context.Context, string) (*rail.StatusResult, error) {
	return &rail.StatusResult{Status: payout.StatusProcessing, RawStatus: "pending", Known: true}, nil
}

func (s *stubHandler) CancelPayout(context.Context, string) (bool, error) {
	return false, payout.ErrCancelNotSupported(rail.DomesticACH)
}

func (s *stubHandler) callsFor(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

type fixedBatches struct{ id string }

func (f fixedBatches) NextBatchID(context.Context) (string, error) { return f.id, nil }

type fixture struct {
	cfg      *config.Config
	db       *gorm.DB
	node     *snowflake.Node
	clock    *clock
	provider *provider
	registry *rail.Registry
	payouts  *payout.Store
	ledger   *ledger.Service
	wallets  balance.Store
	balance  *balance.Service
	cache    *redis.MemoryCache
	proc     *Processor
}

// newFixture wires a processor to sqlite and a scripted ACH provider.
// Handlers passed in replace the HTTP-backed rail.
func newFixture(t *testing.T, mutate func(*config.Config), handlers ...rail.Handler) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t,
		&payout.Payout{}, &payout.WithdrawalMethod{}, &payout.Job{},
		&ledger.Entry{}, &balance.WalletBalance{}, &balance.ReleaseEvent{},
	)
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	f := &fixture{
		db:       db,
		node:     node,
		clock:    &clock{t: epoch},
		provider: newProvider(t),
		cache:    redis.NewMemoryCache(),
	}

	cfg := &config.Config{Processor: config.DefaultProcessor(), Rails: config.DefaultRails()}
	cfg.Processor.MaxAttempts = 3
	cfg.Balance.CacheTTL = time.Minute
	ach := cfg.Rails[string(rail.DomesticACH)]
	ach.BaseURL = f.provider.URL
	ach.RateLimitRPS = 0
	cfg.Rails[string(rail.DomesticACH)] = ach
	if mutate != nil {
		mutate(cfg)
	}
	f.cfg = cfg

	opts := make([]rail.Option, 0, len(handlers))
	for _, h := range handlers {
		opts = append(opts, rail.WithHandler(h))
	}
	f.registry = rail.New(cfg, nil, opts...)

	f.payouts = payout.NewStore(payout.StoreParams{DB: db})
	f.ledger = ledger.NewService(ledger.ServiceParams{DB: db, Node: node})
	f.wallets = balance.NewStore(balance.StoreParams{DB: db, Node: node})
	f.balance = balance.NewService(balance.ServiceParams{
		DB:      db,
		Config:  cfg,
		Store:   f.wallets,
		Payouts: f.payouts,
		Ledger:  f.ledger,
		Cache:   f.cache,
	})
	f.proc = f.newProcessor(t)
	return f
}

func (f *fixture) newProcessor(t *testing.T) *Processor {
	t.Helper()
	p, err := New(Params{
		Config:   f.cfg,
		DB:       f.db,
		Node:     f.node,
		Payouts:  f.payouts,
		Registry: f.registry,
		Ledger:   f.ledger,
		Balance:  f.balance,
		Batches:  fixedBatches{id: "PB-260318-001AB"},
		Cache:    f.cache,
	})
	require.NoError(t, err)
	p.now = f.clock.Now
	p.jitter = func() float64 { return 0.5 }
	return p
}

func (f *fixture) seedMethod(t *testing.T, id, user, country string) *payout.WithdrawalMethod {
	t.Helper()
	m := &payout.WithdrawalMethod{
		ID:          id,
		UserID:      user,
		Rail:        rail.DomesticACH,
		Kind:        payout.MethodBankAccount,
		Destination: "acct-" + user,
		Currency:    "USD",
		Country:     country,
		IsVerified:  true,
		IsActive:    true,
	}
	require.NoError(t, f.payouts.CreateMethod(context.Background(), m))
	return m
}

// seedPayout creates a requested payout and reserves its funds the way the
// authorization layer does.
func (f *fixture) seedPayout(t *testing.T, id, user, methodID string, amount int64) *payout.Payout {
	t.Helper()
	ctx := context.Background()

	b, err := payout.FeesFromConfig(f.cfg.Rail(string(rail.DomesticACH))).Compute(amount)
	require.NoError(t, err)

	p := &payout.Payout{
		ID:                 id,
		UserID:             user,
		Rail:               rail.DomesticACH,
		WithdrawalMethodID: methodID,
		Amount:             b.Amount,
		Currency:           "USD",
		PlatformFee:        b.PlatformFee,
		ProviderFee:        b.ProviderFee,
		NetAmount:          b.NetAmount,
		Status:             payout.StatusRequested,
		TraceID:            "trace-" + id,
		RequestedAt:        f.clock.Now(),
	}
	require.NoError(t, f.payouts.CreatePayout(ctx, p))

	_, err = f.balance.CreditBalance(ctx, user, amount, "USD")
	require.NoError(t, err)
	require.NoError(t, f.wallets.Debit(ctx, user, "USD", amount))
	return p
}

func (f *fixture) job(t *testing.T, payoutID string) *payout.Job {
	t.Helper()
	var j payout.Job
	require.NoError(t, f.db.Where("payout_id = ?", payoutID).First(&j).Error)
	return &j
}

func (f *fixture) payout(t *testing.T, id string) *payout.Payout {
	t.Helper()
	p, err := f.payouts.GetPayout(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (f *fixture) wallet(t *testing.T, user string) *balance.WalletBalance {
	t.Helper()
	wb, err := f.wallets.Get(context.Background(), user, "USD")
	require.NoError(t, err)
	require.NotNil(t, wb)
	return wb
}

func (f *fixture) actions(t *testing.T, payoutID string) []ledger.Action {
	t.Helper()
	entries, err := f.ledger.List(context.Background(), ledger.Filter{PayoutID: payoutID})
	require.NoError(t, err)
	out := make([]ledger.Action, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}
