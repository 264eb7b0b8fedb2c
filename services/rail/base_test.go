package rail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"payout-engine/pkg/config"
	"payout-engine/services/payout"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type stub struct {
	*httptest.Server
	hits     atomic.Int32
	lastKey  atomic.Value
	lastPath atomic.Value
}

// newStub answers every request with fn and records what it saw.
func newStub(t *testing.T, fn func(w http.ResponseWriter, r *http.Request)) *stub {
	t.Helper()
	s := &stub{}
	s.lastKey.Store("")
	s.lastPath.Store("")
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		s.lastKey.Store(r.Header.Get(IdempotencyHeader))
		s.lastPath.Store(r.Method + " " + r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fn(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func policyFor(id ID, baseURL string) config.RailConfig {
	rc := config.DefaultRails()[string(id)]
	rc.BaseURL = baseURL
	rc.RateLimitRPS = 0
	return rc
}

func usableMethod(id ID, country string) *payout.WithdrawalMethod {
	currency := "USD"
	if country == "GB" {
		currency = "GBP"
	}
	return &payout.WithdrawalMethod{
		ID:          "method-1",
		UserID:      "user-1",
		Rail:        id,
		Destination: "dest-1",
		Currency:    currency,
		Country:     country,
		IsVerified:  true,
		IsActive:    true,
	}
}

func payoutFor(id ID, amount int64) *payout.Payout {
	return &payout.Payout{
		ID:                 "payout-1",
		UserID:             "user-1",
		Rail:               id,
		WithdrawalMethodID: "method-1",
		Amount:             amount,
		Currency:           "USD",
		NetAmount:          amount,
		Status:             payout.StatusRequested,
		TraceID:            "trace-1",
	}
}

func TestHTTPErrorClassification(t *testing.T) {
	cases := []struct {
		name       string
		status     int
		header     map[string]string
		body       any
		code       payout.Code
		retryable  bool
		retryAfter time.Duration
	}{
		{name: "server error", status: http.StatusServiceUnavailable, body: map[string]string{"message": "down"}, code: payout.CodeProviderUnavailable, retryable: true},
		{name: "rate limited", status: http.StatusTooManyRequests, header: map[string]string{"Retry-After": "7"}, body: map[string]string{"code": "rate_limit"}, code: payout.CodeProviderRateLimited, retryable: true, retryAfter: 7 * time.Second},
		{name: "request timeout", status: http.StatusRequestTimeout, code: payout.CodeProviderTimeout, retryable: true},
		{name: "known transient code", status: http.StatusConflict, body: map[string]any{"error": map[string]string{"code": "lock_timeout"}}, code: payout.CodeProviderUnavailable, retryable: true},
		{name: "validation failure", status: http.StatusBadRequest, body: map[string]any{"error": map[string]string{"code": "account_closed", "message": "account closed"}}, code: payout.CodeProviderRejected},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newStub(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tc.header {
					w.Header().Set(k, v)
				}
				writeJSON(w, tc.status, tc.body)
			})

			h, err := NewCardTransfer(policyFor(CardTransfer, srv.URL), 5*time.Second)
			require.NoError(t, err)

			_, err = h.CreatePayout(context.Background(), payoutFor(CardTransfer, 10_000), usableMethod(CardTransfer, "US"))
			require.Error(t, err)

			pe := payout.AsError(err)
			require.Equal(t, tc.code, pe.Code)
			require.Equal(t, tc.retryable, pe.Retryable)
			require.Equal(t, tc.retryAfter, pe.RetryAfter)
		})
	}
}

func TestTimeoutIsRetryable(t *testing.T) {
	srv := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		writeJSON(w, http.StatusOK, map[string]string{"id": "po_1", "status": "pending"})
	})

	h, err := NewCardTransfer(policyFor(CardTransfer, srv.URL), 20*time.Millisecond)
	require.NoError(t, err)

	_, err = h.CreatePayout(context.Background(), payoutFor(CardTransfer, 10_000), usableMethod(CardTransfer, "US"))
	pe := payout.AsError(err)
	require.True(t, pe.Retryable)
	require.Equal(t, payout.CodeProviderTimeout, pe.Code)
}

func TestUnreachableProviderIsRetryable(t *testing.T) {
	srv := newStub(t, func(w http.ResponseWriter, r *http.Request) {})
	url := srv.URL
	srv.Close()

	h, err := NewCardTransfer(policyFor(CardTransfer, url), time.Second)
	require.NoError(t, err)

	_, err = h.CreatePayout(context.Background(), payoutFor(CardTransfer, 10_000), usableMethod(CardTransfer, "US"))
	require.True(t, payout.IsRetryable(err))
}

func TestPreconditionsRunBeforeNetwork(t *testing.T) {
	srv := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"id": "po_1", "status": "pending"})
	})
	h, err := NewCardTransfer(policyFor(CardTransfer, srv.URL), time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	wrongRail := usableMethod(Wallet, "US")
	_, err = h.CreatePayout(ctx, payoutFor(CardTransfer, 10_000), wrongRail)
	require.True(t, payout.HasCode(err, payout.CodeMethodRailMismatch))
	require.False(t, payout.IsRetryable(err))

	unverified := usableMethod(CardTransfer, "US")
	unverified.IsVerified = false
	_, err = h.CreatePayout(ctx, payoutFor(CardTransfer, 10_000), unverified)
	require.True(t, payout.HasCode(err, payout.CodeMethodNotUsable))

	_, err = h.Quote(ctx, 10_000, "USD", usableMethod(CardTransfer, "BR"))
	require.True(t, payout.HasCode(err, payout.CodeCountryUnsupported))

	_, err = h.Quote(ctx, 10_000, "JPY", usableMethod(CardTransfer, "US"))
	require.True(t, payout.HasCode(err, payout.CodeCurrencyUnsupported))

	_, err = h.Quote(ctx, 50, "USD", usableMethod(CardTransfer, "US"))
	require.True(t, payout.HasCode(err, payout.CodeAmountBelowMinimum))

	_, err = h.Quote(ctx, 20_000_000, "USD", usableMethod(CardTransfer, "US"))
	require.True(t, payout.HasCode(err, payout.CodeAmountAboveMaximum))

	require.Zero(t, srv.hits.Load())
}

func TestUnknownStatusStaysProcessing(t *testing.T) {
	srv := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"id": "po_1", "status": "quantum_entangled"})
	})
	h, err := NewCardTransfer(policyFor(CardTransfer, srv.URL), time.Second)
	require.NoError(t, err)

	res, err := h.GetPayoutStatus(context.Background(), "po_1")
	require.NoError(t, err)
	require.Equal(t, payout.StatusProcessing, res.Status)
	require.False(t, res.Known)
	require.Equal(t, "quantum_entangled", res.RawStatus)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 10, 17, 12, 0, 0, 0, time.UTC)
	require.Equal(t, 30*time.Second, parseRetryAfter("30", now))
	require.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	require.Zero(t, parseRetryAfter("soon", now))
	require.Zero(t, parseRetryAfter("", now))
}

func TestMinorToDecimal(t *testing.T) {
	require.Equal(t, "1487.50", minorToDecimal(148_750))
	require.Equal(t, "0.05", minorToDecimal(5))
}
