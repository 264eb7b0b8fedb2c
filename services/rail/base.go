package rail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"payout-engine/pkg/config"
	"payout-engine/services/payout"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const IdempotencyHeader = "Idempotency-Key"

// base carries what every provider shares: policy checks, fee math, the
// HTTP client and error normalisation. Providers embed it.
type base struct {
	id        ID
	policy    config.RailConfig
	client    *resty.Client
	limiter   *rate.Limiter
	window    Window
	statuses  map[string]payout.Status
	transient map[string]bool
	now       func() time.Time
}

type baseOptions struct {
	id        ID
	policy    config.RailConfig
	timeout   time.Duration
	window    Window
	statuses  map[string]payout.Status
	transient []string
	auth      func(*resty.Client)
}

func newBase(o baseOptions) (*base, error) {
	if o.policy.BaseURL == "" {
		return nil, fmt.Errorf("%s: BASE_URL is not configured", o.id)
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(o.policy.BaseURL, "/")).
		SetTimeout(o.timeout).
		SetTransport(otelhttp.NewTransport(http.DefaultTransport)).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
	if o.auth != nil {
		o.auth(client)
	} else if o.policy.APIKey != "" {
		client.SetAuthToken(o.policy.APIKey)
	}

	limit := rate.Inf
	burst := 1
	if o.policy.RateLimitRPS > 0 {
		limit = rate.Limit(o.policy.RateLimitRPS)
		burst = max(1, int(o.policy.RateLimitRPS))
	}

	transient := make(map[string]bool, len(o.transient))
	for _, c := range o.transient {
		transient[strings.ToLower(c)] = true
	}

	statuses := make(map[string]payout.Status, len(o.statuses))
	for k, v := range o.statuses {
		statuses[strings.ToLower(k)] = v
	}

	return &base{
		id:        o.id,
		policy:    o.policy,
		client:    client,
		limiter:   rate.NewLimiter(limit, burst),
		window:    o.window,
		statuses:  statuses,
		transient: transient,
		now:       time.Now,
	}, nil
}

func (b *base) Rail() ID { return b.id }

// checkMethod enforces the rail-match and usable-method preconditions.
func (b *base) checkMethod(method *payout.WithdrawalMethod) error {
	if method == nil {
		return payout.ErrMethodNotUsable("")
	}
	if method.Rail != b.id {
		return payout.ErrMethodRailMismatch(method.Rail, b.id)
	}
	if !method.Usable() {
		return payout.ErrMethodNotUsable(method.ID)
	}
	return nil
}

func (b *base) checkSupport(amount int64, currency, country string) error {
	currency = strings.ToUpper(currency)
	if len(b.policy.Currencies) > 0 && !slices.Contains(b.policy.Currencies, currency) {
		return payout.ErrCurrencyUnsupported(b.id, currency)
	}
	if country != "" && len(b.policy.Countries) > 0 && !slices.Contains(b.policy.Countries, strings.ToUpper(country)) {
		return payout.ErrCountryUnsupported(b.id, country)
	}
	if amount <= 0 {
		return payout.ErrInvalidAmount(amount)
	}
	if b.policy.MinAmount > 0 && amount < b.policy.MinAmount {
		return payout.ErrAmountBelowMinimum(amount, b.policy.MinAmount, currency)
	}
	if b.policy.MaxAmount > 0 && amount > b.policy.MaxAmount {
		return payout.ErrAmountAboveMaximum(amount, b.policy.MaxAmount, currency)
	}
	return nil
}

func (b *base) fees(method *payout.WithdrawalMethod) (payout.Fees, error) {
	override, err := method.FeeOverride()
	if err != nil {
		return payout.Fees{}, err
	}
	return payout.FeesFromConfig(b.policy).WithOverride(override), nil
}

func (b *base) arrival(country string) (time.Time, time.Time) {
	return b.window(country, b.now())
}

// Quote runs every local check and prices the payout without touching the
// provider.
func (b *base) Quote(_ context.Context, amount int64, currency string, method *payout.WithdrawalMethod) (*payout.Quote, error) {
	if err := b.checkMethod(method); err != nil {
		return nil, err
	}
	if err := b.checkSupport(amount, currency, method.Country); err != nil {
		return nil, err
	}

	fees, err := b.fees(method)
	if err != nil {
		return nil, err
	}
	breakdown, err := fees.Compute(amount)
	if err != nil {
		return nil, err
	}

	lo, hi := b.arrival(method.Country)
	return &payout.Quote{
		Rail:             b.id,
		Amount:           breakdown.Amount,
		Currency:         strings.ToUpper(currency),
		PlatformFee:      breakdown.PlatformFee,
		ProviderFee:      breakdown.ProviderFee,
		NetAmount:        breakdown.NetAmount,
		EstimatedArrival: hi,
		MinArrival:       lo,
		MaxArrival:       hi,
	}, nil
}

// prepare is the shared CreatePayout precondition gate.
func (b *base) prepare(p *payout.Payout, method *payout.WithdrawalMethod) error {
	if err := b.checkMethod(method); err != nil {
		return err
	}
	if p.WithdrawalMethodID != "" && p.WithdrawalMethodID != method.ID {
		return payout.ErrMethodNotUsable(method.ID)
	}
	if p.Rail != b.id {
		return payout.ErrMethodRailMismatch(p.Rail, b.id)
	}
	if err := b.checkSupport(p.Amount, p.Currency, method.Country); err != nil {
		return err
	}
	return p.Validate()
}

// mapStatus never guesses success: unknown values stay processing.
func (b *base) mapStatus(raw string) (payout.Status, bool) {
	if s, ok := b.statuses[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return s, true
	}
	zap.L().Warn("unrecognised provider status, treating as processing",
		zap.String("rail", string(b.id)),
		zap.String("provider_status", raw),
	)
	return payout.StatusProcessing, false
}

func (b *base) statusResult(raw, failureCode, failureReason string) *StatusResult {
	s, known := b.mapStatus(raw)
	return &StatusResult{
		Status:        s,
		RawStatus:     raw,
		Known:         known,
		FailureCode:   failureCode,
		FailureReason: failureReason,
	}
}

// providerError is the union of the error envelopes providers return.
type providerError struct {
	Code      string `json:"code"`
	Name      string `json:"name"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Err       *struct {
		Code    string `json:"code"`
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (e *providerError) code() string {
	switch {
	case e == nil:
		return ""
	case e.Err != nil && e.Err.Code != "":
		return e.Err.Code
	case e.Err != nil && e.Err.Type != "":
		return e.Err.Type
	case e.Code != "":
		return e.Code
	case e.ErrorCode != "":
		return e.ErrorCode
	case e.Name != "":
		return e.Name
	case len(e.Errors) > 0:
		return e.Errors[0].Code
	}
	return ""
}

func (e *providerError) message() string {
	switch {
	case e == nil:
		return ""
	case e.Err != nil && e.Err.Message != "":
		return e.Err.Message
	case e.Message != "":
		return e.Message
	case len(e.Errors) > 0:
		return e.Errors[0].Message
	}
	return ""
}

// call performs one provider request. idempotencyKey is set on mutating
// calls. Every failure comes back as *payout.Error.
func (b *base) call(ctx context.Context, method, path, idempotencyKey string, body, out any) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return payout.ProviderError(payout.CodeProviderRateLimited, true, 0,
			fmt.Sprintf("%s: local rate limit wait aborted", b.id), err)
	}

	perr := &providerError{}
	req := b.client.R().SetContext(ctx).SetError(perr)
	if idempotencyKey != "" {
		req.SetHeader(IdempotencyHeader, idempotencyKey)
	}
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return b.transportError(ctx, err)
	}
	if resp.IsError() {
		return b.httpError(resp, perr)
	}
	return nil
}

func (b *base) transportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return payout.ProviderError(payout.CodeProviderTimeout, true, 0,
			fmt.Sprintf("%s did not answer in time", b.id), err)
	}
	pe := payout.AsError(err)
	if pe.Code == payout.CodeProviderTimeout {
		return pe
	}
	return payout.ProviderError(payout.CodeProviderUnavailable, true, 0,
		fmt.Sprintf("%s could not be reached", b.id), err)
}

func (b *base) httpError(resp *resty.Response, perr *providerError) error {
	status := resp.StatusCode()
	code := perr.code()
	msg := perr.message()
	if msg == "" {
		msg = http.StatusText(status)
	}
	msg = fmt.Sprintf("%s: %s", b.id, msg)
	cause := fmt.Errorf("http %d %s", status, code)
	retryAfter := parseRetryAfter(resp.Header().Get("Retry-After"), b.now())

	switch {
	case status == http.StatusTooManyRequests:
		return payout.ProviderError(payout.CodeProviderRateLimited, true, retryAfter, msg, cause)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return payout.ProviderError(payout.CodeProviderTimeout, true, retryAfter, msg, cause)
	case status >= 500:
		return payout.ProviderError(payout.CodeProviderUnavailable, true, retryAfter, msg, cause)
	case b.transient[strings.ToLower(code)]:
		return payout.ProviderError(payout.CodeProviderUnavailable, true, retryAfter, msg, cause)
	}

	rejected := payout.ProviderError(payout.CodeProviderRejected, false, 0, msg, cause)
	if code != "" {
		rejected.Message = fmt.Sprintf("%s (%s)", msg, code)
	}
	return rejected
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// parseArrival reads provider dates, falling back to the local estimate.
func parseArrival(raw string, fallback time.Time) time.Time {
	if raw == "" {
		return fallback
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC()
	}
	return fallback
}

func formatID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

// minorToDecimal renders minor units as a two-decimal string.
func minorToDecimal(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}
