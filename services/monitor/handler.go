package monitor

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"payout-engine/pkg/db/pagination"
	"payout-engine/pkg/errutil"
	"payout-engine/pkg/health"
	"payout-engine/services/balance"
	"payout-engine/services/ledger"
	"payout-engine/services/processor"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

const (
	defaultWindow = 24 * time.Hour
	maxWindow     = 31 * 24 * time.Hour
	defaultTopN   = 10
	maxTopN       = 100
)

type JobMonitor interface {
	Stats(ctx context.Context) (*processor.Stats, error)
	Health(ctx context.Context) (*processor.Health, error)
}

type LedgerReporter interface {
	Report(ctx context.Context, from, to time.Time, topN int) (*ledger.Report, error)
}

type BalanceReader interface {
	GetBalances(ctx context.Context, userID string) ([]*balance.WalletBalance, error)
	ReconcileUserBalance(ctx context.Context, userID string) ([]balance.Discrepancy, error)
	GetPayoutHistory(ctx context.Context, userID string, page pagination.Pagination) (*balance.HistoryPage, error)
}

// Handler serves the read-only operational views of the engine.
type Handler struct {
	jobs     JobMonitor
	ledger   LedgerReporter
	balances BalanceReader
	health   health.HealthService
	now      func() time.Time
}

type Params struct {
	fx.In
	Jobs     JobMonitor
	Ledger   LedgerReporter
	Balances BalanceReader
	Health   health.HealthService
}

func NewHandler(p Params) *Handler {
	return &Handler{
		jobs:     p.Jobs,
		ledger:   p.Ledger,
		balances: p.Balances,
		health:   p.Health,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) Register(r gin.IRouter) {
	if h.health != nil {
		r.GET("/healthz", h.health.Liveness)
		r.GET("/readyz", h.health.Readiness)
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.GET("/jobs/stats", h.JobStats)
	v1.GET("/jobs/health", h.JobHealth)
	v1.GET("/ledger/report", h.LedgerReport)
	v1.GET("/users/:id/balances", h.UserBalances)
	v1.GET("/users/:id/reconcile", h.UserReconcile)
	v1.GET("/users/:id/payouts", h.UserPayouts)
}

func (h *Handler) JobStats(c *gin.Context) {
	stats, err := h.jobs.Stats(c.Request.Context())
	if err != nil {
		_ = c.Error(errutil.Unavailable("job stats unavailable", err))
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) JobHealth(c *gin.Context) {
	snap, err := h.jobs.Health(c.Request.Context())
	if err != nil {
		_ = c.Error(errutil.Unavailable("job health unavailable", err))
		return
	}
	code := http.StatusOK
	if !snap.Running {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, snap)
}

// LedgerReport aggregates the trailing window, e.g. ?window=24h&top=5.
func (h *Handler) LedgerReport(c *gin.Context) {
	window, err := parseWindow(c.Query("window"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	topN, err := parseTopN(c.Query("top"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	to := h.now()
	report, err := h.ledger.Report(c.Request.Context(), to.Add(-window), to, topN)
	if err != nil {
		_ = c.Error(errutil.Internal("failed to build ledger report", err))
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) UserBalances(c *gin.Context) {
	userID, ok := userParam(c)
	if !ok {
		return
	}
	balances, err := h.balances.GetBalances(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if len(balances) == 0 {
		_ = c.Error(errutil.NotFound("no balances for user", nil))
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "balances": balances})
}

// UserReconcile reports drift only; stored balances are left untouched.
func (h *Handler) UserReconcile(c *gin.Context) {
	userID, ok := userParam(c)
	if !ok {
		return
	}
	drift, err := h.balances.ReconcileUserBalance(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if drift == nil {
		drift = []balance.Discrepancy{}
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":       userID,
		"consistent":    len(drift) == 0,
		"discrepancies": drift,
	})
}

// UserPayouts pages payout history with ?limit=&cursor=.
func (h *Handler) UserPayouts(c *gin.Context) {
	userID, ok := userParam(c)
	if !ok {
		return
	}
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err,
			errutil.WithDetails(errutil.Detail{Field: "limit", Message: "must be between 1 and 250"})))
		return
	}
	if page.Cursor != "" {
		if _, err := pagination.DecodeCursor(page.Cursor); err != nil {
			_ = c.Error(errutil.BadRequest("invalid cursor", err))
			return
		}
	}
	history, err := h.balances.GetPayoutHistory(c.Request.Context(), userID, page)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, history)
}

func userParam(c *gin.Context) (string, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		_ = c.Error(errutil.BadRequest("user id is required", nil))
		return "", false
	}
	return id, true
}

func parseWindow(raw string) (time.Duration, error) {
	if raw == "" {
		return defaultWindow, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errutil.BadRequest("invalid window", err,
			errutil.WithDetails(errutil.Detail{Field: "window", Message: "expected a duration such as 24h"}))
	}
	if d <= 0 || d > maxWindow {
		return 0, errutil.BadRequest("window out of range", nil,
			errutil.WithDetails(errutil.Detail{Field: "window", Message: "must be positive and at most 744h"}))
	}
	return d, nil
}

func parseTopN(raw string) (int, error) {
	if raw == "" {
		return defaultTopN, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxTopN {
		return 0, errutil.BadRequest("invalid top", err,
			errutil.WithDetails(errutil.Detail{Field: "top", Message: "must be between 1 and 100"}))
	}
	return n, nil
}
