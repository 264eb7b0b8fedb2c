package rail

import (
	"context"
	"net/http"
	"time"

	"payout-engine/pkg/config"
	"payout-engine/services/payout"
)

// cardTransfer pushes funds to a bank account over the card network.
type cardTransfer struct {
	*base
}

type cardPayoutRequest struct {
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Destination string            `json:"destination"`
	Method      string            `json:"method"`
	Metadata    map[string]string `json:"metadata"`
}

type cardPayoutResponse struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	ArrivalDate    int64  `json:"arrival_date"`
	FailureCode    string `json:"failure_code"`
	FailureMessage string `json:"failure_message"`
}

func NewCardTransfer(policy config.RailConfig, timeout time.Duration) (Handler, error) {
	b, err := newBase(baseOptions{
		id:      CardTransfer,
		policy:  policy,
		timeout: timeout,
		window: func(_ string, from time.Time) (time.Time, time.Time) {
			return from.Add(30 * time.Minute), AddBusinessDays(from, 1)
		},
		statuses: map[string]payout.Status{
			"pending":    payout.StatusProcessing,
			"in_transit": payout.StatusProcessing,
			"paid":       payout.StatusPaid,
			"failed":     payout.StatusFailed,
			"canceled":   payout.StatusCancelled,
		},
		transient: []string{"rate_limit", "lock_timeout", "api_connection_error", "balance_insufficient_temporarily"},
	})
	if err != nil {
		return nil, err
	}
	return &cardTransfer{base: b}, nil
}

func (h *cardTransfer) CreatePayout(ctx context.Context, p *payout.Payout, method *payout.WithdrawalMethod) (*Result, error) {
	if err := h.prepare(p, method); err != nil {
		return nil, err
	}

	var out cardPayoutResponse
	err := h.call(ctx, http.MethodPost, "/v1/payouts", p.IdempotencyKey(), cardPayoutRequest{
		Amount:      p.NetAmount,
		Currency:    p.Currency,
		Destination: method.Destination,
		Method:      "standard",
		Metadata:    map[string]string{"payout_id": p.ID, "trace_id": p.TraceID},
	}, &out)
	if err != nil {
		return nil, err
	}

	_, hi := h.arrival(method.Country)
	status, _ := h.mapStatus(out.Status)
	eta := hi
	if out.ArrivalDate > 0 {
		eta = time.Unix(out.ArrivalDate, 0).UTC()
	}
	return &Result{
		Success:           status != payout.StatusFailed && status != payout.StatusCancelled,
		ProviderReference: out.ID,
		Status:            status,
		RawStatus:         out.Status,
		EstimatedArrival:  eta,
	}, nil
}

func (h *cardTransfer) GetPayoutStatus(ctx context.Context, ref string) (*StatusResult, error) {
	var out cardPayoutResponse
	if err := h.call(ctx, http.MethodGet, "/v1/payouts/"+ref, "", nil, &out); err != nil {
		return nil, err
	}
	return h.statusResult(out.Status, out.FailureCode, out.FailureMessage), nil
}

func (h *cardTransfer) CancelPayout(ctx context.Context, ref string) (bool, error) {
	var out cardPayoutResponse
	if err := h.call(ctx, http.MethodPost, "/v1/payouts/"+ref+"/cancel", "cancel_"+ref, nil, &out); err != nil {
		return false, err
	}
	status, _ := h.mapStatus(out.Status)
	return status == payout.StatusCancelled, nil
}
