package rail

import (
	"context"
	"net/http"
	"time"

	"payout-engine/pkg/config"
	"payout-engine/services/payout"
)

// intlTransfer sends cross-border bank transfers through a transfer service.
type intlTransfer struct {
	*base
}

type intlTransferRequest struct {
	TargetAccount         string `json:"targetAccount"`
	TargetAmount          string `json:"targetAmount"`
	TargetCurrency        string `json:"targetCurrency"`
	CustomerTransactionID string `json:"customerTransactionId"`
	Reference             string `json:"reference"`
}

type intlTransferResponse struct {
	ID               int64  `json:"id"`
	Status           string `json:"status"`
	EstimatedArrival string `json:"estimatedDeliveryDate"`
	Reason           string `json:"reason"`
}

func NewIntlTransfer(policy config.RailConfig, timeout time.Duration) (Handler, error) {
	b, err := newBase(baseOptions{
		id:      IntlTransfer,
		policy:  policy,
		timeout: timeout,
		window:  businessDayWindow(1, 2),
		statuses: map[string]payout.Status{
			"incoming_payment_waiting": payout.StatusProcessing,
			"processing":               payout.StatusProcessing,
			"funds_converted":          payout.StatusProcessing,
			"outgoing_payment_sent":    payout.StatusPaid,
			"bounced_back":             payout.StatusReturned,
			"funds_refunded":           payout.StatusReturned,
			"charged_back":             payout.StatusReturned,
			"cancelled":                payout.StatusCancelled,
		},
		transient: []string{"SERVICE_UNAVAILABLE", "TOO_MANY_REQUESTS", "quote.expired"},
	})
	if err != nil {
		return nil, err
	}
	return &intlTransfer{base: b}, nil
}

func (h *intlTransfer) CreatePayout(ctx context.Context, p *payout.Payout, method *payout.WithdrawalMethod) (*Result, error) {
	if err := h.prepare(p, method); err != nil {
		return nil, err
	}

	var out intlTransferResponse
	err := h.call(ctx, http.MethodPost, "/v1/transfers", p.IdempotencyKey(), intlTransferRequest{
		TargetAccount:         method.Destination,
		TargetAmount:          minorToDecimal(p.NetAmount),
		TargetCurrency:        p.Currency,
		CustomerTransactionID: p.IdempotencyKey(),
		Reference:             p.ID,
	}, &out)
	if err != nil {
		return nil, err
	}

	status, _ := h.mapStatus(out.Status)
	_, hi := h.arrival(method.Country)
	return &Result{
		Success:           status != payout.StatusFailed && status != payout.StatusCancelled,
		ProviderReference: formatID(out.ID),
		Status:            status,
		RawStatus:         out.Status,
		EstimatedArrival:  parseArrival(out.EstimatedArrival, hi),
	}, nil
}

func (h *intlTransfer) GetPayoutStatus(ctx context.Context, ref string) (*StatusResult, error) {
	var out intlTransferResponse
	if err := h.call(ctx, http.MethodGet, "/v1/transfers/"+ref, "", nil, &out); err != nil {
		return nil, err
	}
	return h.statusResult(out.Status, "", out.Reason), nil
}

func (h *intlTransfer) CancelPayout(ctx context.Context, ref string) (bool, error) {
	var out intlTransferResponse
	if err := h.call(ctx, http.MethodPut, "/v1/transfers/"+ref+"/cancel", "cancel_"+ref, nil, &out); err != nil {
		return false, err
	}
	status, _ := h.mapStatus(out.Status)
	return status == payout.StatusCancelled, nil
}
