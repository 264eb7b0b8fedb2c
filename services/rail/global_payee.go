package rail

import (
	"context"
	"net/http"
	"time"

	"payout-engine/pkg/config"
	"payout-engine/services/payout"

	"github.com/go-resty/resty/v2"
)

// globalPayee pays registered contractor payees. The provider has no
// cancellation endpoint.
type globalPayee struct {
	*base
}

type globalPayeeRequest struct {
	PayeeID           string  `json:"payee_id"`
	Amount            string  `json:"amount"`
	Currency          string  `json:"currency"`
	ClientReferenceID string  `json:"client_reference_id"`
	Description       string  `json:"description"`
	PayoutDate        *string `json:"payout_date,omitempty"`
}

type globalPayeeResponse struct {
	PayoutID    string `json:"payout_id"`
	Status      string `json:"status"`
	Description string `json:"description"`
	ReasonCode  string `json:"reason_code"`
}

func NewGlobalPayee(policy config.RailConfig, timeout time.Duration) (Handler, error) {
	b, err := newBase(baseOptions{
		id:      GlobalPayee,
		policy:  policy,
		timeout: timeout,
		window:  businessDayWindow(1, 3),
		statuses: map[string]payout.Status{
			"pending":     payout.StatusProcessing,
			"in process":  payout.StatusProcessing,
			"in_process":  payout.StatusProcessing,
			"loaded":      payout.StatusProcessing,
			"transferred": payout.StatusPaid,
			"completed":   payout.StatusPaid,
			"failed":      payout.StatusFailed,
			"rejected":    payout.StatusFailed,
			"cancelled":   payout.StatusCancelled,
			"returned":    payout.StatusReturned,
		},
		transient: []string{"PROCESSING_TIMEOUT", "TEMPORARILY_UNAVAILABLE", "10300"},
		auth: func(c *resty.Client) {
			c.SetBasicAuth(policy.APIKey, policy.APISecret)
		},
	})
	if err != nil {
		return nil, err
	}
	return &globalPayee{base: b}, nil
}

func (h *globalPayee) CreatePayout(ctx context.Context, p *payout.Payout, method *payout.WithdrawalMethod) (*Result, error) {
	if err := h.prepare(p, method); err != nil {
		return nil, err
	}

	var out globalPayeeResponse
	err := h.call(ctx, http.MethodPost, "/v4/programs/payouts", p.IdempotencyKey(), globalPayeeRequest{
		PayeeID:           method.Destination,
		Amount:            minorToDecimal(p.NetAmount),
		Currency:          p.Currency,
		ClientReferenceID: p.IdempotencyKey(),
		Description:       "Payout " + p.ID,
	}, &out)
	if err != nil {
		return nil, err
	}

	status, _ := h.mapStatus(out.Status)
	_, hi := h.arrival(method.Country)
	return &Result{
		Success:           status != payout.StatusFailed && status != payout.StatusCancelled,
		ProviderReference: out.PayoutID,
		Status:            status,
		RawStatus:         out.Status,
		EstimatedArrival:  hi,
	}, nil
}

func (h *globalPayee) GetPayoutStatus(ctx context.Context, ref string) (*StatusResult, error) {
	var out globalPayeeResponse
	if err := h.call(ctx, http.MethodGet, "/v4/programs/payouts/"+ref+"/status", "", nil, &out); err != nil {
		return nil, err
	}
	return h.statusResult(out.Status, out.ReasonCode, out.Description), nil
}

func (h *globalPayee) CancelPayout(context.Context, string) (bool, error) {
	return false, payout.ErrCancelNotSupported(GlobalPayee)
}
