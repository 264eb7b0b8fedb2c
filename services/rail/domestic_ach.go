package rail

import (
	"context"
	"net/http"
	"strings"
	"time"

	"payout-engine/pkg/config"
	"payout-engine/services/payout"
)

// domesticACH settles through the local clearing network. Settlement time
// depends on the destination country.
type domesticACH struct {
	*base
}

type achTransferRequest struct {
	AccountID   string `json:"account_id"`
	Amount      string `json:"amount"`
	Currency    string `json:"iso_currency_code"`
	Network     string `json:"network"`
	Description string `json:"description"`
	Reference   string `json:"reference"`
}

type achTransfer struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	FailureReason *struct {
		Code        string `json:"ach_return_code"`
		Description string `json:"description"`
	} `json:"failure_reason"`
}

type achTransferResponse struct {
	Transfer achTransfer `json:"transfer"`
}

// achSettlement is the business-day range per destination country.
var achSettlement = map[string][2]int{
	"US": {1, 3},
	"CA": {2, 4},
	"GB": {0, 1},
}

func achWindow(country string, from time.Time) (time.Time, time.Time) {
	days, ok := achSettlement[strings.ToUpper(country)]
	if !ok {
		days = [2]int{3, 5}
	}
	return AddBusinessDays(from, days[0]), AddBusinessDays(from, days[1])
}

func NewDomesticACH(policy config.RailConfig, timeout time.Duration) (Handler, error) {
	b, err := newBase(baseOptions{
		id:      DomesticACH,
		policy:  policy,
		timeout: timeout,
		window:  achWindow,
		statuses: map[string]payout.Status{
			"pending":         payout.StatusProcessing,
			"posted":          payout.StatusProcessing,
			"settled":         payout.StatusPaid,
			"funds_available": payout.StatusPaid,
			"failed":          payout.StatusFailed,
			"returned":        payout.StatusReturned,
			"cancelled":       payout.StatusCancelled,
		},
		transient: []string{"RATE_LIMIT", "INTERNAL_SERVER_ERROR", "PLANNED_MAINTENANCE"},
	})
	if err != nil {
		return nil, err
	}
	return &domesticACH{base: b}, nil
}

func (h *domesticACH) CreatePayout(ctx context.Context, p *payout.Payout, method *payout.WithdrawalMethod) (*Result, error) {
	if err := h.prepare(p, method); err != nil {
		return nil, err
	}

	var out achTransferResponse
	err := h.call(ctx, http.MethodPost, "/transfer/create", p.IdempotencyKey(), achTransferRequest{
		AccountID:   method.Destination,
		Amount:      minorToDecimal(p.NetAmount),
		Currency:    p.Currency,
		Network:     "ach",
		Description: "payout",
		Reference:   p.ID,
	}, &out)
	if err != nil {
		return nil, err
	}

	status, _ := h.mapStatus(out.Transfer.Status)
	_, hi := h.arrival(method.Country)
	return &Result{
		Success:           status != payout.StatusFailed && status != payout.StatusCancelled,
		ProviderReference: out.Transfer.ID,
		Status:            status,
		RawStatus:         out.Transfer.Status,
		EstimatedArrival:  hi,
	}, nil
}

func (h *domesticACH) GetPayoutStatus(ctx context.Context, ref string) (*StatusResult, error) {
	var out achTransferResponse
	if err := h.call(ctx, http.MethodPost, "/transfer/get", "", map[string]string{"transfer_id": ref}, &out); err != nil {
		return nil, err
	}
	code, reason := "", ""
	if fr := out.Transfer.FailureReason; fr != nil {
		code, reason = fr.Code, fr.Description
	}
	return h.statusResult(out.Transfer.Status, code, reason), nil
}

// CancelPayout only succeeds while the transfer is still pending.
func (h *domesticACH) CancelPayout(ctx context.Context, ref string) (bool, error) {
	var out achTransferResponse
	if err := h.call(ctx, http.MethodPost, "/transfer/cancel", "cancel_"+ref, map[string]string{"transfer_id": ref}, &out); err != nil {
		return false, err
	}
	status, _ := h.mapStatus(out.Transfer.Status)
	return status == payout.StatusCancelled, nil
}
