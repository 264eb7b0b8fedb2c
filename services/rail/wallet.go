package rail

import (
	"context"
	"net/http"
	"time"

	"payout-engine/pkg/config"
	"payout-engine/services/payout"
)

// wallet pays out to a peer-to-peer wallet handle. Items the receiver has
// not claimed yet can be cancelled.
type wallet struct {
	*base
}

type walletAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type walletItem struct {
	RecipientType string       `json:"recipient_type"`
	Amount        walletAmount `json:"amount"`
	Receiver      string       `json:"receiver"`
	SenderItemID  string       `json:"sender_item_id"`
}

type walletBatchRequest struct {
	SenderBatchHeader struct {
		SenderBatchID string `json:"sender_batch_id"`
	} `json:"sender_batch_header"`
	Items []walletItem `json:"items"`
}

type walletBatchResponse struct {
	BatchHeader struct {
		PayoutBatchID string `json:"payout_batch_id"`
		BatchStatus   string `json:"batch_status"`
	} `json:"batch_header"`
	Items []struct {
		PayoutItemID      string `json:"payout_item_id"`
		TransactionStatus string `json:"transaction_status"`
	} `json:"items"`
}

type walletItemResponse struct {
	PayoutItemID      string `json:"payout_item_id"`
	TransactionStatus string `json:"transaction_status"`
	Errors            *struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"errors"`
}

func NewWallet(policy config.RailConfig, timeout time.Duration) (Handler, error) {
	b, err := newBase(baseOptions{
		id:      Wallet,
		policy:  policy,
		timeout: timeout,
		window:  durationWindow(5*time.Minute, 30*time.Minute),
		statuses: map[string]payout.Status{
			"pending":    payout.StatusProcessing,
			"processing": payout.StatusProcessing,
			"onhold":     payout.StatusProcessing,
			"unclaimed":  payout.StatusProcessing,
			"new":        payout.StatusProcessing,
			"success":    payout.StatusPaid,
			"failed":     payout.StatusFailed,
			"blocked":    payout.StatusFailed,
			"denied":     payout.StatusFailed,
			"returned":   payout.StatusReturned,
			"refunded":   payout.StatusReturned,
			"reversed":   payout.StatusReturned,
			"canceled":   payout.StatusCancelled,
		},
		transient: []string{"INTERNAL_SERVICE_ERROR", "RATE_LIMIT_REACHED", "SERVICE_UNAVAILABLE"},
	})
	if err != nil {
		return nil, err
	}
	return &wallet{base: b}, nil
}

func (h *wallet) CreatePayout(ctx context.Context, p *payout.Payout, method *payout.WithdrawalMethod) (*Result, error) {
	if err := h.prepare(p, method); err != nil {
		return nil, err
	}

	req := walletBatchRequest{
		Items: []walletItem{{
			RecipientType: "EMAIL",
			Amount:        walletAmount{Value: minorToDecimal(p.NetAmount), Currency: p.Currency},
			Receiver:      method.Destination,
			SenderItemID:  p.ID,
		}},
	}
	req.SenderBatchHeader.SenderBatchID = p.IdempotencyKey()

	var out walletBatchResponse
	if err := h.call(ctx, http.MethodPost, "/v1/payments/payouts", p.IdempotencyKey(), req, &out); err != nil {
		return nil, err
	}

	ref := out.BatchHeader.PayoutBatchID
	raw := out.BatchHeader.BatchStatus
	if len(out.Items) > 0 && out.Items[0].PayoutItemID != "" {
		ref = out.Items[0].PayoutItemID
		raw = out.Items[0].TransactionStatus
	}

	status, _ := h.mapStatus(raw)
	_, hi := h.arrival(method.Country)
	return &Result{
		Success:           status != payout.StatusFailed && status != payout.StatusCancelled,
		ProviderReference: ref,
		Status:            status,
		RawStatus:         raw,
		EstimatedArrival:  hi,
	}, nil
}

func (h *wallet) GetPayoutStatus(ctx context.Context, ref string) (*StatusResult, error) {
	var out walletItemResponse
	if err := h.call(ctx, http.MethodGet, "/v1/payments/payouts-item/"+ref, "", nil, &out); err != nil {
		return nil, err
	}
	code, reason := "", ""
	if out.Errors != nil {
		code, reason = out.Errors.Name, out.Errors.Message
	}
	return h.statusResult(out.TransactionStatus, code, reason), nil
}

func (h *wallet) CancelPayout(ctx context.Context, ref string) (bool, error) {
	var out walletItemResponse
	if err := h.call(ctx, http.MethodPost, "/v1/payments/payouts-item/"+ref+"/cancel", "cancel_"+ref, nil, &out); err != nil {
		return false, err
	}
	status, _ := h.mapStatus(out.TransactionStatus)
	return status == payout.StatusCancelled, nil
}
