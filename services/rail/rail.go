package rail

import (
	"context"
	"time"

	"payout-engine/services/payout"
)

// ID aliases the closed rail enum so callers can stay in this package.
type ID = payout.Rail

const (
	CardTransfer = payout.RailCardTransfer
	Wallet       = payout.RailWallet
	IntlTransfer = payout.RailIntlTransfer
	GlobalPayee  = payout.RailGlobalPayee
	DomesticACH  = payout.RailDomesticACH
)

func All() []ID { return payout.AllRails() }

func Parse(s string) (ID, error) { return payout.ParseRail(s) }

// Result is what a provider returned for an accepted payout.
type Result struct {
	Success           bool          `json:"success"`
	ProviderReference string        `json:"provider_reference"`
	Status            payout.Status `json:"status"`
	RawStatus         string        `json:"raw_status"`
	EstimatedArrival  time.Time     `json:"estimated_arrival"`
}

// StatusResult is a provider status mapped onto the canonical enum.
// Known is false when the raw status was not recognised.
type StatusResult struct {
	Status        payout.Status `json:"status"`
	RawStatus     string        `json:"raw_status"`
	Known         bool          `json:"known"`
	FailureCode   string        `json:"failure_code,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
}

// Handler is the uniform contract every payout provider implements. All
// methods check preconditions before any network call and return
// *payout.Error on failure.
type Handler interface {
	Rail() ID
	Quote(ctx context.Context, amount int64, currency string, method *payout.WithdrawalMethod) (*payout.Quote, error)
	CreatePayout(ctx context.Context, p *payout.Payout, method *payout.WithdrawalMethod) (*Result, error)
	GetPayoutStatus(ctx context.Context, providerReference string) (*StatusResult, error)
	// CancelPayout returns payout.ErrCancelNotSupported on rails without
	// cancellation.
	CancelPayout(ctx context.Context, providerReference string) (bool, error)
}
