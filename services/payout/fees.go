package payout

import (
	"payout-engine/pkg/config"

	"github.com/shopspring/decimal"
)

var bpsDivisor = decimal.NewFromInt(10_000)

// Fees is the fee policy for one rail. Percentages are basis points, flat and
// minimum amounts are minor units.
type Fees struct {
	PlatformBps  int64
	ProviderBps  int64
	ProviderFlat int64
	ProviderMin  int64
}

// Breakdown satisfies Amount == PlatformFee + ProviderFee + NetAmount.
type Breakdown struct {
	Amount      int64 `json:"amount"`
	PlatformFee int64 `json:"platform_fee"`
	ProviderFee int64 `json:"provider_fee"`
	NetAmount   int64 `json:"net_amount"`
}

func FeesFromConfig(rc config.RailConfig) Fees {
	return Fees{
		PlatformBps:  rc.PlatformFeeBps,
		ProviderBps:  rc.ProviderFeeBps,
		ProviderFlat: rc.ProviderFeeFlat,
		ProviderMin:  rc.ProviderFeeMin,
	}
}

// WithOverride applies a withdrawal method's negotiated provider fee.
func (f Fees) WithOverride(o *FeeStructure) Fees {
	if o == nil {
		return f
	}
	if o.ProviderBps != nil {
		f.ProviderBps = *o.ProviderBps
	}
	if o.ProviderFlat != nil {
		f.ProviderFlat = *o.ProviderFlat
	}
	if o.ProviderMin != nil {
		f.ProviderMin = *o.ProviderMin
	}
	return f
}

// percentOf rounds amount*bps/10000 half-up to whole minor units.
func percentOf(amount, bps int64) int64 {
	if bps == 0 {
		return 0
	}
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(bps)).
		Div(bpsDivisor).
		Round(0).
		IntPart()
}

func (f Fees) Compute(amount int64) (Breakdown, error) {
	if amount <= 0 {
		return Breakdown{}, ErrInvalidAmount(amount)
	}

	platform := percentOf(amount, f.PlatformBps)
	provider := f.ProviderFlat + percentOf(amount, f.ProviderBps)
	if provider < f.ProviderMin {
		provider = f.ProviderMin
	}

	if platform+provider > amount {
		return Breakdown{}, ErrFeesExceedAmount(amount, platform+provider)
	}

	return Breakdown{
		Amount:      amount,
		PlatformFee: platform,
		ProviderFee: provider,
		NetAmount:   amount - platform - provider,
	}, nil
}
