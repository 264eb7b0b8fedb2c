package payout

import "strings"

// Rail identifies a payout provider. The set is closed; adding a rail means
// adding a constant here and a case in the rail registry.
type Rail string

const (
	RailCardTransfer Rail = "card_transfer"
	RailWallet       Rail = "wallet"
	RailIntlTransfer Rail = "intl_transfer"
	RailGlobalPayee  Rail = "global_payee"
	RailDomesticACH  Rail = "domestic_ach"
)

func AllRails() []Rail {
	return []Rail{RailCardTransfer, RailWallet, RailIntlTransfer, RailGlobalPayee, RailDomesticACH}
}

func (r Rail) Valid() bool {
	switch r {
	case RailCardTransfer, RailWallet, RailIntlTransfer, RailGlobalPayee, RailDomesticACH:
		return true
	}
	return false
}

func (r Rail) String() string { return string(r) }

// ParseRail accepts any casing and returns rail_unsupported for unknown ids.
func ParseRail(s string) (Rail, error) {
	r := Rail(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", ErrRailUnsupported(s)
	}
	return r, nil
}
