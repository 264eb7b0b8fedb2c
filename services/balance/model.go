package balance

import "time"

// WalletBalance is a user's withdrawable money in one currency, in minor
// units. Available only grows through Credit and Release.
type WalletBalance struct {
	ID             string    `gorm:"primaryKey;type:varchar(32)" json:"id"`
	UserID         string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_wallet_balances_user_currency" json:"user_id"`
	Currency       string    `gorm:"type:varchar(3);not null;uniqueIndex:idx_wallet_balances_user_currency" json:"currency"`
	Available      int64     `gorm:"not null;default:0;check:chk_wallet_balances_available,available >= 0" json:"available"`
	Pending        int64     `gorm:"not null;default:0;check:chk_wallet_balances_pending,pending >= 0" json:"pending"`
	TotalEarned    int64     `gorm:"not null;default:0" json:"total_earned"`
	TotalWithdrawn int64     `gorm:"not null;default:0" json:"total_withdrawn"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (WalletBalance) TableName() string { return "wallet_balances" }

// ReleaseEvent is an upstream contract payment released to the user. The
// payment id doubles as the idempotency key for crediting it.
type ReleaseEvent struct {
	PaymentID  string    `gorm:"primaryKey;type:varchar(64)" json:"payment_id"`
	UserID     string    `gorm:"type:varchar(64);not null;index" json:"user_id"`
	ContractID string    `gorm:"type:varchar(64)" json:"contract_id"`
	Amount     int64     `gorm:"not null" json:"amount"`
	Currency   string    `gorm:"type:varchar(3);not null" json:"currency"`
	ReleasedAt time.Time `gorm:"not null" json:"released_at"`
}

func (ReleaseEvent) TableName() string { return "payment_releases" }

// Discrepancy is a non-zero gap between the stored available balance and
// the one derived from history. Difference is Expected minus Stored.
type Discrepancy struct {
	UserID     string `json:"user_id"`
	Currency   string `json:"currency"`
	Stored     int64  `json:"stored"`
	Expected   int64  `json:"expected"`
	Difference int64  `json:"difference"`
}

// CreditResult tells a caller whether a release event moved money.
type CreditResult struct {
	Skipped bool           `json:"skipped"`
	Balance *WalletBalance `json:"balance,omitempty"`
}
