package payout

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusRequested  Status = "requested"
	StatusProcessing Status = "processing"
	StatusPaid       Status = "paid"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusReturned   Status = "returned"
)

var transitions = map[Status][]Status{
	StatusRequested:  {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusPaid, StatusFailed, StatusCancelled, StatusReturned},
	StatusPaid:       {StatusReturned},
}

func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	switch s {
	case StatusFailed, StatusCancelled, StatusReturned:
		return true
	}
	return false
}

// Payout is one withdrawal attempt. Amounts are minor units.
type Payout struct {
	ID                  string         `gorm:"primaryKey;type:varchar(32)" json:"id"`
	UserID              string         `gorm:"type:varchar(64);not null;index:idx_payouts_user_status" json:"user_id"`
	Rail                Rail           `gorm:"type:varchar(32);not null;uniqueIndex:idx_payouts_rail_trace" json:"rail"`
	WithdrawalMethodID  string         `gorm:"type:varchar(32);not null" json:"withdrawal_method_id"`
	Amount              int64          `gorm:"not null" json:"amount"`
	Currency            string         `gorm:"type:char(3);not null" json:"currency"`
	PlatformFee         int64          `gorm:"not null" json:"platform_fee"`
	ProviderFee         int64          `gorm:"not null" json:"provider_fee"`
	NetAmount           int64          `gorm:"not null" json:"net_amount"`
	Status              Status         `gorm:"type:varchar(16);not null;index:idx_payouts_user_status;index" json:"status"`
	ProviderReference   string         `gorm:"type:varchar(128);index" json:"provider_reference,omitempty"`
	TraceID             string         `gorm:"type:varchar(64);not null;uniqueIndex:idx_payouts_rail_trace" json:"trace_id"`
	FailureCode         string         `gorm:"type:varchar(64)" json:"failure_code,omitempty"`
	FailureReason       string         `gorm:"type:text" json:"failure_reason,omitempty"`
	RequestedAt         time.Time      `gorm:"not null" json:"requested_at"`
	ProcessingStartedAt *time.Time     `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
	ExpectedArrivalAt   *time.Time     `json:"expected_arrival_at,omitempty"`
	Metadata            datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// IdempotencyKey is sent to providers on every mutating call.
func (p *Payout) IdempotencyKey() string {
	return fmt.Sprintf("%s_%s", p.Rail, p.TraceID)
}

func (p *Payout) Breakdown() Breakdown {
	return Breakdown{Amount: p.Amount, PlatformFee: p.PlatformFee, ProviderFee: p.ProviderFee, NetAmount: p.NetAmount}
}

// Validate checks the fee identity and minor-unit sanity.
func (p *Payout) Validate() error {
	if p.Amount <= 0 {
		return ErrInvalidAmount(p.Amount)
	}
	if p.PlatformFee < 0 || p.ProviderFee < 0 || p.NetAmount < 0 {
		return validation(CodeInvalidAmount, "fees and net amount must not be negative")
	}
	if p.NetAmount+p.PlatformFee+p.ProviderFee != p.Amount {
		return validation(CodeInvalidAmount, "net %d + platform fee %d + provider fee %d != amount %d",
			p.NetAmount, p.PlatformFee, p.ProviderFee, p.Amount)
	}
	return nil
}

type MethodKind string

const (
	MethodBankAccount MethodKind = "bank_account"
	MethodWallet      MethodKind = "wallet"
	MethodPayee       MethodKind = "payee"
)

// FeeStructure is a per-method provider fee override. Nil fields keep the
// rail default.
type FeeStructure struct {
	ProviderBps  *int64 `json:"provider_bps,omitempty"`
	ProviderFlat *int64 `json:"provider_flat,omitempty"`
	ProviderMin  *int64 `json:"provider_min,omitempty"`
}

type WithdrawalMethod struct {
	ID           string         `gorm:"primaryKey;type:varchar(32)" json:"id"`
	UserID       string         `gorm:"type:varchar(64);not null;index" json:"user_id"`
	Rail         Rail           `gorm:"type:varchar(32);not null" json:"rail"`
	Kind         MethodKind     `gorm:"type:varchar(16);not null" json:"kind"`
	Destination  string         `gorm:"type:varchar(255);not null" json:"destination"`
	Currency     string         `gorm:"type:char(3);not null" json:"currency"`
	Country      string         `gorm:"type:char(2)" json:"country"`
	FeeStructure datatypes.JSON `json:"fee_structure,omitempty"`
	IsVerified   bool           `gorm:"not null;default:false" json:"is_verified"`
	IsActive     bool           `gorm:"not null" json:"is_active"`
	IsDefault    bool           `gorm:"not null;default:false" json:"is_default"`
	VerifiedAt   *time.Time     `json:"verified_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (m *WithdrawalMethod) Usable() bool {
	return m != nil && m.IsVerified && m.IsActive
}

// FeeOverride decodes FeeStructure; an empty column yields nil.
func (m *WithdrawalMethod) FeeOverride() (*FeeStructure, error) {
	if m == nil || len(m.FeeStructure) == 0 || string(m.FeeStructure) == "null" {
		return nil, nil
	}
	var fs FeeStructure
	if err := json.Unmarshal(m.FeeStructure, &fs); err != nil {
		return nil, fmt.Errorf("decode fee structure for method %s: %w", m.ID, err)
	}
	return &fs, nil
}

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobRetrying   JobStatus = "retrying"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is the durable work item driving one payout through its rail.
type Job struct {
	ID            string     `gorm:"primaryKey;type:varchar(32)" json:"id"`
	PayoutID      string     `gorm:"type:varchar(32);not null;uniqueIndex" json:"payout_id"`
	Status        JobStatus  `gorm:"type:varchar(16);not null;index:idx_payout_jobs_ready" json:"status"`
	Attempts      int        `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts   int        `gorm:"not null" json:"max_attempts"`
	NextRetryAt   *time.Time `gorm:"index:idx_payout_jobs_ready" json:"next_retry_at,omitempty"`
	LastError     string     `gorm:"type:text" json:"last_error,omitempty"`
	LastErrorCode string     `gorm:"type:varchar(64)" json:"last_error_code,omitempty"`
	Priority      int        `gorm:"not null;default:0" json:"priority"`
	BatchID       string     `gorm:"type:varchar(32);index" json:"batch_id,omitempty"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (Job) TableName() string { return "payout_jobs" }

// Quote is a fee and arrival estimate. It holds the same fee identity as
// Payout.
type Quote struct {
	Rail             Rail      `json:"rail"`
	Amount           int64     `json:"amount"`
	Currency         string    `json:"currency"`
	PlatformFee      int64     `json:"platform_fee"`
	ProviderFee      int64     `json:"provider_fee"`
	NetAmount        int64     `json:"net_amount"`
	EstimatedArrival time.Time `json:"estimated_arrival"`
	MinArrival       time.Time `json:"min_arrival"`
	MaxArrival       time.Time `json:"max_arrival"`
}

func (q *Quote) Breakdown() Breakdown {
	return Breakdown{Amount: q.Amount, PlatformFee: q.PlatformFee, ProviderFee: q.ProviderFee, NetAmount: q.NetAmount}
}
