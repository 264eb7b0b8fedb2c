package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"payout-engine/services/payout"

	"gorm.io/datatypes"
)

type Action string

const (
	ActionJobEnqueued          Action = "job_enqueued"
	ActionJobStarted           Action = "job_started"
	ActionJobCompleted         Action = "job_completed"
	ActionJobFailed            Action = "job_failed"
	ActionJobReclaimed         Action = "job_reclaimed"
	ActionJobCancelled         Action = "job_cancelled"
	ActionStatusChanged        Action = "status_changed"
	ActionBalanceCredited      Action = "balance_credited"
	ActionBalanceSettled       Action = "balance_settled"
	ActionBalanceReleased      Action = "balance_released"
	ActionBalanceDriftDetected Action = "balance_drift_detected"
	ActionCorrection           Action = "correction"
)

type Resource string

const (
	ResourcePayout  Resource = "payout"
	ResourceJob     Resource = "job"
	ResourceBalance Resource = "balance"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// genesisHash is the previous hash of the first entry in a user's chain.
const genesisHash = "GENESIS"

// Entry is one append-only audit record. Entries form a hash chain per
// user; Seq orders the chain and (user_id, previous_hash) rejects forks.
type Entry struct {
	ID                string         `gorm:"primaryKey;type:varchar(32)" json:"id"`
	Seq               int64          `gorm:"not null;index:idx_reconciliation_user_seq" json:"seq"`
	PayoutID          string         `gorm:"type:varchar(32);index" json:"payout_id,omitempty"`
	UserID            string         `gorm:"type:varchar(64);not null;index:idx_reconciliation_user_seq;uniqueIndex:idx_reconciliation_chain" json:"user_id"`
	Rail              payout.Rail    `gorm:"type:varchar(32)" json:"rail,omitempty"`
	Action            Action         `gorm:"type:varchar(32);not null;index;uniqueIndex:idx_reconciliation_source" json:"action"`
	Resource          Resource       `gorm:"type:varchar(16);not null" json:"resource"`
	Severity          Severity       `gorm:"type:varchar(16);not null" json:"severity"`
	ProviderReference string         `gorm:"type:varchar(128)" json:"provider_reference,omitempty"`
	ProviderStatus    string         `gorm:"type:varchar(64)" json:"provider_status,omitempty"`
	ErrorCode         string         `gorm:"type:varchar(64)" json:"error_code,omitempty"`
	Attempt           int            `json:"attempt,omitempty"`
	Amount            int64          `json:"amount,omitempty"`
	Currency          string         `gorm:"type:varchar(3)" json:"currency,omitempty"`
	SourceRef         *string        `gorm:"type:varchar(128);uniqueIndex:idx_reconciliation_source" json:"source_ref,omitempty"`
	CorrectsEntryID   string         `gorm:"type:varchar(32)" json:"corrects_entry_id,omitempty"`
	Request           datatypes.JSON `json:"request,omitempty"`
	Response          datatypes.JSON `json:"response,omitempty"`
	Note              string         `gorm:"type:text" json:"note,omitempty"`
	Actor             string         `gorm:"type:varchar(64);not null" json:"actor"`
	EventTime         time.Time      `gorm:"not null;index" json:"event_time"`
	PreviousHash      string         `gorm:"type:varchar(64);not null;uniqueIndex:idx_reconciliation_chain" json:"previous_hash"`
	Hash              string         `gorm:"type:varchar(64);not null" json:"hash"`
}

func (Entry) TableName() string { return "reconciliation_entries" }

// EntryParams describes an entry to append. Empty Resource, Severity and
// Actor are derived from the action.
type EntryParams struct {
	PayoutID          string
	UserID            string
	Rail              payout.Rail
	Action            Action
	Resource          Resource
	Severity          Severity
	ProviderReference string
	ProviderStatus    string
	ErrorCode         string
	Attempt           int
	Amount            int64
	Currency          string
	SourceRef         string
	CorrectsEntryID   string
	Request           any
	Response          any
	Note              string
	Actor             string
}

func defaultResource(a Action) Resource {
	switch {
	case strings.HasPrefix(string(a), "job_"):
		return ResourceJob
	case strings.HasPrefix(string(a), "balance_"):
		return ResourceBalance
	}
	return ResourcePayout
}

func defaultSeverity(a Action) Severity {
	switch a {
	case ActionJobFailed, ActionJobReclaimed, ActionCorrection:
		return SeverityWarning
	case ActionBalanceDriftDetected:
		return SeverityCritical
	}
	return SeverityInfo
}

// hashFields excludes the request/response payloads: jsonb columns do not
// round-trip byte for byte.
func (e *Entry) hashFields() map[string]string {
	sourceRef := ""
	if e.SourceRef != nil {
		sourceRef = *e.SourceRef
	}
	return map[string]string{
		"id":                 e.ID,
		"seq":                fmt.Sprintf("%d", e.Seq),
		"payout_id":          e.PayoutID,
		"user_id":            e.UserID,
		"rail":               string(e.Rail),
		"action":             string(e.Action),
		"resource":           string(e.Resource),
		"severity":           string(e.Severity),
		"provider_reference": e.ProviderReference,
		"provider_status":    e.ProviderStatus,
		"error_code":         e.ErrorCode,
		"attempt":            fmt.Sprintf("%d", e.Attempt),
		"amount":             fmt.Sprintf("%d", e.Amount),
		"currency":           e.Currency,
		"source_ref":         sourceRef,
		"corrects_entry_id":  e.CorrectsEntryID,
		"note":               e.Note,
		"actor":              e.Actor,
		"event_time":         e.EventTime.UTC().Format(time.RFC3339Nano),
		"previous_hash":      e.PreviousHash,
	}
}

func (e *Entry) GenerateHash() string {
	fields := e.hashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Filter narrows List. Zero fields are ignored.
type Filter struct {
	PayoutID string
	UserID   string
	Action   Action
	Severity Severity
	From     time.Time
	To       time.Time
	Limit    int
}

// VerifyResult reports the first entry whose hash or link does not match.
type VerifyResult struct {
	UserID   string `json:"user_id"`
	Valid    bool   `json:"valid"`
	Entries  int    `json:"entries"`
	BrokenAt string `json:"broken_at,omitempty"`
}
