package payout

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"payout-engine/pkg/errutil"
)

type Code string

const (
	CodeInsufficientBalance  Code = "insufficient_balance"
	CodeKYCRequired          Code = "kyc_required"
	CodeRailUnsupported      Code = "rail_unsupported"
	CodeCountryUnsupported   Code = "country_unsupported"
	CodeCurrencyUnsupported  Code = "currency_unsupported"
	CodeAmountBelowMinimum   Code = "amount_below_minimum"
	CodeAmountAboveMaximum   Code = "amount_above_maximum"
	CodeDailyLimitExceeded   Code = "daily_limit_exceeded"
	CodeMonthlyLimitExceeded Code = "monthly_limit_exceeded"
	CodeMethodRailMismatch   Code = "method_rail_mismatch"
	CodeMethodNotUsable      Code = "method_not_usable"
	CodeInvalidAmount        Code = "invalid_amount"
	CodeFeesExceedAmount     Code = "fees_exceed_amount"
	CodeInvalidState         Code = "invalid_state"
	CodeNotFound             Code = "not_found"
	CodeCancelNotSupported   Code = "cancel_not_supported"
	CodeProviderUnavailable  Code = "provider_unavailable"
	CodeProviderRateLimited  Code = "provider_rate_limited"
	CodeProviderTimeout      Code = "provider_timeout"
	CodeProviderRejected     Code = "provider_rejected"
	CodeStorageUnavailable   Code = "storage_unavailable"
	CodeInternal             Code = "internal_error"
)

type Kind string

const (
	KindValidation        Kind = "validation"
	KindPrecondition      Kind = "precondition"
	KindProviderTransient Kind = "provider_transient"
	KindProviderPermanent Kind = "provider_permanent"
	KindInternal          Kind = "internal"
)

// Error is the failure shape shared by rails, the processor and the balance
// synchronizer. Retryable decides whether the processor schedules another
// attempt; RetryAfter is a provider hint and only ever lengthens the delay.
type Error struct {
	Code       Code          `json:"code"`
	Kind       Kind          `json:"kind"`
	Message    string        `json:"message"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Err        error         `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code so callers can use errors.Is against a
// constructor result.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Status maps the error onto the shared transport status.
func (e *Error) Status() errutil.CoreStatus {
	switch e.Code {
	case CodeNotFound:
		return errutil.StatusNotFound
	case CodeInvalidState:
		return errutil.StatusConflict
	case CodeCancelNotSupported:
		return errutil.StatusNotImplemented
	case CodeProviderRateLimited:
		return errutil.StatusTooManyRequests
	case CodeProviderTimeout:
		return errutil.StatusGatewayTimeout
	case CodeProviderUnavailable, CodeStorageUnavailable:
		return errutil.StatusServiceUnavailable
	case CodeProviderRejected:
		return errutil.StatusBadGateway
	case CodeInternal:
		return errutil.StatusInternal
	}
	switch e.Kind {
	case KindPrecondition:
		return errutil.StatusUnprocessableEntity
	case KindValidation:
		return errutil.StatusValidationFailed
	}
	return errutil.StatusInternal
}

func validation(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func precondition(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Kind: KindPrecondition, Message: fmt.Sprintf(format, args...)}
}

func ErrInsufficientBalance(available, requested int64, currency string) *Error {
	return precondition(CodeInsufficientBalance,
		"insufficient balance: %d %s available, %d requested", available, currency, requested)
}

// ErrKYCRequired is raised by the authorization layer before a payout is
// created. The engine itself never checks identity levels.
func ErrKYCRequired(level string) *Error {
	return precondition(CodeKYCRequired, "identity verification level %q is required for this payout", level)
}

func ErrRailUnsupported(rail string) *Error {
	return validation(CodeRailUnsupported, "payout rail %q is not supported", rail)
}

func ErrCountryUnsupported(rail Rail, country string) *Error {
	return validation(CodeCountryUnsupported, "%s does not pay out to country %q", rail, country)
}

func ErrCurrencyUnsupported(rail Rail, currency string) *Error {
	return validation(CodeCurrencyUnsupported, "%s does not pay out in %q", rail, currency)
}

func ErrAmountBelowMinimum(amount, min int64, currency string) *Error {
	return validation(CodeAmountBelowMinimum, "amount %d %s is below the minimum of %d", amount, currency, min)
}

func ErrAmountAboveMaximum(amount, max int64, currency string) *Error {
	return validation(CodeAmountAboveMaximum, "amount %d %s is above the maximum of %d", amount, currency, max)
}

func ErrDailyLimitExceeded(used, amount, limit int64) *Error {
	return validation(CodeDailyLimitExceeded, "daily payout limit %d exceeded: %d already requested, %d more asked", limit, used, amount)
}

func ErrMonthlyLimitExceeded(used, amount, limit int64) *Error {
	return validation(CodeMonthlyLimitExceeded, "monthly payout limit %d exceeded: %d already requested, %d more asked", limit, used, amount)
}

func ErrMethodRailMismatch(methodRail, handlerRail Rail) *Error {
	return validation(CodeMethodRailMismatch, "withdrawal method belongs to %s, not %s", methodRail, handlerRail)
}

func ErrMethodNotUsable(methodID string) *Error {
	return validation(CodeMethodNotUsable, "withdrawal method %s is not verified and active", methodID)
}

func ErrInvalidAmount(amount int64) *Error {
	return validation(CodeInvalidAmount, "amount must be positive, got %d", amount)
}

func ErrFeesExceedAmount(amount, fees int64) *Error {
	return validation(CodeFeesExceedAmount, "fees %d exceed the payout amount %d", fees, amount)
}

func ErrInvalidState(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidState, Kind: KindPrecondition, Message: fmt.Sprintf(format, args...)}
}

func ErrNotFound(what, id string) *Error {
	return &Error{Code: CodeNotFound, Kind: KindValidation, Message: fmt.Sprintf("%s %s not found", what, id)}
}

func ErrCancelNotSupported(rail Rail) *Error {
	return &Error{Code: CodeCancelNotSupported, Kind: KindProviderPermanent, Message: fmt.Sprintf("%s does not support cancellation", rail)}
}

// ErrStorage wraps a database failure met while running a job. It is
// retryable so a brief outage does not fail the payout.
func ErrStorage(what string, err error) *Error {
	return &Error{
		Code:      CodeStorageUnavailable,
		Kind:      KindInternal,
		Message:   fmt.Sprintf("could not load %s, storage temporarily unavailable", what),
		Retryable: true,
		Err:       err,
	}
}

// Temporary reports whether the same request may succeed later.
func (e *Error) Temporary() bool { return e.Retryable }

// RetryDelay is the provider's minimum wait before another attempt.
func (e *Error) RetryDelay() time.Duration { return e.RetryAfter }

// ProviderError normalises a provider failure. Transient codes are retryable.
func ProviderError(code Code, retryable bool, retryAfter time.Duration, message string, cause error) *Error {
	kind := KindProviderPermanent
	if retryable {
		kind = KindProviderTransient
	}
	return &Error{
		Code:       code,
		Kind:       kind,
		Message:    message,
		Retryable:  retryable,
		RetryAfter: retryAfter,
		Err:        cause,
	}
}

// AsError classifies any error into an *Error. Deadline expiry and network
// timeouts are transient; anything unrecognised is permanent.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}

	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ProviderError(CodeProviderTimeout, true, 0, "provider call timed out", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ProviderError(CodeProviderTimeout, true, 0, "provider call timed out", err)
	}

	return &Error{Code: CodeInternal, Kind: KindInternal, Message: "unexpected error", Err: err}
}

func IsRetryable(err error) bool {
	pe := AsError(err)
	return pe != nil && pe.Retryable
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == code
}
