package errutil

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

type Detail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type BaseError struct {
	Code    CoreStatus `json:"code"`
	Message string     `json:"message"`
	Details []Detail   `json:"details,omitempty"`
	Err     error      `json:"-"`
}

func (e BaseError) Status() CoreStatus {
	return e.Code
}

func (e BaseError) URL() string {
	values := url.Values{}

	values.Set("error_code", string(e.Code))
	values.Set("error_message", e.Message)

	for _, d := range e.Details {
		values.Set("details["+strings.TrimSpace(d.Field)+"]", d.Message)
	}

	return values.Encode()
}

func (e BaseError) JSON() interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"code":    e.Code,
			"message": e.messageWithErr(),
			"details": e.Details,
		},
	}
}

func (e BaseError) Unwrap() error {
	return e.Err
}

func (e BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s", e.Code, e.messageWithErr())
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e BaseError) messageWithErr() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

type Option func(*BaseError)

func WithDetails(details ...Detail) Option {
	return func(be *BaseError) { be.Details = details }
}

func WithErr(err error) Option {
	return func(be *BaseError) { be.Err = err }
}

func New(code CoreStatus, message string, opts ...Option) error {
	be := BaseError{Code: code, Message: message}
	for _, opt := range opts {
		opt(&be)
	}
	return be
}

func build(code CoreStatus, msg string, err error, options ...Option) error {
	if err != nil {
		options = append([]Option{WithErr(err)}, options...)
	}
	return New(code, msg, options...)
}

func NotFound(msg string, err error, options ...Option) error {
	return build(StatusNotFound, msg, err, options...)
}

func UnprocessableEntity(msg string, err error, options ...Option) error {
	return build(StatusUnprocessableEntity, msg, err, options...)
}

func Conflict(msg string, err error, options ...Option) error {
	return build(StatusConflict, msg, err, options...)
}

func BadRequest(msg string, err error, options ...Option) error {
	return build(StatusBadRequest, msg, err, options...)
}

func ValidationFailed(msg string, err error, options ...Option) error {
	return build(StatusValidationFailed, msg, err, options...)
}

func Internal(msg string, err error, options ...Option) error {
	return build(StatusInternal, msg, err, options...)
}

func Timeout(msg string, err error, options ...Option) error {
	return build(StatusTimeout, msg, err, options...)
}

func TooManyRequest(msg string, err error, options ...Option) error {
	return build(StatusTooManyRequests, msg, err, options...)
}

func Unavailable(msg string, err error, options ...Option) error {
	return build(StatusServiceUnavailable, msg, err, options...)
}

func BadGateway(msg string, err error, options ...Option) error {
	return build(StatusBadGateway, msg, err, options...)
}

// StatusOf returns the CoreStatus carried by err, or StatusInternal.
func StatusOf(err error) CoreStatus {
	var base BaseError
	if errors.As(err, &base) {
		return base.Code
	}
	var coder interface{ Status() CoreStatus }
	if errors.As(err, &coder) {
		return coder.Status()
	}
	return StatusInternal
}
