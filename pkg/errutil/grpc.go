package errutil

import (
	"context"
	"errors"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
)

var grpcCodes = map[CoreStatus]codes.Code{
	StatusUnauthorized:         codes.Unauthenticated,
	StatusForbidden:            codes.PermissionDenied,
	StatusNotFound:             codes.NotFound,
	StatusTimeout:              codes.DeadlineExceeded,
	StatusGatewayTimeout:       codes.DeadlineExceeded,
	StatusUnprocessableEntity:  codes.FailedPrecondition,
	StatusUnsupportedMediaType: codes.InvalidArgument,
	StatusBadRequest:           codes.InvalidArgument,
	StatusValidationFailed:     codes.InvalidArgument,
	StatusConflict:             codes.AlreadyExists,
	StatusTooManyRequests:      codes.ResourceExhausted,
	StatusClientClosedRequest:  codes.Canceled,
	StatusNotImplemented:       codes.Unimplemented,
	StatusBadGateway:           codes.Unavailable,
	StatusServiceUnavailable:   codes.Unavailable,
	StatusInternal:             codes.Internal,
}

// GRPCCode converts the CoreStatus to its closest gRPC status code equivalent.
func (s CoreStatus) GRPCCode() codes.Code {
	if c, ok := grpcCodes[s]; ok {
		return c
	}
	return codes.Unknown
}

// Retrier is implemented by domain errors that know whether the same call
// may succeed later, such as payout.Error.
type Retrier interface {
	Temporary() bool
	RetryDelay() time.Duration
}

// ToGRPCError normalises a domain error into a gRPC status error. Temporary
// errors become Unavailable and carry a RetryInfo detail when the source
// named a delay.
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	var base BaseError
	if errors.As(err, &base) {
		return status.Error(base.Code.GRPCCode(), base.messageWithErr())
	}

	var r Retrier
	if errors.As(err, &r) && r.Temporary() {
		return retryStatus(err.Error(), r.RetryDelay())
	}

	var coder interface{ Status() CoreStatus }
	if errors.As(err, &coder) {
		return status.Error(coder.Status().GRPCCode(), err.Error())
	}

	return status.Error(codes.Internal, err.Error())
}

func retryStatus(msg string, delay time.Duration) error {
	st := status.New(codes.Unavailable, msg)
	if delay <= 0 {
		return st.Err()
	}
	detailed, err := st.WithDetails(&errdetails.RetryInfo{RetryDelay: durationpb.New(delay)})
	if err != nil {
		return st.Err()
	}
	return detailed.Err()
}

// RetryDelayOf extracts the RetryInfo delay from a gRPC status error.
func RetryDelayOf(err error) (time.Duration, bool) {
	st, ok := status.FromError(err)
	if !ok {
		return 0, false
	}
	for _, d := range st.Details() {
		if ri, ok := d.(*errdetails.RetryInfo); ok && ri.GetRetryDelay() != nil {
			return ri.GetRetryDelay().AsDuration(), true
		}
	}
	return 0, false
}
