package errutil

import "net/http"

// CoreStatus is the transport-neutral error code shared by HTTP and gRPC surfaces.
type CoreStatus string

const (
	StatusBadRequest           CoreStatus = "bad_request"
	StatusValidationFailed     CoreStatus = "validation_failed"
	StatusUnauthorized         CoreStatus = "unauthorized"
	StatusForbidden            CoreStatus = "forbidden"
	StatusNotFound             CoreStatus = "not_found"
	StatusConflict             CoreStatus = "conflict"
	StatusUnprocessableEntity  CoreStatus = "unprocessable_entity"
	StatusUnsupportedMediaType CoreStatus = "unsupported_media_type"
	StatusTooManyRequests      CoreStatus = "too_many_requests"
	StatusClientClosedRequest  CoreStatus = "client_closed_request"
	StatusTimeout              CoreStatus = "timeout"
	StatusInternal             CoreStatus = "internal"
	StatusNotImplemented       CoreStatus = "not_implemented"
	StatusBadGateway           CoreStatus = "bad_gateway"
	StatusServiceUnavailable   CoreStatus = "service_unavailable"
	StatusGatewayTimeout       CoreStatus = "gateway_timeout"
	StatusUnknown              CoreStatus = "unknown"
)

// HTTPStatus converts the CoreStatus to an HTTP status code.
func (s CoreStatus) HTTPStatus() int {
	switch s {
	case StatusBadRequest, StatusValidationFailed:
		return http.StatusBadRequest
	case StatusUnauthorized:
		return http.StatusUnauthorized
	case StatusForbidden:
		return http.StatusForbidden
	case StatusNotFound:
		return http.StatusNotFound
	case StatusConflict:
		return http.StatusConflict
	case StatusUnprocessableEntity:
		return http.StatusUnprocessableEntity
	case StatusUnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	case StatusTooManyRequests:
		return http.StatusTooManyRequests
	case StatusClientClosedRequest:
		return 499
	case StatusTimeout:
		return http.StatusRequestTimeout
	case StatusNotImplemented:
		return http.StatusNotImplemented
	case StatusBadGateway:
		return http.StatusBadGateway
	case StatusServiceUnavailable:
		return http.StatusServiceUnavailable
	case StatusGatewayTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
