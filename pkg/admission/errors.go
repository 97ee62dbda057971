package admission

import (
	"errors"
	"net/http"

	"pdks/pkg/devicebind"
	"pdks/pkg/offsync"
	"pdks/pkg/ratelimit"
	"pdks/pkg/replay"
	"pdks/pkg/reqctx"
)

// ErrInvalidSubmission marks a submission that cannot be evaluated at all.
var ErrInvalidSubmission = errors.New("invalid submission")

const (
	ReasonReplayDetected    = "REPLAY_DETECTED"
	ReasonDeviceIPMismatch  = "DEVICE_IP_MISMATCH"
	ReasonDeviceMismatch    = "EMPLOYEE_DEVICE_MISMATCH"
	ReasonRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ReasonMissingContext    = "MISSING_CONTEXT"
	ReasonStoreUnavailable  = "STORE_UNAVAILABLE"
	ReasonInvalidSubmission = "INVALID_SUBMISSION"
)

// ReasonCode maps a rejection to its wire code. Anything unrecognized is a
// store failure, so unknown errors never admit.
func ReasonCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, reqctx.ErrMissingContext),
		errors.Is(err, ratelimit.ErrEmptyUserID):
		return ReasonMissingContext
	case errors.Is(err, ErrInvalidSubmission),
		errors.Is(err, replay.ErrEmptyNonce),
		errors.Is(err, devicebind.ErrEmptyDisplayID),
		errors.Is(err, offsync.ErrEmptyOfflineID):
		return ReasonInvalidSubmission
	case errors.Is(err, devicebind.ErrIPMismatch):
		return ReasonDeviceIPMismatch
	case errors.Is(err, devicebind.ErrDeviceMismatch):
		return ReasonDeviceMismatch
	case errors.Is(err, replay.ErrReplayDetected):
		return ReasonReplayDetected
	case errors.Is(err, ratelimit.ErrLimitExceeded):
		return ReasonRateLimitExceeded
	default:
		return ReasonStoreUnavailable
	}
}

func HTTPStatus(err error) int {
	switch ReasonCode(err) {
	case "":
		return http.StatusOK
	case ReasonMissingContext:
		return http.StatusUnauthorized
	case ReasonInvalidSubmission:
		return http.StatusBadRequest
	case ReasonDeviceIPMismatch, ReasonDeviceMismatch:
		return http.StatusForbidden
	case ReasonReplayDetected:
		return http.StatusConflict
	case ReasonRateLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}
