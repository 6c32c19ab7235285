package settlementd

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	coreerrors "stealthpay/core/errors"
	"stealthpay/native/settlement"
)

type requestIDKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	State   string `json:"state,omitempty"`
}

var errBadRequest = fmt.Errorf("%w: invalid request body", coreerrors.ErrValidation)

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, coreerrors.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, coreerrors.ErrReplayDetected), errors.Is(err, coreerrors.ErrDuplicateAnnouncement):
		return http.StatusConflict
	case errors.Is(err, coreerrors.ErrAuthExpired), errors.Is(err, coreerrors.ErrAuthNotYetValid), errors.Is(err, coreerrors.ErrSignatureInvalid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, coreerrors.ErrComplianceRejected):
		return http.StatusForbidden
	case errors.Is(err, coreerrors.ErrLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, coreerrors.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, coreerrors.ErrPaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, coreerrors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, coreerrors.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) ErrorResponse {
	body := ErrorResponse{Error: coreerrors.Reason(err), Message: err.Error()}
	if state, ok := settlement.AbortedIn(err); ok {
		body.State = string(state)
	}
	return body
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := errorBody(err)
	if status == http.StatusInternalServerError {
		body.Message = "internal error"
	}
	writeJSON(w, status, body)
}
