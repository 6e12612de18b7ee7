package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/casework/internal/api/shared"
	"github.com/phrazzld/casework/internal/domain"
	"github.com/phrazzld/casework/internal/permission"
	"github.com/phrazzld/casework/internal/service/auth"
	"github.com/phrazzld/casework/internal/task"
)

// MapErrorToStatusCode maps core errors to HTTP status codes.
func MapErrorToStatusCode(err error) int {
	var forbidden *domain.ForbiddenError
	switch {
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrTokenNotYetValid),
		errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, auth.ErrUnknownAPIKey):
		return http.StatusUnauthorized

	case errors.As(err, &forbidden):
		if forbidden.Reason == string(permission.RateLimited) {
			return http.StatusTooManyRequests
		}
		return http.StatusForbidden
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden

	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyTerminal):
		return http.StatusConflict
	case errors.Is(err, domain.ErrBackpressure),
		errors.Is(err, task.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrBackendUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrPersistence):
		return http.StatusInternalServerError

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-facing message that never includes
// internal detail beyond what the caller supplied.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	var (
		validation   *domain.ValidationError
		forbidden    *domain.ForbiddenError
		backpressure *domain.BackpressureError
		terminal     *domain.AlreadyTerminalError
	)
	switch {
	case errors.Is(err, auth.ErrExpiredToken):
		return "Token expired"
	case errors.Is(err, auth.ErrMissingToken):
		return "Credentials required"
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrTokenNotYetValid),
		errors.Is(err, auth.ErrUnknownAPIKey):
		return "Invalid credentials"

	case errors.As(err, &validation):
		return fmt.Sprintf("Invalid %s: %s", validation.Field, validation.Message)
	case errors.As(err, &forbidden):
		if forbidden.Reason == string(permission.RateLimited) {
			return "Rate limit exceeded"
		}
		return fmt.Sprintf("Capability %s not granted", forbidden.Capability)
	case errors.As(err, &backpressure):
		return fmt.Sprintf("Category %s is at capacity", backpressure.Category)
	case errors.As(err, &terminal):
		return fmt.Sprintf("Task is already %s", terminal.State)
	case errors.Is(err, task.ErrStopped):
		return "Scheduler is shutting down"
	case errors.Is(err, domain.ErrNotFound):
		return "Not found"
	case errors.Is(err, domain.ErrBackendUnavailable):
		return "No provider backend could answer"
	case errors.Is(err, domain.ErrPersistence):
		return "Failed to persist the operation"
	default:
		return "An unexpected error occurred"
	}
}

// errorReason returns the reason code sent alongside an error, if any.
func errorReason(err error) string {
	var forbidden *domain.ForbiddenError
	if errors.As(err, &forbidden) {
		return forbidden.Reason
	}
	return ""
}

// respondWithDomainError maps err onto an error reply. Backpressure replies
// carry a Retry-After header in whole seconds.
func respondWithDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var backpressure *domain.BackpressureError
	if errors.As(err, &backpressure) && backpressure.RetryAfter > 0 {
		secs := int(math.Ceil(backpressure.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	var opts []shared.ResponseOption
	if reason := errorReason(err); reason != "" {
		opts = append(opts, shared.WithReason(reason))
	}
	if errors.Is(err, domain.ErrForbidden) {
		opts = append(opts, shared.WithElevatedLogLevel())
	}
	shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err, opts...)
}

// SanitizeValidationError turns validator output into a short message
// naming the first failing field.
func SanitizeValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Validation error"
	}
	fe := verrs[0]
	return fmt.Sprintf("Invalid %s: %s", strings.ToLower(fe.Field()), validationTagMessage(fe.Tag()))
}

func validationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "min", "gte":
		return "too small"
	case "max", "lte":
		return "too large"
	case "oneof":
		return "invalid value"
	case "uuid":
		return "must be a UUID"
	default:
		return "validation failed"
	}
}
