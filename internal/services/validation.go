package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Success bool              `json:"success"`           // Always false
	Error   string            `json:"error"`             // Error message
	Code    string            `json:"code,omitempty"`    // Machine readable error code
	Details map[string]string `json:"details,omitempty"` // Validation details
}

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

// NewValidationHelper creates a new validation helper
func NewValidationHelper() *ValidationHelper {
	return &ValidationHelper{
		validator: validator.New(),
	}
}

// ValidateStruct validates a struct and returns validation errors
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

// validationDetails lists the failing fields of err, if it carries any.
func validationDetails(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	details := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		details[fe.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", fe.Tag())
	}
	return details
}

// SendErrorResponse sends a JSON error response
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	writeError(w, statusCode, ErrorResponse{
		Error:   message,
		Details: validationDetails(validationErr),
	})
}

// StatusForKind maps an error kind to the HTTP status the edge reports.
func StatusForKind(kind ErrorKind) int {
	switch kind {
	case KindValidation, KindSelfPayment:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAuthorization:
		return http.StatusForbidden
	case KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case KindReplay, KindAlreadyUsed:
		return http.StatusConflict
	case KindExpired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// SendLedgerError writes err as {success:false, error, code}. Internal
// failures are reported without their cause.
func SendLedgerError(w http.ResponseWriter, err error) {
	le, ok := AsLedgerError(err)
	if !ok || le.Kind == KindInternal {
		writeError(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "INTERNAL_ERROR"})
		return
	}
	writeError(w, StatusForKind(le.Kind), ErrorResponse{
		Error:   le.Message,
		Code:    le.Code,
		Details: validationDetails(le.Err),
	})
}

func writeError(w http.ResponseWriter, statusCode int, resp ErrorResponse) {
	resp.Success = false
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}
