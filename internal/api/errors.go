package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kenneth/jose-keywrap/internal/crypto"
)

// APIError represents a JSON API error response.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id,omitempty"`
	HTTPStatus int    `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("API Error: %s - %s", e.Code, e.Message)
}

// WithMessage returns a copy of e with message.
func (e *APIError) WithMessage(format string, args ...interface{}) *APIError {
	out := *e
	out.Message = fmt.Sprintf(format, args...)
	return &out
}

// WriteJSON writes the error response.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	_ = json.NewEncoder(w).Encode(struct {
		Error *APIError `json:"error"`
	}{e})
}

// TranslateError maps key management errors to API errors. Authentication
// failures are reported without detail so they do not act as an oracle.
func TranslateError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return ErrRequestTooLarge.WithMessage("request body exceeds %d bytes", maxErr.Limit)
	case errors.Is(err, crypto.ErrUnwrapAuthentication):
		return ErrUnwrapFailed
	case errors.Is(err, crypto.ErrMissingHeaderParam):
		return ErrMissingHeaderParameter.WithMessage("%s", err.Error())
	case errors.Is(err, crypto.ErrInvalidHeaderParam):
		return ErrInvalidHeaderParameter.WithMessage("%s", err.Error())
	case errors.Is(err, crypto.ErrInvalidKeyType):
		return ErrInvalidKey.WithMessage("%s", err.Error())
	case errors.Is(err, crypto.ErrInvalidKeyLength):
		return ErrInvalidKey.WithMessage("%s", err.Error())
	case errors.Is(err, crypto.ErrInvalidCEKLength):
		return ErrInvalidCEK.WithMessage("%s", err.Error())
	case errors.Is(err, crypto.ErrUnsupportedAlgorithm):
		return ErrUnsupportedAlgorithm.WithMessage("%s", err.Error())
	case errors.Is(err, crypto.ErrUnsupportedKeySize):
		// A registry configured with a size that has no PRF is a server fault
		return ErrInternal.WithMessage("%s", err.Error())
	}

	return ErrInternal
}

// errorType returns the metrics label for err.
func errorType(err error) string {
	apiErr := TranslateError(err)
	if apiErr == nil {
		return ""
	}
	return apiErr.Code
}

// Predefined API errors
var (
	ErrInvalidRequest = &APIError{
		Code:       "InvalidRequest",
		Message:    "The request body is not valid.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrRequestTooLarge = &APIError{
		Code:       "RequestTooLarge",
		Message:    "The request body is too large.",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}

	ErrInvalidKey = &APIError{
		Code:       "InvalidKey",
		Message:    "The key is not valid for the algorithm.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidCEK = &APIError{
		Code:       "InvalidContentEncryptionKey",
		Message:    "The content encryption key is not valid.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrMissingHeaderParameter = &APIError{
		Code:       "MissingHeaderParameter",
		Message:    "A required header parameter is missing.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidHeaderParameter = &APIError{
		Code:       "InvalidHeaderParameter",
		Message:    "A header parameter is not valid.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrUnsupportedAlgorithm = &APIError{
		Code:       "UnsupportedAlgorithm",
		Message:    "The key management algorithm is not supported.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrAlgorithmNotAllowed = &APIError{
		Code:       "AlgorithmNotAllowed",
		Message:    "The key management algorithm is not allowed for this client.",
		HTTPStatus: http.StatusForbidden,
	}

	ErrUnwrapFailed = &APIError{
		Code:       "UnwrapFailed",
		Message:    "The encrypted key could not be unwrapped.",
		HTTPStatus: http.StatusUnprocessableEntity,
	}

	ErrInternal = &APIError{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: http.StatusInternalServerError,
	}
)
