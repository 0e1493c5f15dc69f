// Package apierror defines the user-facing error taxonomy for the session
// API layer. Error codes 1000-1999 cover failures caused by user input;
// users are expected to be able to address these themselves.
package apierror

import (
	"encoding/json"
	"net/http"
)

// User-input error codes. The code is stable API; the HTTP status is how
// the same condition is expressed at the transport level.
const (
	CodeUserInput             = 1000
	CodeDuplicateStorageNames = CodeUserInput + 1
	CodeImageParse            = CodeUserInput + 2
	CodeAuthentication        = CodeUserInput + 401
	CodeMissingResource       = CodeUserInput + 404
)

// APIError is a user-facing error with a stable code and HTTP status.
type APIError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	return e.Message
}

// NewUserInputError covers generic invalid user input, for example a wrong
// parameter value.
func NewUserInputError(message string) *APIError {
	if message == "" {
		message = "Invalid user input."
	}
	return &APIError{Message: message, Code: CodeUserInput, Status: http.StatusUnprocessableEntity}
}

// NewMissingResourceError is returned when a resource that is expected to
// exist does not, or when the user cannot see a private resource and the
// backing API answers 404.
func NewMissingResourceError(message string) *APIError {
	return &APIError{Message: message, Code: CodeMissingResource, Status: http.StatusNotFound}
}

// NewAuthenticationError is returned when a resource possibly exists but
// reaching it requires the user to log in.
func NewAuthenticationError() *APIError {
	return &APIError{
		Message: "Accessing the requested resource requires authentication, please log in.",
		Code:    CodeAuthentication,
		Status:  http.StatusUnauthorized,
	}
}

// NewDuplicateStorageNamesError is returned when two mounted storage
// backends share a name; names are used as mount points in the session.
func NewDuplicateStorageNamesError() *APIError {
	return &APIError{
		Message: "The names of all mounted storage backends should be unique.",
		Code:    CodeDuplicateStorageNames,
		Status:  http.StatusUnprocessableEntity,
	}
}

// NewImageParseError is returned when a session image name cannot be
// parsed. A valid but missing image is a missing-resource error instead.
func NewImageParseError() *APIError {
	return &APIError{
		Message: "The provided image name cannot be parsed.",
		Code:    CodeImageParse,
		Status:  http.StatusUnprocessableEntity,
	}
}

type errorBody struct {
	Error *APIError `json:"error"`
}

// WriteJSON renders the error as the standard response body and status.
func (e *APIError) WriteJSON(w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	return json.NewEncoder(w).Encode(errorBody{Error: e})
}
