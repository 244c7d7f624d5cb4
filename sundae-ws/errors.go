package sundaews

import (
	"encoding/json"
	"errors"
	"net/http"
)

var (
	ErrValidation = errors.New("validation error")
	ErrAuth       = errors.New("auth error")
	ErrRouting    = errors.New("routing error")
	ErrBackend    = errors.New("backend error")
)

// RelayError is a failure the client is told about. Kind is one of the
// sentinels above and decides the status code.
type RelayError struct {
	Kind    error
	Message string
}

func (e *RelayError) Error() string {
	return e.Kind.Error() + ": " + e.Message
}

func (e *RelayError) Unwrap() error {
	return e.Kind
}

func validationError(msg string) error { return &RelayError{Kind: ErrValidation, Message: msg} }
func authError(msg string) error       { return &RelayError{Kind: ErrAuth, Message: msg} }
func routingError(msg string) error    { return &RelayError{Kind: ErrRouting, Message: msg} }
func backendError(msg string) error    { return &RelayError{Kind: ErrBackend, Message: msg} }

// StatusCode maps an error to the HTTP status returned to the gateway.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation), errors.Is(err, ErrRouting):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, ErrBackend):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) string {
	msg := err.Error()
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		msg = relayErr.Message
	}
	data, _ := json.Marshal(map[string]string{"error": msg})
	return string(data)
}
