package toolset

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mantleworks/toolgate/provider"
)

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

func decodeJSONBody(r *http.Request, target any) error {
	if target == nil {
		return errors.New("decode target is nil")
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

// isMaxBytesError checks if the error is from http.MaxBytesReader.
func isMaxBytesError(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

// errorStatus maps a provider error kind onto an HTTP status.
func errorStatus(kind string) int {
	switch kind {
	case provider.ErrorKindNotFound:
		return http.StatusNotFound
	case provider.ErrorKindInvalidConfig:
		return http.StatusBadRequest
	case provider.ErrorKindInvalidArguments:
		return http.StatusUnprocessableEntity
	case provider.ErrorKindTimeout:
		return http.StatusGatewayTimeout
	case provider.ErrorKindTransport, provider.ErrorKindProtocol, provider.ErrorKindInvocation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeToolError writes err in the standard envelope. Provider errors
// keep their kind as the code and map onto a matching status; anything
// else is reported as an internal tool failure.
func writeToolError(w http.ResponseWriter, err error) {
	var perr *provider.Error
	if errors.As(err, &perr) {
		writeError(w, errorStatus(perr.Kind), perr.Kind, perr.Message, perr.Details)
		return
	}
	writeError(w, http.StatusInternalServerError, "TOOL_FAILED", err.Error(), nil)
}
