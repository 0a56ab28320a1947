// Package httpapi implements the Control Plane: a JSON/HTTP surface
// over the Plugin Registry, Config Store Adapter, and Flow
// Orchestrator, responding with the uniform envelope specified in §4.6.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/brackenfield/flowgate/pkg/connector"
)

// Code is a stable, machine-readable outcome kind (§7).
type Code string

const (
	CodeSuccess           Code = "SUCCESS"
	CodeValidationError   Code = "VALIDATION_ERROR"
	CodeNotFound          Code = "NOT_FOUND"
	CodeConflict          Code = "CONFLICT"
	CodeReferentialError  Code = "REFERENTIAL_ERROR"
	CodeConnectError      Code = "CONNECT_ERROR"
	CodeStateError        Code = "STATE_ERROR"
	CodeInternalError     Code = "INTERNAL_ERROR"
)

// envelope is the uniform response shape every handler returns.
type envelope struct {
	Data    any      `json:"data"`
	Message string   `json:"message"`
	Code    Code     `json:"code"`
	Errors  []string `json:"errors,omitempty"`
}

func writeOK(w http.ResponseWriter, status int, data any, message string) {
	writeEnvelope(w, status, envelope{Data: data, Message: message, Code: CodeSuccess})
}

func writeErr(w http.ResponseWriter, err error) {
	status, code := classifyHTTPError(err)
	writeEnvelope(w, status, envelope{
		Data:    nil,
		Message: err.Error(),
		Code:    code,
		Errors:  []string{err.Error()},
	})
}

func writeEnvelope(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// classifyHTTPError maps an internal error to an HTTP status and a
// stable error code, preferring sentinel/ClassifiedError identity over
// string matching (§7).
func classifyHTTPError(err error) (int, Code) {
	switch {
	case errors.Is(err, connector.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, connector.ErrConflict):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, connector.ErrReferential):
		return http.StatusConflict, CodeReferentialError
	case errors.Is(err, connector.ErrStateInvalid):
		return http.StatusConflict, CodeStateError
	}

	switch connector.Classify(err) {
	case connector.ClassInvalid:
		return http.StatusBadRequest, CodeValidationError
	case connector.ClassTransient:
		return http.StatusServiceUnavailable, CodeConnectError
	default:
		return http.StatusInternalServerError, CodeInternalError
	}
}
