// Package transport contains the HTTP router, middleware chain, and request
// handlers for the wardflow API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/wardflow/internal/observability"
	"github.com/pitabwire/wardflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrForbidden:          http.StatusForbidden,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrStorageUnavailable: http.StatusServiceUnavailable,
	model.ErrInvalidTemplate:    http.StatusUnprocessableEntity,
	model.ErrIllegalTransition:  http.StatusUnprocessableEntity,
	model.ErrIncompleteStage:    http.StatusUnprocessableEntity,
	model.ErrTemplateNotActive:  http.StatusConflict,
	model.ErrApprovalPending:    http.StatusConflict,
	model.ErrGateRejected:       http.StatusConflict,
	model.ErrAlreadyDecided:     http.StatusConflict,
	model.ErrInstanceTerminal:   http.StatusConflict,
	model.ErrInvalidState:       http.StatusConflict,
	model.ErrNotAnApprover:      http.StatusForbidden,
}

// StatusFor returns the HTTP status for an error code. Unknown codes are 500.
func StatusFor(code string) int {
	if status, ok := statusForCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. Wrapped envelopes are unwrapped; anything else is
// rendered as a generic 500.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, StatusFor(model.CodeOf(err)), errorResponse{Error: envelopeOf(err)})
}

// writeRequestError is WriteError plus the request's trace ID, with server
// errors logged against the request logger.
func writeRequestError(w http.ResponseWriter, r *http.Request, fallback *zap.Logger, err error) {
	ee := *envelopeOf(err)
	ee.TraceID = observability.TraceIDFromContext(r.Context())

	status := StatusFor(ee.Code)
	if status >= http.StatusInternalServerError {
		observability.RequestLogger(r.Context(), fallback).Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	WriteJSON(w, status, errorResponse{Error: &ee})
}

func envelopeOf(err error) *model.ErrorEnvelope {
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		return ee
	}
	return model.NewInternalError()
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewForbiddenError(msg))
}
