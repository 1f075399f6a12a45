// Package transport contains the HTTP router, middleware chain, websocket
// endpoint and producer API handlers.
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/pitabwire/pulse/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:        http.StatusBadRequest,
	model.ErrUnauthorized:      http.StatusUnauthorized,
	model.ErrUnauthenticated:   http.StatusUnauthorized,
	model.ErrForbidden:         http.StatusForbidden,
	model.ErrInvalidTenant:     http.StatusForbidden,
	model.ErrNotFound:          http.StatusNotFound,
	model.ErrUnknownConnection: http.StatusNotFound,
	model.ErrInvalidTransition: http.StatusConflict,
	model.ErrDurableConflict:   http.StatusConflict,
	model.ErrStaleProgress:     http.StatusConflict,
	model.ErrInternalError:     http.StatusInternalServerError,
	model.ErrDeliveryFailure:   http.StatusServiceUnavailable,
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

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. If err carries no *ErrorEnvelope, a generic 500 is
// returned.
func WriteError(w http.ResponseWriter, err error) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewForbiddenError(msg))
}
