package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/nerrad567/ebusd-bridge/internal/bridges/ebusd"
)

// Error is the body of every non-2xx response.
type Error struct {
	Status    int    `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Error codes carried in Error.Code.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeConflict     = "conflict"
	ErrCodeValidation   = "validation_error"
	ErrCodeBadGateway   = "bad_gateway"
	ErrCodeUnavailable  = "unavailable"
	ErrCodeInternal     = "internal_error"
)

// bridgeErrors maps ebusd sentinel errors onto responses. The first
// matching row wins.
var bridgeErrors = []struct {
	targets []error
	status  int
	code    string
}{
	{
		[]error{ebusd.ErrUnknownCircuit, ebusd.ErrCircuitNotFound, ebusd.ErrMessageNotFound},
		http.StatusNotFound, ErrCodeNotFound,
	},
	{
		[]error{ebusd.ErrNoConfiguration},
		http.StatusConflict, ErrCodeConflict,
	},
	{
		[]error{ebusd.ErrNotWritable, ebusd.ErrInvalidPriority, ebusd.ErrInvalidPayload,
			ebusd.ErrUnknownType, ebusd.ErrUnsupportedKind},
		http.StatusBadRequest, ErrCodeValidation,
	},
	{
		[]error{ebusd.ErrNotConnected},
		http.StatusServiceUnavailable, ErrCodeUnavailable,
	},
	{
		[]error{ebusd.ErrGatewayRequest, ebusd.ErrUnexpectedMessageCount, ebusd.ErrInvalidDefinition},
		http.StatusBadGateway, ErrCodeBadGateway,
	},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	json.NewEncoder(w).Encode(v) //nolint:errcheck // client may have gone away
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	e := Error{Status: status, Code: code, Message: message}
	if r != nil {
		e.RequestID = middleware.GetReqID(r.Context())
	}
	writeJSON(w, status, e)
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

func writeInternalError(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeBridgeError answers with the status bridgeErrors assigns to err,
// or 500 when no row matches.
func writeBridgeError(w http.ResponseWriter, r *http.Request, err error) {
	for _, row := range bridgeErrors {
		for _, target := range row.targets {
			if errors.Is(err, target) {
				writeError(w, r, row.status, row.code, err.Error())
				return
			}
		}
	}
	writeInternalError(w, r, err.Error())
}
