package psu

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"

	"psu/pkg/scpi"
	"psu/pkg/visa"
)

// Global transaction counter
var txCounter atomic.Int32

type baseResponse struct {
	ServerTransactionID int    `json:"ServerTransactionID"`
	ErrorNumber         int    `json:"ErrorNumber"`
	ErrorMessage        string `json:"ErrorMessage"`
	Value               any    `json:"Value,omitempty"`
}

func handleResponse(w http.ResponseWriter, value any) {
	response := baseResponse{
		ServerTransactionID: int(txCounter.Add(1)),
		Value:               value,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func handleError(w http.ResponseWriter, code int, message string) {
	response := baseResponse{
		ServerTransactionID: int(txCounter.Add(1)),
		ErrorNumber:         code,
		ErrorMessage:        message,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(response)
}

// handleDriverError maps the driver error taxonomy to HTTP status
// codes: validation failures are the caller's fault, connection
// problems mean the operation cannot proceed right now, and a
// malformed instrument reply is a bad gateway.
func handleDriverError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scpi.ErrOutOfRange),
		errors.Is(err, scpi.ErrLimitExceeded),
		errors.Is(err, scpi.ErrInvalidChannel):
		handleError(w, http.StatusBadRequest, err.Error())

	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrAlreadyConnected):
		handleError(w, http.StatusConflict, err.Error())

	case errors.Is(err, visa.ErrTimeout), errors.Is(err, visa.ErrUnreachable):
		handleError(w, http.StatusServiceUnavailable, err.Error())

	case errors.Is(err, scpi.ErrMalformedResponse):
		handleError(w, http.StatusBadGateway, err.Error())

	default:
		handleError(w, http.StatusInternalServerError, err.Error())
	}
}

func parseRequest(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
