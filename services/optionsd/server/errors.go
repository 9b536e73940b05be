package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"nhboptions/core/state"
	"nhboptions/native/options"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Kind  string `json:"kind"`
}

var errBadRequest = &options.Error{Kind: options.KindValidation, Code: "bad_request", Message: "malformed request"}

// statusFor maps an engine or ledger failure onto its HTTP status and body.
func statusFor(err error) (int, errorBody) {
	switch {
	case errors.Is(err, options.ErrModulePaused):
		return http.StatusServiceUnavailable, bodyFor(options.ErrModulePaused)
	case errors.Is(err, options.ErrEscrowNotFound):
		return http.StatusNotFound, bodyFor(options.ErrEscrowNotFound)
	case errors.Is(err, state.ErrInsufficientFunds):
		return http.StatusConflict, errorBody{Error: "insufficient funds", Code: "insufficient_funds", Kind: string(options.KindState)}
	case errors.Is(err, state.ErrBalanceOverflow):
		return http.StatusUnprocessableEntity, errorBody{Error: "balance overflow", Code: "balance_overflow", Kind: string(options.KindArithmetic)}
	}
	var typed *options.Error
	if !errors.As(err, &typed) {
		return http.StatusInternalServerError, errorBody{Error: "internal error", Code: "internal", Kind: "internal"}
	}
	body := errorBody{Error: err.Error(), Code: typed.Code, Kind: string(typed.Kind)}
	switch typed.Kind {
	case options.KindValidation:
		return http.StatusBadRequest, body
	case options.KindAuthorization:
		return http.StatusForbidden, body
	case options.KindState:
		return http.StatusConflict, body
	case options.KindOracle:
		return http.StatusServiceUnavailable, body
	case options.KindArithmetic:
		return http.StatusUnprocessableEntity, body
	default:
		return http.StatusInternalServerError, body
	}
}

func bodyFor(e *options.Error) errorBody {
	return errorBody{Error: e.Error(), Code: e.Code, Kind: string(e.Kind)}
}

func writeError(w http.ResponseWriter, err error) {
	status, body := statusFor(err)
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
