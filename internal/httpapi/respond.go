package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"clubfund.org/internal/addr"
	"clubfund.org/internal/escrow"
	"clubfund.org/internal/factory"
	"clubfund.org/internal/permit"
	"clubfund.org/internal/token"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, map[string]any{
		"error":  msg,
		"path":   r.URL.Path,
		"method": r.Method,
	})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	defer func() {
		_, _ = io.Copy(io.Discard, r.Body)
		_ = r.Body.Close()
	}()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

// handleDomainError maps domain errors onto HTTP status codes following the
// error taxonomy: validation 400/404, authorization 401/403, state conflicts
// 409, invariant violations 500.
func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var escrowInv *escrow.InvariantError
	var factoryInv *factory.InvariantError

	switch {
	case errors.Is(err, escrow.ErrUnknownActivity),
		errors.Is(err, token.ErrUnknownToken):
		writeError(w, r, http.StatusNotFound, err.Error())

	case errors.Is(err, escrow.ErrInvalidWindow),
		errors.Is(err, escrow.ErrZeroAmount),
		errors.Is(err, escrow.ErrTokenMismatch),
		errors.Is(err, escrow.ErrSpenderMismatch),
		errors.Is(err, token.ErrInvalidAmount),
		errors.Is(err, token.ErrZeroAddress),
		errors.Is(err, addr.ErrInvalidAddress):
		writeError(w, r, http.StatusBadRequest, err.Error())

	case errors.Is(err, escrow.ErrNotAuthorized),
		errors.Is(err, permit.ErrExpired),
		errors.Is(err, permit.ErrNonceReused),
		errors.Is(err, permit.ErrBadSignature):
		writeError(w, r, http.StatusForbidden, err.Error())

	case errors.Is(err, escrow.ErrWindowClosed),
		errors.Is(err, escrow.ErrWindowNotClosed),
		errors.Is(err, escrow.ErrAlreadyResolved),
		errors.Is(err, escrow.ErrAmountExceedsPool),
		errors.Is(err, escrow.ErrGracePeriodNotElapsed),
		errors.Is(err, escrow.ErrFrozen),
		errors.Is(err, factory.ErrAlreadyDeployed),
		errors.Is(err, token.ErrInsufficientFunds),
		errors.Is(err, token.ErrInsufficientAllowance):
		writeError(w, r, http.StatusConflict, err.Error())

	case errors.As(err, &escrowInv), errors.As(err, &factoryInv):
		// Fatal for the record; never swallowed.
		writeError(w, r, http.StatusInternalServerError, err.Error())

	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
