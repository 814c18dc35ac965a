package recoveryhandler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ruteri/identity-recovery-backend/interfaces"
)

// statusFor maps a core error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrValidation),
		errors.Is(err, interfaces.ErrUnsupportedPlayerType),
		errors.Is(err, interfaces.ErrDistributionRejected),
		errors.Is(err, interfaces.ErrNoncePurposeMismatch),
		errors.Is(err, interfaces.ErrDecryption):
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrMasterKeyRequired):
		return http.StatusUnauthorized
	case errors.Is(err, interfaces.ErrNotOwner),
		errors.Is(err, interfaces.ErrMasterKeyMismatch),
		errors.Is(err, interfaces.ErrUnauthorizedPeer):
		return http.StatusForbidden
	case errors.Is(err, interfaces.ErrNotConfigured),
		errors.Is(err, interfaces.ErrUnknownShare):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrInvalidState),
		errors.Is(err, interfaces.ErrConflict),
		errors.Is(err, interfaces.ErrInsufficientShares):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrNonceNotFound),
		errors.Is(err, interfaces.ErrNonceExpired):
		return http.StatusGone
	case errors.Is(err, interfaces.ErrEmailDisabled),
		errors.Is(err, interfaces.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("Request failed", slog.String("path", r.URL.Path), "err", err)
		http.Error(w, "internal server error", status)
		return
	}
	h.log.Debug("Request rejected", slog.String("path", r.URL.Path), slog.Int("status", status), "err", err)
	http.Error(w, err.Error(), status)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(interfaces.ErrValidation, err)
	}
	return nil
}
