package api

import (
	"errors"
	"net/http"

	"cloudlocker/internal/storage"
)

var errInternal = errors.New("internal server error")

// storageStatus maps datastore sentinels onto HTTP status codes. Unknown
// errors are 500.
func storageStatus(err error) int {
	var validation storage.ValidationError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrInvalidCredentials),
		errors.Is(err, storage.ErrPasswordLoginUnsupported):
		return http.StatusUnauthorized
	case errors.Is(err, storage.ErrUserNotFound),
		errors.Is(err, storage.ErrGiftCardNotFound),
		errors.Is(err, storage.ErrTransactionNotFound),
		errors.Is(err, storage.ErrTokenNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrEmailInUse),
		errors.Is(err, storage.ErrQuotaExceeded),
		errors.Is(err, storage.ErrQuotaOverflow),
		errors.Is(err, storage.ErrGiftCardClaimed),
		errors.Is(err, storage.ErrDuplicateReference):
		return http.StatusConflict
	case errors.Is(err, storage.ErrGiftCardExpired),
		errors.Is(err, storage.ErrTokenExpired):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// writeStorageError reports err with its mapped status. Backend failures are
// logged and replaced by a generic message.
func (h *Handler) writeStorageError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := storageStatus(err)
	if status == http.StatusInternalServerError {
		h.logger(r.Context()).Error(op+" failed", "error", err)
		writeError(w, status, errInternal)
		return
	}
	writeError(w, status, err)
}
