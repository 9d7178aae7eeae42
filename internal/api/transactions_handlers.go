package api

import (
	"fmt"
	"net/http"
	"strings"

	"cloudlocker/internal/events"
	"cloudlocker/internal/models"
	"cloudlocker/internal/storage"

	"github.com/go-chi/chi/v5"
)

type createTransactionRequest struct {
	UserID       string                 `json:"userId"`
	Kind         models.TransactionKind `json:"kind"`
	Amount       models.Money           `json:"amount"`
	Currency     string                 `json:"currency"`
	StorageBytes int64                  `json:"storageBytes"`
	Reference    string                 `json:"reference"`
	Note         string                 `json:"note"`
}

// Transactions lists the caller's ledger on GET. Administrators may pass
// ?userId to inspect another account and record purchases or adjustments on
// POST.
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		user, ok := h.requireAuthenticatedUser(w, r)
		if !ok {
			return
		}
		userID := user.ID
		if requested := strings.TrimSpace(r.URL.Query().Get("userId")); requested != "" && requested != user.ID {
			if !user.HasRole(models.RoleAdmin) {
				WriteError(w, http.StatusForbidden, fmt.Errorf("forbidden"))
				return
			}
			userID = requested
		}
		h.listTransactions(w, r, userID)
	case http.MethodPost:
		if _, ok := h.requireRole(w, r, models.RoleAdmin); !ok {
			return
		}
		var req createTransactionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeDecodeError(w, err)
			return
		}
		tx, user, err := h.Store.CreateTransaction(r.Context(), storage.CreateTransactionParams{
			UserID:       req.UserID,
			Kind:         req.Kind,
			Amount:       req.Amount,
			Currency:     req.Currency,
			StorageBytes: req.StorageBytes,
			Reference:    req.Reference,
			Note:         req.Note,
		})
		if err != nil {
			h.writeStorageError(w, r, "create transaction", err)
			return
		}
		h.metrics().ObserveTransaction(string(tx.Kind), tx.Currency, tx.Amount)
		h.emit(r.Context(), events.TypeTransactionCreated, tx.UserID, tx)
		writeJSON(w, http.StatusCreated, transactionResponse{Transaction: tx, User: newUserResponse(user)})
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

func (h *Handler) TransactionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	tx, err := h.Store.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeStorageError(w, r, "get transaction", err)
		return
	}
	// Other users' transactions read as missing rather than forbidden.
	if tx.UserID != user.ID && !user.HasRole(models.RoleAdmin) {
		writeError(w, http.StatusNotFound, storage.ErrTransactionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request, userID string) {
	query := r.URL.Query()
	_, limit, err := parsePaging(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	filter := storage.TransactionFilter{UserID: userID, Limit: transactionPageSize(limit)}
	if kind := strings.TrimSpace(query.Get("kind")); kind != "" {
		filter.Kind = models.TransactionKind(strings.ToLower(kind))
		if !filter.Kind.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown transaction kind %q", kind))
			return
		}
	}
	transactions, err := h.Store.ListTransactions(r.Context(), filter)
	if err != nil {
		h.writeStorageError(w, r, "list transactions", err)
		return
	}
	if transactions == nil {
		transactions = []models.Transaction{}
	}
	writeJSON(w, http.StatusOK, transactions)
}

const (
	defaultTransactionPage = 50
	maxTransactionPage     = 200
)

// transactionPageSize applies the default page when the caller sent no limit
// or zero, and caps larger requests.
func transactionPageSize(limit int) int {
	switch {
	case limit <= 0:
		return defaultTransactionPage
	case limit > maxTransactionPage:
		return maxTransactionPage
	}
	return limit
}
