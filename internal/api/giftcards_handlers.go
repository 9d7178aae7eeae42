package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cloudlocker/internal/events"
	"cloudlocker/internal/models"
	"cloudlocker/internal/storage"

	"github.com/go-chi/chi/v5"
)

const maxGiftCardLifetimeDays = 3650

type createGiftCardsRequest struct {
	Count         int          `json:"count"`
	StorageBytes  int64        `json:"storageBytes"`
	Amount        models.Money `json:"amount"`
	Currency      string       `json:"currency"`
	ExpiresInDays int          `json:"expiresInDays"`
}

type redeemGiftCardRequest struct {
	Code string `json:"code"`
}

func (h *Handler) GiftCards(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := h.requireRole(w, r, models.RoleAdmin); !ok {
			return
		}
		offset, limit, err := parsePaging(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		filter := storage.GiftCardFilter{Offset: offset, Limit: limit}
		if raw := strings.TrimSpace(r.URL.Query().Get("claimed")); raw != "" {
			claimed, err := strconv.ParseBool(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("claimed must be true or false"))
				return
			}
			filter.Claimed = &claimed
		}
		cards, err := h.Store.ListGiftCards(r.Context(), filter)
		if err != nil {
			h.writeStorageError(w, r, "list gift cards", err)
			return
		}
		if cards == nil {
			cards = []models.GiftCard{}
		}
		writeJSON(w, http.StatusOK, cards)
	case http.MethodPost:
		admin, ok := h.requireRole(w, r, models.RoleAdmin)
		if !ok {
			return
		}
		var req createGiftCardsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeDecodeError(w, err)
			return
		}
		if req.ExpiresInDays < 0 || req.ExpiresInDays > maxGiftCardLifetimeDays {
			writeError(w, http.StatusBadRequest, fmt.Errorf("expiresInDays must be between 0 and %d", maxGiftCardLifetimeDays))
			return
		}
		params := storage.CreateGiftCardsParams{
			Count:        req.Count,
			StorageBytes: req.StorageBytes,
			Amount:       req.Amount,
			Currency:     req.Currency,
			CreatedBy:    admin.ID,
		}
		if req.ExpiresInDays > 0 {
			expiresAt := time.Now().UTC().Add(time.Duration(req.ExpiresInDays) * 24 * time.Hour)
			params.ExpiresAt = &expiresAt
		}
		cards, err := h.Store.CreateGiftCards(r.Context(), params)
		if err != nil {
			h.writeStorageError(w, r, "create gift cards", err)
			return
		}
		h.logger(r.Context()).Info("gift cards minted", "count", len(cards), "storage_bytes", req.StorageBytes, "created_by", admin.ID)
		writeJSON(w, http.StatusCreated, cards)
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

func (h *Handler) GiftCardByCode(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	switch r.Method {
	case http.MethodGet:
		if _, ok := h.requireRole(w, r, models.RoleAdmin); !ok {
			return
		}
		card, err := h.Store.GetGiftCard(r.Context(), code)
		if err != nil {
			h.writeStorageError(w, r, "get gift card", err)
			return
		}
		writeJSON(w, http.StatusOK, card)
	case http.MethodDelete:
		if _, ok := h.requireRole(w, r, models.RoleAdmin); !ok {
			return
		}
		if err := h.Store.DeleteGiftCard(r.Context(), code); err != nil {
			h.writeStorageError(w, r, "delete gift card", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, "GET, DELETE")
	}
}

// RedeemGiftCard claims a code for the caller and credits its storage.
func (h *Handler) RedeemGiftCard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	var req redeemGiftCardRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusBadRequest, errors.New("code is required"))
		return
	}

	recorder := h.metrics()
	redemption, err := h.Store.RedeemGiftCard(r.Context(), req.Code, user.ID)
	if err != nil {
		recorder.ObserveRedemption(redemptionOutcome(err))
		h.writeStorageError(w, r, "redeem gift card", err)
		return
	}
	recorder.ObserveRedemption("redeemed")
	tx := redemption.Transaction
	recorder.ObserveTransaction(string(tx.Kind), tx.Currency, tx.Amount)

	h.emit(r.Context(), events.TypeGiftCardRedeemed, user.ID, map[string]any{
		"code":          redemption.GiftCard.Code,
		"storageBytes":  redemption.GiftCard.StorageBytes,
		"transactionId": tx.ID,
	})
	h.emit(r.Context(), events.TypeTransactionCreated, user.ID, tx)
	h.logger(r.Context()).Info("gift card redeemed", "code", redemption.GiftCard.Code, "user_id", user.ID, "storage_bytes", redemption.GiftCard.StorageBytes)

	writeJSON(w, http.StatusOK, redemptionResponse{
		User:        newUserResponse(redemption.User),
		GiftCard:    redemption.GiftCard,
		Transaction: tx,
	})
}

func redemptionOutcome(err error) string {
	switch {
	case errors.Is(err, storage.ErrGiftCardNotFound):
		return "not_found"
	case errors.Is(err, storage.ErrGiftCardClaimed):
		return "claimed"
	case errors.Is(err, storage.ErrGiftCardExpired):
		return "expired"
	default:
		return "error"
	}
}
