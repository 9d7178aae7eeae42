package storage

import (
	"fmt"
	"math"
	"strings"
	"time"

	"cloudlocker/internal/models"
	"github.com/google/uuid"
)

// prepareTransaction validates params and returns the transaction to insert.
// Gift card transactions are only created by RedeemGiftCard.
func prepareTransaction(params CreateTransactionParams, now time.Time) (models.Transaction, error) {
	userID := strings.TrimSpace(params.UserID)
	if userID == "" {
		return models.Transaction{}, invalid("userId is required")
	}
	kind := models.TransactionKind(strings.ToLower(strings.TrimSpace(string(params.Kind))))
	switch kind {
	case models.TransactionPurchase:
		if params.Amount.MinorUnits() <= 0 {
			return models.Transaction{}, invalid("purchase amount must be positive")
		}
		if params.StorageBytes <= 0 {
			return models.Transaction{}, invalid("purchase must credit a positive number of bytes")
		}
		if params.StorageBytes > MaxStorageCredit {
			return models.Transaction{}, invalid(fmt.Sprintf("storageBytes cannot exceed %d", MaxStorageCredit))
		}
	case models.TransactionAdjustment:
		if params.StorageBytes == 0 {
			return models.Transaction{}, invalid("adjustment must change storage")
		}
		if params.StorageBytes > MaxStorageCredit || params.StorageBytes < -MaxStorageCredit {
			return models.Transaction{}, invalid(fmt.Sprintf("storageBytes must be within ±%d", MaxStorageCredit))
		}
		if params.Amount.IsNegative() {
			return models.Transaction{}, invalid("amount cannot be negative")
		}
	case models.TransactionGiftCard:
		return models.Transaction{}, invalid("gift card transactions are recorded by redemption")
	default:
		return models.Transaction{}, invalid(fmt.Sprintf("unsupported transaction kind %q", params.Kind))
	}

	currency := normalizeCurrency(params.Currency)
	if !params.Amount.IsZero() {
		if err := validateCurrency(currency); err != nil {
			return models.Transaction{}, err
		}
	}

	reference := strings.TrimSpace(params.Reference)
	if len(reference) > MaxTransactionReferenceLength {
		return models.Transaction{}, invalid(fmt.Sprintf("reference exceeds %d characters", MaxTransactionReferenceLength))
	}
	if reference == "" {
		reference = uuid.NewString()
	}
	note := strings.TrimSpace(params.Note)
	if len(note) > MaxTransactionNoteLength {
		return models.Transaction{}, invalid(fmt.Sprintf("note exceeds %d characters", MaxTransactionNoteLength))
	}

	return models.Transaction{
		ID:           uuid.NewString(),
		UserID:       userID,
		Kind:         kind,
		Amount:       params.Amount,
		Currency:     currency,
		StorageBytes: params.StorageBytes,
		Reference:    reference,
		Status:       models.TransactionCompleted,
		Note:         note,
		CreatedAt:    now.UTC(),
	}, nil
}

func validateCurrency(currency string) error {
	if len(currency) != 3 {
		return invalid("currency must be a three-letter code")
	}
	for _, r := range currency {
		if r < 'A' || r > 'Z' {
			return invalid("currency must be a three-letter code")
		}
	}
	return nil
}

func validateGiftCardParams(params CreateGiftCardsParams) (CreateGiftCardsParams, error) {
	if params.Count <= 0 {
		return params, invalid("count must be positive")
	}
	if params.Count > MaxGiftCardBatch {
		return params, invalid(fmt.Sprintf("count cannot exceed %d", MaxGiftCardBatch))
	}
	if params.StorageBytes <= 0 {
		return params, invalid("storageBytes must be positive")
	}
	if params.StorageBytes > MaxStorageCredit {
		return params, invalid(fmt.Sprintf("storageBytes cannot exceed %d", MaxStorageCredit))
	}
	if params.Amount.IsNegative() {
		return params, invalid("amount cannot be negative")
	}
	params.Currency = normalizeCurrency(params.Currency)
	if !params.Amount.IsZero() {
		if err := validateCurrency(params.Currency); err != nil {
			return params, err
		}
	}
	if params.ExpiresAt != nil {
		expires := params.ExpiresAt.UTC()
		params.ExpiresAt = &expires
	}
	return params, nil
}

func newGiftCard(params CreateGiftCardsParams, code string, now time.Time) models.GiftCard {
	return models.GiftCard{
		ID:           uuid.NewString(),
		Code:         code,
		StorageBytes: params.StorageBytes,
		Amount:       params.Amount,
		Currency:     params.Currency,
		CreatedBy:    params.CreatedBy,
		ExpiresAt:    params.ExpiresAt,
		CreatedAt:    now.UTC(),
	}
}

// redemptionTransaction is the ledger entry for a claimed card. The card code
// is the reference, so the unique (kind, reference) constraint is a second
// guard against double redemption.
func redemptionTransaction(card models.GiftCard, userID string, now time.Time) models.Transaction {
	return models.Transaction{
		ID:           uuid.NewString(),
		UserID:       userID,
		Kind:         models.TransactionGiftCard,
		Amount:       card.Amount,
		Currency:     card.Currency,
		StorageBytes: card.StorageBytes,
		Reference:    card.Code,
		Status:       models.TransactionCompleted,
		CreatedAt:    now.UTC(),
	}
}

// giftCardUnavailable explains why a card that failed the claim filter could
// not be claimed.
func giftCardUnavailable(card models.GiftCard, now time.Time) error {
	switch {
	case card.Claimed:
		return ErrGiftCardClaimed
	case card.Expired(now):
		return ErrGiftCardExpired
	default:
		return ErrGiftCardClaimed
	}
}

// addStorage returns quota+delta, or ErrQuotaOverflow when the sum leaves
// the int64 range.
func addStorage(quota, delta int64) (int64, error) {
	if (delta > 0 && quota > math.MaxInt64-delta) || (delta < 0 && quota < math.MinInt64-delta) {
		return 0, ErrQuotaOverflow
	}
	return quota + delta, nil
}

// recomputedQuota sums the quota credits of completed transactions on top of
// base, clamped at zero.
func recomputedQuota(base int64, transactions []models.Transaction) (int64, error) {
	total := base
	for _, tx := range transactions {
		if tx.Status != models.TransactionCompleted {
			continue
		}
		var err error
		if total, err = addStorage(total, tx.StorageBytes); err != nil {
			return 0, err
		}
	}
	if total < 0 {
		return 0, nil
	}
	return total, nil
}
