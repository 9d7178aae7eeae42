package storage

import (
	"time"

	"cloudlocker/internal/models"
)

const (
	usersCollection        = "users"
	transactionsCollection = "transactions"
	giftCardsCollection    = "giftcards"
	tokensCollection       = "verification_tokens"
)

// Documents keep the bson mapping out of the models package. Money is stored
// as its integer minor units so $inc and $sum stay exact.

type userDocument struct {
	ID              string     `bson:"_id"`
	DisplayName     string     `bson:"display_name"`
	Email           string     `bson:"email"`
	Roles           []string   `bson:"roles"`
	PasswordHash    string     `bson:"password_hash,omitempty"`
	EmailVerified   bool       `bson:"email_verified"`
	EmailVerifiedAt *time.Time `bson:"email_verified_at,omitempty"`
	StorageUsed     int64      `bson:"storage_used"`
	StorageAll      int64      `bson:"storage_all"`
	CreatedAt       time.Time  `bson:"created_at"`
	UpdatedAt       time.Time  `bson:"updated_at"`
}

func newUserDocument(user models.User) userDocument {
	return userDocument{
		ID:              user.ID,
		DisplayName:     user.DisplayName,
		Email:           user.Email,
		Roles:           user.Roles,
		PasswordHash:    user.PasswordHash,
		EmailVerified:   user.EmailVerified,
		EmailVerifiedAt: user.EmailVerifiedAt,
		StorageUsed:     user.StorageUsed,
		StorageAll:      user.StorageAll,
		CreatedAt:       user.CreatedAt,
		UpdatedAt:       user.UpdatedAt,
	}
}

func (d userDocument) model() models.User {
	return models.User{
		ID:              d.ID,
		DisplayName:     d.DisplayName,
		Email:           d.Email,
		Roles:           d.Roles,
		PasswordHash:    d.PasswordHash,
		EmailVerified:   d.EmailVerified,
		EmailVerifiedAt: utcPtr(d.EmailVerifiedAt),
		StorageUsed:     d.StorageUsed,
		StorageAll:      d.StorageAll,
		CreatedAt:       d.CreatedAt.UTC(),
		UpdatedAt:       d.UpdatedAt.UTC(),
	}
}

type transactionDocument struct {
	ID           string    `bson:"_id"`
	UserID       string    `bson:"user_id"`
	Kind         string    `bson:"kind"`
	AmountMinor  int64     `bson:"amount_minor"`
	Currency     string    `bson:"currency,omitempty"`
	StorageBytes int64     `bson:"storage_bytes"`
	Reference    string    `bson:"reference"`
	Status       string    `bson:"status"`
	Note         string    `bson:"note,omitempty"`
	CreatedAt    time.Time `bson:"created_at"`
}

func newTransactionDocument(tx models.Transaction) transactionDocument {
	return transactionDocument{
		ID:           tx.ID,
		UserID:       tx.UserID,
		Kind:         string(tx.Kind),
		AmountMinor:  tx.Amount.MinorUnits(),
		Currency:     tx.Currency,
		StorageBytes: tx.StorageBytes,
		Reference:    tx.Reference,
		Status:       string(tx.Status),
		Note:         tx.Note,
		CreatedAt:    tx.CreatedAt,
	}
}

func (d transactionDocument) model() models.Transaction {
	return models.Transaction{
		ID:           d.ID,
		UserID:       d.UserID,
		Kind:         models.TransactionKind(d.Kind),
		Amount:       models.NewMoneyFromMinorUnits(d.AmountMinor),
		Currency:     d.Currency,
		StorageBytes: d.StorageBytes,
		Reference:    d.Reference,
		Status:       models.TransactionStatus(d.Status),
		Note:         d.Note,
		CreatedAt:    d.CreatedAt.UTC(),
	}
}

type giftCardDocument struct {
	ID           string     `bson:"_id"`
	Code         string     `bson:"code"`
	StorageBytes int64      `bson:"storage_bytes"`
	AmountMinor  int64      `bson:"amount_minor"`
	Currency     string     `bson:"currency,omitempty"`
	Claimed      bool       `bson:"claimed"`
	ClaimedBy    string     `bson:"claimed_by,omitempty"`
	ClaimedAt    *time.Time `bson:"claimed_at,omitempty"`
	CreatedBy    string     `bson:"created_by,omitempty"`
	ExpiresAt    *time.Time `bson:"expires_at"`
	CreatedAt    time.Time  `bson:"created_at"`
}

func newGiftCardDocument(card models.GiftCard) giftCardDocument {
	return giftCardDocument{
		ID:           card.ID,
		Code:         card.Code,
		StorageBytes: card.StorageBytes,
		AmountMinor:  card.Amount.MinorUnits(),
		Currency:     card.Currency,
		Claimed:      card.Claimed,
		ClaimedBy:    card.ClaimedBy,
		ClaimedAt:    card.ClaimedAt,
		CreatedBy:    card.CreatedBy,
		ExpiresAt:    card.ExpiresAt,
		CreatedAt:    card.CreatedAt,
	}
}

func (d giftCardDocument) model() models.GiftCard {
	return models.GiftCard{
		ID:           d.ID,
		Code:         d.Code,
		StorageBytes: d.StorageBytes,
		Amount:       models.NewMoneyFromMinorUnits(d.AmountMinor),
		Currency:     d.Currency,
		Claimed:      d.Claimed,
		ClaimedBy:    d.ClaimedBy,
		ClaimedAt:    utcPtr(d.ClaimedAt),
		CreatedBy:    d.CreatedBy,
		ExpiresAt:    utcPtr(d.ExpiresAt),
		CreatedAt:    d.CreatedAt.UTC(),
	}
}

type tokenDocument struct {
	TokenHash string    `bson:"_id"`
	UserID    string    `bson:"user_id"`
	Purpose   string    `bson:"purpose"`
	ExpiresAt time.Time `bson:"expires_at"`
	CreatedAt time.Time `bson:"created_at"`
}

func (d tokenDocument) model() models.VerificationToken {
	return models.VerificationToken{
		TokenHash: d.TokenHash,
		UserID:    d.UserID,
		Purpose:   models.TokenPurpose(d.Purpose),
		ExpiresAt: d.ExpiresAt.UTC(),
		CreatedAt: d.CreatedAt.UTC(),
	}
}

func utcPtr(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	value := ts.UTC()
	return &value
}
