package storage

import (
	"errors"
	"time"

	"cloudlocker/internal/models"
)

const (
	passwordHashSaltLength = 16
	passwordHashKeyLength  = 32
	passwordHashIterations = 120000

	// MinPasswordLength is enforced on signup, admin-created accounts, and resets.
	MinPasswordLength = 8

	// DefaultStorageQuota is the storage allowance granted to new accounts when
	// no WithDefaultStorageQuota option is supplied (5 GiB).
	DefaultStorageQuota int64 = 5 << 30

	// MaxGiftCardBatch bounds how many codes a single CreateGiftCards call mints.
	MaxGiftCardBatch = 500

	// MaxTransactionReferenceLength bounds the caller-supplied reference string.
	MaxTransactionReferenceLength = 256

	// MaxTransactionNoteLength bounds the free-form note on a transaction.
	MaxTransactionNoteLength = 512

	// MaxStorageCredit bounds the bytes a single gift card or transaction may
	// add or remove (1 PiB).
	MaxStorageCredit int64 = 1 << 50

	defaultListLimit = 50
	maxListLimit     = 200
)

var (
	ErrInvalidCredentials       = errors.New("invalid credentials")
	ErrPasswordLoginUnsupported = errors.New("account does not support password login")

	ErrUserNotFound  = errors.New("user not found")
	ErrEmailInUse    = errors.New("email already in use")
	ErrQuotaExceeded = errors.New("storage used would exceed storage quota")
	ErrQuotaOverflow = errors.New("storage quota would overflow")

	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")

	ErrGiftCardNotFound = errors.New("gift card not found")
	ErrGiftCardClaimed  = errors.New("gift card already claimed")
	ErrGiftCardExpired  = errors.New("gift card expired")

	ErrTransactionNotFound = errors.New("transaction not found")
	ErrDuplicateReference  = errors.New("transaction reference already recorded")
)

// ValidationError reports caller input that the datastore refused. Handlers
// map it to 400.
type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string {
	return e.Message
}

func invalid(message string) error {
	return ValidationError{Message: message}
}

// CreateUserParams describes a new account.
type CreateUserParams struct {
	DisplayName string
	Email       string
	Password    string
	Roles       []string
	// StorageAll overrides the default quota when positive.
	StorageAll int64
}

// UserUpdate represents the fields that can be modified for an existing user.
type UserUpdate struct {
	DisplayName *string
	Email       *string
	Roles       *[]string
	StorageAll  *int64
}

// UserFilter pages through accounts ordered by creation time.
type UserFilter struct {
	Email  string
	Offset int
	Limit  int
}

// CreateGiftCardsParams mints Count codes that each credit StorageBytes.
type CreateGiftCardsParams struct {
	Count        int
	StorageBytes int64
	Amount       models.Money
	Currency     string
	CreatedBy    string
	ExpiresAt    *time.Time
}

// GiftCardFilter restricts ListGiftCards to claimed or unclaimed cards when
// Claimed is set.
type GiftCardFilter struct {
	Claimed *bool
	Offset  int
	Limit   int
}

// Redemption is the outcome of a successful gift card claim.
type Redemption struct {
	User        models.User
	GiftCard    models.GiftCard
	Transaction models.Transaction
}

// CreateTransactionParams records a purchase or manual adjustment.
type CreateTransactionParams struct {
	UserID       string
	Kind         models.TransactionKind
	Amount       models.Money
	Currency     string
	StorageBytes int64
	Reference    string
	Note         string
}

// TransactionFilter lists transactions newest first.
type TransactionFilter struct {
	UserID string
	Kind   models.TransactionKind
	Limit  int
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
