package storage

import (
	"context"
	"fmt"
	"sort"

	"cloudlocker/internal/models"
)

// Gift cards

func (s *Storage) CreateGiftCards(ctx context.Context, params CreateGiftCardsParams) ([]models.GiftCard, error) {
	params, err := validateGiftCardParams(params)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updated := cloneDataset(s.data)
	now := s.timestamp()
	cards := make([]models.GiftCard, 0, params.Count)
	for len(cards) < params.Count {
		code, err := generateGiftCardCode()
		if err != nil {
			return nil, err
		}
		if _, exists := updated.GiftCards[code]; exists {
			continue
		}
		card := newGiftCard(params, code, now)
		updated.GiftCards[code] = card
		cards = append(cards, card)
	}
	if err := s.commitLocked(updated); err != nil {
		return nil, err
	}
	return cards, nil
}

func (s *Storage) GetGiftCard(ctx context.Context, code string) (models.GiftCard, error) {
	normalized, ok := NormalizeGiftCardCode(code)
	if !ok {
		return models.GiftCard{}, ErrGiftCardNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	card, exists := s.data.GiftCards[normalized]
	if !exists {
		return models.GiftCard{}, ErrGiftCardNotFound
	}
	return card, nil
}

func (s *Storage) ListGiftCards(ctx context.Context, filter GiftCardFilter) ([]models.GiftCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cards := make([]models.GiftCard, 0, len(s.data.GiftCards))
	for _, card := range s.data.GiftCards {
		if filter.Claimed != nil && card.Claimed != *filter.Claimed {
			continue
		}
		cards = append(cards, card)
	}
	sort.Slice(cards, func(i, j int) bool {
		if cards[i].CreatedAt.Equal(cards[j].CreatedAt) {
			return cards[i].Code < cards[j].Code
		}
		return cards[i].CreatedAt.After(cards[j].CreatedAt)
	})
	offset := normalizeOffset(filter.Offset)
	if offset >= len(cards) {
		return []models.GiftCard{}, nil
	}
	cards = cards[offset:]
	if limit := normalizeLimit(filter.Limit); len(cards) > limit {
		cards = cards[:limit]
	}
	return cards, nil
}

// DeleteGiftCard withdraws an unclaimed card. Claimed cards are part of the
// ledger and stay.
func (s *Storage) DeleteGiftCard(ctx context.Context, code string) error {
	normalized, ok := NormalizeGiftCardCode(code)
	if !ok {
		return ErrGiftCardNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	card, exists := s.data.GiftCards[normalized]
	if !exists {
		return ErrGiftCardNotFound
	}
	if card.Claimed {
		return ErrGiftCardClaimed
	}
	updated := cloneDataset(s.data)
	delete(updated.GiftCards, normalized)
	return s.commitLocked(updated)
}

// RedeemGiftCard claims the card, credits the quota, and records the
// transaction under one lock and one file write.
func (s *Storage) RedeemGiftCard(ctx context.Context, code, userID string) (Redemption, error) {
	normalized, ok := NormalizeGiftCardCode(code)
	if !ok {
		return Redemption{}, ErrGiftCardNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.timestamp()
	card, exists := s.data.GiftCards[normalized]
	if !exists {
		return Redemption{}, ErrGiftCardNotFound
	}
	if card.Claimed || card.Expired(now) {
		return Redemption{}, giftCardUnavailable(card, now)
	}
	user, exists := s.data.Users[userID]
	if !exists {
		return Redemption{}, ErrUserNotFound
	}
	quota, err := addStorage(user.StorageAll, card.StorageBytes)
	if err != nil {
		return Redemption{}, err
	}

	updated := cloneDataset(s.data)
	claimedAt := now
	card.Claimed = true
	card.ClaimedBy = userID
	card.ClaimedAt = &claimedAt
	updated.GiftCards[normalized] = card

	user.StorageAll = quota
	user.UpdatedAt = now
	updated.Users[userID] = user

	tx := redemptionTransaction(card, userID, now)
	updated.Transactions[tx.ID] = tx

	if err := s.commitLocked(updated); err != nil {
		return Redemption{}, err
	}
	return Redemption{User: user, GiftCard: card, Transaction: tx}, nil
}

// Transactions

func (s *Storage) CreateTransaction(ctx context.Context, params CreateTransactionParams) (models.Transaction, models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := prepareTransaction(params, s.timestamp())
	if err != nil {
		return models.Transaction{}, models.User{}, err
	}
	user, ok := s.data.Users[tx.UserID]
	if !ok {
		return models.Transaction{}, models.User{}, ErrUserNotFound
	}
	for _, existing := range s.data.Transactions {
		if existing.Kind == tx.Kind && existing.Reference == tx.Reference {
			return models.Transaction{}, models.User{}, ErrDuplicateReference
		}
	}
	quota, err := addStorage(user.StorageAll, tx.StorageBytes)
	if err != nil {
		return models.Transaction{}, models.User{}, err
	}
	if quota < user.StorageUsed {
		return models.Transaction{}, models.User{}, ErrQuotaExceeded
	}

	updated := cloneDataset(s.data)
	user.StorageAll = quota
	user.UpdatedAt = tx.CreatedAt
	updated.Users[user.ID] = user
	updated.Transactions[tx.ID] = tx
	if err := s.commitLocked(updated); err != nil {
		return models.Transaction{}, models.User{}, err
	}
	return tx, user, nil
}

func (s *Storage) GetTransaction(ctx context.Context, id string) (models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.data.Transactions[id]
	if !ok {
		return models.Transaction{}, ErrTransactionNotFound
	}
	return tx, nil
}

func (s *Storage) ListTransactions(ctx context.Context, filter TransactionFilter) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listTransactionsLocked(filter), nil
}

func (s *Storage) listTransactionsLocked(filter TransactionFilter) []models.Transaction {
	transactions := make([]models.Transaction, 0)
	for _, tx := range s.data.Transactions {
		if filter.UserID != "" && tx.UserID != filter.UserID {
			continue
		}
		if filter.Kind != "" && tx.Kind != filter.Kind {
			continue
		}
		transactions = append(transactions, tx)
	}
	sort.Slice(transactions, func(i, j int) bool {
		if transactions[i].CreatedAt.Equal(transactions[j].CreatedAt) {
			return transactions[i].ID > transactions[j].ID
		}
		return transactions[i].CreatedAt.After(transactions[j].CreatedAt)
	})
	if filter.Limit > 0 && len(transactions) > filter.Limit {
		transactions = transactions[:filter.Limit]
	}
	return transactions
}

// RecomputeStorageQuota rebuilds StorageAll from base plus every completed
// transaction. It refuses to drop the quota below what is already used.
func (s *Storage) RecomputeStorageQuota(ctx context.Context, userID string, base int64) (models.User, error) {
	if base < 0 {
		return models.User{}, invalid("base quota cannot be negative")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.data.Users[userID]
	if !ok {
		return models.User{}, ErrUserNotFound
	}
	quota, err := recomputedQuota(base, s.listTransactionsLocked(TransactionFilter{UserID: userID}))
	if err != nil {
		return models.User{}, fmt.Errorf("recompute quota for %s: %w", userID, err)
	}
	if quota < user.StorageUsed {
		return models.User{}, fmt.Errorf("recompute quota for %s: %w", userID, ErrQuotaExceeded)
	}
	if quota == user.StorageAll {
		return user, nil
	}

	updated := cloneDataset(s.data)
	user.StorageAll = quota
	user.UpdatedAt = s.timestamp()
	updated.Users[userID] = user
	if err := s.commitLocked(updated); err != nil {
		return models.User{}, err
	}
	return user, nil
}
