package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"cloudlocker/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const giftCardCodeAttempts = 5

// Gift cards

func (r *mongoRepository) CreateGiftCards(ctx context.Context, params CreateGiftCardsParams) ([]models.GiftCard, error) {
	params, err := validateGiftCardParams(params)
	if err != nil {
		return nil, err
	}
	now := r.now()
	cards := make([]models.GiftCard, 0, params.Count)
	for len(cards) < params.Count {
		card, err := r.insertGiftCard(ctx, params, now)
		if err != nil {
			return cards, err
		}
		cards = append(cards, card)
	}
	return cards, nil
}

// insertGiftCard draws a fresh code until the unique index accepts it.
func (r *mongoRepository) insertGiftCard(ctx context.Context, params CreateGiftCardsParams, now time.Time) (models.GiftCard, error) {
	for attempt := 0; attempt < giftCardCodeAttempts; attempt++ {
		code, err := generateGiftCardCode()
		if err != nil {
			return models.GiftCard{}, err
		}
		card := newGiftCard(params, code, now)
		_, err = r.giftCards.InsertOne(ctx, newGiftCardDocument(card))
		if err == nil {
			return card, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return models.GiftCard{}, fmt.Errorf("insert gift card: %w", err)
		}
	}
	return models.GiftCard{}, fmt.Errorf("insert gift card: no unique code after %d attempts", giftCardCodeAttempts)
}

func (r *mongoRepository) findGiftCard(ctx context.Context, code string) (models.GiftCard, error) {
	var doc giftCardDocument
	if err := r.giftCards.FindOne(ctx, bson.M{"code": code}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.GiftCard{}, ErrGiftCardNotFound
		}
		return models.GiftCard{}, fmt.Errorf("find gift card: %w", err)
	}
	return doc.model(), nil
}

func (r *mongoRepository) GetGiftCard(ctx context.Context, code string) (models.GiftCard, error) {
	normalized, ok := NormalizeGiftCardCode(code)
	if !ok {
		return models.GiftCard{}, ErrGiftCardNotFound
	}
	return r.findGiftCard(ctx, normalized)
}

func (r *mongoRepository) ListGiftCards(ctx context.Context, filter GiftCardFilter) ([]models.GiftCard, error) {
	query := bson.M{}
	if filter.Claimed != nil {
		query["claimed"] = *filter.Claimed
	}
	findOpts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "code", Value: 1}}).
		SetSkip(int64(normalizeOffset(filter.Offset))).
		SetLimit(int64(normalizeLimit(filter.Limit)))
	cursor, err := r.giftCards.Find(ctx, query, findOpts)
	if err != nil {
		return nil, fmt.Errorf("list gift cards: %w", err)
	}
	var docs []giftCardDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode gift cards: %w", err)
	}
	cards := make([]models.GiftCard, 0, len(docs))
	for _, doc := range docs {
		cards = append(cards, doc.model())
	}
	return cards, nil
}

func (r *mongoRepository) DeleteGiftCard(ctx context.Context, code string) error {
	normalized, ok := NormalizeGiftCardCode(code)
	if !ok {
		return ErrGiftCardNotFound
	}
	result, err := r.giftCards.DeleteOne(ctx, bson.M{"code": normalized, "claimed": false})
	if err != nil {
		return fmt.Errorf("delete gift card: %w", err)
	}
	if result.DeletedCount > 0 {
		return nil
	}
	if _, err := r.findGiftCard(ctx, normalized); err != nil {
		return err
	}
	return ErrGiftCardClaimed
}

// RedeemGiftCard claims the card with one conditional update, so two
// concurrent redemptions of the same code cannot both succeed. The quota
// credit and ledger entry follow; if either fails the earlier steps are
// compensated.
func (r *mongoRepository) RedeemGiftCard(ctx context.Context, code, userID string) (Redemption, error) {
	normalized, ok := NormalizeGiftCardCode(code)
	if !ok {
		return Redemption{}, ErrGiftCardNotFound
	}
	now := r.now()

	var claimed giftCardDocument
	err := r.giftCards.FindOneAndUpdate(ctx,
		bson.M{
			"code":    normalized,
			"claimed": false,
			"$or": bson.A{
				bson.M{"expires_at": nil},
				bson.M{"expires_at": bson.M{"$gt": now}},
			},
		},
		bson.M{"$set": bson.M{"claimed": true, "claimed_by": userID, "claimed_at": now}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&claimed)
	if err != nil {
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return Redemption{}, fmt.Errorf("claim gift card: %w", err)
		}
		card, findErr := r.findGiftCard(ctx, normalized)
		if findErr != nil {
			return Redemption{}, findErr
		}
		return Redemption{}, giftCardUnavailable(card, now)
	}
	card := claimed.model()

	user, err := r.findOneAndUpdateUser(ctx,
		bson.M{"_id": userID, "storage_all": bson.M{"$lte": math.MaxInt64 - card.StorageBytes}},
		bson.M{
			"$inc": bson.M{"storage_all": card.StorageBytes},
			"$set": bson.M{"updated_at": now},
		},
	)
	if err != nil {
		r.releaseGiftCard(ctx, card.ID)
		if errors.Is(err, ErrUserNotFound) {
			if _, getErr := r.GetUser(ctx, userID); getErr == nil {
				return Redemption{}, ErrQuotaOverflow
			}
		}
		return Redemption{}, err
	}

	tx := redemptionTransaction(card, userID, now)
	if _, err := r.transactions.InsertOne(ctx, newTransactionDocument(tx)); err != nil {
		r.creditStorage(ctx, userID, -card.StorageBytes)
		r.releaseGiftCard(ctx, card.ID)
		if mongo.IsDuplicateKeyError(err) {
			return Redemption{}, ErrGiftCardClaimed
		}
		return Redemption{}, fmt.Errorf("record redemption: %w", err)
	}

	return Redemption{User: user, GiftCard: card, Transaction: tx}, nil
}

// Compensation steps run on a fresh context so a cancelled request still
// undoes its partial work.

func (r *mongoRepository) releaseGiftCard(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ServerSelectionTimeout)
	defer cancel()
	_, _ = r.giftCards.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{
			"$set":   bson.M{"claimed": false},
			"$unset": bson.M{"claimed_by": "", "claimed_at": ""},
		},
	)
}

func (r *mongoRepository) creditStorage(ctx context.Context, userID string, bytes int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ServerSelectionTimeout)
	defer cancel()
	_, _ = r.users.UpdateOne(ctx, bson.M{"_id": userID}, bson.M{"$inc": bson.M{"storage_all": bytes}})
}

// Transactions

// CreateTransaction inserts the ledger entry first so the unique (kind,
// reference) index rejects replays before any quota moves.
func (r *mongoRepository) CreateTransaction(ctx context.Context, params CreateTransactionParams) (models.Transaction, models.User, error) {
	tx, err := prepareTransaction(params, r.now())
	if err != nil {
		return models.Transaction{}, models.User{}, err
	}
	if _, err := r.GetUser(ctx, tx.UserID); err != nil {
		return models.Transaction{}, models.User{}, err
	}

	if _, err := r.transactions.InsertOne(ctx, newTransactionDocument(tx)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return models.Transaction{}, models.User{}, ErrDuplicateReference
		}
		return models.Transaction{}, models.User{}, fmt.Errorf("insert transaction: %w", err)
	}

	user, err := r.findOneAndUpdateUser(ctx,
		bson.M{
			"_id":         tx.UserID,
			"storage_all": storageHeadroomFilter(tx.StorageBytes),
			"$expr": bson.M{"$gte": bson.A{
				bson.M{"$add": bson.A{"$storage_all", tx.StorageBytes}},
				"$storage_used",
			}},
		},
		bson.M{
			"$inc": bson.M{"storage_all": tx.StorageBytes},
			"$set": bson.M{"updated_at": tx.CreatedAt},
		},
	)
	if err != nil {
		r.removeTransaction(ctx, tx.ID)
		if errors.Is(err, ErrUserNotFound) {
			if current, getErr := r.GetUser(ctx, tx.UserID); getErr == nil {
				if _, overflow := addStorage(current.StorageAll, tx.StorageBytes); overflow != nil {
					return models.Transaction{}, models.User{}, overflow
				}
				return models.Transaction{}, models.User{}, ErrQuotaExceeded
			}
		}
		return models.Transaction{}, models.User{}, err
	}
	return tx, user, nil
}

// storageHeadroomFilter matches quotas that can absorb delta without leaving
// the int64 range.
func storageHeadroomFilter(delta int64) bson.M {
	if delta > 0 {
		return bson.M{"$lte": math.MaxInt64 - delta}
	}
	return bson.M{"$gte": math.MinInt64 - delta}
}

func (r *mongoRepository) removeTransaction(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ServerSelectionTimeout)
	defer cancel()
	_, _ = r.transactions.DeleteOne(ctx, bson.M{"_id": id})
}

func (r *mongoRepository) GetTransaction(ctx context.Context, id string) (models.Transaction, error) {
	var doc transactionDocument
	if err := r.transactions.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.Transaction{}, ErrTransactionNotFound
		}
		return models.Transaction{}, fmt.Errorf("find transaction: %w", err)
	}
	return doc.model(), nil
}

func (r *mongoRepository) ListTransactions(ctx context.Context, filter TransactionFilter) ([]models.Transaction, error) {
	query := bson.M{}
	if filter.UserID != "" {
		query["user_id"] = filter.UserID
	}
	if filter.Kind != "" {
		query["kind"] = string(filter.Kind)
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if filter.Limit > 0 {
		findOpts.SetLimit(int64(filter.Limit))
	}
	cursor, err := r.transactions.Find(ctx, query, findOpts)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	var docs []transactionDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode transactions: %w", err)
	}
	transactions := make([]models.Transaction, 0, len(docs))
	for _, doc := range docs {
		transactions = append(transactions, doc.model())
	}
	return transactions, nil
}

// RecomputeStorageQuota sums the completed ledger server-side and writes the
// result only if it still covers StorageUsed.
func (r *mongoRepository) RecomputeStorageQuota(ctx context.Context, userID string, base int64) (models.User, error) {
	if base < 0 {
		return models.User{}, invalid("base quota cannot be negative")
	}
	current, err := r.GetUser(ctx, userID)
	if err != nil {
		return models.User{}, err
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"user_id": userID, "status": string(models.TransactionCompleted)}}},
		{{Key: "$group", Value: bson.M{"_id": nil, "total": bson.M{"$sum": "$storage_bytes"}}}},
	}
	cursor, err := r.transactions.Aggregate(ctx, pipeline)
	if err != nil {
		return models.User{}, fmt.Errorf("sum transactions: %w", err)
	}
	var sums []struct {
		Total int64 `bson:"total"`
	}
	if err := cursor.All(ctx, &sums); err != nil {
		return models.User{}, fmt.Errorf("decode transaction sum: %w", err)
	}
	quota := base
	if len(sums) > 0 {
		if quota, err = addStorage(quota, sums[0].Total); err != nil {
			return models.User{}, fmt.Errorf("recompute quota for %s: %w", userID, err)
		}
	}
	if quota < 0 {
		quota = 0
	}
	if quota == current.StorageAll {
		return current, nil
	}

	user, err := r.findOneAndUpdateUser(ctx,
		bson.M{"_id": userID, "storage_used": bson.M{"$lte": quota}},
		bson.M{"$set": bson.M{"storage_all": quota, "updated_at": r.now()}},
	)
	if errors.Is(err, ErrUserNotFound) {
		if _, getErr := r.GetUser(ctx, userID); getErr == nil {
			return models.User{}, fmt.Errorf("recompute quota for %s: %w", userID, ErrQuotaExceeded)
		}
	}
	return user, err
}
