package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"cloudlocker/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

type mongoRepository struct {
	db           *mongo.Database
	users        *mongo.Collection
	transactions *mongo.Collection
	giftCards    *mongo.Collection
	tokens       *mongo.Collection
	cfg          MongoConfig
}

var _ Repository = (*mongoRepository)(nil)

// NewMongoRepository connects to MongoDB, ensures the indexes exist, and
// returns the document-backed Repository.
func NewMongoRepository(ctx context.Context, uri, database string, opts ...Option) (Repository, error) {
	cfg := newMongoConfig(uri, database, opts...)
	db, err := ConnectMongoDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	repo := newMongoRepository(db, cfg)
	if err := repo.CreateIndexes(ctx); err != nil {
		_ = db.Client().Disconnect(context.Background())
		return nil, err
	}
	return repo, nil
}

func newMongoRepository(db *mongo.Database, cfg MongoConfig) *mongoRepository {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.DefaultQuota <= 0 {
		cfg.DefaultQuota = DefaultStorageQuota
	}
	return &mongoRepository{
		db:           db,
		users:        db.Collection(usersCollection),
		transactions: db.Collection(transactionsCollection),
		giftCards:    db.Collection(giftCardsCollection),
		tokens:       db.Collection(tokensCollection),
		cfg:          cfg,
	}
}

// CreateIndexes installs the unique constraints the repository relies on for
// atomicity, plus the TTL index that lets MongoDB reap expired tokens.
func (r *mongoRepository) CreateIndexes(ctx context.Context) error {
	_, err := r.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("users_email_unique"),
	})
	if err != nil {
		return fmt.Errorf("create users indexes: %w", err)
	}

	_, err = r.giftCards.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "code", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("giftcards_code_unique"),
		},
		{
			Keys:    bson.D{{Key: "claimed", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("giftcards_claimed_created"),
		},
	})
	if err != nil {
		return fmt.Errorf("create giftcards indexes: %w", err)
	}

	_, err = r.transactions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "kind", Value: 1}, {Key: "reference", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("transactions_kind_reference_unique"),
		},
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("transactions_user_created"),
		},
	})
	if err != nil {
		return fmt.Errorf("create transactions indexes: %w", err)
	}

	_, err = r.tokens.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0).SetName("verification_tokens_ttl"),
		},
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "purpose", Value: 1}},
			Options: options.Index().SetName("verification_tokens_user_purpose"),
		},
	})
	if err != nil {
		return fmt.Errorf("create verification token indexes: %w", err)
	}
	return nil
}

func (r *mongoRepository) now() time.Time {
	return r.cfg.Clock().UTC()
}

func (r *mongoRepository) Ping(ctx context.Context) error {
	return r.db.Client().Ping(ctx, readpref.Primary())
}

// Close disconnects the underlying client.
func (r *mongoRepository) Close(ctx context.Context) error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Client().Disconnect(ctx)
}

// User operations

func (r *mongoRepository) CreateUser(ctx context.Context, params CreateUserParams) (models.User, error) {
	user, err := prepareNewUser(params, r.cfg.DefaultQuota, r.cfg.Clock)
	if err != nil {
		return models.User{}, err
	}
	if _, err := r.users.InsertOne(ctx, newUserDocument(user)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return models.User{}, ErrEmailInUse
		}
		return models.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (r *mongoRepository) findUser(ctx context.Context, filter bson.M) (models.User, error) {
	var doc userDocument
	if err := r.users.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.User{}, ErrUserNotFound
		}
		return models.User{}, fmt.Errorf("find user: %w", err)
	}
	return doc.model(), nil
}

func (r *mongoRepository) GetUser(ctx context.Context, id string) (models.User, error) {
	return r.findUser(ctx, bson.M{"_id": id})
}

func (r *mongoRepository) FindUserByEmail(ctx context.Context, email string) (models.User, error) {
	normalized := normalizeEmail(email)
	if normalized == "" {
		return models.User{}, ErrUserNotFound
	}
	return r.findUser(ctx, bson.M{"email": normalized})
}

func (r *mongoRepository) AuthenticateUser(ctx context.Context, email, password string) (models.User, error) {
	if password == "" {
		return models.User{}, ErrInvalidCredentials
	}
	user, err := r.FindUserByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		return models.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return models.User{}, err
	}
	return checkPassword(user, password)
}

func (r *mongoRepository) ListUsers(ctx context.Context, filter UserFilter) ([]models.User, error) {
	query := bson.M{}
	if needle := normalizeEmail(filter.Email); needle != "" {
		query["email"] = bson.M{"$regex": regexp.QuoteMeta(needle)}
	}
	findOpts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(normalizeOffset(filter.Offset))).
		SetLimit(int64(normalizeLimit(filter.Limit)))

	cursor, err := r.users.Find(ctx, query, findOpts)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	var docs []userDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	users := make([]models.User, 0, len(docs))
	for _, doc := range docs {
		users = append(users, doc.model())
	}
	return users, nil
}

func (r *mongoRepository) UpdateUser(ctx context.Context, id string, update UserUpdate) (models.User, error) {
	current, err := r.GetUser(ctx, id)
	if err != nil {
		return models.User{}, err
	}

	set := bson.M{"updated_at": r.now()}
	unset := bson.M{}
	filter := bson.M{"_id": id}

	if update.DisplayName != nil {
		name := normalizeDisplayName(*update.DisplayName)
		if name == "" {
			return models.User{}, invalid("displayName cannot be empty")
		}
		set["display_name"] = name
	}
	if update.Email != nil {
		email := normalizeEmail(*update.Email)
		if email == "" || !strings.Contains(email, "@") {
			return models.User{}, invalid("a valid email is required")
		}
		if email != current.Email {
			set["email"] = email
			set["email_verified"] = false
			unset["email_verified_at"] = ""
		}
	}
	if update.Roles != nil {
		roles := normalizeRoles(*update.Roles)
		if len(roles) == 0 {
			roles = []string{models.RoleUser}
		}
		set["roles"] = roles
	}
	if update.StorageAll != nil {
		if *update.StorageAll < 0 {
			return models.User{}, invalid("storageAll cannot be negative")
		}
		set["storage_all"] = *update.StorageAll
		filter["storage_used"] = bson.M{"$lte": *update.StorageAll}
	}

	change := bson.M{"$set": set}
	if len(unset) > 0 {
		change["$unset"] = unset
	}
	user, err := r.findOneAndUpdateUser(ctx, filter, change)
	if errors.Is(err, ErrUserNotFound) && update.StorageAll != nil {
		if _, getErr := r.GetUser(ctx, id); getErr == nil {
			return models.User{}, ErrQuotaExceeded
		}
	}
	return user, err
}

func (r *mongoRepository) findOneAndUpdateUser(ctx context.Context, filter, change bson.M) (models.User, error) {
	var doc userDocument
	err := r.users.FindOneAndUpdate(ctx, filter, change,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.User{}, ErrUserNotFound
		}
		if mongo.IsDuplicateKeyError(err) {
			return models.User{}, ErrEmailInUse
		}
		return models.User{}, fmt.Errorf("update user: %w", err)
	}
	return doc.model(), nil
}

func (r *mongoRepository) SetUserPassword(ctx context.Context, id, password string) (models.User, error) {
	if err := validatePassword(password); err != nil {
		return models.User{}, err
	}
	hashed, err := hashPassword(password)
	if err != nil {
		return models.User{}, fmt.Errorf("hash password: %w", err)
	}
	return r.findOneAndUpdateUser(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"password_hash": hashed, "updated_at": r.now()},
	})
}

func (r *mongoRepository) MarkEmailVerified(ctx context.Context, id string) (models.User, error) {
	now := r.now()
	user, err := r.findOneAndUpdateUser(ctx,
		bson.M{"_id": id, "email_verified": bson.M{"$ne": true}},
		bson.M{"$set": bson.M{"email_verified": true, "email_verified_at": now, "updated_at": now}},
	)
	if errors.Is(err, ErrUserNotFound) {
		// Already verified users are left untouched.
		return r.GetUser(ctx, id)
	}
	return user, err
}

func (r *mongoRepository) UpdateStorageUsed(ctx context.Context, id string, used int64) (models.User, error) {
	if used < 0 {
		return models.User{}, invalid("storage used cannot be negative")
	}
	user, err := r.findOneAndUpdateUser(ctx,
		bson.M{"_id": id, "storage_all": bson.M{"$gte": used}},
		bson.M{"$set": bson.M{"storage_used": used, "updated_at": r.now()}},
	)
	if errors.Is(err, ErrUserNotFound) {
		if _, getErr := r.GetUser(ctx, id); getErr == nil {
			return models.User{}, ErrQuotaExceeded
		}
	}
	return user, err
}

func (r *mongoRepository) DeleteUser(ctx context.Context, id string) error {
	result, err := r.users.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if result.DeletedCount == 0 {
		return ErrUserNotFound
	}
	if _, err := r.tokens.DeleteMany(ctx, bson.M{"user_id": id}); err != nil {
		return fmt.Errorf("delete user tokens: %w", err)
	}
	return nil
}

// Verification tokens

func (r *mongoRepository) CreateVerificationToken(ctx context.Context, userID string, purpose models.TokenPurpose, ttl time.Duration) (string, models.VerificationToken, error) {
	if ttl <= 0 {
		return "", models.VerificationToken{}, invalid("token ttl must be positive")
	}
	if _, err := r.GetUser(ctx, userID); err != nil {
		return "", models.VerificationToken{}, err
	}
	raw, hash, err := generateVerificationToken()
	if err != nil {
		return "", models.VerificationToken{}, err
	}
	if _, err := r.tokens.DeleteMany(ctx, bson.M{"user_id": userID, "purpose": string(purpose)}); err != nil {
		return "", models.VerificationToken{}, fmt.Errorf("replace verification token: %w", err)
	}
	now := r.now()
	doc := tokenDocument{
		TokenHash: hash,
		UserID:    userID,
		Purpose:   string(purpose),
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if _, err := r.tokens.InsertOne(ctx, doc); err != nil {
		return "", models.VerificationToken{}, fmt.Errorf("insert verification token: %w", err)
	}
	return raw, doc.model(), nil
}

func (r *mongoRepository) ConsumeVerificationToken(ctx context.Context, rawToken string, purpose models.TokenPurpose) (models.VerificationToken, error) {
	if strings.TrimSpace(rawToken) == "" {
		return models.VerificationToken{}, ErrTokenNotFound
	}
	var doc tokenDocument
	err := r.tokens.FindOneAndDelete(ctx, bson.M{
		"_id":     hashVerificationToken(rawToken),
		"purpose": string(purpose),
	}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.VerificationToken{}, ErrTokenNotFound
		}
		return models.VerificationToken{}, fmt.Errorf("consume verification token: %w", err)
	}
	// The TTL monitor runs about once a minute, so expiry is checked here too.
	if !r.now().Before(doc.ExpiresAt) {
		return models.VerificationToken{}, ErrTokenExpired
	}
	return doc.model(), nil
}

func (r *mongoRepository) PurgeExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	result, err := r.tokens.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": now.UTC()}})
	if err != nil {
		return 0, fmt.Errorf("purge verification tokens: %w", err)
	}
	return int(result.DeletedCount), nil
}
