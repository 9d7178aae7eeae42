//go:build integration

package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
)

// mongoRepositoryFactory starts a throwaway MongoDB container per scenario so
// unique indexes and conditional updates run against a real server.
func mongoRepositoryFactory(t *testing.T, opts ...Option) (Repository, func(), error) {
	t.Helper()
	ctx := context.Background()

	container, err := mongodb.Run(ctx, "mongo:7")
	require.NoError(t, err)

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	repo, err := NewMongoRepository(ctx, uri, "cloudlocker_test", opts...)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, nil, err
	}

	cleanup := func() {
		if closer, ok := repo.(interface{ Close(context.Context) error }); ok {
			_ = closer.Close(ctx)
		}
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	}
	return repo, cleanup, nil
}

func TestMongoRepositoryUserLifecycle(t *testing.T) {
	RunRepositoryUserLifecycle(t, mongoRepositoryFactory)
}

func TestMongoRepositoryPasswordLifecycle(t *testing.T) {
	RunRepositoryPasswordLifecycle(t, mongoRepositoryFactory)
}

func TestMongoRepositoryVerificationTokens(t *testing.T) {
	RunRepositoryVerificationTokens(t, mongoRepositoryFactory)
}

func TestMongoRepositoryGiftCardLifecycle(t *testing.T) {
	RunRepositoryGiftCardLifecycle(t, mongoRepositoryFactory)
}

func TestMongoRepositoryConcurrentRedemption(t *testing.T) {
	RunRepositoryConcurrentRedemption(t, mongoRepositoryFactory)
}

func TestMongoRepositoryTransactions(t *testing.T) {
	RunRepositoryTransactions(t, mongoRepositoryFactory)
}

func TestMongoRepositoryQuotaOverflow(t *testing.T) {
	RunRepositoryQuotaOverflow(t, mongoRepositoryFactory)
}

func TestMongoRepositoryCreatesIndexes(t *testing.T) {
	repo := runRepository(t, mongoRepositoryFactory)
	mongoRepo, ok := repo.(*mongoRepository)
	require.True(t, ok)

	ctx := context.Background()
	cursor, err := mongoRepo.tokens.Indexes().List(ctx)
	require.NoError(t, err)
	var indexes []struct {
		Name               string `bson:"name"`
		ExpireAfterSeconds *int32 `bson:"expireAfterSeconds"`
	}
	require.NoError(t, cursor.All(ctx, &indexes))

	var ttlFound bool
	for _, index := range indexes {
		if index.Name == "verification_tokens_ttl" {
			ttlFound = true
			require.NotNil(t, index.ExpireAfterSeconds)
			require.Equal(t, int32(0), *index.ExpireAfterSeconds)
		}
	}
	require.True(t, ttlFound, "expected TTL index on verification tokens")

	// Index creation is idempotent.
	require.NoError(t, mongoRepo.CreateIndexes(ctx))
}
