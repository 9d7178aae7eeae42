package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	defaultMongoMaxPoolSize            uint64 = 100
	defaultMongoMinPoolSize            uint64 = 10
	defaultMongoConnectTimeout                = 10 * time.Second
	defaultMongoServerSelectionTimeout        = 5 * time.Second
)

// MongoConfig describes how the document repository dials MongoDB and which
// defaults it applies to new documents.
type MongoConfig struct {
	URI                    string
	Database               string
	MaxPoolSize            uint64
	MinPoolSize            uint64
	ConnectTimeout         time.Duration
	ServerSelectionTimeout time.Duration
	ApplicationName        string
	DefaultQuota           int64
	Clock                  func() time.Time
}

func newMongoConfig(uri, database string, opts ...Option) MongoConfig {
	cfg := MongoConfig{
		URI:                    strings.TrimSpace(uri),
		Database:               strings.TrimSpace(database),
		MaxPoolSize:            defaultMongoMaxPoolSize,
		MinPoolSize:            defaultMongoMinPoolSize,
		ConnectTimeout:         defaultMongoConnectTimeout,
		ServerSelectionTimeout: defaultMongoServerSelectionTimeout,
		ApplicationName:        "cloudlocker",
		DefaultQuota:           DefaultStorageQuota,
		Clock:                  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyMongo(&cfg)
		}
	}
	if cfg.MinPoolSize > cfg.MaxPoolSize {
		cfg.MinPoolSize = cfg.MaxPoolSize
	}
	return cfg
}

// ConnectMongoDB dials the cluster described by cfg and verifies it answers a
// ping before returning the database handle.
func ConnectMongoDB(ctx context.Context, cfg MongoConfig) (*mongo.Database, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo uri required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("mongo database required")
	}
	clientOpts := options.Client().
		ApplyURI(cfg.URI).
		SetAppName(cfg.ApplicationName).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.ServerSelectionTimeout).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetMinPoolSize(cfg.MinPoolSize)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return client.Database(cfg.Database), nil
}
