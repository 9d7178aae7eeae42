package storage

import (
	"strings"
	"time"
)

// Option configures either datastore driver. Driver-specific options are
// ignored by the other driver.
type Option interface {
	applyJSON(*Storage)
	applyMongo(*MongoConfig)
}

type optionAdapter struct {
	json  func(*Storage)
	mongo func(*MongoConfig)
}

func (o optionAdapter) applyJSON(store *Storage) {
	if o.json != nil && store != nil {
		o.json(store)
	}
}

func (o optionAdapter) applyMongo(cfg *MongoConfig) {
	if o.mongo != nil && cfg != nil {
		o.mongo(cfg)
	}
}

func composeOption(json func(*Storage), mongo func(*MongoConfig)) Option {
	return optionAdapter{json: json, mongo: mongo}
}

func mongoOnlyOption(mongo func(*MongoConfig)) Option {
	return optionAdapter{mongo: mongo}
}

// WithDefaultStorageQuota sets the quota granted to accounts created without
// an explicit StorageAll.
func WithDefaultStorageQuota(bytes int64) Option {
	return composeOption(
		func(s *Storage) {
			if bytes > 0 {
				s.defaultQuota = bytes
			}
		},
		func(cfg *MongoConfig) {
			if bytes > 0 {
				cfg.DefaultQuota = bytes
			}
		},
	)
}

// WithClock overrides the time source. Tests use it to exercise expiry.
func WithClock(now func() time.Time) Option {
	return composeOption(
		func(s *Storage) {
			if now != nil {
				s.now = now
			}
		},
		func(cfg *MongoConfig) {
			if now != nil {
				cfg.Clock = now
			}
		},
	)
}

func WithMongoPoolLimits(maxPool, minPool uint64) Option {
	return mongoOnlyOption(func(cfg *MongoConfig) {
		if maxPool > 0 {
			cfg.MaxPoolSize = maxPool
		}
		if minPool > 0 {
			cfg.MinPoolSize = minPool
		}
	})
}

// WithMongoTimeouts bounds the initial dial and each server selection.
func WithMongoTimeouts(connect, serverSelection time.Duration) Option {
	return mongoOnlyOption(func(cfg *MongoConfig) {
		if connect > 0 {
			cfg.ConnectTimeout = connect
		}
		if serverSelection > 0 {
			cfg.ServerSelectionTimeout = serverSelection
		}
	})
}

func WithMongoApplicationName(name string) Option {
	return mongoOnlyOption(func(cfg *MongoConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	})
}
