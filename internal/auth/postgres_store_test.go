package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestRevocationKey(t *testing.T) {
	key, err := revocationKey("jti-to-hash")
	if err != nil {
		t.Fatalf("revocationKey: %v", err)
	}
	if key == "jti-to-hash" {
		t.Fatalf("expected key to differ from raw jti")
	}
	if len(key) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(key))
	}
	repeat, err := revocationKey("jti-to-hash")
	if err != nil {
		t.Fatalf("revocationKey repeat: %v", err)
	}
	if key != repeat {
		t.Fatalf("expected key derivation to be deterministic")
	}
}

func TestRevocationKeyEmpty(t *testing.T) {
	if _, err := revocationKey(""); !errors.Is(err, errTokenIDRequired) {
		t.Fatalf("expected empty jti error, got %v", err)
	}
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	var up, down int
	for _, entry := range entries {
		switch {
		case strings.HasSuffix(entry.Name(), ".up.sql"):
			up++
		case strings.HasSuffix(entry.Name(), ".down.sql"):
			down++
		}
	}
	if up == 0 || up != down {
		t.Fatalf("expected matching up/down migrations, got %d up and %d down", up, down)
	}
}

func TestNewPostgresRevocationStoreRequiresDSN(t *testing.T) {
	if _, err := NewPostgresRevocationStore(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}
