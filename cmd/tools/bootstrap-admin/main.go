// Command bootstrap-admin seeds or updates an administrator account in the datastore.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"cloudlocker/internal/models"
	"cloudlocker/internal/storage"
)

func main() {
	var (
		jsonPath    string
		mongoURI    string
		mongoDB     string
		email       string
		displayName string
		password    string
		quota       int64
	)

	flag.StringVar(&jsonPath, "json", "", "Path to the JSON datastore (store.json)")
	flag.StringVar(&mongoURI, "mongo-uri", os.Getenv("CLOUDLOCKER_MONGO_URI"), "MongoDB connection string")
	flag.StringVar(&mongoDB, "mongo-db", firstNonEmpty(os.Getenv("CLOUDLOCKER_MONGO_DB"), "cloudlocker"), "MongoDB database name")
	flag.StringVar(&email, "email", "", "Email address for the admin account")
	flag.StringVar(&displayName, "name", "Administrator", "Display name for the admin account")
	flag.StringVar(&password, "password", "", "Password for the admin account")
	flag.Int64Var(&quota, "quota", 0, "Storage quota in bytes for a newly created admin (0 uses the default)")
	flag.Parse()

	if jsonPath == "" && mongoURI == "" {
		fatalf("either --json or --mongo-uri must be provided")
	}
	if jsonPath != "" && mongoURI != "" {
		fatalf("only one datastore option may be provided")
	}
	if strings.TrimSpace(email) == "" {
		fatalf("--email is required")
	}
	if len(password) < storage.MinPasswordLength {
		fatalf("--password must be at least %d characters", storage.MinPasswordLength)
	}
	if strings.TrimSpace(displayName) == "" {
		fatalf("--name cannot be empty")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo, err := openRepository(ctx, jsonPath, mongoURI, mongoDB)
	if err != nil {
		fatalf("open datastore: %v", err)
	}
	defer closeRepository(repo)

	user, created, err := bootstrapAdmin(ctx, repo, adminParams{
		Email:       strings.TrimSpace(email),
		DisplayName: strings.TrimSpace(displayName),
		Password:    password,
		Quota:       quota,
	})
	if err != nil {
		fatalf("bootstrap admin: %v", err)
	}

	state := "updated"
	if created {
		state = "created"
	}
	fmt.Printf("Admin user %s (%s) %s successfully.\n", user.Email, user.DisplayName, state)
	fmt.Println("Remember to rotate this password after the first login.")
}

type adminParams struct {
	Email       string
	DisplayName string
	Password    string
	Quota       int64
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func openRepository(ctx context.Context, jsonPath, mongoURI, mongoDB string) (storage.Repository, error) {
	if jsonPath != "" {
		return storage.NewJSONRepository(jsonPath)
	}
	return storage.NewMongoRepository(ctx, mongoURI, mongoDB, storage.WithMongoApplicationName("cloudlocker-bootstrap-admin"))
}

func closeRepository(repo storage.Repository) {
	type closer interface {
		Close(context.Context) error
	}
	if c, ok := repo.(closer); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	}
}

// bootstrapAdmin creates the account or promotes the existing one. Either
// way the password is reset and the email marked verified, since the
// operator vouches for the address.
func bootstrapAdmin(ctx context.Context, repo storage.Repository, params adminParams) (models.User, bool, error) {
	existing, err := repo.FindUserByEmail(ctx, params.Email)
	switch {
	case err == nil:
		user, err := updateAdmin(ctx, repo, existing, params.DisplayName, params.Password)
		return user, false, err
	case !errors.Is(err, storage.ErrUserNotFound):
		return models.User{}, false, err
	}

	user, err := repo.CreateUser(ctx, storage.CreateUserParams{
		DisplayName: params.DisplayName,
		Email:       params.Email,
		Roles:       []string{models.RoleAdmin},
		Password:    params.Password,
		StorageAll:  params.Quota,
	})
	if err != nil {
		return models.User{}, false, err
	}
	user, err = repo.MarkEmailVerified(ctx, user.ID)
	if err != nil {
		return models.User{}, false, err
	}
	return user, true, nil
}

func updateAdmin(ctx context.Context, repo storage.Repository, existing models.User, displayName, password string) (models.User, error) {
	roles := ensureAdminRole(existing.Roles)

	var update storage.UserUpdate
	if existing.DisplayName != displayName {
		update.DisplayName = &displayName
	}
	if !equalStringSlices(existing.Roles, roles) {
		update.Roles = &roles
	}

	if update.DisplayName != nil || update.Roles != nil {
		if _, err := repo.UpdateUser(ctx, existing.ID, update); err != nil {
			return models.User{}, err
		}
	}

	if _, err := repo.SetUserPassword(ctx, existing.ID, password); err != nil {
		return models.User{}, err
	}
	if existing.EmailVerified {
		return repo.GetUser(ctx, existing.ID)
	}
	return repo.MarkEmailVerified(ctx, existing.ID)
}

func ensureAdminRole(existing []string) []string {
	seen := make(map[string]struct{})
	for _, role := range existing {
		trimmed := strings.TrimSpace(role)
		if trimmed == "" {
			continue
		}
		seen[strings.ToLower(trimmed)] = struct{}{}
	}
	seen[models.RoleAdmin] = struct{}{}
	roles := make([]string, 0, len(seen))
	for role := range seen {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
