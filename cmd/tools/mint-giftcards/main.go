// Command mint-giftcards issues a batch of gift card codes and prints them.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"cloudlocker/internal/models"
	"cloudlocker/internal/storage"
)

func main() {
	var (
		jsonPath  string
		mongoURI  string
		mongoDB   string
		count     int
		size      string
		amount    string
		currency  string
		createdBy string
		expiresIn time.Duration
		output    string
	)

	flag.StringVar(&jsonPath, "json", "", "Path to the JSON datastore (store.json)")
	flag.StringVar(&mongoURI, "mongo-uri", os.Getenv("CLOUDLOCKER_MONGO_URI"), "MongoDB connection string")
	flag.StringVar(&mongoDB, "mongo-db", firstNonEmpty(os.Getenv("CLOUDLOCKER_MONGO_DB"), "cloudlocker"), "MongoDB database name")
	flag.IntVar(&count, "count", 1, "Number of codes to mint")
	flag.StringVar(&size, "storage", "", "Storage credited per card, in bytes or with a unit (e.g. 10GiB, 500MB)")
	flag.StringVar(&amount, "amount", "0", "Face value recorded on each card")
	flag.StringVar(&currency, "currency", "", "ISO currency code for the face value")
	flag.StringVar(&createdBy, "created-by", "mint-giftcards", "Issuer recorded on each card")
	flag.DurationVar(&expiresIn, "expires-in", 0, "Lifetime of the codes (0 never expires)")
	flag.StringVar(&output, "output", "text", "Output format (text or json)")
	flag.Parse()

	if jsonPath == "" && mongoURI == "" {
		fatalf("either --json or --mongo-uri must be provided")
	}
	if jsonPath != "" && mongoURI != "" {
		fatalf("only one datastore option may be provided")
	}
	storageBytes, err := parseSize(size)
	if err != nil {
		fatalf("--storage: %v", err)
	}
	value, err := models.ParseMoney(amount)
	if err != nil {
		fatalf("--amount: %v", err)
	}
	if output != "text" && output != "json" {
		fatalf("--output must be text or json")
	}

	params := storage.CreateGiftCardsParams{
		Count:        count,
		StorageBytes: storageBytes,
		Amount:       value,
		Currency:     currency,
		CreatedBy:    strings.TrimSpace(createdBy),
	}
	if expiresIn > 0 {
		expires := time.Now().Add(expiresIn).UTC()
		params.ExpiresAt = &expires
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	repo, err := openRepository(ctx, jsonPath, mongoURI, mongoDB)
	if err != nil {
		fatalf("open datastore: %v", err)
	}
	defer closeRepository(repo)

	cards, err := repo.CreateGiftCards(ctx, params)
	if err != nil {
		fatalf("mint gift cards: %v", err)
	}
	if err := writeCards(os.Stdout, output, cards); err != nil {
		fatalf("write output: %v", err)
	}
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
	return storage.NewMongoRepository(ctx, mongoURI, mongoDB, storage.WithMongoApplicationName("cloudlocker-mint-giftcards"))
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

func writeCards(w io.Writer, format string, cards []models.GiftCard) error {
	if format == "json" {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(cards)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CODE\tSTORAGE\tAMOUNT\tEXPIRES")
	for _, card := range cards {
		expires := "never"
		if card.ExpiresAt != nil {
			expires = card.ExpiresAt.Format(time.RFC3339)
		}
		price := card.Amount.DecimalString()
		if card.Currency != "" {
			price += " " + card.Currency
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", card.Code, card.StorageBytes, price, expires)
	}
	return tw.Flush()
}

var sizeUnits = []struct {
	suffix string
	factor int64
}{
	{"kib", 1 << 10},
	{"mib", 1 << 20},
	{"gib", 1 << 30},
	{"tib", 1 << 40},
	{"kb", 1000},
	{"mb", 1000 * 1000},
	{"gb", 1000 * 1000 * 1000},
	{"tb", 1000 * 1000 * 1000 * 1000},
	{"b", 1},
}

// parseSize accepts a plain byte count or an integer with a decimal (KB, MB)
// or binary (KiB, MiB) unit.
func parseSize(raw string) (int64, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return 0, fmt.Errorf("size is required")
	}
	factor := int64(1)
	for _, unit := range sizeUnits {
		if strings.HasSuffix(value, unit.suffix) {
			factor = unit.factor
			value = strings.TrimSpace(strings.TrimSuffix(value, unit.suffix))
			break
		}
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", raw)
	}
	if n <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	if n > (1<<63-1)/factor {
		return 0, fmt.Errorf("size %q overflows", raw)
	}
	return n * factor, nil
}
