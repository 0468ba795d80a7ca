package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/redenergy/pkg/types"
)

// UsageVersion is stamped on stored daily usage. Bump it when the meaning of
// a DailyEntry field changes so old documents can be told apart.
const UsageVersion = 1

var ErrConsumerRequired = errors.New("consumer number cannot be empty")

// Database persists normalized daily usage per consumer number. Tokens and
// credentials are never stored.
type Database interface {
	// UpsertDailyUsage adds or replaces one record per entry, keyed by date.
	UpsertDailyUsage(ctx context.Context, consumerNumber string, entries []types.DailyEntry, version int) error

	// GetDailyUsage returns entries dated between from and to inclusive in
	// date order.
	GetDailyUsage(ctx context.Context, consumerNumber string, from, to time.Time) ([]types.DailyEntry, error)

	// GetLatestUsageDate returns the date of the newest stored entry and its
	// version. The zero time means nothing is stored.
	GetLatestUsageDate(ctx context.Context, consumerNumber string) (time.Time, int, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "none", "Storage provider to use (available: none, firestore)")

	var p struct{ Database }

	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "none", "":
			p.Database = None{}
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}

// None discards writes and has nothing to read.
type None struct{}

func (None) UpsertDailyUsage(context.Context, string, []types.DailyEntry, int) error {
	return nil
}

func (None) GetDailyUsage(context.Context, string, time.Time, time.Time) ([]types.DailyEntry, error) {
	return nil, nil
}

func (None) GetLatestUsageDate(context.Context, string) (time.Time, int, error) {
	return time.Time{}, 0, nil
}

func (None) Close() error {
	return nil
}
