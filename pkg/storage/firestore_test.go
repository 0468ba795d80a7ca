package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/redenergy/pkg/types"
)

func TestFirestoreProvider(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	// Use a random database for isolation
	randDB := fmt.Sprintf("test-db-%d", time.Now().UnixNano())
	f := &FirestoreProvider{
		projectID: "test-project-id",
		database:  randDB,
	}

	ctx := context.Background()
	require.NoError(t, f.Init(ctx))
	defer f.Close()

	t.Run("Validate", func(t *testing.T) {
		require.NoError(t, f.Validate())
	})

	t.Run("EmptyConsumer", func(t *testing.T) {
		_, err := f.GetDailyUsage(ctx, "", time.Now(), time.Now())
		assert.ErrorIs(t, err, ErrConsumerRequired)
		assert.ErrorIs(t, f.UpsertDailyUsage(ctx, "", nil, UsageVersion), ErrConsumerRequired)
	})

	t.Run("DailyUsage", func(t *testing.T) {
		consumer := "4102345678"
		entries := []types.DailyEntry{
			{Date: "2024-01-01", Unit: "kWh", Usage: 10.5, ImportUsage: 11, ExportUsage: 0.5, NetCost: 3.1, Cost: 3.1},
			{Date: "2024-01-02", Unit: "kWh", Usage: 8, ImportUsage: 8, NetCost: 2.4, Cost: 2.4, MaxDemandKW: 3.2, MaxDemandTime: "2024-01-02T18:00:00"},
			{Date: "2024-01-03", Unit: "kWh", Usage: 7, ImportUsage: 7},
			{Date: "", Usage: 99},
		}
		require.NoError(t, f.UpsertDailyUsage(ctx, consumer, entries, UsageVersion))

		got, err := f.GetDailyUsage(ctx, consumer,
			time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, entries[0], got[0])
		assert.Equal(t, entries[1], got[1])

		// upsert replaces
		updated := entries[2]
		updated.Usage = 7.5
		require.NoError(t, f.UpsertDailyUsage(ctx, consumer, []types.DailyEntry{updated}, UsageVersion+1))

		latest, version, err := f.GetLatestUsageDate(ctx, consumer)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), latest)
		assert.Equal(t, UsageVersion+1, version)

		got, err = f.GetDailyUsage(ctx, consumer,
			time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
		)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 7.5, got[0].Usage)
	})

	t.Run("LatestEmpty", func(t *testing.T) {
		latest, version, err := f.GetLatestUsageDate(ctx, "no-such-consumer")
		require.NoError(t, err)
		assert.True(t, latest.IsZero())
		assert.Equal(t, 0, version)
	})
}

func TestNone(t *testing.T) {
	ctx := context.Background()
	var db Database = None{}
	require.NoError(t, db.UpsertDailyUsage(ctx, "c", []types.DailyEntry{{Date: "2024-01-01"}}, UsageVersion))
	entries, err := db.GetDailyUsage(ctx, "c", time.Now(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, entries)
	latest, _, err := db.GetLatestUsageDate(ctx, "c")
	require.NoError(t, err)
	assert.True(t, latest.IsZero())
	assert.NoError(t, db.Close())
}
