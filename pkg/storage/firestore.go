package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/raterudder/redenergy/pkg/log"
	"github.com/raterudder/redenergy/pkg/types"
)

// FirestoreProvider implements Database using Google Cloud Firestore. Each
// daily entry is a document under consumers/{consumerNumber}/daily_usage
// whose ID is the entry's date.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	if f.projectID == "" && os.Getenv("FIRESTORE_EMULATOR_HOST") != "" {
		return fmt.Errorf("firestore-project-id is required when using the emulator")
	}
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) usageCollection(consumerNumber string) (*firestore.CollectionRef, error) {
	if consumerNumber == "" {
		return nil, ErrConsumerRequired
	}
	return f.client.Collection("consumers").Doc(consumerNumber).Collection("daily_usage"), nil
}

// UpsertDailyUsage writes every dated entry with a bulk writer. Entries
// without a parseable date are skipped since they have no document ID.
func (f *FirestoreProvider) UpsertDailyUsage(ctx context.Context, consumerNumber string, entries []types.DailyEntry, version int) error {
	coll, err := f.usageCollection(consumerNumber)
	if err != nil {
		return err
	}

	bw := f.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob
	for _, e := range entries {
		day, err := time.Parse(time.DateOnly, e.Date)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping usage entry without a date", slog.String("consumerNumber", consumerNumber), slog.String("date", e.Date))
			continue
		}
		jsonBytes, err := json.Marshal(e)
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to marshal usage entry: %w", err)
		}
		job, err := bw.Set(coll.Doc(e.Date), map[string]interface{}{
			"json":    string(jsonBytes),
			"date":    day,
			"version": version,
			"updated": firestore.ServerTimestamp,
		})
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to queue usage entry %s: %w", e.Date, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("failed to upsert daily usage: %w", err)
		}
	}
	log.Ctx(ctx).DebugContext(ctx, "stored daily usage", slog.String("consumerNumber", consumerNumber), slog.Int("entries", len(jobs)))
	return nil
}

// GetDailyUsage retrieves entries whose dates fall between from and to
// inclusive.
func (f *FirestoreProvider) GetDailyUsage(ctx context.Context, consumerNumber string, from, to time.Time) ([]types.DailyEntry, error) {
	coll, err := f.usageCollection(consumerNumber)
	if err != nil {
		return nil, err
	}
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(from.Format(time.DateOnly))).
		Where(firestore.DocumentID, "<=", coll.Doc(to.Format(time.DateOnly))).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var entries []types.DailyEntry
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil, nil
			}
			return nil, fmt.Errorf("error iterating daily usage: %w", err)
		}

		val, err := doc.DataAt("json")
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "usage doc missing json", slog.String("docID", doc.Ref.ID), slog.String("consumerNumber", consumerNumber), slog.Any("err", err))
			return nil, fmt.Errorf("usage doc %s missing 'json' field: %w", doc.Ref.ID, err)
		}
		jsonStr, ok := val.(string)
		if !ok {
			log.Ctx(ctx).WarnContext(ctx, "usage doc json not string", slog.String("docID", doc.Ref.ID), slog.String("consumerNumber", consumerNumber))
			return nil, fmt.Errorf("usage doc %s 'json' field is not string", doc.Ref.ID)
		}

		var e types.DailyEntry
		if err := json.Unmarshal([]byte(jsonStr), &e); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal usage entry", slog.String("docID", doc.Ref.ID), slog.String("consumerNumber", consumerNumber), slog.Any("err", err))
			return nil, fmt.Errorf("failed to unmarshal usage entry (id=%s): %w", doc.Ref.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// GetLatestUsageDate retrieves the date of the newest stored entry.
func (f *FirestoreProvider) GetLatestUsageDate(ctx context.Context, consumerNumber string) (time.Time, int, error) {
	coll, err := f.usageCollection(consumerNumber)
	if err != nil {
		return time.Time{}, 0, err
	}
	iter := coll.
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return time.Time{}, 0, nil
	}
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("failed to get latest usage doc: %w", err)
	}

	day, err := time.Parse(time.DateOnly, doc.Ref.ID)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("invalid usage doc id %s: %w", doc.Ref.ID, err)
	}

	// Read version if available (default 0)
	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}
	return day, version, nil
}
