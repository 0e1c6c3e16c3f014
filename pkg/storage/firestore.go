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

	"github.com/kwhcast/kwhcast/pkg/log"
	"github.com/kwhcast/kwhcast/pkg/types"
)

// docIDLayout is fixed width so document IDs sort in time order.
const docIDLayout = "2006-01-02T15:04:05.000000000Z"

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Telemetry lives under devices/{device}/telemetry with one
// document per row.
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
	// Project ID verification could be here, but we allow empty if inferred.
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

func (f *FirestoreProvider) telemetryCollection(device string) (*firestore.CollectionRef, error) {
	if err := CheckDevice(device); err != nil {
		return nil, err
	}
	return f.client.Collection("devices").Doc(device).Collection("telemetry"), nil
}

// InsertTelemetry stores the row as a JSON blob. The document ID is the UTC
// timestamp, so a second row with the same timestamp replaces the first.
func (f *FirestoreProvider) InsertTelemetry(ctx context.Context, t types.Telemetry) error {
	if t.CreatedAt.IsZero() {
		return fmt.Errorf("telemetry missing createdAt")
	}
	jsonBytes, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry: %w", err)
	}

	coll, err := f.telemetryCollection(t.Device)
	if err != nil {
		return err
	}
	docID := t.CreatedAt.UTC().Format(docIDLayout)
	doc := map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": t.CreatedAt,
	}
	_, err = coll.Doc(docID).Create(ctx, doc)
	if status.Code(err) == codes.AlreadyExists {
		log.Ctx(ctx).DebugContext(ctx, "replacing telemetry with same timestamp", slog.String("docID", docID))
		_, err = coll.Doc(docID).Set(ctx, doc)
	}
	if err != nil {
		return fmt.Errorf("failed to insert telemetry: %w", err)
	}
	return nil
}

// GetReadings streams every telemetry document of device in document ID
// order and keeps the ones with an energy value.
func (f *FirestoreProvider) GetReadings(ctx context.Context, device string) ([]types.Reading, error) {
	coll, err := f.telemetryCollection(device)
	if err != nil {
		return nil, err
	}
	iter := coll.
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var readings []types.Reading
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating telemetry: %w", err)
		}
		t, err := decodeTelemetryDoc(ctx, doc)
		if err != nil {
			return nil, err
		}
		if r, ok := t.Reading(); ok {
			readings = append(readings, r)
		}
	}
	return readings, nil
}

// GetLatestTelemetry returns the newest telemetry document of device.
func (f *FirestoreProvider) GetLatestTelemetry(ctx context.Context, device string) (types.Telemetry, error) {
	rows, err := f.GetRecentTelemetry(ctx, device, 1)
	if err != nil {
		return types.Telemetry{}, err
	}
	if len(rows) == 0 {
		return types.Telemetry{}, fmt.Errorf("%w: %s", ErrNoData, device)
	}
	return rows[0], nil
}

// GetRecentTelemetry returns up to limit telemetry documents of device,
// newest first.
func (f *FirestoreProvider) GetRecentTelemetry(ctx context.Context, device string, limit int) ([]types.Telemetry, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	coll, err := f.telemetryCollection(device)
	if err != nil {
		return nil, err
	}
	iter := coll.
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	var rows []types.Telemetry
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating telemetry: %w", err)
		}
		t, err := decodeTelemetryDoc(ctx, doc)
		if err != nil {
			return nil, err
		}
		rows = append(rows, t)
	}
	return rows, nil
}

// GetEvents scans every telemetry document of device newest first and
// classifies each row in process, since the measurements live inside the
// JSON blob and cannot be filtered by a query.
func (f *FirestoreProvider) GetEvents(ctx context.Context, device string, limit, offset int) (types.EventPage, error) {
	if limit <= 0 || offset < 0 {
		return types.EventPage{}, fmt.Errorf("invalid page (limit=%d, offset=%d)", limit, offset)
	}
	coll, err := f.telemetryCollection(device)
	if err != nil {
		return types.EventPage{}, err
	}
	iter := coll.
		OrderBy(firestore.DocumentID, firestore.Desc).
		Documents(ctx)
	defer iter.Stop()

	page := types.EventPage{Events: []types.Event{}}
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return types.EventPage{}, fmt.Errorf("error iterating telemetry: %w", err)
		}
		t, err := decodeTelemetryDoc(ctx, doc)
		if err != nil {
			return types.EventPage{}, err
		}
		pageEvent(&page, t, limit, offset)
	}
	return page, nil
}

// GetStats aggregates the telemetry documents of device whose timestamp is
// at or after since.
func (f *FirestoreProvider) GetStats(ctx context.Context, device string, since time.Time) (types.Stats, error) {
	coll, err := f.telemetryCollection(device)
	if err != nil {
		return types.Stats{}, err
	}
	iter := coll.
		Where("timestamp", ">=", since).
		Documents(ctx)
	defer iter.Stop()

	var b types.StatsBuilder
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return types.Stats{}, fmt.Errorf("error iterating telemetry: %w", err)
		}
		t, err := decodeTelemetryDoc(ctx, doc)
		if err != nil {
			return types.Stats{}, err
		}
		b.Add(t)
	}
	return b.Stats(), nil
}

func decodeTelemetryDoc(ctx context.Context, doc *firestore.DocumentSnapshot) (types.Telemetry, error) {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "telemetry doc missing json", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return types.Telemetry{}, fmt.Errorf("telemetry doc %s missing 'json' field: %w", doc.Ref.ID, err)
	}

	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "telemetry doc json not string", slog.String("docID", doc.Ref.ID))
		return types.Telemetry{}, fmt.Errorf("telemetry doc %s 'json' field is not string", doc.Ref.ID)
	}

	var t types.Telemetry
	if err := json.Unmarshal([]byte(jsonStr), &t); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal telemetry", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return types.Telemetry{}, fmt.Errorf("failed to unmarshal telemetry (id=%s): %w", doc.Ref.ID, err)
	}
	if t.CreatedAt.IsZero() {
		if ts, err := time.Parse(docIDLayout, doc.Ref.ID); err == nil {
			t.CreatedAt = ts
		}
	}
	return t, nil
}
