package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/kwhcast/kwhcast/pkg/types"
)

var (
	// ErrNoData is returned when a device has no stored telemetry.
	ErrNoData = errors.New("no data")
	// ErrInvalidDevice is returned for device IDs that cannot be stored.
	ErrInvalidDevice = errors.New("invalid device")
)

// Database defines the interface for persisting meter telemetry.
type Database interface {
	// InsertTelemetry stores a single telemetry row.
	InsertTelemetry(ctx context.Context, t types.Telemetry) error

	// GetReadings returns every energy reading of device in ascending time
	// order. Rows without an energy value are left out.
	GetReadings(ctx context.Context, device string) ([]types.Reading, error)
	// GetLatestTelemetry returns the newest row of device or ErrNoData.
	GetLatestTelemetry(ctx context.Context, device string) (types.Telemetry, error)
	// GetRecentTelemetry returns up to limit rows of device, newest first.
	GetRecentTelemetry(ctx context.Context, device string, limit int) ([]types.Telemetry, error)

	// GetEvents returns up to limit events of device, newest first, after
	// skipping offset events.
	GetEvents(ctx context.Context, device string, limit, offset int) (types.EventPage, error)
	// GetStats summarizes the rows of device created at or after since.
	GetStats(ctx context.Context, device string, since time.Time) (types.Stats, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore, postgres)")

	var p struct{ Database }

	fs := configuredFirestore()
	pg := configuredPostgres()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		case "postgres":
			if err := pg.Validate(); err != nil {
				panic(fmt.Sprintf("postgres validation failed: %v", err))
			}
			p.Database = pg
			if err := pg.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("postgres init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}

// CheckDevice rejects device IDs that cannot be used as a path segment.
func CheckDevice(device string) error {
	if device == "" || device == "." || device == ".." || strings.Contains(device, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidDevice, device)
	}
	return nil
}

// pageEvent counts t in page if it is an event and keeps it when it falls
// within the page window. Rows must be passed newest first.
func pageEvent(page *types.EventPage, t types.Telemetry, limit, offset int) {
	ev, ok := types.ClassifyEvent(t)
	if !ok {
		return
	}
	if page.Total >= offset && len(page.Events) < limit {
		page.Events = append(page.Events, ev)
	}
	page.Total++
}
