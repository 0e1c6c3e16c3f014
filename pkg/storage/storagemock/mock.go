package storagemock

import (
	"context"
	"time"

	"github.com/kwhcast/kwhcast/pkg/storage"
	"github.com/kwhcast/kwhcast/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) InsertTelemetry(ctx context.Context, t types.Telemetry) error {
	args := m.Called(ctx, t)
	return args.Error(0)
}

func (m *MockDatabase) GetReadings(ctx context.Context, device string) ([]types.Reading, error) {
	args := m.Called(ctx, device)
	if r, ok := args.Get(0).([]types.Reading); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) GetLatestTelemetry(ctx context.Context, device string) (types.Telemetry, error) {
	args := m.Called(ctx, device)
	// return empty if not specified, or checks args
	if len(args) > 0 {
		return args.Get(0).(types.Telemetry), args.Error(1)
	}
	return types.Telemetry{}, nil
}

func (m *MockDatabase) GetRecentTelemetry(ctx context.Context, device string, limit int) ([]types.Telemetry, error) {
	args := m.Called(ctx, device, limit)
	if r, ok := args.Get(0).([]types.Telemetry); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) GetEvents(ctx context.Context, device string, limit, offset int) (types.EventPage, error) {
	args := m.Called(ctx, device, limit, offset)
	return args.Get(0).(types.EventPage), args.Error(1)
}

func (m *MockDatabase) GetStats(ctx context.Context, device string, since time.Time) (types.Stats, error) {
	args := m.Called(ctx, device, since)
	return args.Get(0).(types.Stats), args.Error(1)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
