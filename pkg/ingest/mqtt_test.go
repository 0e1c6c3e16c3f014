package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kwhcast/kwhcast/pkg/metrics"
	"github.com/kwhcast/kwhcast/pkg/storage/storagemock"
	"github.com/kwhcast/kwhcast/pkg/types"
)

func TestDeviceFromTopic(t *testing.T) {
	assert.Equal(t, "meter-1", deviceFromTopic("kwhcast/+/telemetry", "kwhcast/meter-1/telemetry"))
	assert.Equal(t, "a", deviceFromTopic("+/energy", "a/energy"))
	assert.Equal(t, "", deviceFromTopic("kwhcast/telemetry", "kwhcast/telemetry"))
	assert.Equal(t, "", deviceFromTopic("kwhcast/#", "kwhcast/meter-1"))
	assert.Equal(t, "", deviceFromTopic("kwhcast/x/+", "kwhcast"))
}

func TestHandleMessage(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	newSubscriber := func(db *storagemock.MockDatabase) (*Subscriber, *metrics.Metrics) {
		m := metrics.New(prometheus.NewRegistry())
		return &Subscriber{
			db:       db,
			metrics:  m,
			location: func() *time.Location { return time.UTC },
			now:      func() time.Time { return now },
			topic:    "kwhcast/+/telemetry",
		}, m
	}

	t.Run("Device From Topic", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("InsertTelemetry", mock.Anything, mock.MatchedBy(func(tel types.Telemetry) bool {
			return tel.Device == "meter-7" && tel.Energy != nil && *tel.Energy == 3.5 && tel.CreatedAt.Equal(now)
		})).Return(nil)
		s, m := newSubscriber(db)

		err := s.handleMessage(context.Background(), "kwhcast/meter-7/telemetry", []byte(`{"energy":"3.5"}`))
		require.NoError(t, err)
		db.AssertExpectations(t)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.Ingested.WithLabelValues("mqtt")))
	})

	t.Run("Payload Device Wins", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("InsertTelemetry", mock.Anything, mock.MatchedBy(func(tel types.Telemetry) bool {
			return tel.Device == "meter-1"
		})).Return(nil)
		s, _ := newSubscriber(db)

		err := s.handleMessage(context.Background(), "kwhcast/other/telemetry", []byte(`{"device":"meter-1","energy":1}`))
		require.NoError(t, err)
		db.AssertExpectations(t)
	})

	t.Run("No Device", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		s, m := newSubscriber(db)
		s.topic = "kwhcast/telemetry"

		err := s.handleMessage(context.Background(), "kwhcast/telemetry", []byte(`{"energy":1}`))
		assert.ErrorIs(t, err, ErrInvalidPayload)
		db.AssertNotCalled(t, "InsertTelemetry", mock.Anything, mock.Anything)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.IngestErrors.WithLabelValues("mqtt")))
	})

	t.Run("Malformed", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		s, _ := newSubscriber(db)

		err := s.handleMessage(context.Background(), "kwhcast/meter-1/telemetry", []byte(`not json`))
		assert.ErrorIs(t, err, ErrInvalidPayload)
		db.AssertNotCalled(t, "InsertTelemetry", mock.Anything, mock.Anything)
	})

	t.Run("Storage Error", func(t *testing.T) {
		boom := errors.New("unavailable")
		db := &storagemock.MockDatabase{}
		db.On("InsertTelemetry", mock.Anything, mock.Anything).Return(boom)
		s, m := newSubscriber(db)

		err := s.handleMessage(context.Background(), "kwhcast/meter-1/telemetry", []byte(`{"energy":1}`))
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.IngestErrors.WithLabelValues("mqtt")))
	})

	t.Run("Disabled Without Broker", func(t *testing.T) {
		s, _ := newSubscriber(&storagemock.MockDatabase{})
		assert.False(t, s.Enabled())
		s.broker = "tcp://localhost:1883"
		assert.True(t, s.Enabled())
	})
}
