package forecast

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kwhcast/kwhcast/pkg/metrics"
	"github.com/kwhcast/kwhcast/pkg/types"
)

type mockSource struct {
	mock.Mock
}

func (m *mockSource) GetReadings(ctx context.Context, device string) ([]types.Reading, error) {
	args := m.Called(ctx, device)
	if r, ok := args.Get(0).([]types.Reading); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func sourceOf(readings []types.Reading) *mockSource {
	s := &mockSource{}
	s.On("GetReadings", mock.Anything, "meter-1").Return(readings, nil)
	return s
}

// hourlyReadings returns n readings one hour apart starting at start, with
// energy given by value(i).
func hourlyReadings(start time.Time, n int, value func(i int) float64) []types.Reading {
	out := make([]types.Reading, n)
	for i := range out {
		out[i] = types.Reading{
			Time:   start.Add(time.Duration(i) * time.Hour),
			Energy: value(i),
		}
	}
	return out
}

func flat(v float64) func(int) float64 {
	return func(int) float64 { return v }
}

var day0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func TestPredict(t *testing.T) {
	ctx := context.Background()

	t.Run("No Readings", func(t *testing.T) {
		f := New(sourceOf(nil), time.UTC, nil)
		_, err := f.Predict(ctx, "meter-1")
		assert.ErrorIs(t, err, ErrInsufficientData)
	})

	t.Run("23 Hourly Points", func(t *testing.T) {
		f := New(sourceOf(hourlyReadings(day0.Add(5*time.Hour), 23, flat(10))), time.UTC, nil)
		_, err := f.Predict(ctx, "meter-1")
		assert.ErrorIs(t, err, ErrInsufficientData)
	})

	t.Run("Many Readings In Few Hours", func(t *testing.T) {
		// 60 readings a minute apart only cover one hour
		readings := make([]types.Reading, 60)
		for i := range readings {
			readings[i] = types.Reading{Time: day0.Add(time.Duration(i) * time.Minute), Energy: float64(i)}
		}
		f := New(sourceOf(readings), time.UTC, nil)
		_, err := f.Predict(ctx, "meter-1")
		assert.ErrorIs(t, err, ErrInsufficientData)
	})

	t.Run("24 Hourly Points", func(t *testing.T) {
		f := New(sourceOf(hourlyReadings(day0.Add(5*time.Hour), 24, func(i int) float64 { return 100 + float64(i) })), time.UTC, nil)
		p, err := f.Predict(ctx, "meter-1")
		require.NoError(t, err)
		assert.Equal(t, "meter-1", p.Device)
		assert.True(t, p.LastActualTime.Equal(day0.Add(28*time.Hour)))
		require.Len(t, p.Points, 1)
		assert.True(t, p.Points[0].Time.Equal(day0.Add(48*time.Hour)))
	})

	t.Run("Flat Series", func(t *testing.T) {
		f := New(sourceOf(hourlyReadings(day0.Add(3*time.Hour), 25, flat(100))), time.UTC, nil)
		p, err := f.Predict(ctx, "meter-1")
		require.NoError(t, err)
		require.Len(t, p.Points, 1)
		assert.Equal(t, 0, p.Points[0].Time.Hour())
		assert.InDelta(t, 100, p.Points[0].EnergyKWH, 1e-6)
	})

	t.Run("Last Actual Is At Midnight", func(t *testing.T) {
		// forecasts start an hour after the last observation, so the only
		// midnight in the horizon is the next day's
		readings := hourlyReadings(day0.Add(time.Hour), 24, flat(5))
		f := New(sourceOf(readings), time.UTC, nil)
		p, err := f.Predict(ctx, "meter-1")
		require.NoError(t, err)
		assert.True(t, p.LastActualTime.Equal(day0.Add(24*time.Hour)))
		require.Len(t, p.Points, 1)
		assert.True(t, p.Points[0].Time.Equal(day0.Add(48*time.Hour)))
	})

	t.Run("Midnight In Local Zone", func(t *testing.T) {
		wib := time.FixedZone("WIB", 7*60*60)
		readings := hourlyReadings(day0, 30, flat(1))
		f := New(sourceOf(readings), wib, nil)
		p, err := f.Predict(ctx, "meter-1")
		require.NoError(t, err)
		require.Len(t, p.Points, 1)
		assert.Equal(t, 0, p.Points[0].Time.In(wib).Hour())
		assert.Equal(t, wib, p.Points[0].Time.Location())
	})

	t.Run("Source Error", func(t *testing.T) {
		boom := errors.New("connection refused")
		s := &mockSource{}
		s.On("GetReadings", mock.Anything, "meter-1").Return(nil, boom)
		f := New(s, time.UTC, nil)
		_, err := f.Predict(ctx, "meter-1")
		assert.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, ErrInsufficientData)
	})

	t.Run("Records Metrics", func(t *testing.T) {
		m := metrics.New(prometheus.NewRegistry())
		f := New(sourceOf(hourlyReadings(day0, 30, flat(1))), time.UTC, m)
		_, err := f.Predict(ctx, "meter-1")
		require.NoError(t, err)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.Predictions.WithLabelValues(metrics.OutcomeOK)))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.Fits.WithLabelValues(metrics.OutcomeOK)))
	})
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()
	linear := func(i int) float64 { return float64(i) }

	t.Run("No Readings", func(t *testing.T) {
		f := New(sourceOf(nil), time.UTC, nil)
		ev, err := f.Evaluate(ctx, "meter-1")
		require.NoError(t, err)
		assert.Equal(t, "meter-1", ev.Device)
		assert.NotNil(t, ev.Records)
		assert.Empty(t, ev.Records)
		assert.Zero(t, ev.Skipped)
	})

	t.Run("47 Readings", func(t *testing.T) {
		f := New(sourceOf(hourlyReadings(day0, 47, linear)), time.UTC, nil)
		ev, err := f.Evaluate(ctx, "meter-1")
		require.NoError(t, err)
		assert.Empty(t, ev.Records)
	})

	t.Run("Three Midnights", func(t *testing.T) {
		// hours 0..59 hold midnights at 0, 24 and 48
		f := New(sourceOf(hourlyReadings(day0, 60, linear)), time.UTC, nil)
		ev, err := f.Evaluate(ctx, "meter-1")
		require.NoError(t, err)
		assert.Empty(t, ev.Records)
		assert.Zero(t, ev.Skipped)
	})

	t.Run("Four Midnights", func(t *testing.T) {
		f := New(sourceOf(hourlyReadings(day0, 73, linear)), time.UTC, nil)
		ev, err := f.Evaluate(ctx, "meter-1")
		require.NoError(t, err)
		require.Len(t, ev.Records, 1)
		rec := ev.Records[0]
		assert.True(t, rec.Date.Equal(day0.Add(72*time.Hour)))
		assert.Equal(t, 72.0, rec.Actual)
		assert.InDelta(t, 72, rec.Predicted, 0.5)
		assert.InDelta(t, rec.Actual-rec.Predicted, rec.Error, 1e-9)
	})

	t.Run("Records Are Chronological", func(t *testing.T) {
		f := New(sourceOf(hourlyReadings(day0, 24*8+1, linear)), time.UTC, nil)
		ev, err := f.Evaluate(ctx, "meter-1")
		require.NoError(t, err)
		require.Len(t, ev.Records, 9-MinTrain)
		for i := 1; i < len(ev.Records); i++ {
			assert.True(t, ev.Records[i-1].Date.Before(ev.Records[i].Date))
		}
		for _, rec := range ev.Records {
			assert.Equal(t, 0, rec.Date.Hour())
			assert.InDelta(t, rec.Actual-rec.Predicted, rec.Error, 1e-9)
		}
	})

	t.Run("Failed Windows Are Skipped", func(t *testing.T) {
		readings := hourlyReadings(day0, 24*5+1, linear)
		// poison the third midnight so every window that trains on it fails
		readings[48].Energy = math.NaN()
		m := metrics.New(prometheus.NewRegistry())
		f := New(sourceOf(readings), time.UTC, m)
		ev, err := f.Evaluate(ctx, "meter-1")
		require.NoError(t, err)
		assert.Empty(t, ev.Records)
		assert.Equal(t, 3, ev.Skipped)
		assert.Equal(t, 3.0, testutil.ToFloat64(m.SkippedWindows))
	})

	t.Run("Bad Actual Is Skipped", func(t *testing.T) {
		readings := hourlyReadings(day0, 24*4+1, linear)
		readings[96].Energy = math.Inf(1)
		f := New(sourceOf(readings), time.UTC, nil)
		ev, err := f.Evaluate(ctx, "meter-1")
		require.NoError(t, err)
		require.Len(t, ev.Records, 1)
		assert.True(t, ev.Records[0].Date.Equal(day0.Add(72*time.Hour)))
		assert.Equal(t, 1, ev.Skipped)
	})

	t.Run("Source Error", func(t *testing.T) {
		boom := errors.New("connection refused")
		s := &mockSource{}
		s.On("GetReadings", mock.Anything, "meter-1").Return(nil, boom)
		f := New(s, time.UTC, nil)
		_, err := f.Evaluate(ctx, "meter-1")
		assert.ErrorIs(t, err, boom)
	})
}

func TestNewRecord(t *testing.T) {
	date := day0.Add(72 * time.Hour)

	t.Run("Error From Rounded Values", func(t *testing.T) {
		rec, err := newRecord(types.Point{Time: date, Value: 12.345}, 12.0)
		require.NoError(t, err)
		assert.Equal(t, 12.345, rec.Actual)
		assert.Equal(t, 12.0, rec.Predicted)
		assert.Equal(t, 0.345, rec.Error)
		assert.True(t, rec.Date.Equal(date))
	})

	t.Run("Rounds To Three Places", func(t *testing.T) {
		rec, err := newRecord(types.Point{Time: date, Value: 10.00049}, 9.87654)
		require.NoError(t, err)
		assert.Equal(t, 10.0, rec.Actual)
		assert.Equal(t, 9.877, rec.Predicted)
		assert.Equal(t, 0.123, rec.Error)
	})

	t.Run("Negative Error", func(t *testing.T) {
		rec, err := newRecord(types.Point{Time: date, Value: 5}, 5.5)
		require.NoError(t, err)
		assert.Equal(t, -0.5, rec.Error)
	})

	t.Run("Non Finite", func(t *testing.T) {
		_, err := newRecord(types.Point{Time: date, Value: 1}, math.NaN())
		assert.ErrorIs(t, err, errNonFinite)
		_, err = newRecord(types.Point{Time: date, Value: math.Inf(-1)}, 1)
		assert.ErrorIs(t, err, errNonFinite)
	})
}

func TestConcurrentUse(t *testing.T) {
	f := New(sourceOf(hourlyReadings(day0, 24*6+1, func(i int) float64 { return 2 * float64(i) })), time.UTC, nil)
	want, err := f.Evaluate(context.Background(), "meter-1")
	require.NoError(t, err)

	done := make(chan types.Evaluation, 4)
	for range 4 {
		go func() {
			ev, err := f.Evaluate(context.Background(), "meter-1")
			assert.NoError(t, err)
			done <- ev
		}()
	}
	for range 4 {
		assert.Equal(t, want, <-done)
	}
}
