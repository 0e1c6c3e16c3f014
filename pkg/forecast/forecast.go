// Package forecast turns the stored readings of a device into a next-midnight
// energy forecast and replays that forecast over history to measure its
// accuracy.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/shopspring/decimal"

	"github.com/kwhcast/kwhcast/pkg/arima"
	"github.com/kwhcast/kwhcast/pkg/log"
	"github.com/kwhcast/kwhcast/pkg/metrics"
	"github.com/kwhcast/kwhcast/pkg/series"
	"github.com/kwhcast/kwhcast/pkg/types"
)

const (
	// MinPredictHours is the number of hourly points Predict needs.
	MinPredictHours = 24
	// PredictHorizon is the number of hours Predict forecasts before
	// selecting midnights.
	PredictHorizon = 24
	// MinEvaluateReadings is the number of raw readings Evaluate needs before
	// it produces any records.
	MinEvaluateReadings = 48
	// MinTrain is the number of midnight points in the first backtest window.
	MinTrain = 3

	roundPlaces = 3
	dayStep     = 24 * time.Hour
)

// ErrInsufficientData is returned by Predict when the device has too little
// history to forecast.
var ErrInsufficientData = series.ErrInsufficientData

// Order is the model order used for every fit.
var Order = arima.Order{P: 1, D: 1, Q: 1}

// ReadingSource returns every energy reading of a device in ascending time
// order.
type ReadingSource interface {
	GetReadings(ctx context.Context, device string) ([]types.Reading, error)
}

// Forecaster runs forecasts and backtests for devices. It holds no state
// between calls and is safe for concurrent use.
type Forecaster struct {
	source  ReadingSource
	loc     *time.Location
	metrics *metrics.Metrics
}

// New returns a Forecaster that reads from source and aligns hours and
// midnights to loc. m may be nil.
func New(source ReadingSource, loc *time.Location, m *metrics.Metrics) *Forecaster {
	if loc == nil {
		loc = time.UTC
	}
	return &Forecaster{
		source:  source,
		loc:     loc,
		metrics: m,
	}
}

// Configured returns a Forecaster whose time zone comes from the timezone
// flag.
func Configured(source ReadingSource, m *metrics.Metrics) *Forecaster {
	f := New(source, time.UTC, m)
	tz := lflag.String("timezone", "UTC", "IANA time zone that hours and midnights are aligned to (e.g. Asia/Jakarta)")

	lflag.Do(func() {
		loc, err := time.LoadLocation(*tz)
		if err != nil {
			log.Ctx(context.Background()).Error("invalid timezone", slog.String("timezone", *tz), slog.Any("error", err))
			os.Exit(1)
		}
		f.loc = loc
	})
	return f
}

// Location returns the time zone forecasts are aligned to.
func (f *Forecaster) Location() *time.Location {
	return f.loc
}

// Predict fits a model to the hourly history of device and returns the
// forecast values that fall on a midnight within the next PredictHorizon
// hours. The result is recomputed on every call.
func (f *Forecaster) Predict(ctx context.Context, device string) (types.Prediction, error) {
	ctx = log.WithDevice(ctx, device)

	readings, err := f.source.GetReadings(ctx, device)
	if err != nil {
		f.metrics.Predicted(metrics.OutcomeError)
		return types.Prediction{}, fmt.Errorf("failed to get readings: %w", err)
	}
	raw, err := series.Load(readings)
	if err != nil {
		f.metrics.Predicted(metrics.OutcomeInsufficient)
		return types.Prediction{}, err
	}
	hourly := series.Resample(raw, series.HourBucket, f.loc)
	if len(hourly) < MinPredictHours {
		f.metrics.Predicted(metrics.OutcomeInsufficient)
		return types.Prediction{}, fmt.Errorf("%w: %d hourly points, need %d", ErrInsufficientData, len(hourly), MinPredictHours)
	}

	predicted, err := f.forecast(ctx, hourly, series.HourBucket, PredictHorizon)
	if err != nil {
		f.metrics.Predicted(metrics.OutcomeError)
		return types.Prediction{}, err
	}

	midnights := series.Midnight(predicted, f.loc)
	points := make([]types.ForecastPoint, len(midnights))
	for i, p := range midnights {
		points[i] = types.ForecastPoint{Time: p.Time, EnergyKWH: p.Value}
	}
	f.metrics.Predicted(metrics.OutcomeOK)
	return types.Prediction{
		Device:         device,
		LastActualTime: hourly.Last().Time,
		Points:         points,
	}, nil
}

// Evaluate replays the forecast over the midnight history of device. For
// every midnight after the first MinTrain it fits on all earlier midnights,
// forecasts one day ahead, and compares with what was observed. Windows that
// cannot be fit are skipped and counted. A device with little history yields
// an empty evaluation rather than an error.
func (f *Forecaster) Evaluate(ctx context.Context, device string) (types.Evaluation, error) {
	ctx = log.WithDevice(ctx, device)
	ev := types.Evaluation{
		Device:  device,
		Records: []types.EvaluationRecord{},
	}

	readings, err := f.source.GetReadings(ctx, device)
	if err != nil {
		f.metrics.Evaluated(metrics.OutcomeError)
		return types.Evaluation{}, fmt.Errorf("failed to get readings: %w", err)
	}
	if len(readings) < MinEvaluateReadings {
		f.metrics.Evaluated(metrics.OutcomeInsufficient)
		return ev, nil
	}
	raw, err := series.Load(readings)
	if err != nil {
		f.metrics.Evaluated(metrics.OutcomeInsufficient)
		return ev, nil
	}
	midnights := series.Midnight(series.Resample(raw, series.HourBucket, f.loc), f.loc)

	for i := MinTrain; i < len(midnights); i++ {
		actual := midnights[i]
		rec, err := f.backtest(ctx, midnights[:i], actual)
		if err != nil {
			ev.Skipped++
			f.metrics.SkipWindow()
			log.Ctx(ctx).WarnContext(
				ctx,
				"skipping evaluation window",
				slog.Time("date", actual.Time),
				slog.Int("train", i),
				slog.Any("error", err),
			)
			continue
		}
		ev.Records = append(ev.Records, rec)
	}

	f.metrics.Evaluated(metrics.OutcomeOK)
	log.Ctx(ctx).DebugContext(
		ctx,
		"evaluated forecast",
		slog.Int("midnights", len(midnights)),
		slog.Int("records", len(ev.Records)),
		slog.Int("skipped", ev.Skipped),
	)
	return ev, nil
}

func (f *Forecaster) backtest(ctx context.Context, train series.Hourly, actual types.Point) (types.EvaluationRecord, error) {
	predicted, err := f.forecast(ctx, train, dayStep, 1)
	if err != nil {
		return types.EvaluationRecord{}, err
	}
	return newRecord(actual, predicted[0].Value)
}

// forecast fits a fresh model to pts and returns horizon forecasts spaced by
// step.
func (f *Forecaster) forecast(ctx context.Context, pts series.Hourly, step time.Duration, horizon int) (series.Hourly, error) {
	m := arima.New(Order)
	start := time.Now()
	err := m.Fit(pts, step)
	f.metrics.ObserveFit(time.Since(start), err)
	if err != nil {
		return nil, err
	}

	if params, err := m.Params(); err == nil {
		log.Ctx(ctx).DebugContext(
			ctx,
			"fit model",
			slog.Int("points", len(pts)),
			slog.Float64("ar", params.AR),
			slog.Float64("ma", params.MA),
			slog.Float64("sigma2", params.Sigma2),
			slog.Float64("logLikelihood", params.LogLikelihood),
			slog.Bool("converged", params.Converged),
		)
	}
	return m.Forecast(horizon)
}

var errNonFinite = errors.New("non-finite value")

// newRecord rounds the predicted and actual values and derives the error
// from the rounded values so Actual - Predicted == Error holds exactly in
// decimal.
func newRecord(actual types.Point, predicted float64) (types.EvaluationRecord, error) {
	if math.IsNaN(predicted) || math.IsInf(predicted, 0) {
		return types.EvaluationRecord{}, fmt.Errorf("predicted: %w", errNonFinite)
	}
	if math.IsNaN(actual.Value) || math.IsInf(actual.Value, 0) {
		return types.EvaluationRecord{}, fmt.Errorf("actual: %w", errNonFinite)
	}
	p := decimal.NewFromFloat(predicted).Round(roundPlaces)
	a := decimal.NewFromFloat(actual.Value).Round(roundPlaces)
	return types.EvaluationRecord{
		Date:      actual.Time,
		Predicted: p.InexactFloat64(),
		Actual:    a.InexactFloat64(),
		Error:     a.Sub(p).InexactFloat64(),
	}, nil
}
