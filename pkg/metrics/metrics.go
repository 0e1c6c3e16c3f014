// Package metrics holds the Prometheus collectors shared by the forecasting,
// ingest and HTTP layers.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values.
const (
	OutcomeOK           = "ok"
	OutcomeError        = "error"
	OutcomeInsufficient = "insufficient_data"
)

// Metrics holds all Prometheus collectors for the system. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Fits           *prometheus.CounterVec
	FitDuration    prometheus.Histogram
	SkippedWindows prometheus.Counter
	Predictions    *prometheus.CounterVec
	Evaluations    *prometheus.CounterVec
	Ingested       *prometheus.CounterVec
	IngestErrors   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Fits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kwhcast_model_fits_total",
			Help: "Number of ARIMA fits by outcome",
		}, []string{"outcome"}),
		FitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kwhcast_model_fit_duration_seconds",
			Help:    "Time spent fitting a single ARIMA model",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		SkippedWindows: f.NewCounter(prometheus.CounterOpts{
			Name: "kwhcast_evaluation_skipped_windows_total",
			Help: "Number of backtest windows skipped because the fit failed",
		}),
		Predictions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kwhcast_predictions_total",
			Help: "Number of forecast requests by outcome",
		}, []string{"outcome"}),
		Evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kwhcast_evaluations_total",
			Help: "Number of backtest requests by outcome",
		}, []string{"outcome"}),
		Ingested: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kwhcast_telemetry_ingested_total",
			Help: "Number of telemetry rows stored by source",
		}, []string{"source"}),
		IngestErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kwhcast_telemetry_ingest_errors_total",
			Help: "Number of telemetry rows rejected or not stored by source",
		}, []string{"source"}),
	}
}

// ObserveFit records a single model fit.
func (m *Metrics) ObserveFit(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.FitDuration.Observe(d.Seconds())
	m.Fits.WithLabelValues(outcome(err)).Inc()
}

// SkipWindow records a backtest window without a record.
func (m *Metrics) SkipWindow() {
	if m == nil {
		return
	}
	m.SkippedWindows.Inc()
}

// Predicted records the outcome of a forecast request.
func (m *Metrics) Predicted(o string) {
	if m == nil {
		return
	}
	m.Predictions.WithLabelValues(o).Inc()
}

// Evaluated records the outcome of a backtest request.
func (m *Metrics) Evaluated(o string) {
	if m == nil {
		return
	}
	m.Evaluations.WithLabelValues(o).Inc()
}

// Ingest records a telemetry row from source, stored or not.
func (m *Metrics) Ingest(source string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.IngestErrors.WithLabelValues(source).Inc()
		return
	}
	m.Ingested.WithLabelValues(source).Inc()
}

func outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}
