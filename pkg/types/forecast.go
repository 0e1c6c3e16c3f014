package types

import "time"

// Point is one timestamped value of a derived series.
type Point struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// ForecastPoint is a predicted cumulative energy value.
type ForecastPoint struct {
	Time      time.Time `json:"datetime"`
	EnergyKWH float64   `json:"energy_kwh"`
}

// Prediction is the result of a live forecast for a device. It is advisory
// and recomputed on every request.
type Prediction struct {
	Device         string          `json:"device"`
	LastActualTime time.Time       `json:"last_actual_time"`
	Points         []ForecastPoint `json:"prediction"`
}

// EvaluationRecord compares a one-day-ahead forecast with the value that was
// actually observed. Values are rounded to 3 decimals.
type EvaluationRecord struct {
	Date      time.Time `json:"date"`
	Predicted float64   `json:"predicted"`
	Actual    float64   `json:"actual"`
	Error     float64   `json:"error"` // Actual - Predicted
}

// Evaluation is the result of a walk-forward backtest. Skipped counts the
// windows that could not be fit and so have no record.
type Evaluation struct {
	Device  string             `json:"device"`
	Records []EvaluationRecord `json:"records"`
	Skipped int                `json:"skipped"`
}
