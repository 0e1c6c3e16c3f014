package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/kwhcast/kwhcast/pkg/arima"
	"github.com/kwhcast/kwhcast/pkg/forecast"
	"github.com/kwhcast/kwhcast/pkg/ingest"
	"github.com/kwhcast/kwhcast/pkg/log"
	"github.com/kwhcast/kwhcast/pkg/storage"
	"github.com/kwhcast/kwhcast/pkg/types"
)

type predictionPoint struct {
	Datetime  string  `json:"datetime"`
	EnergyKWH float64 `json:"energy_kwh"`
}

type predictionResponse struct {
	Device         string            `json:"device"`
	LastActualTime string            `json:"last_actual_time"`
	Prediction     []predictionPoint `json:"prediction"`
}

type evaluationRecord struct {
	Date      string  `json:"date"`
	Predicted float64 `json:"predicted"`
	Actual    float64 `json:"actual"`
	Error     float64 `json:"error"`
}

func (s *Server) handlePredictEnergy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	device := r.PathValue("device")

	p, err := s.forecaster.Predict(ctx, device)
	if err != nil {
		s.writeForecastError(w, r, err)
		return
	}

	loc := s.location()
	resp := predictionResponse{
		Device:         p.Device,
		LastActualTime: p.LastActualTime.In(loc).Format(ingest.LocalLayout),
		Prediction:     make([]predictionPoint, len(p.Points)),
	}
	for i, pt := range p.Points {
		resp.Prediction[i] = predictionPoint{
			Datetime:  pt.Time.In(loc).Format(ingest.LocalLayout),
			EnergyKWH: pt.EnergyKWH,
		}
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, resp)
}

// handlePredictEvaluation returns the most recent evaluation records. The
// number of skipped windows and the full record count are sent as headers so
// the body stays a plain list.
func (s *Server) handlePredictEvaluation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	device := r.PathValue("device")

	ev, err := s.forecaster.Evaluate(ctx, device)
	if err != nil {
		s.writeForecastError(w, r, err)
		return
	}

	records := lastRecords(ev.Records, s.evaluationWindow)
	out := make([]evaluationRecord, len(records))
	loc := s.location()
	for i, rec := range records {
		out[i] = evaluationRecord{
			Date:      rec.Date.In(loc).Format("2006-01-02"),
			Predicted: rec.Predicted,
			Actual:    rec.Actual,
			Error:     rec.Error,
		}
	}
	w.Header().Set("X-Evaluation-Skipped", strconv.Itoa(ev.Skipped))
	w.Header().Set("X-Evaluation-Total", strconv.Itoa(len(ev.Records)))
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, out)
}

func lastRecords(records []types.EvaluationRecord, n int) []types.EvaluationRecord {
	if n > 0 && len(records) > n {
		return records[len(records)-n:]
	}
	return records
}

func (s *Server) writeForecastError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := log.WithDevice(r.Context(), r.PathValue("device"))
	switch {
	case errors.Is(err, forecast.ErrInsufficientData):
		writeJSONError(w, "not enough data to forecast", http.StatusBadRequest)
	case errors.Is(err, storage.ErrInvalidDevice):
		writeJSONError(w, "invalid device", http.StatusBadRequest)
	case errors.Is(err, arima.ErrModelFit):
		log.Ctx(ctx).WarnContext(ctx, "failed to fit forecast model", slog.Any("error", err))
		writeJSONError(w, "failed to fit forecast model", http.StatusUnprocessableEntity)
	default:
		log.Ctx(ctx).ErrorContext(ctx, "failed to forecast", slog.Any("error", err))
		writeJSONError(w, "failed to forecast", http.StatusInternalServerError)
	}
}
