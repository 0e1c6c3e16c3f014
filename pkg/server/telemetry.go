package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kwhcast/kwhcast/pkg/ingest"
	"github.com/kwhcast/kwhcast/pkg/log"
	"github.com/kwhcast/kwhcast/pkg/storage"
	"github.com/kwhcast/kwhcast/pkg/types"
)

const (
	sourceHTTP     = "http"
	maxPostBytes   = 64 << 10
	defaultLogRows = 500
	chartRows      = 120

	defaultEventPageSize = 10
	maxEventPageSize     = 500
	maxEventPage         = 1 << 20
)

type telemetryRow struct {
	Voltage   *float64 `json:"voltage"`
	Current   *float64 `json:"current"`
	Power     *float64 `json:"power"`
	Energy    *float64 `json:"energy"`
	Frequency *float64 `json:"frequency"`
	PF        *float64 `json:"pf"`
}

func rowOf(t types.Telemetry) telemetryRow {
	return telemetryRow{
		Voltage:   t.Voltage,
		Current:   t.Current,
		Power:     t.Power,
		Energy:    t.Energy,
		Frequency: t.Frequency,
		PF:        t.PF,
	}
}

func (s *Server) handlePostData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPostBytes))
	if err != nil {
		s.metrics.Ingest(sourceHTTP, err)
		writeJSONError(w, "failed to read body", http.StatusBadRequest)
		return
	}

	t, err := ingest.DecodeTelemetry(body, s.location(), s.now())
	if err == nil && t.Device == "" {
		err = errors.New("device is required")
	}
	if err != nil {
		s.metrics.Ingest(sourceHTTP, err)
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx = log.WithDevice(ctx, t.Device)
	err = s.storage.InsertTelemetry(ctx, t)
	s.metrics.Ingest(sourceHTTP, err)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidDevice) {
			writeJSONError(w, "invalid device", http.StatusBadRequest)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to insert telemetry", slog.Any("error", err))
		writeJSONError(w, "failed to insert telemetry", http.StatusInternalServerError)
		return
	}

	writeJSON(w, struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}{
		Status:  "OK",
		Message: "Data inserted",
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	ctx := log.WithDevice(r.Context(), r.PathValue("device"))
	t, err := s.storage.GetLatestTelemetry(ctx, r.PathValue("device"))
	if err != nil {
		s.writeStorageError(w, r, err, "failed to get latest telemetry")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, struct {
		telemetryRow
		Time string `json:"time"`
	}{
		telemetryRow: rowOf(t),
		Time:         t.CreatedAt.In(s.location()).Format(ingest.LocalLayout),
	})
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	ctx := log.WithDevice(r.Context(), r.PathValue("device"))
	limit, ok := queryInt(r, "limit", defaultLogRows)
	if !ok {
		writeJSONError(w, "invalid limit", http.StatusBadRequest)
		return
	}
	limit = min(limit, defaultLogRows)

	rows, err := s.storage.GetRecentTelemetry(ctx, r.PathValue("device"), limit)
	if err != nil {
		s.writeStorageError(w, r, err, "failed to get telemetry")
		return
	}

	type logRow struct {
		No   int    `json:"no"`
		Date string `json:"date"`
		Time string `json:"time"`
		telemetryRow
	}
	out := make([]logRow, len(rows))
	for i, t := range rows {
		local := t.CreatedAt.In(s.location())
		out[i] = logRow{
			No:           i + 1,
			Date:         local.Format("2006-01-02"),
			Time:         local.Format("15:04:05"),
			telemetryRow: rowOf(t),
		}
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, out)
}

// handleChart returns the most recent rows oldest first, one array per
// measurement.
func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	ctx := log.WithDevice(r.Context(), r.PathValue("device"))
	rows, err := s.storage.GetRecentTelemetry(ctx, r.PathValue("device"), chartRows)
	if err != nil {
		s.writeStorageError(w, r, err, "failed to get telemetry")
		return
	}
	if len(rows) == 0 {
		writeJSONError(w, "no data", http.StatusNotFound)
		return
	}

	var chart struct {
		Time      []string   `json:"time"`
		Voltage   []*float64 `json:"voltage"`
		Current   []*float64 `json:"current"`
		Power     []*float64 `json:"power"`
		Energy    []*float64 `json:"energy"`
		Frequency []*float64 `json:"frequency"`
		PF        []*float64 `json:"pf"`
	}
	for i := len(rows) - 1; i >= 0; i-- {
		t := rows[i]
		chart.Time = append(chart.Time, t.CreatedAt.In(s.location()).Format("15:04:05"))
		chart.Voltage = append(chart.Voltage, t.Voltage)
		chart.Current = append(chart.Current, t.Current)
		chart.Power = append(chart.Power, t.Power)
		chart.Energy = append(chart.Energy, t.Energy)
		chart.Frequency = append(chart.Frequency, t.Frequency)
		chart.PF = append(chart.PF, t.PF)
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, chart)
}

// handleEvents returns one page of voltage and power factor events, newest
// first, with the total number of events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := log.WithDevice(r.Context(), r.PathValue("device"))
	page, ok := queryInt(r, "page", 1)
	if !ok || page > maxEventPage {
		writeJSONError(w, "invalid page", http.StatusBadRequest)
		return
	}
	size, ok := queryInt(r, "size", defaultEventPageSize)
	if !ok {
		writeJSONError(w, "invalid size", http.StatusBadRequest)
		return
	}
	size = min(size, maxEventPageSize)

	events, err := s.storage.GetEvents(ctx, r.PathValue("device"), size, (page-1)*size)
	if err != nil {
		s.writeStorageError(w, r, err, "failed to get events")
		return
	}

	type eventRow struct {
		CreatedAt string   `json:"created_at"`
		Voltage   *float64 `json:"voltage"`
		PF        *float64 `json:"pf"`
		EventType string   `json:"event_type"`
	}
	out := struct {
		Data  []eventRow `json:"data"`
		Total int        `json:"total"`
	}{
		Data:  make([]eventRow, len(events.Events)),
		Total: events.Total,
	}
	for i, e := range events.Events {
		out.Data[i] = eventRow{
			CreatedAt: e.Time.In(s.location()).Format(ingest.LocalLayout),
			Voltage:   e.Voltage,
			PF:        e.PF,
			EventType: e.Type,
		}
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, out)
}

// handleStats summarizes the measurements since local midnight and over the
// last 7 and 30 days.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := log.WithDevice(r.Context(), r.PathValue("device"))
	now := s.now().In(s.location())
	y, m, d := now.Date()

	periods := []struct {
		name  string
		since time.Time
	}{
		{"daily", time.Date(y, m, d, 0, 0, 0, 0, now.Location())},
		{"weekly", now.AddDate(0, 0, -7)},
		{"monthly", now.AddDate(0, 0, -30)},
	}
	out := make(map[string]types.Stats, len(periods))
	for _, p := range periods {
		stats, err := s.storage.GetStats(ctx, r.PathValue("device"), p.since)
		if err != nil {
			s.writeStorageError(w, r, err, "failed to get stats")
			return
		}
		out[p.name] = stats
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, out)
}

// queryInt parses a positive integer query parameter, returning def when it
// is absent.
func queryInt(r *http.Request, name string, def int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, struct {
		Datetime string `json:"datetime"`
		Timezone string `json:"timezone"`
	}{
		Datetime: s.now().In(s.location()).Format(ingest.LocalLayout),
		Timezone: s.location().String(),
	})
}

func (s *Server) writeStorageError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	ctx := r.Context()
	switch {
	case errors.Is(err, storage.ErrNoData):
		writeJSONError(w, "no data", http.StatusNotFound)
	case errors.Is(err, storage.ErrInvalidDevice):
		writeJSONError(w, "invalid device", http.StatusBadRequest)
	default:
		log.Ctx(ctx).ErrorContext(ctx, msg, slog.String("device", r.PathValue("device")), slog.Any("error", err))
		writeJSONError(w, msg, http.StatusInternalServerError)
	}
}
