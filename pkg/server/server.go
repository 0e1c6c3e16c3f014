package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kwhcast/kwhcast/pkg/forecast"
	"github.com/kwhcast/kwhcast/pkg/log"
	"github.com/kwhcast/kwhcast/pkg/metrics"
	"github.com/kwhcast/kwhcast/pkg/storage"
)

// Server handles the HTTP API: telemetry ingest and lookup, forecasts and
// forecast evaluations.
type Server struct {
	storage    storage.Database
	forecaster *forecast.Forecaster
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	limits     *deviceLimiter

	listenAddr       string
	httpServer       *http.Server
	serverName       string
	evaluationWindow int
	now              func() time.Time
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(db storage.Database, f *forecast.Forecaster, m *metrics.Metrics, g prometheus.Gatherer) *Server {
	srv := &Server{
		storage:    db,
		forecaster: f,
		metrics:    m,
		gatherer:   g,
		serverName: "kwhcast",
		now:        time.Now,
	}
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	evaluationWindow := 7
	lflag.JSON(&evaluationWindow, "evaluation-window", evaluationWindow, "Number of most recent evaluation records returned by the evaluation endpoint")
	rateInterval := lflag.Duration("forecast-rate-interval", 0, "Minimum spacing between forecast requests per device (e.g. 2s). 0 disables rate limiting.")
	rateBurst := 5
	lflag.JSON(&rateBurst, "forecast-rate-burst", rateBurst, "Number of forecast requests per device allowed in a burst")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		if evaluationWindow < 1 {
			log.Ctx(context.Background()).Error("evaluation-window must be positive", slog.Int("evaluationWindow", evaluationWindow))
			os.Exit(1)
		}
		srv.evaluationWindow = evaluationWindow
		if *rateInterval > 0 {
			if rateBurst < 1 {
				log.Ctx(context.Background()).Error("forecast-rate-burst must be positive", slog.Int("forecastRateBurst", rateBurst))
				os.Exit(1)
			}
			limits, err := newDeviceLimiter(*rateInterval, rateBurst, maxTrackedDevices)
			if err != nil {
				log.Ctx(context.Background()).Error("failed to create rate limiter", slog.Any("error", err))
				os.Exit(1)
			}
			srv.limits = limits
		}
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/post/data", s.handlePostData)
	apiMux.HandleFunc("GET /api/latest/{device}", s.handleLatest)
	apiMux.HandleFunc("GET /api/log/{device}", s.handleLog)
	apiMux.HandleFunc("GET /api/chart/{device}", s.handleChart)
	apiMux.HandleFunc("GET /api/report/event/{device}", s.handleEvents)
	apiMux.HandleFunc("GET /api/report/stats/{device}", s.handleStats)
	apiMux.HandleFunc("GET /api/predict/energy/{device}", s.rateLimited(s.handlePredictEnergy))
	apiMux.HandleFunc("GET /api/predict/evaluation/{device}", s.rateLimited(s.handlePredictEvaluation))
	apiMux.HandleFunc("GET /api/time", s.handleTime)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiMux)
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:        s.listenAddr,
		Handler:     s.setupHandler(),
		ReadTimeout: 15 * time.Second,
		// evaluations refit once per day of history
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		// Context canceled, shut down gracefully
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) location() *time.Location {
	return s.forecaster.Location()
}
