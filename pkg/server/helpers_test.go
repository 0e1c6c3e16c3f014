package server

import (
	"time"

	"github.com/kwhcast/kwhcast/pkg/forecast"
	"github.com/kwhcast/kwhcast/pkg/storage/storagemock"
	"github.com/kwhcast/kwhcast/pkg/types"
)

var testNow = time.Date(2024, 5, 10, 5, 0, 0, 0, time.UTC)

var wib = time.FixedZone("WIB", 7*60*60)

func newTestServer(db *storagemock.MockDatabase) *Server {
	return &Server{
		storage:          db,
		forecaster:       forecast.New(db, wib, nil),
		evaluationWindow: 7,
		serverName:       "kwhcast",
		now:              func() time.Time { return testNow },
	}
}

func ptr(v float64) *float64 {
	return &v
}

// hourlyReadings returns n readings one hour apart starting at start with a
// steadily increasing counter.
func hourlyReadings(start time.Time, n int) []types.Reading {
	out := make([]types.Reading, n)
	for i := range out {
		out[i] = types.Reading{
			Time:   start.Add(time.Duration(i) * time.Hour),
			Energy: 100 + 0.5*float64(i),
		}
	}
	return out
}
