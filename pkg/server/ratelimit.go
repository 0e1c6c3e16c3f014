package server

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/kwhcast/kwhcast/pkg/storage"
)

// maxTrackedDevices bounds the number of token buckets kept in memory. The
// least recently used device loses its bucket first and starts over with a
// full burst.
const maxTrackedDevices = 10000

// deviceLimiter hands out one token bucket per device.
type deviceLimiter struct {
	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
	every    time.Duration
	burst    int
}

func newDeviceLimiter(every time.Duration, burst, size int) (*deviceLimiter, error) {
	limiters, err := lru.New[string, *rate.Limiter](size)
	if err != nil {
		return nil, err
	}
	return &deviceLimiter{
		limiters: limiters,
		every:    every,
		burst:    burst,
	}, nil
}

func (d *deviceLimiter) get(device string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters.Get(device)
	if !ok {
		l = rate.NewLimiter(rate.Every(d.every), d.burst)
		d.limiters.Add(device, l)
	}
	return l
}

// rateLimited rejects forecast requests for a device beyond its budget. Each
// request refits at least one model so it is the expensive path.
func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limits == nil {
			next(w, r)
			return
		}
		device := r.PathValue("device")
		if err := storage.CheckDevice(device); err != nil {
			writeJSONError(w, "invalid device", http.StatusBadRequest)
			return
		}
		l := s.limits.get(device)
		if !l.Allow() {
			w.Header().Set("Retry-After", strconv.Itoa(int(s.limits.every.Seconds()+0.999)))
			writeJSONError(w, "too many forecast requests", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}
