package main

import (
	"context"
	"math"
	"math/rand/v2"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/kwhcast/kwhcast/pkg/log"
	"github.com/kwhcast/kwhcast/pkg/storage"
	"github.com/kwhcast/kwhcast/pkg/types"
)

// profile is a rough household load in kW for each hour of the day.
var profile = [24]float64{
	0.3, 0.25, 0.25, 0.25, 0.3, 0.4,
	0.8, 1.2, 1.0, 0.7, 0.6, 0.6,
	0.7, 0.6, 0.6, 0.7, 0.9, 1.4,
	1.8, 1.9, 1.6, 1.2, 0.8, 0.5,
}

func main() {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	}
	device := lflag.String("seed-device", "meter-1", "Device to seed telemetry for")
	days := 14
	lflag.JSON(&days, "seed-days", days, "Number of days of telemetry to seed, ending now")
	interval := lflag.Duration("seed-interval", 5*time.Minute, "Average spacing between readings")
	s := storage.Configured()
	lflag.Configure()

	ctx := log.WithDevice(context.Background(), *device)
	defer s.Close()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock telemetry", "days", days, "interval", interval.String())

	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	now := time.Now()
	energy := 1000 * rng.Float64()
	var inserted int

	for t := now.Add(-time.Duration(days) * 24 * time.Hour); t.Before(now); {
		// irregular cadence with the occasional outage
		step := time.Duration(float64(*interval) * (0.5 + rng.Float64()))
		if rng.Float64() < 0.005 {
			step += time.Duration(1+rng.IntN(3)) * time.Hour
		}
		next := t.Add(step)

		loadKW := profile[t.Hour()] * (0.8 + 0.4*rng.Float64())
		energy += loadKW * step.Hours()

		voltage := 220 + 5*rng.NormFloat64()
		pf := 0.85 + 0.13*rng.Float64()
		current := loadKW * 1000 / (voltage * pf)
		frequency := 50 + 0.05*rng.NormFloat64()
		power := loadKW * 1000

		tel := types.Telemetry{
			Device:    *device,
			Voltage:   &voltage,
			Current:   &current,
			Power:     &power,
			Energy:    ptr(math.Round(energy*1000) / 1000),
			Frequency: &frequency,
			PF:        &pf,
			CreatedAt: next.Truncate(time.Second),
		}
		// sensors sometimes report nan
		if rng.Float64() < 0.02 {
			tel.Voltage = nil
			tel.PF = nil
		}
		if err := s.InsertTelemetry(ctx, tel); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed telemetry", "error", err)
			os.Exit(1)
		}
		inserted++
		t = next
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded mock telemetry successfully", "rows", inserted)
}

func ptr(v float64) *float64 {
	return &v
}
