package series

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/kwhcast/kwhcast/pkg/types"
)

// HourBucket is the resampling width used for forecasting. It is fixed.
const HourBucket = time.Hour

// ErrInsufficientData is returned when a series is too short for the
// requested operation. It is a user-facing condition, not a bug.
var ErrInsufficientData = errors.New("insufficient data")

// Raw is the ordered reading stream of a single device. Timestamps are
// non-decreasing but need not be unique or evenly spaced.
type Raw []types.Reading

// Hourly is a bucketed series with strictly increasing timestamps. Buckets
// without readings are absent, so consecutive points may be more than one
// bucket apart.
type Hourly []types.Point

// Load turns the readings of a device into a Raw series. Readings are expected
// to be sorted already; if they are not they are stably sorted so readings
// sharing a timestamp keep their input order. Energy values are not checked.
func Load(readings []types.Reading) (Raw, error) {
	if len(readings) == 0 {
		return nil, fmt.Errorf("%w: no readings", ErrInsufficientData)
	}
	raw := make(Raw, len(readings))
	copy(raw, readings)
	byTime := func(a, b types.Reading) int {
		return a.Time.Compare(b.Time)
	}
	if !slices.IsSortedFunc(raw, byTime) {
		slices.SortStableFunc(raw, byTime)
	}
	return raw, nil
}

// Resample reduces raw to one point per bucket of the given width, taking the
// energy of the last reading in each bucket. Buckets are aligned to the wall
// clock of loc.
func Resample(raw Raw, width time.Duration, loc *time.Location) Hourly {
	out := make(Hourly, 0, len(raw))
	for _, r := range raw {
		start := bucketStart(r.Time.In(loc), width)
		if n := len(out); n > 0 && out[n-1].Time.Equal(start) {
			// later readings in the same bucket win, including exact ties
			out[n-1].Value = r.Energy
			continue
		}
		out = append(out, types.Point{Time: start, Value: r.Energy})
	}
	return out
}

// bucketStart strips the part of t that falls inside its bucket. Widths that
// evenly divide an hour are aligned on local minutes so zones with half-hour
// offsets and DST transitions bucket the way the wall clock reads.
func bucketStart(t time.Time, width time.Duration) time.Time {
	if width <= 0 || time.Hour%width != 0 {
		return t.Truncate(width)
	}
	intoHour := time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond())
	return t.Add(-(intoHour % width))
}

// Midnight returns the points of h that start at hour 0 in loc, in order.
// Days without a midnight bucket are not filled in.
func Midnight(h Hourly, loc *time.Location) Hourly {
	out := make(Hourly, 0, len(h)/24+1)
	for _, p := range h {
		if p.Time.In(loc).Hour() == 0 {
			out = append(out, p)
		}
	}
	return out
}

// Last returns the final point of h. It panics if h is empty.
func (h Hourly) Last() types.Point {
	return h[len(h)-1]
}
