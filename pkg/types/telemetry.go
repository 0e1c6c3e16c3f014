package types

import "time"

// Telemetry represents a single row reported by a meter. Every measurement is
// optional because devices report "nan" or nothing when a sensor fails.
type Telemetry struct {
	Device    string    `json:"device"`
	Voltage   *float64  `json:"voltage"`
	Current   *float64  `json:"current"`
	Power     *float64  `json:"power"`
	Energy    *float64  `json:"energy"` // cumulative kWh counter
	Frequency *float64  `json:"frequency"`
	PF        *float64  `json:"pf"`
	CreatedAt time.Time `json:"createdAt"`
}

// Reading is a cumulative energy counter sample. Readings are immutable once
// loaded and the energy is passed through as reported, including resets.
type Reading struct {
	Time   time.Time `json:"time"`
	Energy float64   `json:"energy"`
}

// Reading returns the energy reading of the telemetry row and false if the
// row has no energy value.
func (t Telemetry) Reading() (Reading, bool) {
	if t.Energy == nil {
		return Reading{}, false
	}
	return Reading{Time: t.CreatedAt, Energy: *t.Energy}, true
}
