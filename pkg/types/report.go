package types

import "time"

// Event types, most severe first.
const (
	EventVoltageAlarm   = "Voltage Alarm"
	EventVoltageWarning = "Voltage Warning"
	EventPFAlarm        = "PF Alarm"
	EventPFWarning      = "PF Warning"
)

// Alarm and warning thresholds. A value strictly below a threshold raises
// the event.
const (
	VoltageAlarmBelow   = 180.0
	VoltageWarningBelow = 190.0
	PFAlarmBelow        = 0.35
	PFWarningBelow      = 0.40
)

// Event is a telemetry row whose voltage or power factor crossed a warning
// threshold.
type Event struct {
	Time    time.Time `json:"time"`
	Voltage *float64  `json:"voltage"`
	PF      *float64  `json:"pf"`
	Type    string    `json:"type"`
}

// EventPage is one page of events, newest first, with the number of events
// across all pages.
type EventPage struct {
	Events []Event `json:"events"`
	Total  int     `json:"total"`
}

// ClassifyEvent returns the event type of the row and false if the row is
// not an event. Voltage is checked before power factor.
func ClassifyEvent(t Telemetry) (Event, bool) {
	var typ string
	switch {
	case t.Voltage != nil && *t.Voltage < VoltageAlarmBelow:
		typ = EventVoltageAlarm
	case t.Voltage != nil && *t.Voltage < VoltageWarningBelow:
		typ = EventVoltageWarning
	case t.PF != nil && *t.PF < PFAlarmBelow:
		typ = EventPFAlarm
	case t.PF != nil && *t.PF < PFWarningBelow:
		typ = EventPFWarning
	default:
		return Event{}, false
	}
	return Event{Time: t.CreatedAt, Voltage: t.Voltage, PF: t.PF, Type: typ}, true
}

// Aggregate is the max, min and average of one measurement. All three are
// nil when no row had a value.
type Aggregate struct {
	Max *float64 `json:"max"`
	Min *float64 `json:"min"`
	Avg *float64 `json:"avg"`
}

// Stats summarizes every measurement over a period.
type Stats struct {
	Voltage   Aggregate `json:"voltage"`
	Current   Aggregate `json:"current"`
	Power     Aggregate `json:"power"`
	Energy    Aggregate `json:"energy"`
	Frequency Aggregate `json:"frequency"`
	PF        Aggregate `json:"pf"`
}

// StatsBuilder accumulates Stats one row at a time. Null measurements are
// ignored, as SQL aggregates ignore NULL. The zero value is ready to use.
type StatsBuilder struct {
	voltage, current, power, energy, frequency, pf aggregator
}

// Add folds the row into the summary.
func (b *StatsBuilder) Add(t Telemetry) {
	b.voltage.add(t.Voltage)
	b.current.add(t.Current)
	b.power.add(t.Power)
	b.energy.add(t.Energy)
	b.frequency.add(t.Frequency)
	b.pf.add(t.PF)
}

// Stats returns the summary of every row added so far.
func (b *StatsBuilder) Stats() Stats {
	return Stats{
		Voltage:   b.voltage.aggregate(),
		Current:   b.current.aggregate(),
		Power:     b.power.aggregate(),
		Energy:    b.energy.aggregate(),
		Frequency: b.frequency.aggregate(),
		PF:        b.pf.aggregate(),
	}
}

type aggregator struct {
	n        int
	sum      float64
	min, max float64
}

func (a *aggregator) add(v *float64) {
	if v == nil {
		return
	}
	if a.n == 0 || *v < a.min {
		a.min = *v
	}
	if a.n == 0 || *v > a.max {
		a.max = *v
	}
	a.sum += *v
	a.n++
}

func (a *aggregator) aggregate() Aggregate {
	if a.n == 0 {
		return Aggregate{}
	}
	maxV, minV, avg := a.max, a.min, a.sum/float64(a.n)
	return Aggregate{Max: &maxV, Min: &minV, Avg: &avg}
}
