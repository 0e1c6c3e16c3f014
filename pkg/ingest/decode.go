// Package ingest decodes meter telemetry and feeds it into storage, either
// from HTTP posts or from an MQTT broker.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/kwhcast/kwhcast/pkg/types"
)

// LocalLayout is the timestamp layout meters send, in the configured zone.
const LocalLayout = "2006-01-02 15:04:05"

// ErrInvalidPayload is returned for telemetry that cannot be decoded.
var ErrInvalidPayload = errors.New("invalid telemetry payload")

type payload struct {
	Device    json.RawMessage `json:"device"`
	Voltage   json.RawMessage `json:"voltage"`
	Current   json.RawMessage `json:"current"`
	Power     json.RawMessage `json:"power"`
	Energy    json.RawMessage `json:"energy"`
	Frequency json.RawMessage `json:"frequency"`
	PF        json.RawMessage `json:"pf"`
	CreatedAt json.RawMessage `json:"created_at"`
}

// DecodeTelemetry parses a JSON telemetry row. Measurements may be numbers
// or numeric strings; "", "nan", "null" and missing fields are stored as
// null. created_at may be LocalLayout in loc or RFC 3339; when it is absent
// the row is stamped with now. The device may be empty for the caller to
// fill in.
func DecodeTelemetry(data []byte, loc *time.Location, now time.Time) (types.Telemetry, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return types.Telemetry{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var t types.Telemetry
	device, err := decodeString(p.Device)
	if err != nil {
		return types.Telemetry{}, fmt.Errorf("%w: device: %v", ErrInvalidPayload, err)
	}
	t.Device = strings.TrimSpace(device)

	fields := []struct {
		name string
		raw  json.RawMessage
		dst  **float64
	}{
		{"voltage", p.Voltage, &t.Voltage},
		{"current", p.Current, &t.Current},
		{"power", p.Power, &t.Power},
		{"energy", p.Energy, &t.Energy},
		{"frequency", p.Frequency, &t.Frequency},
		{"pf", p.PF, &t.PF},
	}
	for _, f := range fields {
		v, err := decodeFloat(f.raw)
		if err != nil {
			return types.Telemetry{}, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, f.name, err)
		}
		*f.dst = v
	}

	createdAt, err := decodeString(p.CreatedAt)
	if err != nil {
		return types.Telemetry{}, fmt.Errorf("%w: created_at: %v", ErrInvalidPayload, err)
	}
	t.CreatedAt, err = parseCreatedAt(createdAt, loc, now)
	if err != nil {
		return types.Telemetry{}, fmt.Errorf("%w: created_at: %v", ErrInvalidPayload, err)
	}
	return t, nil
}

func isNull(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "nan", "null", "none":
		return true
	}
	return false
}

func decodeString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	if isNull(s) {
		return "", nil
	}
	return s, nil
}

func decodeFloat(raw json.RawMessage) (*float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var v float64
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if isNull(s) {
			return nil, nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("not a number: %q", s)
		}
		v = f
	} else if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil, fmt.Errorf("not a finite number: %s", raw)
	}
	return &v, nil
}

func parseCreatedAt(s string, loc *time.Location, now time.Time) (time.Time, error) {
	if s == "" {
		return now, nil
	}
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation(LocalLayout, s, loc); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	}
	return t, nil
}
