package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var (
	ErrMalformed = errors.New("malformed message")
	ErrMissingID = errors.New("vehicle id missing")
	ErrInvalid   = errors.New("invalid telemetry")
	ErrNotDelta  = errors.New("not a telemetry message")
)

var validate = validator.New()

// deltaMessageTypes are the envelope types that carry a telemetry delta.
var deltaMessageTypes = map[string]bool{
	"vehicle_update":         true,
	"driver_location_update": true,
	"position":               true,
	"telemetry":              true,
}

// mpsToKph converts the m/s "speed" some trackers send.
const mpsToKph = 3.6

// RawPosition is the optional position object of a roster entry.
type RawPosition struct {
	Lat *float64 `json:"lat" validate:"omitempty,gte=-90,lte=90"`
	Lon *float64 `json:"lon" validate:"omitempty,gte=-180,lte=180"`
}

// RawTelemetry is the nested telemetry object of a roster entry. Every field
// may be absent.
type RawTelemetry struct {
	Lat        *float64  `json:"lat" validate:"omitempty,gte=-90,lte=90"`
	Lon        *float64  `json:"lon" validate:"omitempty,gte=-180,lte=180"`
	SpeedKph   *float64  `json:"speedKph" validate:"omitempty,gte=0"`
	IgnitionOn *bool     `json:"ignitionOn"`
	BatteryPct *float64  `json:"batteryPct" validate:"omitempty,gte=0,lte=100"`
	Timestamp  Timestamp `json:"timestamp"`
}

// RawVehicle is one element of the roster read response.
type RawVehicle struct {
	ID           VehicleID     `json:"id" validate:"required"`
	Name         string        `json:"name"`
	LicensePlate string        `json:"licensePlate"`
	Immobilized  *bool         `json:"immobilized"`
	Telemetry    *RawTelemetry `json:"telemetry" validate:"omitempty"`
	Position     *RawPosition  `json:"position" validate:"omitempty"`
}

func (v *RawVehicle) UnmarshalJSON(b []byte) error {
	type plain RawVehicle
	aux := struct {
		*plain
		DisplayName       string `json:"displayName"`
		LicensePlateSnake string `json:"license_plate"`
	}{plain: (*plain)(v)}

	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if v.Name == "" {
		v.Name = aux.DisplayName
	}
	if v.LicensePlate == "" {
		v.LicensePlate = aux.LicensePlateSnake
	}
	return nil
}

// Validate checks the entry before it is allowed into the roster.
func (v RawVehicle) Validate() error {
	if v.ID == "" {
		return ErrMissingID
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: vehicle %s: %v", ErrInvalid, v.ID, err)
	}
	if v.Telemetry != nil {
		if err := v.Telemetry.Timestamp.CheckRange(); err != nil {
			return fmt.Errorf("vehicle %s: %w", v.ID, err)
		}
	}
	return nil
}

// ToRecord normalizes the nested telemetry into a flat, classified record.
// Absent fields default to null/false/zero.
func (v RawVehicle) ToRecord() VehicleRecord {
	rec := VehicleRecord{
		ID:           v.ID,
		DisplayName:  v.Name,
		LicensePlate: v.LicensePlate,
	}
	if v.Immobilized != nil {
		rec.Immobilized = *v.Immobilized
	}

	if t := v.Telemetry; t != nil {
		rec.Position.Lat = copyFloat(t.Lat)
		rec.Position.Lon = copyFloat(t.Lon)
		if t.SpeedKph != nil {
			rec.Telemetry.SpeedKph = *t.SpeedKph
		}
		if t.IgnitionOn != nil {
			rec.Telemetry.IgnitionOn = *t.IgnitionOn
		}
		rec.Telemetry.BatteryPct = copyFloat(t.BatteryPct)
		rec.LastUpdatedAt = t.Timestamp
		rec.SourceTime = t.Timestamp
	}

	if p := v.Position; p != nil && rec.Position.Lat == nil && rec.Position.Lon == nil {
		rec.Position.Lat = copyFloat(p.Lat)
		rec.Position.Lon = copyFloat(p.Lon)
	}

	rec.Reclassify()
	return rec
}

// DecodeRoster decodes a roster read response. The body is either a bare JSON
// array or a {"success": ..., "data": [...]} envelope. Entries that fail to
// decode or validate are skipped and counted in rejected.
func DecodeRoster(raw []byte) (vehicles []RawVehicle, rejected int, err error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, 0, fmt.Errorf("%w: empty body", ErrMalformed)
	}

	var elements []json.RawMessage
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &elements); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	} else {
		var env struct {
			Success *bool             `json:"success"`
			Error   string            `json:"error"`
			Data    []json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if env.Success != nil && !*env.Success {
			return nil, 0, fmt.Errorf("backend reported failure: %s", env.Error)
		}
		elements = env.Data
	}

	vehicles = make([]RawVehicle, 0, len(elements))
	for _, el := range elements {
		var v RawVehicle
		if err := json.Unmarshal(el, &v); err != nil {
			rejected++
			continue
		}
		if err := v.Validate(); err != nil {
			rejected++
			continue
		}
		vehicles = append(vehicles, v)
	}
	return vehicles, rejected, nil
}

// Delta is an incremental telemetry update for a single vehicle. Only the
// fields that were present on the wire are non-nil.
type Delta struct {
	ID          VehicleID `validate:"required"`
	Lat         *float64  `validate:"omitempty,gte=-90,lte=90"`
	Lon         *float64  `validate:"omitempty,gte=-180,lte=180"`
	SpeedKph    *float64  `validate:"omitempty,gte=0"`
	IgnitionOn  *bool
	BatteryPct  *float64 `validate:"omitempty,gte=0,lte=100"`
	Immobilized *bool
	Timestamp   Timestamp

	// Extended holds every field the roster does not interpret.
	Extended map[string]json.RawMessage
}

// DecodeDelta parses one push-channel message. It accepts a bare delta object
// or a {"type": ..., "data": {...}} envelope. Messages of other types return
// ErrNotDelta, a missing identifier returns ErrMissingID.
func DecodeDelta(raw []byte) (Delta, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Delta{}, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}

	if data, ok := fields["data"]; ok {
		if typ := messageType(fields); typ != "" && !deltaMessageTypes[typ] {
			return Delta{}, ErrNotDelta
		}
		fields = nil
		if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
			return Delta{}, fmt.Errorf("%w: data is not an object", ErrMalformed)
		}
	} else if typ := messageType(fields); typ != "" && !deltaMessageTypes[typ] && !hasAny(fields, idKeys...) {
		return Delta{}, ErrNotDelta
	}

	return deltaFromFields(fields)
}

var idKeys = []string{"id", "deviceId", "device_id", "driver_id"}

func deltaFromFields(fields map[string]json.RawMessage) (Delta, error) {
	var d Delta
	var speedMps *float64

	steps := []struct {
		dst  any
		keys []string
	}{
		{&d.ID, idKeys},
		{&d.Lat, []string{"lat", "latitude"}},
		{&d.Lon, []string{"lon", "lng", "longitude"}},
		{&d.SpeedKph, []string{"speedKph", "speed_kph"}},
		{&speedMps, []string{"speed"}},
		{&d.IgnitionOn, []string{"ignitionOn", "ignition_on", "ignition"}},
		{&d.BatteryPct, []string{"batteryPct", "battery_pct", "battery"}},
		{&d.Immobilized, []string{"immobilized"}},
		{&d.Timestamp, []string{"timestamp", "ts"}},
	}
	for _, s := range steps {
		if err := take(fields, s.dst, s.keys...); err != nil {
			if errors.Is(err, ErrInvalid) {
				return Delta{}, err
			}
			return Delta{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	if d.ID == "" {
		return Delta{}, ErrMissingID
	}
	if d.SpeedKph == nil && speedMps != nil {
		kph := *speedMps * mpsToKph
		d.SpeedKph = &kph
	}

	// status is always derived locally; type is envelope noise
	delete(fields, "status")
	delete(fields, "type")
	if len(fields) > 0 {
		d.Extended = fields
	}

	if err := validate.Struct(d); err != nil {
		return Delta{}, fmt.Errorf("%w: vehicle %s: %v", ErrInvalid, d.ID, err)
	}
	if err := d.Timestamp.CheckRange(); err != nil {
		return Delta{}, fmt.Errorf("vehicle %s: %w", d.ID, err)
	}
	return d, nil
}

// take decodes the first non-null of keys into dst and removes all of keys
// from fields.
func take(fields map[string]json.RawMessage, dst any, keys ...string) error {
	set := false
	for _, k := range keys {
		v, ok := fields[k]
		if !ok {
			continue
		}
		delete(fields, k)
		if set || isNull(bytes.TrimSpace(v)) {
			continue
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("field %q: %w", k, err)
		}
		set = true
	}
	return nil
}

func messageType(fields map[string]json.RawMessage) string {
	var typ string
	if raw, ok := fields["type"]; ok {
		_ = json.Unmarshal(raw, &typ)
	}
	return typ
}

func hasAny(fields map[string]json.RawMessage, keys ...string) bool {
	for _, k := range keys {
		if _, ok := fields[k]; ok {
			return true
		}
	}
	return false
}
