package models

import (
	"encoding/json"

	"fleetview/internal/status"
)

// Position is the last reported location. Both fields are nil until the
// vehicle reports a fix.
type Position struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

// Telemetry is the sensor data the status is derived from.
type Telemetry struct {
	SpeedKph   float64  `json:"speedKph"`
	IgnitionOn bool     `json:"ignitionOn"`
	BatteryPct *float64 `json:"batteryPct"` // nil when the tracker never reported it
}

// VehicleRecord is one entry of the roster.
type VehicleRecord struct {
	ID            VehicleID                  `json:"id"`
	DisplayName   string                     `json:"displayName"`
	LicensePlate  string                     `json:"licensePlate"`
	Position      Position                   `json:"position"`
	Telemetry     Telemetry                  `json:"telemetry"`
	Immobilized   bool                       `json:"immobilized"`
	Status        status.Status              `json:"status"`
	LastUpdatedAt Timestamp                  `json:"lastUpdatedAt"`
	// SourceTime is the newest backend-stamped time seen for the vehicle.
	// Stale checks compare against it, never against receive times.
	SourceTime    Timestamp                  `json:"-"`
	Extended      map[string]json.RawMessage `json:"extended,omitempty"` // extra delta fields, passed through to the map
}

// Reclassify recomputes Status from the current telemetry. It is the only
// place Status is written.
func (r *VehicleRecord) Reclassify() {
	r.Status = status.Classify(status.Input{
		IgnitionOn:  r.Telemetry.IgnitionOn,
		SpeedKph:    r.Telemetry.SpeedKph,
		BatteryPct:  r.Telemetry.BatteryPct,
		Immobilized: r.Immobilized,
	})
}

// Clone returns a copy that shares no pointers with r.
func (r VehicleRecord) Clone() VehicleRecord {
	out := r
	out.Position.Lat = copyFloat(r.Position.Lat)
	out.Position.Lon = copyFloat(r.Position.Lon)
	out.Telemetry.BatteryPct = copyFloat(r.Telemetry.BatteryPct)
	if r.Extended != nil {
		out.Extended = make(map[string]json.RawMessage, len(r.Extended))
		for k, v := range r.Extended {
			out.Extended[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
