package status

// Status is the derived state shown for a vehicle on the map.
type Status string

const (
	Moving      Status = "moving"
	Stopped     Status = "stopped"
	Inactive    Status = "inactive"
	Immobilized Status = "immobilized"
)

// Input is the telemetry the classifier looks at. A nil BatteryPct means the
// tracker never reported a battery level.
type Input struct {
	IgnitionOn  bool
	SpeedKph    float64
	BatteryPct  *float64
	Immobilized bool
}

// Classify derives a vehicle status from its latest telemetry:
//  1. Immobilized flag set → "immobilized" (overrides everything).
//  2. Ignition off, or battery at exactly 0 → "inactive".
//  3. Speed 0 → "stopped".
//  4. Otherwise → "moving".
//
// A dead tracker (battery 0) is never shown as moving, whatever the ignition says.
func Classify(in Input) Status {
	if in.Immobilized {
		return Immobilized
	}

	if !in.IgnitionOn || (in.BatteryPct != nil && *in.BatteryPct == 0) {
		return Inactive
	}

	if in.SpeedKph == 0 {
		return Stopped
	}

	return Moving
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case Moving, Stopped, Inactive, Immobilized:
		return true
	}
	return false
}
