package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func pct(v float64) *float64 { return &v }

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		in       Input
		expected Status
	}{
		{
			name:     "ignition on, standing still",
			in:       Input{IgnitionOn: true, SpeedKph: 0, BatteryPct: pct(80)},
			expected: Stopped,
		},
		{
			name:     "ignition on, driving",
			in:       Input{IgnitionOn: true, SpeedKph: 42, BatteryPct: pct(80)},
			expected: Moving,
		},
		{
			name:     "ignition off",
			in:       Input{IgnitionOn: false, SpeedKph: 0, BatteryPct: pct(80)},
			expected: Inactive,
		},
		{
			name:     "dead battery while reporting speed",
			in:       Input{IgnitionOn: true, SpeedKph: 42, BatteryPct: pct(0)},
			expected: Inactive,
		},
		{
			name:     "immobilized overrides telemetry",
			in:       Input{IgnitionOn: true, SpeedKph: 42, BatteryPct: pct(80), Immobilized: true},
			expected: Immobilized,
		},
		{
			name:     "immobilized with dead battery",
			in:       Input{IgnitionOn: false, BatteryPct: pct(0), Immobilized: true},
			expected: Immobilized,
		},
		{
			name:     "unknown battery does not count as empty",
			in:       Input{IgnitionOn: true, SpeedKph: 12},
			expected: Moving,
		},
		{
			name:     "zero value input",
			in:       Input{},
			expected: Inactive,
		},
		{
			name:     "ignition off while moving",
			in:       Input{IgnitionOn: false, SpeedKph: 30, BatteryPct: pct(50)},
			expected: Inactive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.in))
		})
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{Moving, Stopped, Inactive, Immobilized} {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, Status("parked").Valid())
	assert.False(t, Status("").Valid())
}
