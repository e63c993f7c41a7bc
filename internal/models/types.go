package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// VehicleID is the stable external identifier of a tracked asset. Backends are
// inconsistent about sending it as a string or a number, so both are accepted.
type VehicleID string

func (id *VehicleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if isNull(b) {
		*id = ""
		return nil
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = VehicleID(strings.TrimSpace(s))
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid vehicle id %s", string(b))
	}
	*id = VehicleID(n.String())
	return nil
}

func (id VehicleID) String() string {
	return string(id)
}

// epochSecondsCutoff separates epoch seconds from epoch milliseconds. Any
// millisecond timestamp after March 1973 is above it.
const epochSecondsCutoff = 1e11

// maxEpochMillis is 9999-12-31T23:59:59.999Z.
const maxEpochMillis = 253402300799999

// maxClockSkew is how far past the local clock a backend time may be.
const maxClockSkew = 24 * time.Hour

var now = time.Now

// Timestamp is a point in time as reported by the backend. It accepts epoch
// milliseconds, epoch seconds or an RFC3339 string. The zero value means the
// time is unknown and marshals to null.
type Timestamp struct {
	time.Time
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if isNull(b) || string(b) == `""` {
		t.Time = time.Time{}
		return nil
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		t.Time = parsed.UTC()
		return nil
	}

	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("invalid timestamp %s", string(b))
	}
	if v <= 0 {
		t.Time = time.Time{}
		return nil
	}
	if v > maxEpochMillis {
		return fmt.Errorf("%w: timestamp %s out of range", ErrInvalid, string(b))
	}
	t.Time = fromEpoch(v)
	return nil
}

// CheckRange rejects a known time before the Unix epoch or more than
// maxClockSkew ahead of the local clock. The zero value passes.
func (t Timestamp) CheckRange() error {
	if t.IsZero() {
		return nil
	}
	if t.Before(time.Unix(0, 0)) || t.After(now().Add(maxClockSkew)) {
		return fmt.Errorf("%w: timestamp %s out of range", ErrInvalid, t.UTC().Format(time.RFC3339))
	}
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func fromEpoch(v float64) time.Time {
	if v < epochSecondsCutoff {
		sec, frac := math.Modf(v)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}
	return time.UnixMilli(int64(v)).UTC()
}

func isNull(b []byte) bool {
	return len(b) == 0 || string(b) == "null"
}
