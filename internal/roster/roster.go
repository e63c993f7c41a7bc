package roster

import (
	"encoding/json"
	"sync"
	"time"

	"fleetview/internal/models"
)

// Outcome tells what ApplyDelta did with a delta.
type Outcome int

const (
	// Inserted means the vehicle was unknown and a record was created from the delta alone.
	Inserted Outcome = iota
	// Updated means the delta was merged into an existing record.
	Updated
	// Stale means the delta is older than the stored state and was ignored.
	Stale
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Roster is the in-memory set of tracked vehicles of one view, keyed by
// vehicle id. There is exactly one record per id.
type Roster struct {
	mu      sync.RWMutex
	records map[models.VehicleID]*models.VehicleRecord
	order   []models.VehicleID // first-seen order, for stable listings
}

func New() *Roster {
	return &Roster{
		records: make(map[models.VehicleID]*models.VehicleRecord),
	}
}

// ApplySnapshot merges a snapshot into the roster. Entries without an id are
// skipped. When a record is already newer than its snapshot entry (a delta got
// there first) its state is kept and only the display name and licence plate
// are adopted.
// It returns the whole roster.
func (r *Roster) ApplySnapshot(vehicles []models.RawVehicle) []models.VehicleRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, v := range vehicles {
		if v.ID == "" {
			continue
		}
		incoming := v.ToRecord()

		existing, ok := r.records[v.ID]
		if !ok {
			r.insert(&incoming)
			continue
		}

		if staleSnapshot(incoming.SourceTime, existing.SourceTime) {
			existing.DisplayName = incoming.DisplayName
			existing.LicensePlate = incoming.LicensePlate
			continue
		}

		incoming.Extended = existing.Extended
		*existing = incoming
	}

	return r.listLocked()
}

// ApplyDelta upserts a delta. Present fields are shallow-merged over the
// existing record and the status is recomputed. A delta whose backend
// timestamp is strictly older than the stored SourceTime is rejected as stale.
// A delta without a timestamp always applies: LastUpdatedAt becomes receivedAt
// and SourceTime is left alone.
func (r *Roster) ApplyDelta(d models.Delta, receivedAt time.Time) (models.VehicleRecord, Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.records[d.ID]
	if !ok {
		rec := &models.VehicleRecord{ID: d.ID}
		merge(rec, d, receivedAt)
		r.insert(rec)
		return rec.Clone(), Inserted
	}

	if isOlder(d.Timestamp, existing.SourceTime) {
		return existing.Clone(), Stale
	}

	merge(existing, d, receivedAt)
	return existing.Clone(), Updated
}

// Get returns a copy of the record for id.
func (r *Roster) Get(id models.VehicleID) (models.VehicleRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return models.VehicleRecord{}, false
	}
	return rec.Clone(), true
}

// List returns copies of all records in first-seen order.
func (r *Roster) List() []models.VehicleRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked()
}

// IDs returns the ids of all records in first-seen order.
func (r *Roster) IDs() []models.VehicleID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.VehicleID, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func (r *Roster) insert(rec *models.VehicleRecord) {
	r.records[rec.ID] = rec
	r.order = append(r.order, rec.ID)
}

func (r *Roster) listLocked() []models.VehicleRecord {
	out := make([]models.VehicleRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.records[id].Clone())
	}
	return out
}

// merge shallow-merges the present fields of d into rec.
func merge(rec *models.VehicleRecord, d models.Delta, receivedAt time.Time) {
	if d.Lat != nil {
		lat := *d.Lat
		rec.Position.Lat = &lat
	}
	if d.Lon != nil {
		lon := *d.Lon
		rec.Position.Lon = &lon
	}
	if d.SpeedKph != nil {
		rec.Telemetry.SpeedKph = *d.SpeedKph
	}
	if d.IgnitionOn != nil {
		rec.Telemetry.IgnitionOn = *d.IgnitionOn
	}
	if d.BatteryPct != nil {
		battery := *d.BatteryPct
		rec.Telemetry.BatteryPct = &battery
	}
	if d.Immobilized != nil {
		rec.Immobilized = *d.Immobilized
	}
	if len(d.Extended) > 0 {
		if rec.Extended == nil {
			rec.Extended = make(map[string]json.RawMessage, len(d.Extended))
		}
		for k, v := range d.Extended {
			rec.Extended[k] = append(json.RawMessage(nil), v...)
		}
	}

	if d.Timestamp.IsZero() {
		rec.LastUpdatedAt = models.NewTimestamp(receivedAt)
	} else {
		rec.SourceTime = d.Timestamp
		rec.LastUpdatedAt = d.Timestamp
	}
	rec.Reclassify()
}

// staleSnapshot reports whether a snapshot entry stamped at incoming must not
// overwrite state stamped at stored. Both are backend times. A snapshot entry of unknown age loses
// against anything with a known time.
func staleSnapshot(incoming, stored models.Timestamp) bool {
	if stored.IsZero() {
		return false
	}
	return incoming.IsZero() || incoming.Before(stored.Time)
}

// isOlder reports whether a is known and strictly before a known b. An
// unknown time is never older.
func isOlder(a, b models.Timestamp) bool {
	if a.IsZero() || b.IsZero() {
		return false
	}
	return a.Before(b.Time)
}
