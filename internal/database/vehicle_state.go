package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"fleetview/internal/models"
	"fleetview/internal/status"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
)

var ErrNotFound = errors.New("vehicle state not found")

// VehicleState is a vehicle_state row.
type VehicleState struct {
	VehicleID       string             `db:"vehicle_id"`
	DisplayName     string             `db:"display_name"`
	LicensePlate    string             `db:"license_plate"`
	Latitude        *float64           `db:"latitude"`
	Longitude       *float64           `db:"longitude"`
	SpeedKph        float64            `db:"speed_kph"`
	IgnitionOn      bool               `db:"ignition_on"`
	BatteryPct      *float64           `db:"battery_pct"`
	Immobilized     bool               `db:"immobilized"`
	Status          string             `db:"status"`
	Extended        types.NullJSONText `db:"extended"`
	LastUpdatedAt   sql.NullTime       `db:"last_updated_at"`
	SourceUpdatedAt sql.NullTime       `db:"source_updated_at"`
	UpdatedAt       sql.NullTime       `db:"updated_at"`
}

func StateFromRecord(rec models.VehicleRecord) (VehicleState, error) {
	row := VehicleState{
		VehicleID:    rec.ID.String(),
		DisplayName:  rec.DisplayName,
		LicensePlate: rec.LicensePlate,
		Latitude:     rec.Position.Lat,
		Longitude:    rec.Position.Lon,
		SpeedKph:     rec.Telemetry.SpeedKph,
		IgnitionOn:   rec.Telemetry.IgnitionOn,
		BatteryPct:   rec.Telemetry.BatteryPct,
		Immobilized:  rec.Immobilized,
		Status:       string(rec.Status),
	}
	if !rec.LastUpdatedAt.IsZero() {
		row.LastUpdatedAt = sql.NullTime{Time: rec.LastUpdatedAt.Time, Valid: true}
	}
	if !rec.SourceTime.IsZero() {
		row.SourceUpdatedAt = sql.NullTime{Time: rec.SourceTime.Time, Valid: true}
	}
	if len(rec.Extended) > 0 {
		ext, err := json.Marshal(rec.Extended)
		if err != nil {
			return row, fmt.Errorf("failed to encode extended fields: %w", err)
		}
		row.Extended = types.NullJSONText{JSONText: ext, Valid: true}
	}
	return row, nil
}

func (s VehicleState) ToRecord() (models.VehicleRecord, error) {
	rec := models.VehicleRecord{
		ID:           models.VehicleID(s.VehicleID),
		DisplayName:  s.DisplayName,
		LicensePlate: s.LicensePlate,
		Position:     models.Position{Lat: s.Latitude, Lon: s.Longitude},
		Telemetry: models.Telemetry{
			SpeedKph:   s.SpeedKph,
			IgnitionOn: s.IgnitionOn,
			BatteryPct: s.BatteryPct,
		},
		Immobilized: s.Immobilized,
		Status:      status.Status(s.Status),
	}
	if s.LastUpdatedAt.Valid {
		rec.LastUpdatedAt = models.NewTimestamp(s.LastUpdatedAt.Time)
	}
	if s.SourceUpdatedAt.Valid {
		rec.SourceTime = models.NewTimestamp(s.SourceUpdatedAt.Time)
	}
	if s.Extended.Valid {
		if err := s.Extended.Unmarshal(&rec.Extended); err != nil {
			return rec, fmt.Errorf("failed to decode extended fields: %w", err)
		}
	}
	return rec, nil
}

// VehicleStateStore persists the last applied state of each vehicle.
type VehicleStateStore struct {
	db *sqlx.DB
}

func NewVehicleStateStore(db *sqlx.DB) *VehicleStateStore {
	return &VehicleStateStore{db: db}
}

// Upsert writes rec unless the stored row carries a newer backend time.
func (s *VehicleStateStore) Upsert(ctx context.Context, rec models.VehicleRecord) error {
	row, err := StateFromRecord(rec)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO vehicle_state (
			vehicle_id, display_name, license_plate, latitude, longitude, speed_kph,
			ignition_on, battery_pct, immobilized, status, extended, last_updated_at,
			source_updated_at, updated_at
		) VALUES (
			:vehicle_id, :display_name, :license_plate, :latitude, :longitude, :speed_kph,
			:ignition_on, :battery_pct, :immobilized, :status, :extended, :last_updated_at,
			:source_updated_at, NOW()
		)
		ON CONFLICT (vehicle_id)
		DO UPDATE SET
			display_name = EXCLUDED.display_name,
			license_plate = EXCLUDED.license_plate,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			speed_kph = EXCLUDED.speed_kph,
			ignition_on = EXCLUDED.ignition_on,
			battery_pct = EXCLUDED.battery_pct,
			immobilized = EXCLUDED.immobilized,
			status = EXCLUDED.status,
			extended = EXCLUDED.extended,
			last_updated_at = EXCLUDED.last_updated_at,
			source_updated_at = COALESCE(EXCLUDED.source_updated_at, vehicle_state.source_updated_at),
			updated_at = NOW()
		WHERE EXCLUDED.source_updated_at IS NULL
			OR vehicle_state.source_updated_at IS NULL
			OR vehicle_state.source_updated_at <= EXCLUDED.source_updated_at
	`

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to upsert vehicle %s: %w", row.VehicleID, err)
	}
	return nil
}

func (s *VehicleStateStore) Get(ctx context.Context, id models.VehicleID) (models.VehicleRecord, error) {
	var row VehicleState
	err := s.db.GetContext(ctx, &row, `SELECT * FROM vehicle_state WHERE vehicle_id = $1`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return models.VehicleRecord{}, ErrNotFound
	}
	if err != nil {
		return models.VehicleRecord{}, fmt.Errorf("failed to load vehicle %s: %w", id, err)
	}
	return row.ToRecord()
}

func (s *VehicleStateStore) List(ctx context.Context) ([]models.VehicleRecord, error) {
	var rows []VehicleState
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM vehicle_state ORDER BY vehicle_id`); err != nil {
		return nil, fmt.Errorf("failed to list vehicle state: %w", err)
	}

	records := make([]models.VehicleRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.ToRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
