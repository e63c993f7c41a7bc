package database

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

func Connect(dbURL string) (*sqlx.DB, error) {
	log.Info("🔌 Connecting to database...")

	db, err := sqlx.Connect("postgres", dbURL)
	if err != nil {
		log.Error("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		log.Error("❌ DATABASE CONNECTION FAILED AT sqlx.Connect()")
		log.Errorf("   Error: %v", err)
		log.Error("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("✅ Database connection established")
	return db, nil
}

func Migrate(db *sqlx.DB) error {
	migrations := []string{
		// One row per vehicle, last applied state
		`CREATE TABLE IF NOT EXISTS vehicle_state (
			vehicle_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			license_plate TEXT NOT NULL DEFAULT '',
			latitude DOUBLE PRECISION,
			longitude DOUBLE PRECISION,
			speed_kph DOUBLE PRECISION NOT NULL DEFAULT 0,
			ignition_on BOOLEAN NOT NULL DEFAULT FALSE,
			battery_pct DOUBLE PRECISION,
			immobilized BOOLEAN NOT NULL DEFAULT FALSE,
			status TEXT NOT NULL CHECK(status IN ('moving', 'stopped', 'inactive', 'immobilized')),
			extended JSONB,
			last_updated_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`ALTER TABLE vehicle_state ADD COLUMN IF NOT EXISTS source_updated_at TIMESTAMPTZ`,

		`CREATE INDEX IF NOT EXISTS idx_vehicle_state_status ON vehicle_state(status)`,
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	log.Info("✓ Database migrations completed")
	return nil
}
