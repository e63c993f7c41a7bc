package main

import (
	"os"

	"fleetview/internal/database"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// Creates or upgrades the vehicle_state mirror table without starting the server.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Info("No .env file found, using environment variables")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	db, err := database.Connect(dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	// Summary of the mirrored state
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	query := `SELECT status, COUNT(*) AS count FROM vehicle_state GROUP BY status ORDER BY status`
	if err := db.Select(&rows, query); err != nil {
		log.Fatalf("Failed to query summary: %v", err)
	}

	log.Info("Migration completed successfully!")
	if len(rows) == 0 {
		log.Info("   vehicle_state is empty")
	}
	for _, row := range rows {
		log.Infof("   %-12s %d", row.Status, row.Count)
	}
}
