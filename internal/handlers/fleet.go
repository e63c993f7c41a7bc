package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"fleetview/internal/database"
	"fleetview/internal/middleware"
	"fleetview/internal/models"
	"fleetview/internal/roster"
	"fleetview/internal/status"
	"fleetview/internal/view"
	"fleetview/pkg/utils"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
)

// ViewStats reports the mounted dashboard views
type ViewStats interface {
	ViewCount() int
	GetConnectedClientIDs() []string
}

// StateReader reads the mirrored vehicle state
type StateReader interface {
	Get(ctx context.Context, id models.VehicleID) (models.VehicleRecord, error)
	List(ctx context.Context) ([]models.VehicleRecord, error)
}

// ViewStatsResponse is the payload of GET /api/fleet/views
type ViewStatsResponse struct {
	ActiveViews int      `json:"active_views"`
	ClientIDs   []string `json:"client_ids"`
}

// Health reports liveness
// GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("OK"))
}

// GetVehicles returns the classified roster without subscribing to deltas
// GET /api/fleet/vehicles?status=moving,stopped
func GetVehicles(loader view.Loader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, err := parseStatusFilter(r.URL.Query().Get("status"))
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}

		cred, _ := middleware.GetCredentialFromContext(r)
		vehicles, err := loader.Load(r.Context(), cred)
		if err != nil {
			log.Errorf("❌ GetVehicles: failed to load roster: %v", err)
			utils.RespondError(w, http.StatusBadGateway, "Failed to load vehicles")
			return
		}

		records := roster.New().ApplySnapshot(vehicles)
		if len(filter) > 0 {
			kept := records[:0]
			for _, rec := range records {
				if filter[rec.Status] {
					kept = append(kept, rec)
				}
			}
			records = kept
		}

		log.Debugf("📋 GetVehicles: returning %d vehicles", len(records))
		utils.RespondSuccess(w, records)
	}
}

// GetViewStats returns the number of mounted views
// GET /api/fleet/views
func GetViewStats(stats ViewStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		utils.RespondSuccess(w, ViewStatsResponse{
			ActiveViews: stats.ViewCount(),
			ClientIDs:   stats.GetConnectedClientIDs(),
		})
	}
}

// GetVehicleState returns the last mirrored state of one vehicle
// GET /api/fleet/state/{vehicleID}
func GetVehicleState(store StateReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := models.VehicleID(chi.URLParam(r, "vehicleID"))
		if id == "" {
			utils.RespondError(w, http.StatusBadRequest, "vehicle id is required")
			return
		}

		rec, err := store.Get(r.Context(), id)
		if errors.Is(err, database.ErrNotFound) {
			utils.RespondError(w, http.StatusNotFound, "Vehicle not found")
			return
		}
		if err != nil {
			log.Errorf("❌ GetVehicleState: %v", err)
			utils.RespondError(w, http.StatusInternalServerError, "Failed to load vehicle state")
			return
		}
		utils.RespondSuccess(w, rec)
	}
}

// ListVehicleState returns every mirrored vehicle
// GET /api/fleet/state
func ListVehicleState(store StateReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := store.List(r.Context())
		if err != nil {
			log.Errorf("❌ ListVehicleState: %v", err)
			utils.RespondError(w, http.StatusInternalServerError, "Failed to load vehicle state")
			return
		}
		utils.RespondSuccess(w, records)
	}
}

func parseStatusFilter(raw string) (map[status.Status]bool, error) {
	if raw == "" {
		return nil, nil
	}
	filter := make(map[status.Status]bool)
	for _, part := range strings.Split(raw, ",") {
		s := status.Status(strings.TrimSpace(part))
		if !s.Valid() {
			return nil, errors.New("unknown status: " + string(s))
		}
		filter[s] = true
	}
	return filter, nil
}
