package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"fleetview/internal/database"
	"fleetview/internal/middleware"
	"fleetview/internal/models"
	"fleetview/internal/session"
	"fleetview/internal/status"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.SetOutput(io.Discard)
}

type stubLoader struct {
	vehicles []models.RawVehicle
	err      error
	gotCred  session.Credential
}

func (l *stubLoader) Load(ctx context.Context, cred session.Credential) ([]models.RawVehicle, error) {
	l.gotCred = cred
	return l.vehicles, l.err
}

type stubStats struct{ ids []string }

func (s stubStats) ViewCount() int                  { return len(s.ids) }
func (s stubStats) GetConnectedClientIDs() []string { return s.ids }

type stubStore struct {
	records map[models.VehicleID]models.VehicleRecord
	err     error
}

func (s stubStore) Get(ctx context.Context, id models.VehicleID) (models.VehicleRecord, error) {
	if s.err != nil {
		return models.VehicleRecord{}, s.err
	}
	rec, ok := s.records[id]
	if !ok {
		return models.VehicleRecord{}, database.ErrNotFound
	}
	return rec, nil
}

func (s stubStore) List(ctx context.Context) ([]models.VehicleRecord, error) {
	out := make([]models.VehicleRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, s.err
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func f(v float64) *float64 { return &v }
func b(v bool) *bool       { return &v }

func fleet() []models.RawVehicle {
	return []models.RawVehicle{
		{ID: "1", Name: "Moving", Telemetry: &models.RawTelemetry{SpeedKph: f(50), IgnitionOn: b(true)}},
		{ID: "2", Name: "Parked", Telemetry: &models.RawTelemetry{SpeedKph: f(0), IgnitionOn: b(true)}},
		{ID: "3", Name: "Locked", Immobilized: b(true)},
	}
}

func TestHealth(t *testing.T) {
	w := httptest.NewRecorder()
	Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestGetVehicles(t *testing.T) {
	loader := &stubLoader{vehicles: fleet()}
	cred := session.Credential{Token: "tok"}

	r := httptest.NewRequest(http.MethodGet, "/api/fleet/vehicles", nil)
	r = r.WithContext(context.WithValue(r.Context(), middleware.CredentialContextKey, cred))
	w := httptest.NewRecorder()
	GetVehicles(loader)(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	env := decode(t, w)
	assert.True(t, env.Success)

	var records []models.VehicleRecord
	require.NoError(t, json.Unmarshal(env.Data, &records))
	require.Len(t, records, 3)
	assert.Equal(t, status.Moving, records[0].Status)
	assert.Equal(t, status.Stopped, records[1].Status)
	assert.Equal(t, status.Immobilized, records[2].Status)
	assert.Equal(t, "tok", loader.gotCred.Token)
}

func TestGetVehiclesStatusFilter(t *testing.T) {
	tests := []struct {
		query string
		code  int
		ids   []models.VehicleID
	}{
		{"moving", http.StatusOK, []models.VehicleID{"1"}},
		{"stopped,immobilized", http.StatusOK, []models.VehicleID{"2", "3"}},
		{"parked", http.StatusBadRequest, nil},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := httptest.NewRecorder()
			GetVehicles(&stubLoader{vehicles: fleet()})(w, httptest.NewRequest(http.MethodGet, "/api/fleet/vehicles?status="+tt.query, nil))
			require.Equal(t, tt.code, w.Code)
			if tt.code != http.StatusOK {
				return
			}

			var records []models.VehicleRecord
			require.NoError(t, json.Unmarshal(decode(t, w).Data, &records))
			var ids []models.VehicleID
			for _, rec := range records {
				ids = append(ids, rec.ID)
			}
			assert.Equal(t, tt.ids, ids)
		})
	}
}

func TestGetVehiclesBackendFailure(t *testing.T) {
	w := httptest.NewRecorder()
	GetVehicles(&stubLoader{err: errors.New("timeout")})(w, httptest.NewRequest(http.MethodGet, "/api/fleet/vehicles", nil))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	env := decode(t, w)
	assert.False(t, env.Success)
	assert.NotEmpty(t, env.Error)
}

func TestGetViewStats(t *testing.T) {
	w := httptest.NewRecorder()
	GetViewStats(stubStats{ids: []string{"a", "b"}})(w, httptest.NewRequest(http.MethodGet, "/api/fleet/views", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var stats ViewStatsResponse
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &stats))
	assert.Equal(t, 2, stats.ActiveViews)
	assert.Equal(t, []string{"a", "b"}, stats.ClientIDs)
}

func TestGetVehicleState(t *testing.T) {
	store := stubStore{records: map[models.VehicleID]models.VehicleRecord{
		"7": {ID: "7", DisplayName: "Truck 7", Status: status.Stopped},
	}}
	router := chi.NewRouter()
	router.Get("/api/fleet/state/{vehicleID}", GetVehicleState(store))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/fleet/state/7", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var rec models.VehicleRecord
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &rec))
	assert.Equal(t, "Truck 7", rec.DisplayName)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/fleet/state/8", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	router = chi.NewRouter()
	router.Get("/api/fleet/state/{vehicleID}", GetVehicleState(stubStore{err: errors.New("db down")}))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/fleet/state/7", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestListVehicleState(t *testing.T) {
	store := stubStore{records: map[models.VehicleID]models.VehicleRecord{"7": {ID: "7"}}}
	w := httptest.NewRecorder()
	ListVehicleState(store)(w, httptest.NewRequest(http.MethodGet, "/api/fleet/state", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var records []models.VehicleRecord
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &records))
	assert.Len(t, records, 1)
}
