package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"fleetview/internal/middleware"
	"fleetview/internal/models"
	"fleetview/internal/session"
	"fleetview/internal/view"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "hub-secret"

func init() {
	log.SetOutput(io.Discard)
}

type stubLoader struct {
	vehicles []models.RawVehicle
	err      error
}

func (l stubLoader) Load(ctx context.Context, cred session.Credential) ([]models.RawVehicle, error) {
	return l.vehicles, l.err
}

type stubChannel struct {
	messages chan []byte

	mu     sync.Mutex
	closed bool
}

func (c *stubChannel) Connect(ctx context.Context) error { return nil }
func (c *stubChannel) Join(ids []models.VehicleID) error { return nil }
func (c *stubChannel) Messages() <-chan []byte           { return c.messages }

func (c *stubChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *stubChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type testEnv struct {
	hub      *Hub
	server   *httptest.Server
	cancel   context.CancelFunc
	stopped  chan struct{}
	mu       sync.Mutex
	channels []*stubChannel
	creds    []session.Credential
}

func newTestEnv(t *testing.T, loader view.Loader) *testEnv {
	t.Helper()
	env := &testEnv{stopped: make(chan struct{})}

	env.hub = NewHub(func(cred session.Credential, r view.Renderer) *view.View {
		ch := &stubChannel{messages: make(chan []byte, 16)}
		env.mu.Lock()
		env.channels = append(env.channels, ch)
		env.creds = append(env.creds, cred)
		env.mu.Unlock()
		return view.New(view.Options{Loader: loader, Channel: ch, Renderer: r, Credential: cred})
	})

	ctx, cancel := context.WithCancel(context.Background())
	env.cancel = cancel
	go func() {
		env.hub.Run(ctx)
		close(env.stopped)
	}()

	auth := middleware.NewAuthenticator(testSecret, "fleet_session")
	env.server = httptest.NewServer(HandleWebSocket(env.hub, auth, NewUpgrader([]string{"*"})))

	t.Cleanup(func() {
		env.server.Close()
		cancel()
		<-env.stopped
	})
	return env
}

func (env *testEnv) channel(i int) *stubChannel {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.channels[i]
}

func token(t *testing.T) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "u-1",
		"email":   "dispatch@example.com",
		"role":    "admin",
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func dial(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws?token=" + token(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// nextMessage reads until a message of the wanted type arrives. Frames may
// carry several newline-separated messages.
func nextMessage(t *testing.T, conn *websocket.Conn, pending *[][]byte, want string) OutgoingMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		for len(*pending) > 0 {
			line := (*pending)[0]
			*pending = (*pending)[1:]

			var msg OutgoingMessage
			require.NoError(t, json.Unmarshal(line, &msg))
			if msg.Type == want {
				msg.Data = json.RawMessage(mustJSON(t, msg.Data))
				return msg
			}
		}

		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", want)
		*pending = append(*pending, bytes.Split(data, []byte{'\n'})...)
	}
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func speed(v float64) *float64 { return &v }

func TestDashboardReceivesSnapshotAndUpdates(t *testing.T) {
	loader := stubLoader{vehicles: []models.RawVehicle{
		{ID: "1", Name: "Truck 1", Telemetry: &models.RawTelemetry{SpeedKph: speed(0)}},
	}}
	env := newTestEnv(t, loader)
	conn := dial(t, env)
	var pending [][]byte

	msg := nextMessage(t, conn, &pending, TypeRosterSnapshot)
	var records []models.VehicleRecord
	require.NoError(t, json.Unmarshal(msg.Data.(json.RawMessage), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "Truck 1", records[0].DisplayName)

	require.Eventually(t, func() bool { return env.hub.ViewCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, env.hub.GetConnectedClientIDs(), 1)
	assert.True(t, env.hub.IsClientConnected(env.hub.GetConnectedClientIDs()[0]))

	env.channel(0).messages <- []byte(`{"id":"1","speedKph":42,"ignitionOn":true}`)

	msg = nextMessage(t, conn, &pending, TypeVehicleUpdate)
	var rec models.VehicleRecord
	require.NoError(t, json.Unmarshal(msg.Data.(json.RawMessage), &rec))
	assert.Equal(t, models.VehicleID("1"), rec.ID)
	assert.EqualValues(t, "moving", rec.Status)

	env.mu.Lock()
	assert.NotEmpty(t, env.creds[0].Token)
	env.mu.Unlock()
}

func TestDashboardPing(t *testing.T) {
	env := newTestEnv(t, stubLoader{})
	conn := dial(t, env)
	var pending [][]byte

	nextMessage(t, conn, &pending, TypeRosterSnapshot)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	nextMessage(t, conn, &pending, TypePong)
}

func TestDashboardSnapshotFailure(t *testing.T) {
	env := newTestEnv(t, stubLoader{err: errors.New("backend down")})
	conn := dial(t, env)
	var pending [][]byte

	msg := nextMessage(t, conn, &pending, TypeSnapshotFailed)
	var data SnapshotFailedData
	require.NoError(t, json.Unmarshal(msg.Data.(json.RawMessage), &data))
	assert.Equal(t, "backend down", data.Error)
}

func TestDisconnectUnmountsView(t *testing.T) {
	env := newTestEnv(t, stubLoader{})
	conn := dial(t, env)
	var pending [][]byte
	nextMessage(t, conn, &pending, TypeRosterSnapshot)

	require.Eventually(t, func() bool { return env.hub.ViewCount() == 1 }, time.Second, 5*time.Millisecond)
	conn.Close()

	assert.Eventually(t, func() bool {
		return env.hub.ViewCount() == 0 && env.channel(0).isClosed()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTwoDashboardsOwnSeparateViews(t *testing.T) {
	env := newTestEnv(t, stubLoader{})
	a := dial(t, env)
	b := dial(t, env)
	var pa, pb [][]byte
	nextMessage(t, a, &pa, TypeRosterSnapshot)
	nextMessage(t, b, &pb, TypeRosterSnapshot)

	require.Eventually(t, func() bool { return env.hub.ViewCount() == 2 }, time.Second, 5*time.Millisecond)

	env.channel(0).messages <- []byte(`{"id":"x","ignitionOn":false}`)
	env.channel(1).messages <- []byte(`{"id":"y","ignitionOn":false}`)

	var ra, rb models.VehicleRecord
	require.NoError(t, json.Unmarshal(nextMessage(t, a, &pa, TypeVehicleUpdate).Data.(json.RawMessage), &ra))
	require.NoError(t, json.Unmarshal(nextMessage(t, b, &pb, TypeVehicleUpdate).Data.(json.RawMessage), &rb))
	assert.NotEqual(t, ra.ID, rb.ID)
}

func TestShutdownUnmountsEveryView(t *testing.T) {
	env := newTestEnv(t, stubLoader{})
	conn := dial(t, env)
	var pending [][]byte
	nextMessage(t, conn, &pending, TypeRosterSnapshot)

	env.cancel()
	<-env.stopped

	assert.True(t, env.channel(0).isClosed())
	assert.Equal(t, 0, env.hub.ViewCount())
}

func TestUnauthorizedDashboard(t *testing.T) {
	env := newTestEnv(t, stubLoader{})
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUpgraderOrigins(t *testing.T) {
	up := NewUpgrader([]string{"https://dispatch.example.com"})

	r := httptest.NewRequest(http.MethodGet, "http://fleet.example.com/ws", nil)
	r.Header.Set("Origin", "https://dispatch.example.com")
	assert.True(t, up.CheckOrigin(r))

	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, up.CheckOrigin(r))

	r.Header.Set("Origin", "http://fleet.example.com")
	assert.True(t, up.CheckOrigin(r))
}
