package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvexiau/roomba-player/internal/control"
	"github.com/jvexiau/roomba-player/internal/history"
	"github.com/jvexiau/roomba-player/internal/odometry"
	"github.com/jvexiau/roomba-player/internal/oi"
	"github.com/jvexiau/roomba-player/internal/plan"
	"github.com/jvexiau/roomba-player/internal/serialport"
)

func newTestServer(t *testing.T) (*Server, *oi.Driver, *odometry.Estimator) {
	t.Helper()
	port := serialport.NewLoopPort()
	driver := oi.NewDriver(func() (*serialport.Link, error) {
		return serialport.NewLink(port), nil
	})
	estimator := odometry.New(nil, odometry.Params{})
	dispatcher := control.NewDispatcher(driver)
	plans := plan.NewStore()
	broadcaster := NewBroadcaster(driver, estimator, nil, 100*time.Millisecond)
	return New(driver, estimator, dispatcher, plans, nil, nil, broadcaster), driver, estimator
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestTelemetryEndpoint(t *testing.T) {
	srv, _, estimator := newTestServer(t)
	estimator.Reset(10, 20, 90, odometry.ResetOptions{})

	rec := httptest.NewRecorder()
	srv.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/telemetry", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		State    string `json:"state"`
		Odometry struct {
			XMM      float64 `json:"x_mm"`
			ThetaDeg float64 `json:"theta_deg"`
		} `json:"odometry"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "disconnected", payload.State)
	assert.InDelta(t, 10, payload.Odometry.XMM, 1e-9)
	assert.InDelta(t, 90, payload.Odometry.ThetaDeg, 1e-9)
}

func TestPoseResetEndpoint(t *testing.T) {
	srv, _, estimator := newTestServer(t)

	body := strings.NewReader(`{"x_mm": 100, "y_mm": 200, "theta_deg": 45}`)
	rec := httptest.NewRecorder()
	srv.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pose", body))

	require.Equal(t, http.StatusOK, rec.Code)
	pose := estimator.Pose()
	assert.InDelta(t, 100, pose.XMM, 1e-9)
	assert.InDelta(t, 200, pose.YMM, 1e-9)
	assert.InDelta(t, 45, pose.ThetaDeg, 1e-9)
}

func TestPlanEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)
	mux := srv.ServeMux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plan", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	body := strings.NewReader(`{"contour": [[0,0],[1000,0],[1000,1000]]}`)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/plan", body))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plan", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// An invalid plan is rejected and the previous plan survives.
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/plan", strings.NewReader(`{"contour": [[0,0]]}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plan", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHistoryEndpoint(t *testing.T) {
	port := serialport.NewLoopPort()
	driver := oi.NewDriver(func() (*serialport.Link, error) {
		return serialport.NewLink(port), nil
	})
	journal, err := history.NewJournal(filepath.Join(t.TempDir(), "history.jsonl"))
	require.NoError(t, err)
	estimator := odometry.New(journal.Append, odometry.Params{})
	broadcaster := NewBroadcaster(driver, estimator, nil, 100*time.Millisecond)
	srv := New(driver, estimator, control.NewDispatcher(driver), plan.NewStore(), nil, journal, broadcaster)
	mux := srv.ServeMux()

	estimator.Reset(5, 6, 7, odometry.ResetOptions{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		OK       bool                `json:"ok"`
		LastPose *map[string]float64 `json:"last_pose"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.LastPose)
	assert.InDelta(t, 5, (*body.LastPose)["x_mm"], 1e-9)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/history", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Nil(t, body.LastPose)
}

func TestArucoStatusWithoutService(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/aruco/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["enabled"])
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestControlSocket(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.ServeMux())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/control"), nil)
	require.NoError(t, err)
	defer conn.Close()

	var banner map[string]any
	require.NoError(t, conn.ReadJSON(&banner))
	assert.Equal(t, "ready", banner["type"])
	assert.Equal(t, "roomba-oi-v1", banner["protocol"])

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "ping"}))
	var ack map[string]any
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "ack", ack["type"])
	assert.Equal(t, "pong", ack["action"])

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "bogus"}))
	var errMsg map[string]any
	require.NoError(t, conn.ReadJSON(&errMsg))
	assert.Equal(t, "error", errMsg["type"])
	assert.Equal(t, "unsupported_action", errMsg["kind"])
}

func TestTelemetrySocketPush(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.ServeMux())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.broadcaster.Run(ctx)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/telemetry"), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var payload map[string]any
	require.NoError(t, conn.ReadJSON(&payload))
	assert.Contains(t, payload, "odometry")
	assert.Contains(t, payload, "battery_pct")
}

func TestBroadcasterFanout(t *testing.T) {
	srv, _, _ := newTestServer(t)
	b := srv.broadcaster

	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	b.tick()
	select {
	case data := <-ch:
		var payload map[string]any
		require.NoError(t, json.Unmarshal(data, &payload))
		assert.Contains(t, payload, "odometry")
	default:
		t.Fatal("subscriber did not receive a tick")
	}
}

func TestBroadcasterDropsSlowSubscribers(t *testing.T) {
	srv, _, _ := newTestServer(t)
	b := srv.broadcaster

	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	// Fill the buffer and keep ticking: the producer never blocks.
	for i := 0; i < 5; i++ {
		b.tick()
	}
	assert.LessOrEqual(t, len(ch), 2)
}
