package monitor

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

	"meshmotion/pkg/archive"
	"meshmotion/pkg/mesh"
	"meshmotion/pkg/metrics"
	"meshmotion/pkg/planner"
	"meshmotion/pkg/safety"
)

type fixture struct {
	srv   *Server
	http  *metrics.MetricsServer
	queue *planner.Queue
	mesh  *mesh.Mesh
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	m, err := mesh.New(mesh.Grid{MaxX: 20, MaxY: 20, NX: 3, NY: 3})
	require.NoError(t, err)
	require.NoError(t, m.SetVertex(1, 1, 0.2))
	require.NoError(t, m.SetVertex(0, 0, -0.1))

	q, err := planner.NewQueue(8, planner.DefaultLimits())
	require.NoError(t, err)
	require.NoError(t, q.Enqueue([planner.NumAxes]float64{10, 0, 0, 0}, 50, 0))

	hs := metrics.NewMetricsServer(metrics.NewPlannerMetrics(), metrics.DefaultMetricsServerConfig())
	return fixture{srv: New(hs, m, q, opts...), http: hs, queue: q, mesh: m}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestMeshRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	h := f.http.Handler()

	tests := []struct {
		path        string
		contentType string
		contains    string
	}{
		{"/mesh.json", "application/json", `"mesh_min":[0,0]`},
		{"/mesh.txt", "text/plain; charset=utf-8", "Bed Topography (3x3)"},
		{"/mesh.csv", "text/csv", "-0.1,"},
		{"/mesh.png", "image/png", "PNG"},
		{"/mesh.html", "text/html; charset=utf-8", "echarts"},
		{"/mesh/stats", "application/json", `"count":2`},
		{"/metrics", "text/plain; version=0.0.4; charset=utf-8", "meshmotion_queue_depth"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := get(t, h, tt.path)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, tt.contentType, rec.Header().Get("Content-Type"))
			assert.Contains(t, rec.Body.String(), tt.contains)
		})
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mesh.txt", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestQueueRoute(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := get(t, f.http.Handler(), "/queue.json")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap planner.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.Depth)
	assert.Equal(t, 7, snap.Capacity)
	require.Len(t, snap.Blocks, 1)
	assert.Equal(t, uint32(800), snap.Blocks[0].StepEventCount)
}

func TestArchiveRoute(t *testing.T) {
	t.Parallel()
	rec := get(t, newFixture(t).http.Handler(), "/archive.json")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ctx := context.Background()
	store, err := archive.Open(ctx, filepath.Join(t.TempDir(), "a.db"))
	require.NoError(t, err)
	defer store.Close()

	f := newFixture(t, WithArchive(store))
	rec = get(t, f.http.Handler(), "/archive.json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	_, err = store.Save(ctx, "default", f.mesh)
	require.NoError(t, err)
	rec = get(t, f.http.Handler(), "/archive.json")
	assert.Contains(t, rec.Body.String(), `"name":"default"`)
}

func TestHaltRoutes(t *testing.T) {
	t.Parallel()
	rec := get(t, newFixture(t).http.Handler(), "/status")
	assert.Equal(t, http.StatusNotFound, rec.Code, "no safety manager, no route")

	sm := safety.New()
	f := newFixture(t, WithSafety(sm))
	sm.Register(safety.StopperFunc(func(safety.Reason) error {
		f.queue.Reset()
		return nil
	}))
	h := f.http.Handler()

	rec = get(t, h, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"running"`)

	assert.Equal(t, http.StatusMethodNotAllowed, get(t, h, "/halt").Code)

	post := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		return rec
	}
	rec = post("/halt")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"reason":"emergency_stop"`)
	assert.Equal(t, 0, f.queue.MovesQueued(), "halt flushed the queue")

	rec = post("/halt/reset")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, sm.Status().Operational)
	assert.Equal(t, http.StatusConflict, post("/halt/reset").Code)
}

func TestBasicAuthCoversMeshRoutes(t *testing.T) {
	t.Parallel()
	cfg := metrics.DefaultMetricsServerConfig()
	cfg.Username, cfg.Password = "admin", "secret"
	hs := metrics.NewMetricsServer(metrics.NewPlannerMetrics(), cfg)
	m, _ := mesh.New(mesh.Grid{MaxX: 1, MaxY: 1, NX: 2, NY: 2})
	q, _ := planner.NewQueue(4, planner.DefaultLimits())
	New(hs, m, q)

	rec := get(t, hs.Handler(), "/mesh.json")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/mesh.json", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	hs.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestQueueWebSocket(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithInterval(10*time.Millisecond))
	ts := httptest.NewServer(f.http.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.srv.Broadcast(ctx)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/queue"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first QueueEvent
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "queue", first.Type)
	assert.Equal(t, 1, first.Queue.Depth)

	f.queue.CurrentBlock()
	f.queue.DiscardCurrent()
	for {
		var ev QueueEvent
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Queue.Depth == 0 {
			break
		}
	}
	assert.Equal(t, 1, f.srv.Clients())

	cancel()
	require.Eventually(t, func() bool { return f.srv.Clients() == 0 }, 5*time.Second, 10*time.Millisecond)
}
