// Package monitor exposes the active mesh and the planning queue over
// HTTP next to the Prometheus endpoint, with a websocket feed of queue
// snapshots.
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"meshmotion/pkg/archive"
	"meshmotion/pkg/log"
	"meshmotion/pkg/mesh"
	"meshmotion/pkg/metrics"
	"meshmotion/pkg/planner"
	"meshmotion/pkg/pool"
	"meshmotion/pkg/render"
	"meshmotion/pkg/safety"
)

// QueueEvent is the websocket message carrying one queue snapshot.
type QueueEvent struct {
	Type      string           `json:"type"`
	EventTime float64          `json:"eventtime"`
	Queue     planner.Snapshot `json:"queue"`
}

type Server struct {
	http     *metrics.MetricsServer
	mesh     *mesh.Mesh
	queue    *planner.Queue
	archive  *archive.Store
	safety   *safety.Manager
	log      *log.Logger
	interval time.Duration

	upgrader  websocket.Upgrader
	startTime time.Time

	clientsMu sync.RWMutex
	clients   map[int64]*wsClient
	nextID    atomic.Int64
}

type Option func(*Server)

func WithLogger(l *log.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithArchive serves the snapshot list at /archive.json.
func WithArchive(a *archive.Store) Option {
	return func(s *Server) { s.archive = a }
}

// WithSafety exposes the halt state at /status and accepts POST /halt
// and POST /halt/reset.
func WithSafety(m *safety.Manager) Option {
	return func(s *Server) { s.safety = m }
}

// WithInterval sets the websocket broadcast period.
func WithInterval(d time.Duration) Option {
	return func(s *Server) { s.interval = d }
}

// New mounts the mesh and queue routes on hs.
func New(hs *metrics.MetricsServer, m *mesh.Mesh, q *planner.Queue, opts ...Option) *Server {
	s := &Server{
		http:      hs,
		mesh:      m,
		queue:     q,
		log:       log.Discard(),
		interval:  250 * time.Millisecond,
		startTime: time.Now(),
		clients:   make(map[int64]*wsClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(s)
	}

	hs.Handle("/mesh.json", s.meshHandler("application/json", func(buf *bytes.Buffer) error {
		return json.NewEncoder(buf).Encode(s.mesh)
	}))
	hs.Handle("/mesh.txt", s.meshHandler("text/plain; charset=utf-8", func(buf *bytes.Buffer) error {
		return s.mesh.WriteText(buf)
	}))
	hs.Handle("/mesh.csv", s.meshHandler("text/csv", func(buf *bytes.Buffer) error {
		return s.mesh.WriteCSV(buf)
	}))
	hs.Handle("/mesh.png", s.meshHandler("image/png", func(buf *bytes.Buffer) error {
		return render.HeatmapPNG(buf, s.mesh)
	}))
	hs.Handle("/mesh.html", s.meshHandler("text/html; charset=utf-8", func(buf *bytes.Buffer) error {
		return render.HeatmapHTML(buf, s.mesh)
	}))
	hs.Handle("/mesh/stats", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.mesh.Stats())
	}))
	hs.Handle("/queue.json", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.queue.Snapshot())
	}))
	hs.Handle("/archive.json", http.HandlerFunc(s.handleArchive))
	if s.safety != nil {
		hs.Handle("/status", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, s.safety.Status())
		}))
		hs.Handle("/halt", s.postOnly(func() error { return s.safety.EmergencyStop("requested over http") }))
		hs.Handle("/halt/reset", s.postOnly(s.safety.Reset))
	}
	hs.Handle("/ws/queue", http.HandlerFunc(s.handleWebSocket))
	return s
}

// meshHandler renders into a buffer first so a failure still yields a
// clean 500.
func (s *Server) meshHandler(contentType string, write func(*bytes.Buffer) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		buf := pool.GetBuffer()
		defer pool.PutBuffer(buf)
		if err := write(buf); err != nil {
			s.log.WithError(err).Errorf("render %s failed", r.URL.Path)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(buf.Bytes())
	})
}

func (s *Server) postOnly(action func() error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := action(); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, s.safety.Status())
	})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		http.Error(w, "archive disabled", http.StatusNotFound)
		return
	}
	snaps, err := s.archive.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if snaps == nil {
		snaps = []archive.Snapshot{}
	}
	writeJSON(w, snaps)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) event() QueueEvent {
	return QueueEvent{
		Type:      "queue",
		EventTime: time.Since(s.startTime).Seconds(),
		Queue:     s.queue.Snapshot(),
	}
}

// Broadcast pushes a queue snapshot to every websocket client each
// interval until ctx is done, then disconnects them.
func (s *Server) Broadcast(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.closeClients()
			return
		case <-ticker.C:
		}
		s.clientsMu.RLock()
		if len(s.clients) > 0 {
			ev := s.event()
			for _, c := range s.clients {
				c.Send(ev)
			}
		}
		s.clientsMu.RUnlock()
	}
}

// Serve runs the HTTP server and the broadcaster until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.Start() }()
	go s.Broadcast(ctx)
	s.log.Info("monitor listening on %s", s.http.Addr())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// Clients is the number of connected websocket clients.
func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	clients := s.clients
	s.clients = make(map[int64]*wsClient)
	s.clientsMu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}
