// HTTP server for the Prometheus metrics endpoint
//
// Serves /metrics and /health, with optional basic authentication.
// Other components mount additional routes through Handle before Start.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Gatherer produces Prometheus text exposition.
type Gatherer interface {
	Gather() string
}

// MetricsServerConfig holds server configuration
type MetricsServerConfig struct {
	// Address to listen on (e.g., ":9100" or "127.0.0.1:9100")
	Address string

	Username string
	Password string

	ReadTimeout time.Duration
	// WriteTimeout of zero leaves long-lived connections (websockets) open.
	WriteTimeout time.Duration
}

func DefaultMetricsServerConfig() MetricsServerConfig {
	return MetricsServerConfig{
		Address:     ":9100",
		ReadTimeout: 10 * time.Second,
	}
}

// MetricsServer serves Prometheus metrics over HTTP
type MetricsServer struct {
	source Gatherer
	config MetricsServerConfig
	mux    *http.ServeMux
	server *http.Server

	mu        sync.RWMutex
	running   bool
	listener  net.Listener
	startTime time.Time
}

func NewMetricsServer(source Gatherer, config MetricsServerConfig) *MetricsServer {
	ms := &MetricsServer{
		source: source,
		config: config,
		mux:    http.NewServeMux(),
	}
	ms.mux.HandleFunc("/metrics", ms.handleMetrics)
	ms.mux.HandleFunc("/health", ms.handleHealth)
	ms.server = &http.Server{
		Addr:         config.Address,
		Handler:      ms.mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return ms
}

// Handle mounts an extra handler behind the same authentication.
func (ms *MetricsServer) Handle(pattern string, h http.Handler) {
	ms.mux.Handle(pattern, ms.authenticated(h))
}

// Handler returns the root handler, mainly for tests.
func (ms *MetricsServer) Handler() http.Handler {
	return ms.mux
}

// Start listens and serves until Shutdown.
func (ms *MetricsServer) Start() error {
	ln, err := net.Listen("tcp", ms.config.Address)
	if err != nil {
		return fmt.Errorf("metrics server listen: %w", err)
	}
	ms.mu.Lock()
	ms.running = true
	ms.listener = ln
	ms.startTime = time.Now()
	ms.mu.Unlock()

	err = ms.server.Serve(ln)
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	ms.mu.Lock()
	ms.running = false
	ms.mu.Unlock()
	return ms.server.Shutdown(ctx)
}

func (ms *MetricsServer) IsRunning() bool {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.running
}

// Addr returns the bound address once started, else the configured one.
func (ms *MetricsServer) Addr() string {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if ms.listener != nil {
		return ms.listener.Addr().String()
	}
	return ms.config.Address
}

func (ms *MetricsServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !ms.checkAuth(w, r) {
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	output := ms.source.Gather()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(output)))
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write([]byte(output))
}

func (ms *MetricsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("OK\n"))
}

func (ms *MetricsServer) authenticated(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ms.checkAuth(w, r) {
			h.ServeHTTP(w, r)
		}
	})
}

// checkAuth verifies basic auth if configured
func (ms *MetricsServer) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if ms.config.Username == "" && ms.config.Password == "" {
		return true
	}
	username, password, ok := r.BasicAuth()
	if ok {
		userOK := subtle.ConstantTimeCompare([]byte(username), []byte(ms.config.Username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(password), []byte(ms.config.Password)) == 1
		if userOK && passOK {
			return true
		}
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="meshmotion"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
	return false
}

// GetStatus returns server status for diagnostics
func (ms *MetricsServer) GetStatus() map[string]any {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	status := map[string]any{
		"address": ms.config.Address,
		"running": ms.running,
	}
	if ms.running {
		status["uptime"] = time.Since(ms.startTime).Seconds()
	}
	return status
}
