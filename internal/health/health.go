// Package health serves the bridge's HTTP health and metrics endpoints.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fossibot-bridge/internal/logger"
)

// Status represents the health check response
type Status struct {
	Status         string    `json:"status"`    // "healthy", "degraded", "unhealthy"
	Timestamp      time.Time `json:"timestamp"` // Current timestamp
	Uptime         string    `json:"uptime"`
	LocalConnected bool      `json:"local_broker_connected"`
	CloudConnected int       `json:"cloud_sessions_connected"`
	CloudTotal     int       `json:"cloud_sessions_total"`
	Devices        int       `json:"devices"`
	LastFrame      string    `json:"last_frame"` // Time since last decoded device frame
	Version        string    `json:"version,omitempty"`
}

// Checker provides health information from the running bridge
type Checker interface {
	LocalConnected() bool
	CloudSessions() (connected, total int)
	DeviceCount() int
	LastFrameTime() time.Time
}

// Handler serves the /health endpoint
type Handler struct {
	startTime time.Time
	checker   Checker
	version   string
}

// NewHandler creates a health check handler backed by the given checker
func NewHandler(checker Checker, version string) *Handler {
	return &Handler{
		startTime: time.Now(),
		checker:   checker,
		version:   version,
	}
}

// ServeHTTP implements http.Handler for the /health endpoint
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.getStatus()

	w.Header().Set("Content-Type", "application/json")

	statusCode := http.StatusOK
	if status.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	w.WriteHeader(statusCode)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(status); err != nil {
		logger.LogError("Failed to encode health status: %v", err)
	}
}

// getStatus determines current health status
func (h *Handler) getStatus() Status {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	localUp := h.checker.LocalConnected()
	connected, total := h.checker.CloudSessions()
	lastFrame := h.checker.LastFrameTime()

	var lastFrameStr string
	if !lastFrame.IsZero() {
		timeSince := now.Sub(lastFrame)
		if timeSince < time.Minute {
			lastFrameStr = fmt.Sprintf("%d seconds ago", int(timeSince.Seconds()))
		} else if timeSince < time.Hour {
			lastFrameStr = fmt.Sprintf("%d minutes ago", int(timeSince.Minutes()))
		} else {
			lastFrameStr = fmt.Sprintf("%d hours ago", int(timeSince.Hours()))
		}
	} else {
		lastFrameStr = "never"
	}

	// Unhealthy without the local broker or with every cloud session down;
	// degraded while only some sessions are down.
	status := "healthy"
	if !localUp || (total > 0 && connected == 0) {
		status = "unhealthy"
	} else if connected < total {
		status = "degraded"
	}

	return Status{
		Status:         status,
		Timestamp:      now,
		Uptime:         formatDuration(uptime),
		LocalConnected: localUp,
		CloudConnected: connected,
		CloudTotal:     total,
		Devices:        h.checker.DeviceCount(),
		LastFrame:      lastFrameStr,
		Version:        h.version,
	}
}

// formatDuration formats a duration in human-readable form
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%d seconds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		return fmt.Sprintf("%d hours %d minutes", hours, minutes)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%d days %d hours", days, hours)
}

// Server wraps the HTTP server exposing /health and /metrics
type Server struct {
	srv *http.Server
}

// NewServer builds the health server on the given port
func NewServer(handler *Handler, port int) *Server {
	mux := http.NewServeMux()
	mux.Handle("/health", handler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html>
<head><title>Fossibot Bridge</title></head>
<body>
<h1>Fossibot Bridge</h1>
<ul>
<li><a href="/health">Health Check</a></li>
<li><a href="/metrics">Metrics</a></li>
</ul>
</body>
</html>`)
	})

	// Secure timeout settings (gosec G114)
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadTimeout:       15 * time.Second, // Max time to read request
			ReadHeaderTimeout: 10 * time.Second, // Max time to read headers
			WriteTimeout:      15 * time.Second, // Max time to write response
			IdleTimeout:       60 * time.Second, // Max time for keep-alive connections
		},
	}
}

// Start serves until Shutdown is called, reporting failures on the returned channel
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		logger.LogInfo("Health server listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown stops the server, waiting at most until ctx expires
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
