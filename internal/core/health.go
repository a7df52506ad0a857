package core

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jack-at-someai/core/internal/types"
)

// HealthStatus represents the health state of the service
type HealthStatus struct {
	Status           string                        `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds    int64                         `json:"uptime_seconds"`
	SourcesUp        int                           `json:"sources_up"`
	SourcesTotal     int                           `json:"sources_total"`
	MQTTConnected    *bool                         `json:"mqtt_connected,omitempty"` // omitted when MQTT is disabled
	MeetingState     string                        `json:"meeting_state"`
	WebSocketClients int                           `json:"websocket_clients"`
	Sources          map[string]types.SourceHealth `json:"sources,omitempty"`
}

// HealthCheck returns the current health status of the service.
// A down source or a lost broker degrades the service without making it
// unready.
func (c *Charlotte) HealthCheck() HealthStatus {
	c.mu.RLock()
	running := c.isRunning
	started := c.started
	c.mu.RUnlock()

	sources := c.registry.Health()
	status := HealthStatus{
		Status:           "healthy",
		SourcesTotal:     len(sources),
		MeetingState:     "DISABLED",
		WebSocketClients: c.ws.Clients(),
		Sources:          sources,
	}
	if running {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	for _, h := range sources {
		if h.Connected {
			status.SourcesUp++
		}
	}
	if c.tracker != nil {
		status.MeetingState = c.tracker.State().String()
	}
	if c.mqtt != nil {
		connected := c.mqtt.Stats().Connected
		status.MQTTConnected = &connected
	}

	switch {
	case !running:
		status.Status = "unhealthy"
	case status.SourcesUp < status.SourcesTotal:
		status.Status = "degraded"
	case status.MQTTConnected != nil && !*status.MQTTConnected:
		status.Status = "degraded"
	}
	return status
}

// LivenessHandler handles /health. Returns 200 while the process is alive.
func (c *Charlotte) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	started := c.started
	c.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(started).Seconds()),
	})
}

// ReadinessHandler handles /readiness. Returns 503 only when unhealthy.
func (c *Charlotte) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	health := c.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, health)
}

// Routes returns the HTTP handler serving health, metrics, the WebSocket
// endpoint and, when configured, the static dashboard
func (c *Charlotte) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", c.LivenessHandler)
	mux.HandleFunc("/readiness", c.ReadinessHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/ws", c.ws.Handler())

	if dir := c.cfg.HTTP.StaticDir; dir != "" {
		mux.Handle("/", http.FileServer(http.Dir(dir)))
	}
	return mux
}

// startHTTPServer binds the configured address and serves in the
// background. Binding errors are returned; serve errors are logged.
func (c *Charlotte) startHTTPServer() error {
	ln, err := net.Listen("tcp", c.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", c.cfg.HTTP.Addr, err)
	}

	// No WriteTimeout: WebSocket connections are long-lived
	server := &http.Server{
		Handler:           c.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	c.mu.Lock()
	c.server = server
	c.addr = ln.Addr()
	c.mu.Unlock()

	slog.Info("starting http server",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/health", "/readiness", "/metrics", "/ws"},
		"static_dir", c.cfg.HTTP.StaticDir,
	)

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
		}
	}()
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}
