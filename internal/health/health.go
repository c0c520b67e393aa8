// Package health serves the conductor's /healthz endpoint.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/dyluth/conductor/internal/hub"
	"github.com/dyluth/conductor/internal/singleton"
	"github.com/dyluth/conductor/pkg/conductor"
)

// EngineStatus reports the transmission state.
type EngineStatus interface {
	State() conductor.State
}

// SingletonStatus reports the coordinator's view of the network.
type SingletonStatus interface {
	InstanceID() string
	State() singleton.State
	Peers() []singleton.HeartbeatRecord
}

// ObserverStatus reports hub counters.
type ObserverStatus interface {
	Stats() hub.Stats
}

// Pinger verifies a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Sources groups what the health endpoint inspects. Observers and Redis are optional.
type Sources struct {
	Engine    EngineStatus
	Singleton SingletonStatus
	Observers ObserverStatus
	Redis     Pinger
}

// HealthServer provides an HTTP health check endpoint for the conductor.
type HealthServer struct {
	server   *http.Server
	sources  Sources
	listener net.Listener
}

// HealthResponse is the JSON response from the /healthz endpoint.
type HealthResponse struct {
	Status      string                      `json:"status"`
	Phase       conductor.Phase             `json:"phase"`
	Frame       uint16                      `json:"frame"`
	TotalFrames int                         `json:"total_frames"`
	Actions     []conductor.Action          `json:"actions"`
	InstanceID  string                      `json:"instance_id"`
	Singleton   singleton.State             `json:"singleton"`
	Peers       []singleton.HeartbeatRecord `json:"peers"`
	Observers   *hub.Stats                  `json:"observers,omitempty"`
	Redis       string                      `json:"redis,omitempty"`
	Error       string                      `json:"error,omitempty"`
}

// NewHealthServer creates a health server listening on the given port.
func NewHealthServer(sources Sources, port int) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		sources: sources,
	}

	mux.HandleFunc("/healthz", hs.handleHealthz)

	return hs
}

// Start binds the port and serves in a background goroutine.
// Returns an error if the port cannot be bound.
func (hs *HealthServer) Start() error {
	ln, err := net.Listen("tcp", hs.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", hs.server.Addr, err)
	}
	hs.listener = ln

	go func() {
		log.Printf("[DEBUG] Health server starting on %s", ln.Addr())
		if err := hs.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[ERROR] Health server error: %v", err)
		}
		log.Printf("[DEBUG] Health server stopped")
	}()

	return nil
}

// Addr returns the bound address, or nil before Start.
func (hs *HealthServer) Addr() net.Addr {
	if hs.listener == nil {
		return nil
	}
	return hs.listener.Addr()
}

// Shutdown gracefully shuts down the HTTP server.
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	log.Printf("[DEBUG] Shutting down health server...")
	return hs.server.Shutdown(ctx)
}

// handleHealthz reports 200 while this instance holds (or bypasses) the
// singleton and Redis, if configured, answers; 503 otherwise.
func (hs *HealthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s := hs.sources.Engine.State()
	response := HealthResponse{
		Status:      "healthy",
		Phase:       s.Phase,
		Frame:       s.CurrentFrame,
		TotalFrames: s.Config.TotalFrames,
		Actions:     s.Actions(),
		InstanceID:  hs.sources.Singleton.InstanceID(),
		Singleton:   hs.sources.Singleton.State(),
		Peers:       hs.sources.Singleton.Peers(),
	}
	if hs.sources.Observers != nil {
		stats := hs.sources.Observers.Stats()
		response.Observers = &stats
	}

	statusCode := http.StatusOK

	if response.Singleton != singleton.StateStandalone && response.Singleton != singleton.StateBypassed {
		response.Status = "unhealthy"
		response.Error = fmt.Sprintf("singleton state is %s", response.Singleton)
		statusCode = http.StatusServiceUnavailable
	}

	if hs.sources.Redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := hs.sources.Redis.Ping(ctx); err != nil {
			response.Redis = "disconnected"
			if statusCode == http.StatusOK {
				response.Status = "unhealthy"
				response.Error = err.Error()
				statusCode = http.StatusServiceUnavailable
			}
		} else {
			response.Redis = "connected"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Printf("[ERROR] Failed to encode health response: %v", err)
	}
}
