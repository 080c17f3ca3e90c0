package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/runwayhq/runway/pkg/metrics"
)

// Pinger reports whether the backing store answers
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler implements the /health endpoint from the component
// registry. Only an unhealthy critical component fails it.
func (s *Server) healthHandler(c *gin.Context) {
	health := metrics.GetHealth()
	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

// readyHandler implements the /ready endpoint. It pings the store directly
// instead of waiting for the next collector tick.
func (s *Server) readyHandler(c *gin.Context) {
	checks := make(map[string]string)
	ready := true
	var message string

	if s.store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		err := s.store.Ping(ctx)
		cancel()
		if err != nil {
			checks["store"] = "error: " + err.Error()
			ready = false
			message = "Store not reachable"
		} else {
			checks["store"] = "ok"
		}
	} else {
		checks["store"] = "not initialized"
		ready = false
		message = "Store not initialized"
	}

	for name, state := range metrics.GetReadiness().Components {
		if name == metrics.ComponentStore {
			continue
		}
		checks[name] = state
		if state != "ready" {
			ready = false
			if message == "" {
				message = "Waiting for " + name
			}
		}
	}

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}
