// Package health aggregates component liveness checks for the /health
// endpoint and readiness probes.
package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"wholesale_backend/internal/core"

	"github.com/redis/go-redis/v9"
)

// Manager collects named health checks and reports their combined status.
type Manager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

func NewManager(logger core.ILogger) *Manager {
	m := &Manager{checks: make(map[string]func() error)}
	if logger != nil {
		m.logger = logger.WithField("component", "health")
	}
	return m
}

// Register adds or replaces the check for a component.
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// GetStatus runs every check and reports per-component status.
func (m *Manager) GetStatus() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]string, len(m.checks))
	for component, check := range m.checks {
		if err := check(); err != nil {
			status[component] = "Unhealthy: " + err.Error()
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// IsHealthy reports whether every registered check passes.
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for component, check := range m.checks {
		if err := check(); err != nil {
			if m.logger != nil {
				m.logger.Warn("health check failing", "component", component, "error", err)
			}
			return false
		}
	}
	return true
}

// Handler serves the aggregate status as JSON, 503 when anything fails.
func (m *Manager) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := m.GetStatus()
		healthy := true
		for _, s := range status {
			if s != "Healthy" {
				healthy = false
				break
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"healthy":    healthy,
			"components": status,
		})
	})
}

// DatabaseCheck pings the order database with a short deadline.
func DatabaseCheck(db *sql.DB) func() error {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return db.PingContext(ctx)
	}
}

// BrokerCheck pings the job broker. A nil client means the fabric runs in
// sync mode and is always considered healthy.
func BrokerCheck(client *redis.Client) func() error {
	return func() error {
		if client == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return client.Ping(ctx).Err()
	}
}

// BacklogCheck fails once a counter crosses its ceiling, used to flag dead
// letter pile-ups before operators notice missing orders.
func BacklogCheck(count func() (int, error), max int, errOver error) func() error {
	return func() error {
		n, err := count()
		if err != nil {
			return err
		}
		if n > max {
			return errOver
		}
		return nil
	}
}
