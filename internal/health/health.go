// Package health runs periodic dependency checks and serves liveness and
// readiness endpoints for the admin mux.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the outcome of a single dependency check.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the status as its string form.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Result is one check outcome kept for readiness reporting.
type Result struct {
	Component string    `json:"component"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	LatencyMS int64     `json:"latencyMs"`
	Timestamp time.Time `json:"timestamp"`
	Critical  bool      `json:"critical"`
}

// Checker probes one dependency. Critical checkers gate readiness.
type Checker interface {
	Name() string
	Critical() bool
	Check(ctx context.Context) Result
}

const (
	defaultInterval = 15 * time.Second
	defaultTimeout  = 5 * time.Second
)

// Manager runs registered checkers on a timer and caches the latest results.
type Manager struct {
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu       sync.RWMutex
	checkers map[string]Checker
	results  map[string]Result

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager builds a manager. Zero durations fall back to the defaults.
func NewManager(interval, timeout time.Duration, logger *zap.Logger) *Manager {
	if interval <= 0 {
		interval = defaultInterval
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Manager{
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		checkers: make(map[string]Checker),
		results:  make(map[string]Result),
		stopCh:   make(chan struct{}),
	}
}

// Register adds a checker. Registering the same name twice replaces it.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	m.checkers[c.Name()] = c
	m.mu.Unlock()
	m.logger.Debug("Registered health checker",
		zap.String("component", c.Name()),
		zap.Bool("critical", c.Critical()))
}

// Start runs an immediate round of checks and then keeps checking on the
// configured interval until Stop is called.
func (m *Manager) Start() {
	go func() {
		m.runChecks()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.runChecks()
			}
		}
	}()
}

// Stop halts the check loop. Safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

func (m *Manager) runChecks() {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	for _, c := range checkers {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		res := c.Check(ctx)
		cancel()

		m.mu.Lock()
		m.results[c.Name()] = res
		m.mu.Unlock()

		if res.Status == StatusUnhealthy {
			m.logger.Warn("Health check failed",
				zap.String("component", c.Name()),
				zap.String("error", res.Error))
		}
	}
}

// Ready reports whether every critical dependency has a passing result.
// Critical checkers that have not run yet count as not ready, so readiness
// stays false until the first round of checks completes.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, c := range m.checkers {
		if !c.Critical() {
			continue
		}
		res, ok := m.results[name]
		if !ok || res.Status == StatusUnhealthy {
			return false
		}
	}
	return true
}

// Snapshot returns a copy of the latest results keyed by component.
func (m *Manager) Snapshot() map[string]Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Result, len(m.results))
	for name, res := range m.results {
		out[name] = res
	}
	return out
}

// RegisterRoutes mounts the liveness and readiness handlers.
func (m *Manager) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", m.handleLive)
	mux.HandleFunc("GET /readyz", m.handleReady)
}

// handleLive answers as long as the process is serving requests.
func (m *Manager) handleLive(w http.ResponseWriter, _ *http.Request) {
	m.write(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady answers 200 only when every critical dependency is reachable.
func (m *Manager) handleReady(w http.ResponseWriter, _ *http.Request) {
	snapshot := m.Snapshot()
	if m.Ready() {
		m.write(w, http.StatusOK, map[string]any{
			"status":     "ready",
			"components": snapshot,
		})
		return
	}
	m.write(w, http.StatusServiceUnavailable, map[string]any{
		"status":     "not_ready",
		"components": snapshot,
	})
}

func (m *Manager) write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Debug("Failed to encode health response", zap.Error(err))
	}
}
