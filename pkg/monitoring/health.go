package monitoring

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

const (
	// healthErrorWindow is how long a recorded error keeps the probe
	// unhealthy. Older errors stay visible in the payload but stop
	// failing the probe.
	healthErrorWindow = 15 * time.Minute

	// healthMaxErrors caps the error list carried in the payload.
	healthMaxErrors = 10

	// defaultStaleAfter marks the feed degraded when no bar closed for
	// this long.
	defaultStaleAfter = 24 * time.Hour
)

// HealthChecker reports process health for container probes. The status
// degrades when the feed disconnects or bars stop arriving, and turns
// unhealthy while errors are fresh.
type HealthChecker struct {
	mu          sync.RWMutex
	started     time.Time
	staleAfter  time.Duration
	lastBar     time.Time
	lastError   time.Time
	isConnected bool
	errors      []string

	now func() time.Time
}

// HealthStatus is the JSON payload of the health endpoint.
type HealthStatus struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	LastBar     time.Time `json:"last_bar"`
	IsConnected bool      `json:"is_connected"`
	Uptime      string    `json:"uptime"`
	Errors      []string  `json:"errors,omitempty"`
}

// NewHealthChecker creates a health checker that reports degraded when no
// bar closed within staleAfter. Zero or negative picks the default window.
func NewHealthChecker(staleAfter time.Duration) *HealthChecker {
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &HealthChecker{
		started:    time.Now(),
		staleAfter: staleAfter,
		errors:     make([]string, 0),
		now:        time.Now,
	}
}

// SetConnected records feed connectivity.
func (h *HealthChecker) SetConnected(connected bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.isConnected = connected
}

// MarkBar records a closed bar arriving from the feed.
func (h *HealthChecker) MarkBar(at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if at.After(h.lastBar) {
		h.lastBar = at
	}
}

// AddError records an engine error. The probe fails while the newest error
// is younger than the error window.
func (h *HealthChecker) AddError(msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastError = h.now()
	h.errors = append(h.errors, msg)
	if len(h.errors) > healthMaxErrors {
		h.errors = h.errors[len(h.errors)-healthMaxErrors:]
	}
}

// ServeHTTP answers the health probe.
func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := h.now()
	status := "healthy"
	code := http.StatusOK

	switch {
	case !h.lastError.IsZero() && now.Sub(h.lastError) < healthErrorWindow:
		status = "unhealthy"
		code = http.StatusInternalServerError
	case !h.isConnected || h.lastBar.IsZero() || now.Sub(h.lastBar) > h.staleAfter:
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	health := HealthStatus{
		Status:      status,
		Timestamp:   now,
		LastBar:     h.lastBar,
		IsConnected: h.isConnected,
		Uptime:      now.Sub(h.started).String(),
		Errors:      h.errors,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(health)
}
