// Package health aggregates liveness and readiness probes by component.
// Probes are re-evaluated on every query; the registry caches nothing and
// never alters control flow by itself.
package health

import (
	"sync"
	"time"
)

// Status is a single probe's report.
type Status struct {
	Healthy bool   `json:"healthy"`
	Ready   bool   `json:"ready"`
	Detail  string `json:"detail,omitempty"`
}

// Probe reports the current status of one component. Probes must be cheap
// and side-effect free.
type Probe func() Status

// Report aggregates all registered probes.
type Report struct {
	Healthy    bool              `json:"healthy"`
	Ready      bool              `json:"ready"`
	Components map[string]Status `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// Registry holds named component probes.
type Registry struct {
	mu     sync.RWMutex
	probes map[string]Probe
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{probes: make(map[string]Probe)}
}

// Register installs or replaces the probe for a component.
func (r *Registry) Register(component string, probe Probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes[component] = probe
}

// Unregister removes a component's probe.
func (r *Registry) Unregister(component string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.probes, component)
}

// Check evaluates every probe. The system is healthy iff all components are
// healthy, ready iff all are ready. An empty registry is healthy and ready.
func (r *Registry) Check() Report {
	r.mu.RLock()
	probes := make(map[string]Probe, len(r.probes))
	for name, p := range r.probes {
		probes[name] = p
	}
	r.mu.RUnlock()

	report := Report{
		Healthy:    true,
		Ready:      true,
		Components: make(map[string]Status, len(probes)),
		CheckedAt:  time.Now(),
	}
	for name, probe := range probes {
		status := probe()
		report.Components[name] = status
		if !status.Healthy {
			report.Healthy = false
		}
		if !status.Ready {
			report.Ready = false
		}
	}
	return report
}

// Healthy reports whether every registered component is healthy.
func (r *Registry) Healthy() bool { return r.Check().Healthy }

// Ready reports whether every registered component is ready.
func (r *Registry) Ready() bool { return r.Check().Ready }
