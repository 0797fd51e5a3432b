// Package metrics provides the in-process metrics sink used by the
// orchestration core. Counters and gauges are mirrored into a Prometheus
// registry; raw samples are kept in a bounded ring for snapshots.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultRingCapacity bounds the in-memory event ring.
	DefaultRingCapacity = 10_000

	namespace = "amas"
	subsystem = "orchestration"
)

var labelKeys = []string{"component", "workflow", "agent", "capability"}

// SampleKind distinguishes counter increments from gauge sets.
type SampleKind string

const (
	// SampleCounter is an additive sample.
	SampleCounter SampleKind = "counter"
	// SampleGauge is a point-in-time sample.
	SampleGauge SampleKind = "gauge"
)

// Labels identifies the origin of a sample. Empty fields are allowed.
type Labels struct {
	Component  string
	Workflow   string
	Agent      string
	Capability string
}

func (l Labels) values() []string {
	return []string{l.Component, l.Workflow, l.Agent, l.Capability}
}

// Sample is one recorded metric event.
type Sample struct {
	Name   string
	Kind   SampleKind
	Value  float64
	Labels Labels
	At     time.Time
}

// Snapshot is a point-in-time view of the sink.
type Snapshot struct {
	Counters map[string]float64
	Gauges   map[string]float64
	Events   []Sample
	TakenAt  time.Time
}

// Config configures a Sink.
type Config struct {
	// RingCapacity bounds the event ring; 0 means DefaultRingCapacity.
	RingCapacity int
	// Registry receives the mirrored Prometheus collectors. Nil creates a
	// private registry.
	Registry *prometheus.Registry
}

// Sink records counters and gauges. Increments on an existing series are
// lock-free (Prometheus atomics); the sink's own locks guard only series
// creation, the snapshot maps, and the ring's eviction step.
type Sink struct {
	registry *prometheus.Registry

	mu       sync.RWMutex
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec

	valmu    sync.Mutex
	counterV map[string]float64
	gaugeV   map[string]float64

	ringmu   sync.Mutex
	ring     []Sample
	ringCap  int
	ringHead int
	ringLen  int
}

// NewSink creates a metrics sink.
func NewSink(cfg Config) *Sink {
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = DefaultRingCapacity
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return &Sink{
		registry: registry,
		counters: make(map[string]*prometheus.CounterVec),
		gauges:   make(map[string]*prometheus.GaugeVec),
		counterV: make(map[string]float64),
		gaugeV:   make(map[string]float64),
		ring:     make([]Sample, cfg.RingCapacity),
		ringCap:  cfg.RingCapacity,
	}
}

// Inc adds delta to the named counter.
func (s *Sink) Inc(name string, delta float64, labels Labels) {
	s.counterVec(name).WithLabelValues(labels.values()...).Add(delta)

	key := seriesKey(name, labels)
	s.valmu.Lock()
	s.counterV[key] += delta
	s.valmu.Unlock()

	s.record(Sample{Name: name, Kind: SampleCounter, Value: delta, Labels: labels, At: time.Now()})
}

// Set sets the named gauge.
func (s *Sink) Set(name string, value float64, labels Labels) {
	s.gaugeVec(name).WithLabelValues(labels.values()...).Set(value)

	key := seriesKey(name, labels)
	s.valmu.Lock()
	s.gaugeV[key] = value
	s.valmu.Unlock()

	s.record(Sample{Name: name, Kind: SampleGauge, Value: value, Labels: labels, At: time.Now()})
}

// Snapshot returns current counter/gauge values and up to limit most recent
// events (0 means all retained events, oldest first).
func (s *Sink) Snapshot(limit int) Snapshot {
	snap := Snapshot{
		Counters: make(map[string]float64),
		Gauges:   make(map[string]float64),
		TakenAt:  time.Now(),
	}

	s.valmu.Lock()
	for k, v := range s.counterV {
		snap.Counters[k] = v
	}
	for k, v := range s.gaugeV {
		snap.Gauges[k] = v
	}
	s.valmu.Unlock()

	s.ringmu.Lock()
	n := s.ringLen
	if limit > 0 && limit < n {
		n = limit
	}
	snap.Events = make([]Sample, 0, n)
	// Oldest of the selected window first.
	start := s.ringLen - n
	for i := start; i < s.ringLen; i++ {
		idx := (s.ringHead + i) % s.ringCap
		snap.Events = append(snap.Events, s.ring[idx])
	}
	s.ringmu.Unlock()

	return snap
}

// Registry exposes the mirrored Prometheus registry for the ops listener.
func (s *Sink) Registry() *prometheus.Registry { return s.registry }

func (s *Sink) record(sample Sample) {
	s.ringmu.Lock()
	if s.ringLen < s.ringCap {
		s.ring[(s.ringHead+s.ringLen)%s.ringCap] = sample
		s.ringLen++
	} else {
		// Evict oldest.
		s.ring[s.ringHead] = sample
		s.ringHead = (s.ringHead + 1) % s.ringCap
	}
	s.ringmu.Unlock()
}

func (s *Sink) counterVec(name string) *prometheus.CounterVec {
	s.mu.RLock()
	vec, ok := s.counters[name]
	s.mu.RUnlock()
	if ok {
		return vec
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if vec, ok = s.counters[name]; ok {
		return vec
	}
	vec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      "Orchestration counter " + name,
	}, labelKeys)
	s.registry.MustRegister(vec)
	s.counters[name] = vec
	return vec
}

func (s *Sink) gaugeVec(name string) *prometheus.GaugeVec {
	s.mu.RLock()
	vec, ok := s.gauges[name]
	s.mu.RUnlock()
	if ok {
		return vec
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if vec, ok = s.gauges[name]; ok {
		return vec
	}
	vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      "Orchestration gauge " + name,
	}, labelKeys)
	s.registry.MustRegister(vec)
	s.gauges[name] = vec
	return vec
}

func seriesKey(name string, labels Labels) string {
	key := name
	if labels.Component != "" {
		key += ",component=" + labels.Component
	}
	if labels.Workflow != "" {
		key += ",workflow=" + labels.Workflow
	}
	if labels.Agent != "" {
		key += ",agent=" + labels.Agent
	}
	if labels.Capability != "" {
		key += ",capability=" + labels.Capability
	}
	return key
}
