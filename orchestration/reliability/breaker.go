package reliability

import (
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitConfig configures one breaker. A breaker guards one logical
// dependency (an external provider, an individual agent).
type CircuitConfig struct {
	// FailureThreshold trips the breaker once this many failures accumulate
	// within Window.
	FailureThreshold int
	// Window is the rolling interval over which failures are counted while
	// the breaker is closed.
	Window time.Duration
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// HalfOpenProbes is the number of concurrent probe calls permitted in
	// the half-open state.
	HalfOpenProbes int
}

// DefaultCircuitConfig matches the orchestration-wide defaults.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		FailureThreshold: 5,
		Window:           30 * time.Second,
		Cooldown:         15 * time.Second,
		HalfOpenProbes:   1,
	}
}

// CircuitBreaker wraps a closed/open/half-open breaker around calls to one
// dependency. Rejections surface as KindOpenCircuit outcomes; the underlying
// operation is not invoked while the circuit is open.
type CircuitBreaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// NewCircuitBreaker creates a breaker named after the dependency it guards.
func NewCircuitBreaker(name string, cfg CircuitConfig) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = DefaultCircuitConfig().FailureThreshold
	}
	if cfg.HalfOpenProbes < 1 {
		cfg.HalfOpenProbes = 1
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.HalfOpenProbes),
		Interval:    cfg.Window,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Info("reliability: breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	}

	return &CircuitBreaker{name: name, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Name returns the guarded dependency's name.
func (b *CircuitBreaker) Name() string { return b.name }

// Open reports whether the breaker currently rejects calls.
func (b *CircuitBreaker) Open() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// Execute runs op through the breaker and returns a tagged outcome.
// classify may be nil, in which case every failure counts as transient.
func (b *CircuitBreaker) Execute(op func() error, classify Classifier) Outcome {
	start := time.Now()
	if classify == nil {
		classify = AlwaysTransient
	}

	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, op()
	})
	elapsed := time.Since(start)

	switch {
	case err == nil:
		return Outcome{Kind: KindOK, Attempts: 1, Elapsed: elapsed}
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return Outcome{Kind: KindOpenCircuit, Err: err, Elapsed: elapsed}
	case classify(err) == ClassPermanent:
		return Outcome{Kind: KindPermanent, Err: err, Attempts: 1, Elapsed: elapsed}
	default:
		return Outcome{Kind: KindTransient, Err: err, Attempts: 1, Elapsed: elapsed}
	}
}
