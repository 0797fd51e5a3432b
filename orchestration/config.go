// Package orchestration assembles the decomposer, hierarchy, bus and
// executor into one system with a single lifecycle and configuration
// surface.
package orchestration

import (
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/amas-ai/amas/orchestration/bus"
	"github.com/amas-ai/amas/orchestration/decomposer"
	"github.com/amas-ai/amas/orchestration/executor"
	"github.com/amas-ai/amas/orchestration/hierarchy"
	"github.com/amas-ai/amas/orchestration/metrics"
	"github.com/amas-ai/amas/orchestration/reliability"
	"github.com/amas-ai/amas/orchestration/specialist"
	"github.com/amas-ai/amas/orchestration/workflow"
)

// Config is the system-wide configuration tree. Each component keeps its own
// group; viper keys mirror the mapstructure tags (e.g. executor.workers).
type Config struct {
	Decomposer decomposer.Config `mapstructure:"decomposer"`
	Hierarchy  hierarchy.Config  `mapstructure:"hierarchy"`
	Bus        bus.Config        `mapstructure:"bus"`
	Executor   executor.Config   `mapstructure:"executor"`
	Specialist specialist.Config `mapstructure:"specialist"`

	// PlannerRetry guards outbound planner provider calls.
	PlannerRetry reliability.RetryPolicy `mapstructure:"planner_retry"`

	// QualityTarget is the default workflow-level aggregate gate.
	QualityTarget float64 `mapstructure:"quality_target" validate:"gte=0,lte=1"`

	// MetricsRing bounds the metrics event ring; 0 keeps the default.
	MetricsRing int `mapstructure:"metrics_ring" validate:"min=0"`
}

// DefaultConfig returns the assembled component defaults.
func DefaultConfig() Config {
	return Config{
		Decomposer:    decomposer.DefaultConfig(),
		Hierarchy:     hierarchy.DefaultConfig(),
		Bus:           bus.DefaultConfig(),
		Executor:      executor.DefaultConfig(),
		Specialist:    specialist.DefaultConfig(),
		PlannerRetry:  reliability.DefaultRetryPolicy(),
		QualityTarget: workflow.DefaultQualityTarget,
	}
}

// Validate checks the configuration tree.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	return nil
}

// FromViper overlays viper-bound settings on the defaults.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal configuration")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewSink builds the metrics sink for this configuration.
func (c Config) NewSink() *metrics.Sink {
	return metrics.NewSink(metrics.Config{RingCapacity: c.MetricsRing})
}
