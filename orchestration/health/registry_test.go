package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmptyRegistryIsHealthyAndReady(t *testing.T) {
	r := NewRegistry()
	report := r.Check()
	assert.True(t, report.Healthy)
	assert.True(t, report.Ready)
	assert.Empty(t, report.Components)
}

func TestSingleUnhealthyComponentDegradesAggregate(t *testing.T) {
	r := NewRegistry()
	r.Register("bus", func() Status { return Status{Healthy: true, Ready: true} })
	r.Register("hierarchy", func() Status { return Status{Healthy: false, Ready: false, Detail: "no agents"} })

	report := r.Check()
	assert.False(t, report.Healthy)
	assert.False(t, report.Ready)
	assert.Equal(t, "no agents", report.Components["hierarchy"].Detail)
	assert.True(t, report.Components["bus"].Healthy)
}

func TestHealthyButNotReady(t *testing.T) {
	r := NewRegistry()
	r.Register("executor", func() Status { return Status{Healthy: true, Ready: false} })

	assert.True(t, r.Healthy())
	assert.False(t, r.Ready())
}

func TestUnregisterRestoresAggregate(t *testing.T) {
	r := NewRegistry()
	r.Register("flaky", func() Status { return Status{} })
	assert.False(t, r.Healthy())

	r.Unregister("flaky")
	assert.True(t, r.Healthy())
}

func TestProbesReevaluatedEachCheck(t *testing.T) {
	r := NewRegistry()
	ready := false
	r.Register("warmup", func() Status { return Status{Healthy: true, Ready: ready} })

	assert.False(t, r.Ready())
	ready = true
	assert.True(t, r.Ready())
}
