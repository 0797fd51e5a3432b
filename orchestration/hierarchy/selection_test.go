package hierarchy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeastLoadedTieBreaks(t *testing.T) {
	cases := []struct {
		name string
		a, b candidate
		want bool
	}{
		{"lower load wins", candidate{id: "x", load: 0.2}, candidate{id: "y", load: 0.5}, true},
		{"equal load, higher quality wins", candidate{id: "x", load: 0.5, quality: 0.9}, candidate{id: "y", load: 0.5, quality: 0.7}, true},
		{"equal quality, lower cost wins", candidate{id: "x", quality: 0.8, cost: 5}, candidate{id: "y", quality: 0.8, cost: 20}, true},
		{"all equal, lower id wins", candidate{id: "a"}, candidate{id: "b"}, true},
		{"higher load loses", candidate{id: "x", load: 0.9}, candidate{id: "y", load: 0.1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, lessLeastLoaded(tc.a, tc.b))
		})
	}
}

func TestQualityFirstOrdersByQualityThenLoad(t *testing.T) {
	high := candidate{id: "h", load: 0.9, quality: 0.95}
	low := candidate{id: "l", load: 0.0, quality: 0.6}
	assert.True(t, lessQualityFirst(high, low), "quality dominates load")

	same := candidate{id: "s", load: 0.1, quality: 0.95}
	assert.True(t, lessQualityFirst(same, high), "equal quality falls back to load")
}

func TestSelectSkipsOpenBreaker(t *testing.T) {
	m := NewManager(testConfig(), nil)
	broken, err := m.Register(specialistSpec("broken", "research"))
	require.NoError(t, err)
	healthy, err := m.Register(specialistSpec("healthy", "research"))
	require.NoError(t, err)

	br := m.BreakerFor(broken)
	require.NotNil(t, br)
	for i := 0; i < m.cfg.AgentCircuit.FailureThreshold; i++ {
		br.Execute(func() error { return errors.New("unreachable") }, nil)
	}
	require.True(t, br.Open())

	for i := 0; i < 5; i++ {
		id, err := m.Select(NewCapabilitySet("research"), StrategyLeastLoaded)
		require.NoError(t, err)
		assert.Equal(t, healthy, id)
	}
}

func TestSelectAndAssignReservesSlot(t *testing.T) {
	m := NewManager(testConfig(), nil)
	id, err := m.Register(specialistSpec("a", "research")) // two slots
	require.NoError(t, err)

	required := NewCapabilitySet("research")
	got, err := m.SelectAndAssign(required, StrategyLeastLoaded, "st_1")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = m.SelectAndAssign(required, StrategyLeastLoaded, "st_2")
	require.NoError(t, err)

	// Pool is saturated now.
	_, err = m.SelectAndAssign(required, StrategyLeastLoaded, "st_3")
	assert.ErrorIs(t, err, ErrNoneAvailable)
}

func TestSelectEmptyRequiredConsidersWholePool(t *testing.T) {
	m := NewManager(testConfig(), nil)
	_, err := m.Register(specialistSpec("a", "research"))
	require.NoError(t, err)

	id, err := m.Select(NewCapabilitySet(), StrategyLeastLoaded)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestRoundRobinCursorIsPerCapabilityKey(t *testing.T) {
	m := NewManager(testConfig(), nil)
	r1, err := m.Register(specialistSpec("r1", "research"))
	require.NoError(t, err)
	_, err = m.Register(specialistSpec("r2", "research"))
	require.NoError(t, err)
	w1, err := m.Register(specialistSpec("w1", "writing"))
	require.NoError(t, err)

	a, err := m.Select(NewCapabilitySet("research"), StrategyRoundRobin)
	require.NoError(t, err)
	assert.Equal(t, r1, a)

	// A different capability key has its own cursor.
	b, err := m.Select(NewCapabilitySet("writing"), StrategyRoundRobin)
	require.NoError(t, err)
	assert.Equal(t, w1, b)
}
