package hierarchy

import (
	"log/slog"
	"sort"
	"strings"
)

// Strategy picks among candidate agents.
type Strategy string

const (
	// StrategyLeastLoaded minimizes current load ratio; ties break on higher
	// rolling quality, then lower cost per hour, then lower id.
	StrategyLeastLoaded Strategy = "least_loaded"
	// StrategyQualityFirst maximizes rolling quality, then applies the
	// least-loaded tie-breaks.
	StrategyQualityFirst Strategy = "quality_first"
	// StrategyRoundRobin cycles through candidates in insertion order.
	StrategyRoundRobin Strategy = "round_robin"
)

const assignRetries = 3

// candidate is an immutable copy taken under the read lock so sorting and
// scoring never hold the pool lock.
type candidate struct {
	id      string
	seq     int
	load    float64
	quality float64
	cost    float64
}

// Select returns an agent whose capability set covers required, has spare
// capacity, is selectable and not circuit-broken. When the pool cannot
// satisfy the request and a factory is registered, one agent is instantiated
// on demand (up to the per-capability cap).
//
// Candidates are gathered under a read lock; assignment happens later under
// a brief write lock (see SelectAndAssign). Tie-breaks are deterministic.
func (m *Manager) Select(required CapabilitySet, strategy Strategy) (string, error) {
	candidates := m.candidates(required)
	if len(candidates) == 0 {
		if id, ok := m.scaleUp(required); ok {
			return id, nil
		}
		return "", ErrNoneAvailable
	}

	switch strategy {
	case StrategyQualityFirst:
		sort.Slice(candidates, func(i, j int) bool { return lessQualityFirst(candidates[i], candidates[j]) })
		return candidates[0].id, nil
	case StrategyRoundRobin:
		return m.pickRoundRobin(required, candidates), nil
	default:
		sort.Slice(candidates, func(i, j int) bool { return lessLeastLoaded(candidates[i], candidates[j]) })
		return candidates[0].id, nil
	}
}

// SelectAndAssign composes Select and Assign, retrying when a concurrent
// worker wins the capacity race.
func (m *Manager) SelectAndAssign(required CapabilitySet, strategy Strategy, subtaskID string) (string, error) {
	for attempt := 0; attempt < assignRetries; attempt++ {
		id, err := m.Select(required, strategy)
		if err != nil {
			return "", err
		}
		switch err := m.Assign(id, subtaskID); err {
		case nil:
			return id, nil
		case ErrOverloaded, ErrNotSelectable:
			// Lost the race; re-select.
			continue
		default:
			return "", err
		}
	}
	return "", ErrNoneAvailable
}

func (m *Manager) candidates(required CapabilitySet) []candidate {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Walk the smallest inverted-index bucket among the required
	// capabilities; an empty required set considers the whole pool.
	var pool []string
	if len(required) == 0 {
		pool = make([]string, 0, len(m.agents))
		for _, ids := range m.byTier {
			pool = append(pool, ids...)
		}
	} else {
		best := -1
		for c := range required {
			ids := m.byCap[c]
			if best == -1 || len(ids) < best {
				best = len(ids)
				pool = ids
			}
		}
	}

	var out []candidate
	for _, id := range pool {
		a, ok := m.agents[id]
		if !ok || !a.status.Selectable() || !a.spareCapacity() {
			continue
		}
		if !a.caps.Superset(required) {
			continue
		}
		if b := m.BreakerFor(id); b != nil && b.Open() {
			continue
		}
		out = append(out, candidate{
			id:      id,
			seq:     a.seq,
			load:    a.loadRatio(),
			quality: a.qualityScore,
			cost:    a.spec.CostPerHour,
		})
	}
	return out
}

func lessLeastLoaded(a, b candidate) bool {
	if a.load != b.load {
		return a.load < b.load
	}
	if a.quality != b.quality {
		return a.quality > b.quality
	}
	if a.cost != b.cost {
		return a.cost < b.cost
	}
	return a.id < b.id
}

func lessQualityFirst(a, b candidate) bool {
	if a.quality != b.quality {
		return a.quality > b.quality
	}
	return lessLeastLoaded(a, b)
}

func (m *Manager) pickRoundRobin(required CapabilitySet, candidates []candidate) string {
	// Insertion order.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].seq < candidates[j].seq })

	key := selectionKey(required)
	m.mu.Lock()
	cursor := m.rrCursor[key]
	pick := candidates[cursor%len(candidates)]
	m.rrCursor[key] = cursor + 1
	m.mu.Unlock()
	return pick.id
}

func selectionKey(required CapabilitySet) string {
	caps := make([]string, 0, len(required))
	for c := range required {
		caps = append(caps, string(c))
	}
	sort.Strings(caps)
	return strings.Join(caps, ",")
}

// scaleUp instantiates an agent via a registered factory when the pool has
// no match. Returns the new agent id on success.
func (m *Manager) scaleUp(required CapabilitySet) (string, bool) {
	for c := range required {
		v, ok := m.factories.Load(c)
		if !ok {
			continue
		}
		factory := v.(Factory)

		countV, _ := m.spawned.LoadOrStore(c, new(int))
		count := countV.(*int)
		m.mu.Lock()
		if *count >= m.cfg.PerCapabilityFactoryCap {
			m.mu.Unlock()
			continue
		}
		*count++
		m.mu.Unlock()

		spec, err := factory(required.Clone())
		if err != nil {
			slog.Warn("hierarchy: factory failed", "capability", c, "error", err)
			m.mu.Lock()
			*count--
			m.mu.Unlock()
			continue
		}
		id, err := m.register(spec, c)
		if err != nil {
			slog.Warn("hierarchy: factory agent registration failed", "capability", c, "error", err)
			m.mu.Lock()
			*count--
			m.mu.Unlock()
			continue
		}
		slog.Info("hierarchy: agent instantiated on demand", "capability", c, "agent_id", id)
		return id, true
	}
	return "", false
}
