// File: internal/auth/meter.go
package auth

import (
	"sort"
	"sync"
)

// ToolUsage is the per-tool counter snapshot exposed by the usage
// endpoint.
type ToolUsage struct {
	Tool      string `json:"tool"`
	Calls     uint64 `json:"calls"`
	Errors    uint64 `json:"errors"`
	CacheHits uint64 `json:"cache_hits"`
}

// Meter accumulates per-tool usage counters. Safe for concurrent use.
type Meter struct {
	mu    sync.Mutex
	usage map[string]*ToolUsage
}

// NewMeter creates an empty meter.
func NewMeter() *Meter {
	return &Meter{usage: make(map[string]*ToolUsage)}
}

func (m *Meter) get(tool string) *ToolUsage {
	u, ok := m.usage[tool]
	if !ok {
		u = &ToolUsage{Tool: tool}
		m.usage[tool] = u
	}
	return u
}

// RecordCall counts one tool invocation and whether it failed.
func (m *Meter) RecordCall(tool string, failed bool) {
	m.mu.Lock()
	u := m.get(tool)
	u.Calls++
	if failed {
		u.Errors++
	}
	m.mu.Unlock()
}

// RecordCacheHit counts a call served from the result cache.
func (m *Meter) RecordCacheHit(tool string) {
	m.mu.Lock()
	u := m.get(tool)
	u.Calls++
	u.CacheHits++
	m.mu.Unlock()
}

// Snapshot returns the counters sorted by tool name.
func (m *Meter) Snapshot() []ToolUsage {
	m.mu.Lock()
	out := make([]ToolUsage, 0, len(m.usage))
	for _, u := range m.usage {
		out = append(out, *u)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Tool < out[j].Tool })
	return out
}
