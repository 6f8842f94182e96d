// Package cache defines the UI cache surface the feed core is allowed
// to touch, with an in-memory store and a Redis-backed store.
//
// The core never owns the canonical alert copy; it only reads,
// patches, and invalidates cached snapshots. Writes for a given alert
// are serialized upstream by the event queue's per-alert ordering.
package cache

import (
	"context"
	"sync"

	"github.com/ward-net/alertfeed/pkg/types"
)

// PatchFunc receives the current snapshot for an alert (nil if absent)
// and returns the replacement (nil deletes the entry).
type PatchFunc func(current *types.AlertSnapshot) *types.AlertSnapshot

// Store is the key-addressed snapshot cache.
type Store interface {
	// Get returns the cached snapshot, or nil on a miss.
	Get(ctx context.Context, scopeID, alertID string) (*types.AlertSnapshot, error)

	// List returns all cached snapshots for a scope.
	List(ctx context.Context, scopeID string) ([]types.AlertSnapshot, error)

	// Patch applies a synchronous local mutation to one alert's entry.
	Patch(ctx context.Context, scopeID, alertID string, fn PatchFunc) error

	// Invalidate drops a scope's entries, forcing a refetch.
	Invalidate(ctx context.Context, scopeID string) error

	// PutMetrics stores the aggregate metrics entry, last write wins.
	PutMetrics(ctx context.Context, m *types.ScopeMetrics) error

	// GetMetrics returns the aggregate metrics entry, or nil on a miss.
	GetMetrics(ctx context.Context, scopeID string) (*types.ScopeMetrics, error)
}

// Memory is an in-process Store. Used by tests and by embedders that
// mirror snapshots into their own render-side store.
type Memory struct {
	mu      sync.Mutex
	scopes  map[string]map[string]*types.AlertSnapshot
	metrics map[string]*types.ScopeMetrics
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		scopes:  make(map[string]map[string]*types.AlertSnapshot),
		metrics: make(map[string]*types.ScopeMetrics),
	}
}

func (m *Memory) Get(ctx context.Context, scopeID, alertID string) (*types.AlertSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scopes[scopeID][alertID].Clone(), nil
}

func (m *Memory) List(ctx context.Context, scopeID string) ([]types.AlertSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.AlertSnapshot
	for _, s := range m.scopes[scopeID] {
		out = append(out, *s.Clone())
	}
	return out, nil
}

func (m *Memory) Patch(ctx context.Context, scopeID, alertID string, fn PatchFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	scope := m.scopes[scopeID]
	next := fn(scope[alertID].Clone())
	if next == nil {
		delete(scope, alertID)
		return nil
	}
	if scope == nil {
		scope = make(map[string]*types.AlertSnapshot)
		m.scopes[scopeID] = scope
	}
	scope[alertID] = next.Clone()
	return nil
}

func (m *Memory) Invalidate(ctx context.Context, scopeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scopes, scopeID)
	return nil
}

func (m *Memory) PutMetrics(ctx context.Context, metrics *types.ScopeMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics[metrics.ScopeID] = metrics
	return nil
}

func (m *Memory) GetMetrics(ctx context.Context, scopeID string) (*types.ScopeMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics[scopeID], nil
}
