package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// snapshotBuilder rebuilds an aggregate and returns its encoded state and the
// version it represents.
type snapshotBuilder func(ctx context.Context, r *Reconstructor, aggregateType, aggregateID string, uptoVersion int64) (json.RawMessage, int64, error)

// ReducerRegistry maps aggregate types to the reducers the snapshot worker
// uses to materialize state.
type ReducerRegistry struct {
	mu       sync.RWMutex
	builders map[string]snapshotBuilder
}

func NewReducerRegistry() *ReducerRegistry {
	return &ReducerRegistry{builders: make(map[string]snapshotBuilder)}
}

// RegisterReducer registers the reducer of an aggregate type. initial returns
// a fresh zero state for every rebuild. A later registration replaces an
// earlier one.
func RegisterReducer[S any](reg *ReducerRegistry, aggregateType string, reducer Reducer[S], initial func() S) {
	build := func(ctx context.Context, r *Reconstructor, aggregateType, aggregateID string, uptoVersion int64) (json.RawMessage, int64, error) {
		res, err := reconstructUpTo(ctx, r, aggregateType, aggregateID, reducer, initial(), uptoVersion)
		if err != nil {
			return nil, 0, err
		}
		data, err := json.Marshal(res.State)
		if err != nil {
			return nil, 0, fmt.Errorf("encode %s state: %w", aggregateType, err)
		}
		return data, res.Version, nil
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.builders[aggregateType] = build
}

func (reg *ReducerRegistry) lookup(aggregateType string) (snapshotBuilder, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	b, ok := reg.builders[aggregateType]
	return b, ok
}

// Registered reports whether a reducer is registered for aggregateType.
func (reg *ReducerRegistry) Registered(aggregateType string) bool {
	_, ok := reg.lookup(aggregateType)
	return ok
}
