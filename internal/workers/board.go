package workers

import (
	"context"
	"sync"
)

// #region board
// Board is the in-process publication channel for niche specs.
type Board struct {
	mu        sync.RWMutex
	specs     map[string]NicheSpec
	onRetract []func(optimID string)
}

// NewBoard returns an empty board.
func NewBoard() *Board {
	return &Board{specs: make(map[string]NicheSpec)}
}

// Publish stores spec, replacing any earlier spec with the same id.
func (b *Board) Publish(_ context.Context, spec NicheSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.specs[spec.OptimID] = spec
	return nil
}

// Retract removes a spec and notifies retract listeners. Retracting an unknown id is a no-op.
func (b *Board) Retract(_ context.Context, optimID string) error {
	b.mu.Lock()
	_, ok := b.specs[optimID]
	delete(b.specs, optimID)
	listeners := b.onRetract
	b.mu.Unlock()

	if ok {
		for _, fn := range listeners {
			fn(optimID)
		}
	}
	return nil
}

// OnRetract registers fn to run after a published spec is retracted.
func (b *Board) OnRetract(fn func(optimID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onRetract = append(b.onRetract, fn)
}

// Lookup returns the spec published under optimID.
func (b *Board) Lookup(optimID string) (NicheSpec, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	spec, ok := b.specs[optimID]
	return spec, ok
}

// Len returns the number of published specs.
func (b *Board) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.specs)
}

// #endregion board
