package market

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/xtrntr/papertrade/internal/models"
)

// ErrUnknownSymbol is returned for symbols nobody has streamed yet
var ErrUnknownSymbol = errors.New("unknown symbol")

// Registry owns one SymbolState per symbol for the life of the process.
// States are created on first use and never removed.
type Registry struct {
	sim *Simulator

	mu     sync.Mutex
	states map[string]*SymbolState
}

// NewRegistry creates an empty registry
func NewRegistry(sim *Simulator) *Registry {
	return &Registry{
		sim:    sim,
		states: make(map[string]*SymbolState),
	}
}

// Get returns the state for symbol, creating it if needed
func (r *Registry) Get(symbol string) *SymbolState {
	symbol = models.NormalizeSymbol(symbol)

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.states[symbol]
	if !ok {
		s = r.sim.NewState(symbol)
		r.states[symbol] = s
	}
	return s
}

// Lookup returns the state for symbol without creating it
func (r *Registry) Lookup(symbol string) (*SymbolState, bool) {
	symbol = models.NormalizeSymbol(symbol)

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.states[symbol]
	return s, ok
}

// Advance moves the walk of symbol one tick. Only the symbol's own state is
// locked while the step is applied.
func (r *Registry) Advance(symbol string) models.Snapshot {
	return r.sim.Advance(r.Get(symbol))
}

// Quote returns the current snapshot of symbol without advancing it. Only
// symbols that already have a state can be quoted.
func (r *Registry) Quote(_ context.Context, symbol string) (models.Snapshot, error) {
	s, ok := r.Lookup(symbol)
	if !ok {
		return models.Snapshot{}, ErrUnknownSymbol
	}
	return s.Snapshot(), nil
}

// Symbols lists every symbol seen so far
func (r *Registry) Symbols() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.states))
	for sym := range r.states {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
