// Package strategist keeps the versioned list of strategies. Metadata is
// persisted as JSON; behaviour is Go code registered by code name.
package strategist

import (
	"fmt"
	"sort"
	"sync"

	"github.com/navid-fn/perpdesk/internal/indicator"
	"github.com/navid-fn/perpdesk/internal/models"
)

// Strategy is the behaviour half of a strategy. CreateDecisions may read
// and write in.Scribbles; the map persists across ticks.
type Strategy interface {
	indicator.Creator
	CreateDecisions(in models.DecisionInput) (models.Decisions, error)
}

// Factory builds a fresh strategy instance.
type Factory func() Strategy

var (
	registryMu sync.RWMutex
	registry   = map[string]registered{}
)

type registered struct {
	info    models.StrategyInfo
	factory Factory
}

// Register makes a strategy implementation available under info.CodeName.
// info is what a fresh strategies file is seeded with. Registering a code
// name twice panics.
func Register(info models.StrategyInfo, factory Factory) {
	if err := info.Validate(); err != nil {
		panic(fmt.Sprintf("strategist: register %s: %v", info.CodeName, err))
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[info.CodeName]; dup {
		panic("strategist: duplicate registration of " + info.CodeName)
	}
	registry[info.CodeName] = registered{info: info, factory: factory}
}

// Implementation returns a new instance of the strategy registered under
// code.
func Implementation(code string) (Strategy, error) {
	factory, err := FactoryFor(code)
	if err != nil {
		return nil, err
	}
	return factory(), nil
}

// FactoryFor returns the factory registered under code.
func FactoryFor(code string) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	r, ok := registry[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, code)
	}
	return r.factory, nil
}

// Registered returns the seed metadata of every registered strategy,
// ordered by code name.
func Registered() []models.StrategyInfo {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]models.StrategyInfo, 0, len(registry))
	for _, r := range registry {
		out = append(out, r.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CodeName < out[j].CodeName })
	return out
}
