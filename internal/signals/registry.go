package signals

import (
	"sort"
	"strings"
	"sync"

	"github.com/atlas-desktop/signal-consensus/pkg/types"
)

// StrategyType categorizes a bot by how it trades.
type StrategyType string

const (
	StrategyTrend         StrategyType = "trend"
	StrategyMomentum      StrategyType = "momentum"
	StrategyRange         StrategyType = "range"
	StrategyMeanReversion StrategyType = "mean_reversion"
	StrategyOscillator    StrategyType = "oscillator"
	StrategyOther         StrategyType = "other"
)

// ParseStrategyType normalizes a configured strategy tag. Unknown tags map to StrategyOther.
func ParseStrategyType(s string) StrategyType {
	switch st := StrategyType(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyTrend, StrategyMomentum, StrategyRange, StrategyMeanReversion, StrategyOscillator:
		return st
	default:
		return StrategyOther
	}
}

// FollowsTrend reports whether the strategy profits from directional markets.
func (s StrategyType) FollowsTrend() bool {
	return s == StrategyTrend || s == StrategyMomentum
}

// TradesRange reports whether the strategy profits from range-bound markets.
func (s StrategyType) TradesRange() bool {
	return s == StrategyRange || s == StrategyMeanReversion
}

// IsContrarian reports whether the strategy normally fades moves.
func (s StrategyType) IsContrarian() bool {
	return s == StrategyMeanReversion || s == StrategyOscillator
}

// Registration describes one prediction bot.
type Registration struct {
	Name         string       `json:"name" mapstructure:"name"`
	StrategyType StrategyType `json:"strategyType" mapstructure:"strategy_type"`
	URL          string       `json:"url,omitempty" mapstructure:"url"`
}

// Registry maps bot names to their registrations.
type Registry struct {
	mu   sync.RWMutex
	bots map[string]Registration
}

// NewRegistry creates a registry from registrations.
func NewRegistry(regs ...Registration) *Registry {
	r := &Registry{bots: make(map[string]Registration, len(regs))}
	for _, reg := range regs {
		r.Register(reg)
	}
	return r
}

// Register adds or replaces a bot registration.
func (r *Registry) Register(reg Registration) {
	reg.StrategyType = ParseStrategyType(string(reg.StrategyType))

	r.mu.Lock()
	r.bots[reg.Name] = reg
	r.mu.Unlock()
}

// Lookup returns the registration for name.
func (r *Registry) Lookup(name string) (Registration, bool) {
	if r == nil {
		return Registration{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.bots[name]
	return reg, ok
}

// StrategyOf returns the strategy type of name, StrategyOther when unregistered.
func (r *Registry) StrategyOf(name string) StrategyType {
	if reg, ok := r.Lookup(name); ok {
		return reg.StrategyType
	}
	return StrategyOther
}

// All returns every registration sorted by name.
func (r *Registry) All() []Registration {
	r.mu.RLock()
	out := make([]Registration, 0, len(r.bots))
	for _, reg := range r.bots {
		out = append(out, reg)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// regimeMultiplier returns the weight multiplier a strategy earns in regime.
func (c *Config) regimeMultiplier(st StrategyType, regime types.Regime) float64 {
	switch {
	case st.FollowsTrend() && (regime == types.RegimeBull || regime == types.RegimeBear):
		return c.TrendMultiplier
	case st.TradesRange() && regime == types.RegimeSideways:
		return c.RangeMultiplier
	default:
		return 1.0
	}
}
