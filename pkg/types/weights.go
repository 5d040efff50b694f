package types

import (
	"encoding/json"
	"time"
)

// DefaultWeight is used for bots the table has never seen.
const DefaultWeight = 1.0

// WeightTable is an immutable, versioned snapshot of per-bot trust weights.
// Readers hold a *WeightTable for the duration of a cycle; the weighting
// engine publishes a new one instead of mutating the old.
type WeightTable struct {
	version    int64
	computedAt time.Time
	weights    map[string]float64
}

// NewWeightTable copies weights into a new snapshot.
func NewWeightTable(version int64, computedAt time.Time, weights map[string]float64) *WeightTable {
	cp := make(map[string]float64, len(weights))
	for bot, w := range weights {
		cp[bot] = w
	}
	return &WeightTable{version: version, computedAt: computedAt, weights: cp}
}

// Weight returns the weight for bot, or DefaultWeight when unknown.
// A nil table behaves as an empty one.
func (t *WeightTable) Weight(bot string) float64 {
	if t == nil {
		return DefaultWeight
	}
	if w, ok := t.weights[bot]; ok {
		return w
	}
	return DefaultWeight
}

// Version returns the snapshot version; zero for a nil table.
func (t *WeightTable) Version() int64 {
	if t == nil {
		return 0
	}
	return t.version
}

// ComputedAt returns when the snapshot was produced.
func (t *WeightTable) ComputedAt() time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.computedAt
}

// Weights returns a copy of the underlying map.
func (t *WeightTable) Weights() map[string]float64 {
	if t == nil {
		return map[string]float64{}
	}
	cp := make(map[string]float64, len(t.weights))
	for bot, w := range t.weights {
		cp[bot] = w
	}
	return cp
}

type weightTableJSON struct {
	Version    int64              `json:"version"`
	ComputedAt time.Time          `json:"computedAt"`
	Weights    map[string]float64 `json:"weights"`
}

func (t *WeightTable) MarshalJSON() ([]byte, error) {
	return json.Marshal(weightTableJSON{
		Version:    t.Version(),
		ComputedAt: t.ComputedAt(),
		Weights:    t.Weights(),
	})
}

func (t *WeightTable) UnmarshalJSON(data []byte) error {
	var raw weightTableJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = *NewWeightTable(raw.Version, raw.ComputedAt, raw.Weights)
	return nil
}
