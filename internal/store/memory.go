package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/signal-consensus/pkg/types"
)

// Memory is an in-process Store. It backs tests and single-binary runs
// without a database.
type Memory struct {
	mu              sync.RWMutex
	predictions     map[string]types.BotPrediction
	order           []string
	recommendations []types.AggregatedRecommendation
	latest          map[string]int
	performance     map[string]types.BotPerformanceRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		predictions: make(map[string]types.BotPrediction),
		latest:      make(map[string]int),
		performance: make(map[string]types.BotPerformanceRecord),
	}
}

func (m *Memory) SaveRun(_ context.Context, rec *types.AggregatedRecommendation, preds []types.BotPrediction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range preds {
		if _, exists := m.predictions[p.ID]; exists {
			return fmt.Errorf("duplicate prediction %s", p.ID)
		}
	}
	for _, p := range preds {
		m.predictions[p.ID] = p
		m.order = append(m.order, p.ID)
	}
	if rec != nil {
		cp := *rec
		cp.Bots = append([]string(nil), rec.Bots...)
		m.recommendations = append(m.recommendations, cp)
		m.latest[rec.Symbol] = len(m.recommendations) - 1
	}
	return nil
}

func (m *Memory) RecordPrediction(_ context.Context, bot string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.performance[bot]
	if !ok {
		rec = newPerformanceRecord(bot, at)
	}
	rec.TotalPredictions++
	rec.Pending++
	last := at
	rec.LastPredictionAt = &last
	rec.UpdatedAt = at
	m.performance[bot] = rec
	return nil
}

func (m *Memory) PendingPredictions(_ context.Context, limit int) ([]types.BotPrediction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.BotPrediction
	for _, id := range m.order {
		p := m.predictions[id]
		if p.Outcome.Status != types.OutcomePending {
			continue
		}
		out = append(out, p)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) ResolvePrediction(_ context.Context, id string, outcome types.Outcome) error {
	if !outcome.Status.IsTerminal() {
		return fmt.Errorf("cannot resolve to status %q", outcome.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.predictions[id]
	if !ok {
		return ErrNotFound
	}
	if p.Outcome.Status != types.OutcomePending {
		return ErrAlreadyResolved
	}
	p.Outcome = outcome
	m.predictions[id] = p
	return nil
}

func (m *Memory) ListPredictions(_ context.Context, since time.Time) ([]types.BotPrediction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.BotPrediction, 0, len(m.order))
	for _, id := range m.order {
		p := m.predictions[id]
		if p.CreatedAt.Before(since) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *Memory) ListPerformance(_ context.Context) ([]types.BotPerformanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.BotPerformanceRecord, 0, len(m.performance))
	for _, r := range m.performance {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bot < out[j].Bot })
	return out, nil
}

func (m *Memory) SavePerformance(_ context.Context, records []types.BotPerformanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range records {
		if existing, ok := m.performance[r.Bot]; ok {
			// The first/last timestamps belong to the aggregation path.
			if r.FirstPredictionAt == nil {
				r.FirstPredictionAt = existing.FirstPredictionAt
			}
			if r.LastPredictionAt == nil {
				r.LastPredictionAt = existing.LastPredictionAt
			}
		}
		m.performance[r.Bot] = r
	}
	return nil
}

func (m *Memory) Performance(_ context.Context, bot string) (*types.BotPerformanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.performance[bot]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *Memory) LatestRecommendation(_ context.Context, symbol string) (*types.AggregatedRecommendation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, ok := m.latest[symbol]
	if !ok {
		return nil, ErrNotFound
	}
	rec := m.recommendations[idx]
	return &rec, nil
}

// ListRecommendations returns the newest recommendations first.
func (m *Memory) ListRecommendations(_ context.Context, limit int) ([]types.AggregatedRecommendation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.recommendations)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]types.AggregatedRecommendation, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.recommendations[i])
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
