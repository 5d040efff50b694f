// Package store persists predictions, recommendations and bot performance.
//
// Writes are split by owner: the scan cycle creates runs and bumps prediction
// counters, the outcome tracker resolves predictions, and the weighting
// engine writes performance records. Each component depends only on the
// narrow interface it owns.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atlas-desktop/signal-consensus/pkg/types"
)

var (
	// ErrNotFound is returned when a keyed lookup has no row.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyResolved is returned when resolving a non-pending prediction.
	ErrAlreadyResolved = errors.New("prediction already resolved")
)

// RunWriter is used by the aggregation path.
type RunWriter interface {
	// SaveRun inserts a recommendation and its predictions.
	SaveRun(ctx context.Context, rec *types.AggregatedRecommendation, preds []types.BotPrediction) error
	// RecordPrediction increments the bot's total and pending counters,
	// creating its performance record on first use.
	RecordPrediction(ctx context.Context, bot string, at time.Time) error
}

// OutcomeStore is used by the outcome tracker.
type OutcomeStore interface {
	PendingPredictions(ctx context.Context, limit int) ([]types.BotPrediction, error)
	// ResolvePrediction writes the outcome block of a pending prediction.
	ResolvePrediction(ctx context.Context, id string, outcome types.Outcome) error
}

// PerformanceStore is used by the weighting engine.
type PerformanceStore interface {
	ListPredictions(ctx context.Context, since time.Time) ([]types.BotPrediction, error)
	ListPerformance(ctx context.Context) ([]types.BotPerformanceRecord, error)
	SavePerformance(ctx context.Context, records []types.BotPerformanceRecord) error
}

// Reader serves the read API.
type Reader interface {
	LatestRecommendation(ctx context.Context, symbol string) (*types.AggregatedRecommendation, error)
	ListRecommendations(ctx context.Context, limit int) ([]types.AggregatedRecommendation, error)
	Performance(ctx context.Context, bot string) (*types.BotPerformanceRecord, error)
	ListPerformance(ctx context.Context) ([]types.BotPerformanceRecord, error)
}

// Store is the full persistence surface.
type Store interface {
	RunWriter
	OutcomeStore
	PerformanceStore
	Reader
	Ping(ctx context.Context) error
	Close() error
}

// newPerformanceRecord is the record a bot gets on its first prediction.
func newPerformanceRecord(bot string, at time.Time) types.BotPerformanceRecord {
	first := at
	return types.BotPerformanceRecord{
		Bot:               bot,
		PerformanceWeight: types.DefaultWeight,
		FirstPredictionAt: &first,
		UpdatedAt:         at,
	}
}
