package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/signal-consensus/pkg/types"
)

// PostgresConfig holds database connection configuration
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	Migrate         bool          `mapstructure:"migrate"`
}

// DefaultPostgresConfig returns reasonable pool defaults.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		QueryTimeout:    30 * time.Second,
		Migrate:         true,
	}
}

// Postgres is a Store backed by PostgreSQL.
type Postgres struct {
	db      *sqlx.DB
	timeout time.Duration
}

// OpenPostgres connects, pings and optionally migrates the schema.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	p := NewPostgres(db, cfg.QueryTimeout)
	if err := p.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if cfg.Migrate {
		if err := p.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return p, nil
}

// NewPostgres wraps an existing connection.
func NewPostgres(db *sqlx.DB, timeout time.Duration) *Postgres {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Postgres{db: db, timeout: timeout}
}

const schema = `
CREATE TABLE IF NOT EXISTS bot_predictions (
	id                  TEXT PRIMARY KEY,
	run_id              TEXT NOT NULL,
	bot_name            TEXT NOT NULL,
	symbol              TEXT NOT NULL,
	direction           TEXT NOT NULL,
	confidence          DOUBLE PRECISION NOT NULL,
	entry_price         NUMERIC NOT NULL,
	target_price        NUMERIC NOT NULL,
	stop_loss           NUMERIC NOT NULL,
	leverage            DOUBLE PRECISION NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL,
	outcome_status      TEXT NOT NULL DEFAULT 'pending',
	outcome_checked_at  TIMESTAMPTZ,
	outcome_price       NUMERIC,
	profit_loss_percent DOUBLE PRECISION NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_bot_predictions_pending ON bot_predictions (created_at) WHERE outcome_status = 'pending';
CREATE INDEX IF NOT EXISTS idx_bot_predictions_bot ON bot_predictions (bot_name, created_at);

CREATE TABLE IF NOT EXISTS recommendations (
	id             TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL,
	symbol         TEXT NOT NULL,
	direction      TEXT NOT NULL,
	avg_confidence DOUBLE PRECISION NOT NULL,
	payload        JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recommendations_symbol ON recommendations (symbol, created_at DESC);

CREATE TABLE IF NOT EXISTS bot_performance (
	bot_name               TEXT PRIMARY KEY,
	total_predictions      INTEGER NOT NULL DEFAULT 0,
	successful_predictions INTEGER NOT NULL DEFAULT 0,
	failed_predictions     INTEGER NOT NULL DEFAULT 0,
	pending_predictions    INTEGER NOT NULL DEFAULT 0,
	neutral_predictions    INTEGER NOT NULL DEFAULT 0,
	expired_predictions    INTEGER NOT NULL DEFAULT 0,
	accuracy_rate          DOUBLE PRECISION NOT NULL DEFAULT 0,
	avg_profit_loss        DOUBLE PRECISION NOT NULL DEFAULT 0,
	performance_weight     DOUBLE PRECISION NOT NULL DEFAULT 1.0,
	first_prediction_at    TIMESTAMPTZ,
	last_prediction_at     TIMESTAMPTZ,
	updated_at             TIMESTAMPTZ NOT NULL
);`

// Migrate creates the tables when missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// predictionRow is the flat database shape of a BotPrediction.
type predictionRow struct {
	ID                string              `db:"id"`
	RunID             string              `db:"run_id"`
	Bot               string              `db:"bot_name"`
	Symbol            string              `db:"symbol"`
	Direction         string              `db:"direction"`
	Confidence        float64             `db:"confidence"`
	Entry             decimal.Decimal     `db:"entry_price"`
	Target            decimal.Decimal     `db:"target_price"`
	StopLoss          decimal.Decimal     `db:"stop_loss"`
	Leverage          float64             `db:"leverage"`
	CreatedAt         time.Time           `db:"created_at"`
	OutcomeStatus     string              `db:"outcome_status"`
	OutcomeCheckedAt  sql.NullTime        `db:"outcome_checked_at"`
	OutcomePrice      decimal.NullDecimal `db:"outcome_price"`
	ProfitLossPercent float64             `db:"profit_loss_percent"`
}

func toPredictionRow(p types.BotPrediction) predictionRow {
	row := predictionRow{
		ID:                p.ID,
		RunID:             p.RunID,
		Bot:               p.Bot,
		Symbol:            p.Symbol,
		Direction:         string(p.Direction),
		Confidence:        p.Confidence,
		Entry:             p.Entry,
		Target:            p.Target,
		StopLoss:          p.StopLoss,
		Leverage:          p.Leverage,
		CreatedAt:         p.CreatedAt,
		OutcomeStatus:     string(p.Outcome.Status),
		ProfitLossPercent: p.Outcome.ProfitLossPercent,
	}
	if row.OutcomeStatus == "" {
		row.OutcomeStatus = string(types.OutcomePending)
	}
	if p.Outcome.CheckedAt != nil {
		row.OutcomeCheckedAt = sql.NullTime{Time: *p.Outcome.CheckedAt, Valid: true}
	}
	if p.Outcome.Status.IsTerminal() {
		row.OutcomePrice = decimal.NewNullDecimal(p.Outcome.Price)
	}
	return row
}

func (r predictionRow) toPrediction() types.BotPrediction {
	p := types.BotPrediction{
		ID:         r.ID,
		RunID:      r.RunID,
		Bot:        r.Bot,
		Symbol:     r.Symbol,
		Direction:  types.Direction(r.Direction),
		Confidence: r.Confidence,
		Entry:      r.Entry,
		Target:     r.Target,
		StopLoss:   r.StopLoss,
		Leverage:   r.Leverage,
		CreatedAt:  r.CreatedAt,
		Outcome: types.Outcome{
			Status:            types.OutcomeStatus(r.OutcomeStatus),
			ProfitLossPercent: r.ProfitLossPercent,
		},
	}
	if r.OutcomeCheckedAt.Valid {
		t := r.OutcomeCheckedAt.Time
		p.Outcome.CheckedAt = &t
	}
	if r.OutcomePrice.Valid {
		p.Outcome.Price = r.OutcomePrice.Decimal
	}
	return p
}

const predictionColumns = `id, run_id, bot_name, symbol, direction, confidence, entry_price, target_price,
	stop_loss, leverage, created_at, outcome_status, outcome_checked_at, outcome_price, profit_loss_percent`

// SaveRun inserts a recommendation and its predictions in one transaction.
func (p *Postgres) SaveRun(ctx context.Context, rec *types.AggregatedRecommendation, preds []types.BotPrediction) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if rec != nil {
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal recommendation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO recommendations (id, run_id, symbol, direction, avg_confidence, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			rec.ID, rec.RunID, rec.Symbol, string(rec.Direction), rec.AvgConfidence, payload, rec.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert recommendation: %w", err)
		}
	}

	for _, pred := range preds {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO bot_predictions (`+predictionColumns+`)
			VALUES (:id, :run_id, :bot_name, :symbol, :direction, :confidence, :entry_price, :target_price,
				:stop_loss, :leverage, :created_at, :outcome_status, :outcome_checked_at, :outcome_price,
				:profit_loss_percent)`,
			toPredictionRow(pred),
		); err != nil {
			return fmt.Errorf("failed to insert prediction %s: %w", pred.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// RecordPrediction increments counters only; it never touches the weight or derived stats.
func (p *Postgres) RecordPrediction(ctx context.Context, bot string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bot_performance (bot_name, total_predictions, pending_predictions, performance_weight,
			first_prediction_at, last_prediction_at, updated_at)
		VALUES ($1, 1, 1, $2, $3, $3, $3)
		ON CONFLICT (bot_name) DO UPDATE SET
			total_predictions = bot_performance.total_predictions + 1,
			pending_predictions = bot_performance.pending_predictions + 1,
			last_prediction_at = EXCLUDED.last_prediction_at,
			updated_at = EXCLUDED.updated_at`,
		bot, types.DefaultWeight, at,
	)
	if err != nil {
		return fmt.Errorf("failed to record prediction for %s: %w", bot, err)
	}
	return nil
}

// PendingPredictions returns pending predictions oldest first.
func (p *Postgres) PendingPredictions(ctx context.Context, limit int) ([]types.BotPrediction, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	query := `SELECT ` + predictionColumns + ` FROM bot_predictions
		WHERE outcome_status = 'pending' ORDER BY created_at`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	var rows []predictionRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query pending predictions: %w", err)
	}
	return toPredictions(rows), nil
}

// ResolvePrediction writes the outcome block only while the prediction is pending.
func (p *Postgres) ResolvePrediction(ctx context.Context, id string, outcome types.Outcome) error {
	if !outcome.Status.IsTerminal() {
		return fmt.Errorf("cannot resolve to status %q", outcome.Status)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var checkedAt sql.NullTime
	if outcome.CheckedAt != nil {
		checkedAt = sql.NullTime{Time: *outcome.CheckedAt, Valid: true}
	}

	res, err := p.db.ExecContext(ctx, `
		UPDATE bot_predictions
		SET outcome_status = $2, outcome_checked_at = $3, outcome_price = $4, profit_loss_percent = $5
		WHERE id = $1 AND outcome_status = 'pending'`,
		id, string(outcome.Status), checkedAt, outcome.Price, outcome.ProfitLossPercent,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve prediction %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 1 {
		return nil
	}

	var status string
	err = p.db.QueryRowxContext(ctx, `SELECT outcome_status FROM bot_predictions WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up prediction %s: %w", id, err)
	}
	return ErrAlreadyResolved
}

// ListPredictions returns predictions created at or after since.
func (p *Postgres) ListPredictions(ctx context.Context, since time.Time) ([]types.BotPrediction, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var rows []predictionRow
	if err := p.db.SelectContext(ctx, &rows, `SELECT `+predictionColumns+` FROM bot_predictions
		WHERE created_at >= $1 ORDER BY created_at`, since); err != nil {
		return nil, fmt.Errorf("failed to query predictions: %w", err)
	}
	return toPredictions(rows), nil
}

func toPredictions(rows []predictionRow) []types.BotPrediction {
	out := make([]types.BotPrediction, len(rows))
	for i, r := range rows {
		out[i] = r.toPrediction()
	}
	return out
}

const performanceColumns = `bot_name, total_predictions, successful_predictions, failed_predictions,
	pending_predictions, neutral_predictions, expired_predictions, accuracy_rate, avg_profit_loss,
	performance_weight, first_prediction_at, last_prediction_at, updated_at`

func (p *Postgres) ListPerformance(ctx context.Context) ([]types.BotPerformanceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var out []types.BotPerformanceRecord
	if err := p.db.SelectContext(ctx, &out, `SELECT `+performanceColumns+` FROM bot_performance ORDER BY bot_name`); err != nil {
		return nil, fmt.Errorf("failed to query performance: %w", err)
	}
	return out, nil
}

func (p *Postgres) Performance(ctx context.Context, bot string) (*types.BotPerformanceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var rec types.BotPerformanceRecord
	err := p.db.GetContext(ctx, &rec, `SELECT `+performanceColumns+` FROM bot_performance WHERE bot_name = $1`, bot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get performance for %s: %w", bot, err)
	}
	return &rec, nil
}

// SavePerformance upserts the weighting engine's view of each bot. The
// first/last prediction timestamps are left to the aggregation path.
func (p *Postgres) SavePerformance(ctx context.Context, records []types.BotPerformanceRecord) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, r := range records {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO bot_performance (`+performanceColumns+`)
			VALUES (:bot_name, :total_predictions, :successful_predictions, :failed_predictions,
				:pending_predictions, :neutral_predictions, :expired_predictions, :accuracy_rate,
				:avg_profit_loss, :performance_weight, :first_prediction_at, :last_prediction_at, :updated_at)
			ON CONFLICT (bot_name) DO UPDATE SET
				total_predictions = EXCLUDED.total_predictions,
				successful_predictions = EXCLUDED.successful_predictions,
				failed_predictions = EXCLUDED.failed_predictions,
				pending_predictions = EXCLUDED.pending_predictions,
				neutral_predictions = EXCLUDED.neutral_predictions,
				expired_predictions = EXCLUDED.expired_predictions,
				accuracy_rate = EXCLUDED.accuracy_rate,
				avg_profit_loss = EXCLUDED.avg_profit_loss,
				performance_weight = EXCLUDED.performance_weight,
				first_prediction_at = COALESCE(bot_performance.first_prediction_at, EXCLUDED.first_prediction_at),
				last_prediction_at = COALESCE(bot_performance.last_prediction_at, EXCLUDED.last_prediction_at),
				updated_at = EXCLUDED.updated_at`, r); err != nil {
			return fmt.Errorf("failed to save performance for %s: %w", r.Bot, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit performance: %w", err)
	}
	return nil
}

func (p *Postgres) LatestRecommendation(ctx context.Context, symbol string) (*types.AggregatedRecommendation, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var payload []byte
	err := p.db.QueryRowxContext(ctx, `
		SELECT payload FROM recommendations WHERE symbol = $1
		ORDER BY created_at DESC LIMIT 1`, symbol).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recommendation for %s: %w", symbol, err)
	}

	var rec types.AggregatedRecommendation
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode recommendation: %w", err)
	}
	return &rec, nil
}

func (p *Postgres) ListRecommendations(ctx context.Context, limit int) ([]types.AggregatedRecommendation, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryxContext(ctx, `
		SELECT payload FROM recommendations ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recommendations: %w", err)
	}
	defer rows.Close()

	var out []types.AggregatedRecommendation
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan recommendation: %w", err)
		}
		var rec types.AggregatedRecommendation
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode recommendation: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

var _ Store = (*Postgres)(nil)
