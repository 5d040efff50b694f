package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/atlas-desktop/signal-consensus/pkg/types"
)

// BinanceConfig configures the Binance REST kline client.
type BinanceConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RequestsPerSec  float64       `mapstructure:"requests_per_sec"`
	Burst           int           `mapstructure:"burst"`
	PageLimit       int           `mapstructure:"page_limit"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

// DefaultBinanceConfig returns defaults for the public spot API.
func DefaultBinanceConfig() BinanceConfig {
	return BinanceConfig{
		BaseURL:         "https://api.binance.com",
		Timeout:         10 * time.Second,
		RequestsPerSec:  10,
		Burst:           10,
		PageLimit:       1000,
		BreakerFailures: 3,
		BreakerCooldown: 60 * time.Second,
	}
}

// BinanceClient fetches klines from the Binance REST API. Calls are rate
// limited and pass through a circuit breaker so an outage degrades into fast
// failures instead of piling up timeouts.
type BinanceClient struct {
	logger     *zap.Logger
	config     BinanceConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
}

// NewBinanceClient creates a Binance kline provider.
func NewBinanceClient(logger *zap.Logger, config BinanceConfig) *BinanceClient {
	logger = logger.Named("binance")

	settings := gobreaker.Settings{
		Name:     "binance-klines",
		Interval: 60 * time.Second,
		Timeout:  config.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation says nothing about upstream health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	if config.PageLimit <= 0 {
		config.PageLimit = 1000
	}

	return &BinanceClient{
		logger:     logger,
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RequestsPerSec), config.Burst),
		breaker:    gobreaker.NewCircuitBreaker(settings),
	}
}

// BreakerState reports the circuit breaker state.
func (c *BinanceClient) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// Candles pages through /api/v3/klines until end is covered.
func (c *BinanceClient) Candles(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.OHLCV, error) {
	var out []types.OHLCV
	cursor := start

	for !cursor.After(end) {
		page, err := c.fetchPage(ctx, symbol, tf, cursor, end)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		out = append(out, page...)

		next := page[len(page)-1].Timestamp.Add(tf.Duration())
		if !next.After(cursor) || len(page) < c.config.PageLimit {
			break
		}
		cursor = next
	}

	if len(out) == 0 {
		return nil, ErrNoData
	}
	return out, nil
}

func (c *BinanceClient) fetchPage(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.OHLCV, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doRequest(ctx, symbol, tf, start, end)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("binance unavailable: %w", err)
		}
		return nil, err
	}
	return result.([]types.OHLCV), nil
}

func (c *BinanceClient) doRequest(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.OHLCV, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", string(tf))
	q.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	q.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	q.Set("limit", strconv.Itoa(c.config.PageLimit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/api/v3/klines?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch klines: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read klines: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("binance returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	return parseKlines(body)
}

// parseKlines decodes Binance's positional kline arrays.
func parseKlines(body []byte) ([]types.OHLCV, error) {
	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse klines: %w", err)
	}

	out := make([]types.OHLCV, 0, len(raw))
	for i, row := range raw {
		if len(row) < 6 {
			return nil, fmt.Errorf("kline %d has %d fields", i, len(row))
		}

		var openTime int64
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			return nil, fmt.Errorf("kline %d open time: %w", i, err)
		}

		fields := make([]decimal.Decimal, 5)
		for j := range fields {
			var s string
			if err := json.Unmarshal(row[j+1], &s); err != nil {
				return nil, fmt.Errorf("kline %d field %d: %w", i, j+1, err)
			}
			d, err := decimal.NewFromString(s)
			if err != nil {
				return nil, fmt.Errorf("kline %d field %d: %w", i, j+1, err)
			}
			fields[j] = d
		}

		out = append(out, types.OHLCV{
			Timestamp: time.UnixMilli(openTime).UTC(),
			Open:      fields[0],
			High:      fields[1],
			Low:       fields[2],
			Close:     fields[3],
			Volume:    fields[4],
		})
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
