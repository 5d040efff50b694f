package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-consensus/pkg/types"
)

// Producer emits zero or more signals for an asset per scan cycle.
type Producer interface {
	Name() string
	Signals(ctx context.Context, symbol string) ([]types.BotSignal, error)
}

// ProducerHealth represents the health of a signal producer.
type ProducerHealth struct {
	IsHealthy      bool          `json:"isHealthy"`
	LastSignalTime time.Time     `json:"lastSignalTime"`
	Latency        time.Duration `json:"latency"`
	Failures       int64         `json:"failures"`
	LastError      string        `json:"lastError,omitempty"`
}

// wireSignal is the JSON a bot endpoint returns.
type wireSignal struct {
	Direction  string           `json:"direction"`
	Confidence float64          `json:"confidence"`
	Entry      decimal.Decimal  `json:"entry"`
	TakeProfit decimal.Decimal  `json:"take_profit"`
	StopLoss   decimal.Decimal  `json:"stop_loss"`
	Leverage   *float64         `json:"leverage,omitempty"`
	Price24h   *decimal.Decimal `json:"price_24h,omitempty"`
	Price48h   *decimal.Decimal `json:"price_48h,omitempty"`
	Price7d    *decimal.Decimal `json:"price_7d,omitempty"`
}

// HTTPProducer polls a bot's HTTP endpoint: GET {url}?symbol=BTCUSDT.
// The endpoint answers with a JSON array of signals, or a single object.
type HTTPProducer struct {
	logger     *zap.Logger
	reg        Registration
	httpClient *http.Client

	mu     sync.RWMutex
	health ProducerHealth
}

// NewHTTPProducer creates a producer for a registered bot.
func NewHTTPProducer(logger *zap.Logger, reg Registration, timeout time.Duration) *HTTPProducer {
	return &HTTPProducer{
		logger:     logger.Named("producer").With(zap.String("bot", reg.Name)),
		reg:        reg,
		httpClient: &http.Client{Timeout: timeout},
		health:     ProducerHealth{IsHealthy: true},
	}
}

func (p *HTTPProducer) Name() string { return p.reg.Name }

// Health returns the producer's last observed health.
func (p *HTTPProducer) Health() ProducerHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.health
}

// Signals fetches the bot's current signals for symbol.
func (p *HTTPProducer) Signals(ctx context.Context, symbol string) ([]types.BotSignal, error) {
	start := time.Now()
	out, err := p.fetch(ctx, symbol)

	p.mu.Lock()
	p.health.Latency = time.Since(start)
	if err != nil {
		p.health.IsHealthy = false
		p.health.Failures++
		p.health.LastError = err.Error()
	} else {
		p.health.IsHealthy = true
		p.health.LastError = ""
		if len(out) > 0 {
			p.health.LastSignalTime = time.Now()
		}
	}
	p.mu.Unlock()

	return out, err
}

func (p *HTTPProducer) fetch(ctx context.Context, symbol string) ([]types.BotSignal, error) {
	endpoint, err := url.Parse(p.reg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid producer url: %w", err)
	}
	q := endpoint.Query()
	q.Set("symbol", symbol)
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query bot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bot returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	wire, err := decodeWireSignals(body)
	if err != nil {
		return nil, err
	}

	out := make([]types.BotSignal, 0, len(wire))
	for _, w := range wire {
		out = append(out, types.BotSignal{
			Bot:        p.reg.Name,
			Symbol:     symbol,
			Direction:  ParseDirection(w.Direction),
			Confidence: w.Confidence,
			Entry:      w.Entry,
			TakeProfit: w.TakeProfit,
			StopLoss:   w.StopLoss,
			Leverage:   w.Leverage,
			Price24h:   w.Price24h,
			Price48h:   w.Price48h,
			Price7d:    w.Price7d,
		})
	}
	return out, nil
}

func decodeWireSignals(body []byte) ([]wireSignal, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var many []wireSignal
		if err := json.Unmarshal(body, &many); err != nil {
			return nil, fmt.Errorf("failed to parse signals: %w", err)
		}
		return many, nil
	}
	var one wireSignal
	if err := json.Unmarshal(body, &one); err != nil {
		return nil, fmt.Errorf("failed to parse signal: %w", err)
	}
	return []wireSignal{one}, nil
}

// ParseDirection converts a bot's action string to a Direction.
func ParseDirection(action string) types.Direction {
	switch strings.ToUpper(strings.TrimSpace(action)) {
	case "BUY", "LONG", "ENTER_LONG", "OPEN_LONG", "BULLISH":
		return types.DirectionLong
	case "SELL", "SHORT", "ENTER_SHORT", "OPEN_SHORT", "BEARISH":
		return types.DirectionShort
	default:
		return types.DirectionNeutral
	}
}

// StaticProducer serves a fixed set of signals. Useful for replays and tests.
type StaticProducer struct {
	name string

	mu      sync.RWMutex
	signals map[string][]types.BotSignal
}

// NewStaticProducer creates a producer that returns the configured signals per symbol.
func NewStaticProducer(name string) *StaticProducer {
	return &StaticProducer{name: name, signals: make(map[string][]types.BotSignal)}
}

// Set replaces the signals returned for symbol.
func (s *StaticProducer) Set(symbol string, signals ...types.BotSignal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals[symbol] = signals
}

func (s *StaticProducer) Name() string { return s.name }

func (s *StaticProducer) Signals(_ context.Context, symbol string) ([]types.BotSignal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.BotSignal, len(s.signals[symbol]))
	copy(out, s.signals[symbol])
	return out, nil
}

// Collect gathers signals for symbol from every producer. A failing producer
// is logged and skipped.
func Collect(ctx context.Context, logger *zap.Logger, producers []Producer, symbol string) []types.BotSignal {
	var out []types.BotSignal
	for _, p := range producers {
		got, err := p.Signals(ctx, symbol)
		if err != nil {
			logger.Warn("Producer failed",
				zap.String("bot", p.Name()),
				zap.String("symbol", symbol),
				zap.Error(err),
			)
			continue
		}
		for i := range got {
			if got[i].Bot == "" {
				got[i].Bot = p.Name()
			}
			got[i].Symbol = symbol
		}
		out = append(out, got...)
	}
	return out
}

type observedProducer struct {
	Producer
	onErr func(bot string, err error)
}

// Observed wraps p so that every failed call is reported to onErr.
func Observed(p Producer, onErr func(bot string, err error)) Producer {
	return &observedProducer{Producer: p, onErr: onErr}
}

func (o *observedProducer) Signals(ctx context.Context, symbol string) ([]types.BotSignal, error) {
	got, err := o.Producer.Signals(ctx, symbol)
	if err != nil {
		o.onErr(o.Name(), err)
	}
	return got, err
}
