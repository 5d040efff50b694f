package data

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-consensus/pkg/types"
)

// FileStore serves candles from JSON files on disk, one file per symbol and
// timeframe. It is used for offline replays and as a fallback when the
// exchange is unreachable.
type FileStore struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	cache    map[string][]types.OHLCV
	metadata map[string]*SymbolMetadata
}

// SymbolMetadata contains metadata about available data for a symbol
type SymbolMetadata struct {
	Symbol    string    `json:"symbol"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	BarCount  int       `json:"barCount"`
	Timeframe string    `json:"timeframe"`
}

// NewFileStore creates a file-backed candle store rooted at dataDir.
func NewFileStore(logger *zap.Logger, dataDir string) (*FileStore, error) {
	store := &FileStore{
		logger:   logger.Named("file-store"),
		dataDir:  dataDir,
		cache:    make(map[string][]types.OHLCV),
		metadata: make(map[string]*SymbolMetadata),
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := store.loadMetadata(); err != nil {
		store.logger.Warn("Failed to load metadata", zap.Error(err))
	}

	return store, nil
}

func cacheKey(symbol string, tf types.Timeframe) string {
	return fmt.Sprintf("%s_%s", strings.ReplaceAll(symbol, "/", ""), tf)
}

// Candles loads candles for symbol in [start, end]. A missing file yields ErrNoData.
func (s *FileStore) Candles(_ context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.OHLCV, error) {
	key := cacheKey(symbol, tf)

	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return s.nonEmpty(filterByTimeRange(cached, start, end))
	}

	raw, err := os.ReadFile(filepath.Join(s.dataDir, key+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoData
		}
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}

	var bars []types.OHLCV
	if err := json.Unmarshal(raw, &bars); err != nil {
		return nil, fmt.Errorf("failed to parse data: %w", err)
	}
	sort.Slice(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})

	s.mu.Lock()
	s.cache[key] = bars
	s.mu.Unlock()

	return s.nonEmpty(filterByTimeRange(bars, start, end))
}

func (s *FileStore) nonEmpty(bars []types.OHLCV) ([]types.OHLCV, error) {
	if len(bars) == 0 {
		return nil, ErrNoData
	}
	return bars, nil
}

// SaveOHLCV writes candles to disk, replacing the symbol's file.
func (s *FileStore) SaveOHLCV(symbol string, tf types.Timeframe, bars []types.OHLCV) error {
	sorted := make([]types.OHLCV, len(bars))
	copy(sorted, bars)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	raw, err := json.MarshalIndent(sorted, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	key := cacheKey(symbol, tf)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.WriteFile(filepath.Join(s.dataDir, key+".json"), raw, 0o644); err != nil {
		return fmt.Errorf("failed to write data file: %w", err)
	}
	s.cache[key] = sorted

	if len(sorted) > 0 {
		s.metadata[symbol] = &SymbolMetadata{
			Symbol:    symbol,
			StartDate: sorted[0].Timestamp,
			EndDate:   sorted[len(sorted)-1].Timestamp,
			BarCount:  len(sorted),
			Timeframe: string(tf),
		}
	}

	return s.saveMetadata()
}

// Symbols returns every symbol with saved data.
func (s *FileStore) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	symbols := make([]string, 0, len(s.metadata))
	for symbol := range s.metadata {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// DataRange returns the available data range for a symbol
func (s *FileStore) DataRange(symbol string) (start, end time.Time, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if meta, ok := s.metadata[symbol]; ok {
		return meta.StartDate, meta.EndDate, nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("no data available for symbol %s", symbol)
}

// loadMetadata loads symbol metadata from disk
func (s *FileStore) loadMetadata() error {
	raw, err := os.ReadFile(filepath.Join(s.dataDir, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var metadata map[string]*SymbolMetadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return err
	}
	s.metadata = metadata
	return nil
}

// saveMetadata saves symbol metadata to disk; caller holds the lock
func (s *FileStore) saveMetadata() error {
	raw, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return os.WriteFile(filepath.Join(s.dataDir, "metadata.json"), raw, 0o644)
}

// ClearCache clears the in-memory cache
func (s *FileStore) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string][]types.OHLCV)
}
