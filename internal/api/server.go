// Package api provides the HTTP and WebSocket read API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-consensus/internal/signals"
	"github.com/atlas-desktop/signal-consensus/internal/store"
	"github.com/atlas-desktop/signal-consensus/pkg/types"
)

// ServerConfig configures the API server.
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	WebSocketPath  string        `mapstructure:"websocket_path"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxConnections int           `mapstructure:"max_connections"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// DefaultServerConfig returns the defaults used by the serve command.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:           "0.0.0.0",
		Port:           8080,
		WebSocketPath:  "/ws",
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		MaxConnections: 256,
		AllowedOrigins: []string{"*"},
	}
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// WeightSource returns the weight table currently in effect.
type WeightSource interface {
	Current() *types.WeightTable
}

// Dependencies are the collaborators the server reads from. Metrics and Hub
// are optional.
type Dependencies struct {
	Store    store.Reader
	Weights  WeightSource
	Registry *signals.Registry
	Ping     func(ctx context.Context) error
	Metrics  http.Handler
	Hub      *Hub
}

// Server is the HTTP/WebSocket API server
type Server struct {
	logger     *zap.Logger
	config     ServerConfig
	deps       Dependencies
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
}

// BotView is one bot as served by /api/v1/bots.
type BotView struct {
	Name          string                      `json:"name"`
	StrategyType  signals.StrategyType        `json:"strategyType"`
	Registered    bool                        `json:"registered"`
	CurrentWeight float64                     `json:"currentWeight"`
	Performance   *types.BotPerformanceRecord `json:"performance,omitempty"`
}

// NewServer creates a new API server
func NewServer(logger *zap.Logger, config ServerConfig, deps Dependencies) *Server {
	if config.WebSocketPath == "" {
		config.WebSocketPath = "/ws"
	}
	s := &Server{
		logger: logger.Named("api"),
		config: config,
		deps:   deps,
		router: mux.NewRouter(),
	}
	s.setupRoutes()

	s.handler = cors.New(cors.Options{
		AllowedOrigins: config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      s.handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)

	s.router.HandleFunc("/api/v1/recommendations", s.handleListRecommendations).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/recommendations/{symbol}", s.handleLatestRecommendation).Methods(http.MethodGet)

	s.router.HandleFunc("/api/v1/bots", s.handleListBots).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/bots/{name}", s.handleGetBot).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/weights", s.handleWeights).Methods(http.MethodGet)

	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	}
	if s.deps.Hub != nil {
		s.router.HandleFunc(s.config.WebSocketPath, s.deps.Hub.ServeWS)
	}
}

// Router returns the CORS-wrapped handler.
func (s *Server) Router() http.Handler {
	return s.handler
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("Starting API server", zap.String("addr", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	body := map[string]interface{}{
		"time":           time.Now().Unix(),
		"weightsVersion": s.currentWeights().Version(),
	}
	if s.deps.Ping != nil {
		if err := s.deps.Ping(r.Context()); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
			body["error"] = err.Error()
		}
	}
	if s.deps.Hub != nil {
		body["wsClients"] = s.deps.Hub.ClientCount()
	}
	body["status"] = status
	writeJSON(w, code, body)
}

// handleListRecommendations returns the newest recommendations across all symbols.
func (s *Server) handleListRecommendations(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	recs, err := s.deps.Store.ListRecommendations(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list recommendations", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list recommendations")
		return
	}
	if recs == nil {
		recs = []types.AggregatedRecommendation{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recommendations": recs,
		"count":           len(recs),
	})
}

// handleLatestRecommendation returns the newest recommendation for one symbol.
func (s *Server) handleLatestRecommendation(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	rec, err := s.deps.Store.LatestRecommendation(r.Context(), symbol)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "no recommendation for "+symbol)
		return
	case err != nil:
		s.logger.Error("Failed to load recommendation", zap.String("symbol", symbol), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load recommendation")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// handleListBots merges the registry with stored performance records, so that
// bots without predictions yet and unregistered bots with history both appear.
func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Store.ListPerformance(r.Context())
	if err != nil {
		s.logger.Error("Failed to list bot performance", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list bots")
		return
	}

	weights := s.currentWeights()
	views := make(map[string]*BotView)
	for _, reg := range s.registrations() {
		views[reg.Name] = &BotView{
			Name:          reg.Name,
			StrategyType:  reg.StrategyType,
			Registered:    true,
			CurrentWeight: weights.Weight(reg.Name),
		}
	}
	for i := range records {
		rec := records[i]
		v, ok := views[rec.Bot]
		if !ok {
			v = &BotView{
				Name:          rec.Bot,
				StrategyType:  signals.StrategyOther,
				CurrentWeight: weights.Weight(rec.Bot),
			}
			views[rec.Bot] = v
		}
		v.Performance = &rec
	}

	out := make([]BotView, 0, len(views))
	for _, v := range views {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bots":           out,
		"count":          len(out),
		"weightsVersion": weights.Version(),
	})
}

// handleGetBot returns one bot's registration, weight and track record.
func (s *Server) handleGetBot(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	view := BotView{Name: name, StrategyType: signals.StrategyOther, CurrentWeight: s.currentWeights().Weight(name)}
	if reg, ok := s.deps.Registry.Lookup(name); ok {
		view.Registered = true
		view.StrategyType = reg.StrategyType
	}

	perf, err := s.deps.Store.Performance(r.Context(), name)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		s.logger.Error("Failed to load bot performance", zap.String("bot", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load bot")
		return
	default:
		view.Performance = perf
	}

	if !view.Registered && view.Performance == nil {
		writeError(w, http.StatusNotFound, "unknown bot "+name)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleWeights returns the weight table currently in effect.
func (s *Server) handleWeights(w http.ResponseWriter, _ *http.Request) {
	table := s.currentWeights()
	if table == nil {
		table = types.NewWeightTable(0, time.Time{}, nil)
	}
	writeJSON(w, http.StatusOK, table)
}

func (s *Server) currentWeights() *types.WeightTable {
	if s.deps.Weights == nil {
		return nil
	}
	return s.deps.Weights.Current()
}

func (s *Server) registrations() []signals.Registration {
	if s.deps.Registry == nil {
		return nil
	}
	return s.deps.Registry.All()
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
