// Package dashboard exposes the bot's live state over HTTP: a JSON
// status API for the operator and a Prometheus endpoint for scraping.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	maxTradeActions = 100
	maxErrorEntries = 50
)

type Config struct {
	Port      int
	AuthToken string
}

// TradeAction is one row of the activity feed.
type TradeAction struct {
	Time   time.Time `json:"time"`
	Action string    `json:"action"`
	Symbol string    `json:"symbol"`
	Detail string    `json:"detail"`
}

type ErrorEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

type Status struct {
	PortfolioValue float64   `json:"portfolio_value"`
	DailyLoss      float64   `json:"daily_loss"`
	TradingHalted  bool      `json:"trading_halted"`
	OpenPositions  int       `json:"open_positions"`
	MarketStatus   string    `json:"market_status"`
	LastUpdate     time.Time `json:"last_update"`
}

type Server struct {
	router    *chi.Mux
	server    *http.Server
	logger    *logrus.Logger
	port      int
	authToken string

	mu             sync.Mutex
	portfolioValue float64
	dailyLoss      float64
	halted         bool
	openPositions  int
	lastUpdate     time.Time
	actions        []TradeAction
	errors         []ErrorEntry

	registry       *prometheus.Registry
	portfolioGauge prometheus.Gauge
	dailyLossGauge prometheus.Gauge
	haltedGauge    prometheus.Gauge
	openGauge      prometheus.Gauge
	tradesTotal    *prometheus.CounterVec
	errorsTotal    prometheus.Counter
}

func NewServer(cfg Config, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
		registry:  prometheus.NewRegistry(),
	}

	s.setupMetrics()
	s.setupRoutes()
	return s
}

func (s *Server) setupMetrics() {
	s.portfolioGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bot_portfolio_value_dollars",
		Help: "Last reported net liquidation value.",
	})
	s.dailyLossGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bot_daily_loss_dollars",
		Help: "Accumulated realized loss for the current day.",
	})
	s.haltedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bot_trading_halted",
		Help: "1 while the risk gate has trading halted.",
	})
	s.openGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bot_open_positions",
		Help: "Positions currently registered with the risk gate.",
	})
	s.tradesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_trade_actions_total",
		Help: "Trade actions recorded, by action.",
	}, []string{"action"})
	s.errorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_errors_total",
		Help: "Errors surfaced by the engine and monitor.",
	})

	s.registry.MustRegister(
		s.portfolioGauge, s.dailyLossGauge, s.haltedGauge,
		s.openGauge, s.tradesTotal, s.errorsTotal,
	)
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/api/status", s.handleStatus)
	s.router.Get("/api/trades", s.handleTrades)
	s.router.Get("/api/errors", s.handleErrors)
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// UpdatePortfolioValue records the latest account value.
func (s *Server) UpdatePortfolioValue(value float64) {
	s.mu.Lock()
	s.portfolioValue = value
	s.lastUpdate = time.Now()
	s.mu.Unlock()

	s.portfolioGauge.Set(value)
}

// UpdateRiskMetrics records the risk gate's current view.
func (s *Server) UpdateRiskMetrics(dailyLoss float64, halted bool, openPositions int) {
	s.mu.Lock()
	s.dailyLoss = dailyLoss
	s.halted = halted
	s.openPositions = openPositions
	s.lastUpdate = time.Now()
	s.mu.Unlock()

	s.dailyLossGauge.Set(dailyLoss)
	s.openGauge.Set(float64(openPositions))
	if halted {
		s.haltedGauge.Set(1)
	} else {
		s.haltedGauge.Set(0)
	}
}

// AddTradeAction appends to the activity feed, trimming the oldest
// entries past the cap.
func (s *Server) AddTradeAction(action, symbol, detail string) {
	s.mu.Lock()
	s.actions = append(s.actions, TradeAction{
		Time:   time.Now(),
		Action: action,
		Symbol: symbol,
		Detail: detail,
	})
	if len(s.actions) > maxTradeActions {
		s.actions = s.actions[len(s.actions)-maxTradeActions:]
	}
	s.mu.Unlock()

	s.tradesTotal.WithLabelValues(action).Inc()
}

func (s *Server) AddError(msg string) {
	s.mu.Lock()
	s.errors = append(s.errors, ErrorEntry{Time: time.Now(), Message: msg})
	if len(s.errors) > maxErrorEntries {
		s.errors = s.errors[len(s.errors)-maxErrorEntries:]
	}
	s.mu.Unlock()

	s.errorsTotal.Inc()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status := Status{
		PortfolioValue: s.portfolioValue,
		DailyLoss:      s.dailyLoss,
		TradingHalted:  s.halted,
		OpenPositions:  s.openPositions,
		LastUpdate:     s.lastUpdate,
	}
	s.mu.Unlock()

	status.MarketStatus = "Closed"
	if isMarketOpen() {
		status.MarketStatus = "Open"
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.WithError(err).Error("Failed to encode status")
	}
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	actions := make([]TradeAction, len(s.actions))
	copy(actions, s.actions)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(actions); err != nil {
		s.logger.WithError(err).Error("Failed to encode trade actions")
	}
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	entries := make([]ErrorEntry, len(s.errors))
	copy(entries, s.errors)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		s.logger.WithError(err).Error("Failed to encode error log")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(health); err != nil {
		s.logger.WithError(err).Error("Failed to encode health response")
	}
}

func isMarketOpen() bool {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return false
	}
	nyTime := time.Now().In(loc)

	if nyTime.Weekday() == time.Saturday || nyTime.Weekday() == time.Sunday {
		return false
	}

	totalMinutes := nyTime.Hour()*60 + nyTime.Minute()
	return totalMinutes >= 9*60+30 && totalMinutes < 16*60
}
