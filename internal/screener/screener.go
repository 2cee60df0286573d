// Package screener ranks the stock universe into per-regime candidate
// lists using cheap technical signals from recent bars.
package screener

import (
	"errors"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Schmoll86/options-trading-bot-2026/internal/broker"
	"github.com/Schmoll86/options-trading-bot-2026/internal/config"
	"github.com/Schmoll86/options-trading-bot-2026/internal/news"
	"github.com/Schmoll86/options-trading-bot-2026/internal/util"
)

var errNoBars = errors.New("no historical bars returned")

// defaultUniverse is the fallback when no universe is configured.
var defaultUniverse = []string{
	"AAPL", "MSFT", "GOOGL", "AMZN", "TSLA", "NVDA", "META", "NFLX", "AMD", "CRM",
	"ORCL", "ADBE", "PYPL", "INTC", "CSCO", "JPM", "BAC", "WMT", "V", "UNH",
	"HD", "PG", "MA", "DIS", "XOM", "CVX", "PFE", "KO", "PEP", "MRK",
}

// Score weights and normalization factors for the technical screen.
const (
	priceWeight    = 0.4
	volumeWeight   = 0.3
	momentumWeight = 0.3

	// fetchConcurrency bounds how many symbols are screened at once so a
	// wide universe does not flood the bridge queue.
	fetchConcurrency = 4
)

// Technicals holds the per-symbol screen inputs and the blended score.
type Technicals struct {
	Symbol      string
	Price       float64
	PriceChange float64
	VolumeRatio float64
	Momentum    float64
	Score       float64
}

// Screener screens the configured universe against the current regime.
type Screener struct {
	client broker.Client
	cfg    config.ScreenerConfig
	logger *log.Logger
}

// New creates a screener reading bars through the given client.
func New(client broker.Client, cfg config.ScreenerConfig, logger *log.Logger) *Screener {
	if logger == nil {
		logger = log.Default()
	}
	return &Screener{client: client, cfg: cfg, logger: logger}
}

// Universe returns the configured symbol list, or the built-in fallback.
func (s *Screener) Universe() []string {
	if len(s.cfg.Universe) > 0 {
		return s.cfg.Universe
	}
	return defaultUniverse
}

// Screen fetches technicals for the whole universe concurrently and
// returns the candidate symbols ranked for the given regime. Per-symbol
// failures are logged and skipped; they never abort the screen.
func (s *Screener) Screen(sentiment news.Sentiment) []string {
	universe := s.Universe()

	var mu sync.Mutex
	scored := make([]Technicals, 0, len(universe))

	var g errgroup.Group
	g.SetLimit(fetchConcurrency)
	for _, symbol := range universe {
		symbol := symbol
		g.Go(func() error {
			tech, err := s.analyze(symbol)
			if err != nil {
				s.logger.Printf("screener: skipping %s: %v", symbol, err)
				return nil
			}
			mu.Lock()
			scored = append(scored, tech)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return s.rank(scored, sentiment)
}

// analyze computes the technical score for one symbol from two days of
// hourly bars.
func (s *Screener) analyze(symbol string) (Technicals, error) {
	bars, err := s.client.GetHistoricalData(symbol, 48*time.Hour, "hourly")
	if err != nil {
		return Technicals{}, err
	}
	if len(bars) == 0 {
		return Technicals{}, errNoBars
	}

	closes := make([]float64, len(bars))
	var volumeSum float64
	for i, b := range bars {
		closes[i] = b.Close
		volumeSum += float64(b.Volume)
	}

	current := closes[len(closes)-1]
	prev := current
	if len(closes) > 1 {
		prev = closes[len(closes)-2]
	}

	var priceChange float64
	if prev != 0 {
		priceChange = (current - prev) / prev
	}

	avgVolume := volumeSum / float64(len(bars))
	volumeRatio := 1.0
	if avgVolume != 0 {
		volumeRatio = float64(bars[len(bars)-1].Volume) / avgVolume
	}

	var momentum float64
	if closes[0] != 0 {
		momentum = (current - closes[0]) / closes[0]
	}

	return Technicals{
		Symbol:      symbol,
		Price:       current,
		PriceChange: priceChange,
		VolumeRatio: volumeRatio,
		Momentum:    momentum,
		Score:       technicalScore(priceChange, volumeRatio, momentum),
	}, nil
}

// technicalScore blends normalized price change, volume surge, and
// momentum into a single [-1, 1] score.
func technicalScore(priceChange, volumeRatio, momentum float64) float64 {
	priceScore := util.Clamp(priceChange*10, -1, 1)
	volumeScore := util.Clamp((volumeRatio-1)*0.5, -1, 1)
	momentumScore := util.Clamp(momentum*5, -1, 1)
	return priceScore*priceWeight + volumeScore*volumeWeight + momentumScore*momentumWeight
}

// rank orders the scored symbols for the regime and trims to the per
// category cap: bullish regimes favor the strongest scores, bearish the
// weakest, and volatile the largest absolute scores.
func (s *Screener) rank(scored []Technicals, sentiment news.Sentiment) []string {
	switch {
	case sentiment.Bullish():
		sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	case sentiment.Bearish():
		sort.Slice(scored, func(i, j int) bool { return scored[i].Score < scored[j].Score })
	case sentiment.Volatile():
		sort.Slice(scored, func(i, j int) bool {
			return math.Abs(scored[i].Score) > math.Abs(scored[j].Score)
		})
	default:
		// Neutral regime: nothing to trade.
		return nil
	}

	max := s.cfg.MaxPerCategory
	if max <= 0 {
		max = 10
	}
	if len(scored) > max {
		scored = scored[:max]
	}

	symbols := make([]string, len(scored))
	for i, t := range scored {
		symbols[i] = t.Symbol
	}
	s.logger.Printf("screener: %d candidates for %s regime", len(symbols), sentiment.Condition)
	return symbols
}
