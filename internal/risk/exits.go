package risk

import (
	"log"
	"math"
	"sync"

	"github.com/Schmoll86/options-trading-bot-2026/internal/config"
	"github.com/Schmoll86/options-trading-bot-2026/internal/models"
)

// ExitTracker runs the per-position exit state machine. A position holds
// until it either stops out, takes profit, or runs far enough in the money
// that a ratcheting trailing stop takes over. Trailing state is keyed by
// trade id and guarded by the tracker's own mutex; no gateway call ever
// happens under it.
type ExitTracker struct {
	cfg    config.RiskConfig
	logger *log.Logger

	mu    sync.Mutex
	stops map[string]float64 // trade id -> trailing stop price
	peaks map[string]float64 // trade id -> highest profit pct seen
}

// NewExitTracker creates an exit state machine with the configured
// thresholds.
func NewExitTracker(cfg config.RiskConfig, logger *log.Logger) *ExitTracker {
	if logger == nil {
		logger = log.Default()
	}
	return &ExitTracker{
		cfg:    cfg,
		logger: logger,
		stops:  make(map[string]float64),
		peaks:  make(map[string]float64),
	}
}

// stopLossFor returns the loss threshold for a strategy kind, defaulting
// to the bull threshold for unknown kinds.
func (t *ExitTracker) stopLossFor(kind models.StrategyKind) float64 {
	if pct, ok := t.cfg.StopLossPct[string(kind)]; ok {
		return pct
	}
	return 0.20
}

// CheckExitConditions evaluates one position against the exit rules and
// reports whether it should close and why. Once profit crosses the
// trailing activation threshold the position never take-profits directly;
// the trailing stop owns the exit from then on. Net credit positions
// carry a negative entry and a negative mark; profit is still measured
// as the mark rising toward the entry's magnitude.
func (t *ExitTracker) CheckExitConditions(tradeID string, entryPrice, currentPrice float64, kind models.StrategyKind) (bool, models.ExitReason) {
	if entryPrice == 0 {
		return false, models.ExitHold
	}
	profitPct := (currentPrice - entryPrice) / math.Abs(entryPrice)

	if profitPct > 0 {
		if profitPct >= t.cfg.TrailingActivationPct {
			return t.handleTrailingStop(tradeID, currentPrice, profitPct)
		}
		if profitPct >= t.cfg.TakeProfitPct {
			return true, models.ExitTakeProfit
		}
	} else {
		lossPct := math.Abs(profitPct)
		if lossPct >= t.stopLossFor(kind) {
			return true, models.ExitStopLoss
		}
	}
	return false, models.ExitHold
}

// handleTrailingStop is the stateful arm of the exit machine. The first
// entry records a stop a fixed retracement below the current price; later
// calls ratchet the stop up with new peaks but never lower it, and close
// when price touches the stop.
func (t *ExitTracker) handleTrailingStop(tradeID string, currentPrice, profitPct float64) (bool, models.ExitReason) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stop, active := t.stops[tradeID]
	if !active {
		t.stops[tradeID] = t.trailStop(currentPrice)
		t.peaks[tradeID] = profitPct
		t.logger.Printf("risk: trailing stop armed for %s at %.2f", tradeID, t.stops[tradeID])
		return false, models.ExitTrailingActive
	}

	if profitPct > t.peaks[tradeID] {
		t.peaks[tradeID] = profitPct
		if newStop := t.trailStop(currentPrice); newStop > stop {
			t.stops[tradeID] = newStop
			stop = newStop
		}
	}

	if currentPrice <= stop {
		return true, models.ExitTrailingStop
	}
	return false, models.ExitTrailingActive
}

// trailStop places the stop a fixed retracement of the price's magnitude
// below it, which keeps the stop under the mark for credit positions too.
func (t *ExitTracker) trailStop(currentPrice float64) float64 {
	return currentPrice - math.Abs(currentPrice)*t.cfg.TrailingRetracePct
}

// StopPrice returns the current trailing stop for a trade, if armed.
func (t *ExitTracker) StopPrice(tradeID string) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stop, ok := t.stops[tradeID]
	return stop, ok
}

// CleanupTrade drops all trailing state for a closed trade, whatever the
// close reason was.
func (t *ExitTracker) CleanupTrade(tradeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.stops, tradeID)
	delete(t.peaks, tradeID)
}

// ActiveTrailingStops returns how many trades currently have an armed
// trailing stop.
func (t *ExitTracker) ActiveTrailingStops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.stops)
}
