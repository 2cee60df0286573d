// Package engine runs the trading loop: sentiment, screening, strategy
// scans, risk filtering, and execution on a fixed cadence, plus the
// faster position monitor.
package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Schmoll86/options-trading-bot-2026/internal/models"
	"github.com/Schmoll86/options-trading-bot-2026/internal/news"
	"github.com/Schmoll86/options-trading-bot-2026/internal/risk"
	"github.com/Schmoll86/options-trading-bot-2026/internal/strategy"
)

const (
	// executionSlots bounds concurrent order placement; executionSpacing
	// keeps successive placements at least this far apart.
	executionSlots   = 3
	executionSpacing = 2 * time.Second

	maxTradesPerCycle = 3

	// After this many consecutive failed cycles the loop starts adding
	// backoff between attempts. It never stops.
	failureBackoffAfter = 3
	maxFailureBackoff   = 5 * time.Minute
)

// Sink receives telemetry events. Implementations must return quickly
// and never error; a nil Sink disables reporting.
type Sink interface {
	UpdatePortfolioValue(value float64)
	UpdateRiskMetrics(dailyLoss float64, halted bool, openPositions int)
	AddTradeAction(action, symbol, detail string)
	AddError(msg string)
}

// Tracker is notified of every opened trade so exit checks can use the
// real entry price instead of the broker's average cost.
type Tracker interface {
	Track(trade models.Trade)
}

// SentimentSource reads the market regime; satisfied by news.Analyzer.
type SentimentSource interface {
	MarketSentiment() news.Sentiment
}

// CandidateScreener ranks symbols for a regime; satisfied by
// screener.Screener.
type CandidateScreener interface {
	Screen(sentiment news.Sentiment) []string
}

// Engine owns one trading cycle at a time.
type Engine struct {
	sentiment  SentimentSource
	screener   CandidateScreener
	gate       *risk.Manager
	strategies map[models.StrategyKind]strategy.Strategy
	tracker    Tracker
	sink       Sink
	logger     *log.Logger

	interval  time.Duration
	hoursOpen func(time.Time) bool

	cycleMu sync.Mutex
	slots   *semaphore.Weighted

	spacing   time.Duration
	spacingMu sync.Mutex
	lastExec  time.Time

	failures int
}

func New(
	sentiment SentimentSource,
	scr CandidateScreener,
	gate *risk.Manager,
	strategies []strategy.Strategy,
	interval time.Duration,
	logger *log.Logger,
) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	byKind := make(map[models.StrategyKind]strategy.Strategy, len(strategies))
	for _, st := range strategies {
		byKind[st.Kind()] = st
	}
	return &Engine{
		sentiment:  sentiment,
		screener:   scr,
		gate:       gate,
		strategies: byKind,
		logger:     logger,
		interval:   interval,
		slots:      semaphore.NewWeighted(executionSlots),
		spacing:    executionSpacing,
	}
}

// SetTracker wires the position monitor in; may stay nil in tests.
func (e *Engine) SetTracker(t Tracker) { e.tracker = t }

// SetSink wires the telemetry sink in; may stay nil.
func (e *Engine) SetSink(s Sink) { e.sink = s }

// SetTradingHours installs a predicate consulted before each scheduled
// cycle. Outside the window the cycle is skipped, not failed.
func (e *Engine) SetTradingHours(open func(time.Time) bool) { e.hoursOpen = open }

// Run executes cycles on the configured interval until the context is
// canceled. The first cycle runs immediately.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Printf("engine: starting trading loop, cycle every %v", e.interval)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			e.logger.Println("engine: trading loop stopped")
			return nil
		case <-ticker.C:
			e.runOnce(ctx)
		}
	}
}

func (e *Engine) runOnce(ctx context.Context) {
	if e.hoursOpen != nil && !e.hoursOpen(time.Now()) {
		e.logger.Println("engine: outside trading hours, skipping cycle")
		return
	}

	err := e.RunCycle(ctx)
	if err == nil {
		e.failures = 0
		return
	}

	e.failures++
	e.logger.Printf("engine: cycle failed (%d consecutive): %v", e.failures, err)
	e.addError(fmt.Sprintf("cycle failed: %v", err))

	if e.failures < failureBackoffAfter {
		return
	}
	backoff := time.Duration(e.failures-failureBackoffAfter+1) * e.interval
	if backoff > maxFailureBackoff {
		backoff = maxFailureBackoff
	}
	e.logger.Printf("engine: backing off %v before next cycle", backoff)
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
	}
}

// RunCycle performs one full pass: sentiment, screen, scan, filter,
// execute. Concurrent callers queue up behind the cycle mutex. Panics
// from strategy code are converted into an error so the loop survives.
func (e *Engine) RunCycle(ctx context.Context) (err error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("trading cycle panicked: %v", r)
		}
	}()

	if e.gate.IsTradingHalted() {
		e.logger.Println("engine: trading halted, skipping cycle")
		e.updateRiskMetrics()
		return nil
	}

	started := time.Now()
	e.logger.Println("engine: starting trading cycle")

	sentiment := e.sentiment.MarketSentiment()
	active := e.activeStrategies(sentiment)
	if len(active) == 0 {
		e.logger.Println("engine: neutral market, no strategies active")
		return nil
	}

	candidates := e.screener.Screen(sentiment)
	if len(candidates) == 0 {
		e.logger.Println("engine: screener produced no candidates")
		return nil
	}

	opportunities, err := e.scan(active, candidates)
	if err != nil {
		return err
	}
	picked := e.filter(opportunities)
	if len(picked) == 0 {
		e.logger.Printf("engine: no opportunities passed the risk gate (%d scanned)", len(opportunities))
		return nil
	}

	e.execute(ctx, picked)
	e.updateRiskMetrics()
	e.logger.Printf("engine: cycle complete in %v", time.Since(started).Round(time.Millisecond))
	return nil
}

// activeStrategies maps the market regime onto the strategies worth
// scanning. A neutral read sits the cycle out.
func (e *Engine) activeStrategies(sentiment news.Sentiment) []strategy.Strategy {
	var kinds []models.StrategyKind
	switch {
	case sentiment.Volatile():
		kinds = []models.StrategyKind{models.StrategyVolatile}
	case sentiment.Bullish():
		kinds = []models.StrategyKind{models.StrategyBull}
	case sentiment.Bearish():
		kinds = []models.StrategyKind{models.StrategyBear}
	}

	var active []strategy.Strategy
	for _, kind := range kinds {
		if st, ok := e.strategies[kind]; ok {
			active = append(active, st)
		}
	}
	return active
}

// scan runs every active strategy concurrently and merges the results
// best first. A panicking scan fails the whole cycle.
func (e *Engine) scan(active []strategy.Strategy, candidates []string) ([]models.Opportunity, error) {
	var mu sync.Mutex
	var all []models.Opportunity

	var g errgroup.Group
	for _, st := range active {
		st := st
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%s scan panicked: %v", st.Kind(), r)
				}
			}()
			opps := st.ScanOpportunities(candidates)
			mu.Lock()
			all = append(all, opps...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	return all, nil
}

// filter walks the scored opportunities through the risk gate and keeps
// at most maxTradesPerCycle.
func (e *Engine) filter(opportunities []models.Opportunity) []models.Opportunity {
	picked := make([]models.Opportunity, 0, maxTradesPerCycle)
	for _, opp := range opportunities {
		if len(picked) == maxTradesPerCycle {
			break
		}
		if !e.gate.CanOpenPosition(opp.Symbol) {
			e.logger.Printf("engine: %s rejected, position already open or trading halted", opp.Symbol)
			continue
		}
		if !e.gate.CheckRiskExposure(opp) {
			e.logger.Printf("engine: %s rejected by exposure check", opp.Symbol)
			continue
		}
		if !e.gate.CheckVolatilityLimits(opp) {
			e.logger.Printf("engine: %s rejected by volatility limits", opp.Symbol)
			continue
		}
		picked = append(picked, opp)
	}
	return picked
}

// execute places the picked trades, at most executionSlots in flight
// and executionSpacing after the last placement that went through.
func (e *Engine) execute(ctx context.Context, picked []models.Opportunity) {
	var wg sync.WaitGroup
	for _, opp := range picked {
		if err := e.waitForSpacing(ctx); err != nil {
			break
		}
		if err := e.slots.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(opp models.Opportunity) {
			defer e.slots.Release(1)
			defer wg.Done()
			e.executeOne(opp)
		}(opp)
	}
	wg.Wait()
}

// waitForSpacing blocks until the spacing interval has passed since the
// last successful placement. Declined or failed attempts do not reset
// the clock, so a run of rejections cannot starve later trades.
func (e *Engine) waitForSpacing(ctx context.Context) error {
	for {
		e.spacingMu.Lock()
		last := e.lastExec
		e.spacingMu.Unlock()

		if last.IsZero() {
			return nil
		}
		remaining := e.spacing - time.Since(last)
		if remaining <= 0 {
			return nil
		}
		select {
		case <-time.After(remaining):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) markExecuted() {
	e.spacingMu.Lock()
	e.lastExec = time.Now()
	e.spacingMu.Unlock()
}

func (e *Engine) executeOne(opp models.Opportunity) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("engine: execution panicked for %s: %v", opp.Symbol, r)
			e.addError(fmt.Sprintf("execution panicked for %s: %v", opp.Symbol, r))
		}
	}()

	st, ok := e.strategies[opp.Strategy]
	if !ok {
		e.logger.Printf("engine: no strategy registered for %s", opp.Strategy)
		return
	}

	orderID, err := st.ExecuteTrade(opp)
	if err != nil {
		e.logger.Printf("engine: execution failed for %s: %v", opp.Symbol, err)
		e.addError(fmt.Sprintf("execution failed for %s: %v", opp.Symbol, err))
		return
	}
	if orderID == "" {
		// The strategy's own gates declined; nothing was placed.
		return
	}
	e.markExecuted()

	e.gate.RegisterOpenPosition(opp.Symbol, opp.Strategy)

	trade := models.Trade{
		ID:         uuid.NewString(),
		Symbol:     opp.Symbol,
		Strategy:   opp.Strategy,
		EntryPrice: opp.Debit,
		Quantity:   opp.PositionSize,
		Strikes:    opp.Strikes,
		Expiry:     opp.Expiry,
		OrderID:    orderID,
		OpenedAt:   time.Now(),
	}
	if e.tracker != nil {
		e.tracker.Track(trade)
	}
	if e.sink != nil {
		e.sink.AddTradeAction("open", opp.Symbol, string(opp.Strategy))
	}
	e.logger.Printf("engine: opened %s %s x%d (order %s, score %.3f)",
		opp.Strategy, opp.Symbol, opp.PositionSize, orderID, opp.Score)
}

func (e *Engine) updateRiskMetrics() {
	if e.sink == nil {
		return
	}
	e.sink.UpdateRiskMetrics(e.gate.DailyLoss(), e.gate.IsTradingHalted(), e.gate.OpenPositionCount())
}

func (e *Engine) addError(msg string) {
	if e.sink != nil {
		e.sink.AddError(msg)
	}
}
