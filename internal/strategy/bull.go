package strategy

import (
	"errors"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Schmoll86/options-trading-bot-2026/internal/broker"
	"github.com/Schmoll86/options-trading-bot-2026/internal/models"
	"github.com/Schmoll86/options-trading-bot-2026/internal/risk"
	"github.com/Schmoll86/options-trading-bot-2026/internal/util"
)

var errBadStrikes = errors.New("opportunity is missing its leg strikes")

// Bull trades bull call spreads on uptrending symbols: buy a call near
// the money, sell one further out, profit on a measured move up.
type Bull struct {
	base

	// Entry thresholds, tuned against the probability estimator below.
	minRSI             float64
	maxRSI             float64
	minTrendStrength   float64
	minRiskReward      float64
	minProbability     float64
	minReturnOnRisk    float64
	takeProfitPnLPct   float64
	stopLossPnLPct     float64
	maxContractsPerLeg int
}

// NewBull creates the bull call spread strategy.
func NewBull(client broker.Client, gate *risk.Manager, logger *log.Logger) *Bull {
	if logger == nil {
		logger = log.Default()
	}
	return &Bull{
		base:               base{client: client, gate: gate, logger: logger},
		minRSI:             40,
		maxRSI:             70,
		minTrendStrength:   0.02,
		minRiskReward:      2.0,
		minProbability:     0.65,
		minReturnOnRisk:    1.5,
		takeProfitPnLPct:   50,
		stopLossPnLPct:     -30,
		maxContractsPerLeg: 10,
	}
}

func (s *Bull) Kind() models.StrategyKind { return models.StrategyBull }

// ScanOpportunities analyzes the candidates concurrently and returns the
// top scored spreads. Per-symbol failures are logged and dropped.
func (s *Bull) ScanOpportunities(symbols []string) []models.Opportunity {
	if len(symbols) > maxSymbolsPerScan {
		symbols = symbols[:maxSymbolsPerScan]
	}

	var mu sync.Mutex
	var found []models.Opportunity

	var g errgroup.Group
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			opp, err := s.analyzeSymbol(symbol)
			if err != nil {
				s.logger.Printf("bull: skipping %s: %v", symbol, err)
				return nil
			}
			if opp != nil {
				mu.Lock()
				found = append(found, *opp)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(found, func(i, j int) bool { return found[i].Score > found[j].Score })
	if len(found) > topOpportunities {
		found = found[:topOpportunities]
	}
	s.logger.Printf("bull: %d spread opportunities from %d symbols", len(found), len(symbols))
	return found
}

// bullSignals holds the technical read used for entry and scoring.
type bullSignals struct {
	bullish       bool
	rsi           float64
	sma20         float64
	sma50         float64
	volatility    float64
	trendStrength float64
}

func (s *Bull) technicals(closes []float64, currentPrice float64) bullSignals {
	sma20 := sma(closes, 20)
	sma50 := sma(closes, 50)
	r := rsi(closes, 14)
	vol := historicalVolatility(closes, 20)

	var trend float64
	if sma50 != 0 {
		trend = (currentPrice - sma50) / sma50
	}

	return bullSignals{
		bullish: currentPrice > sma20 &&
			currentPrice > sma50 &&
			r >= s.minRSI && r <= s.maxRSI &&
			trend > s.minTrendStrength,
		rsi:           r,
		sma20:         sma20,
		sma50:         sma50,
		volatility:    vol,
		trendStrength: trend,
	}
}

func (s *Bull) analyzeSymbol(symbol string) (*models.Opportunity, error) {
	quote, err := s.client.GetMarketData(symbol)
	if err != nil {
		return nil, err
	}
	if quote.Last == 0 {
		return nil, nil
	}
	currentPrice := quote.Last

	bars, err := s.client.GetHistoricalData(symbol, 60*24*time.Hour, "daily")
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, nil
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}

	signals := s.technicals(closes, currentPrice)
	if !signals.bullish {
		return nil, nil
	}

	expiry := optimalExpiry(optimalDaysToExpiry)
	chain, err := s.client.GetOptionsChain(symbol, expiry)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, nil
	}

	spread := findBullSpread(chain, currentPrice, signals.volatility)
	if spread == nil {
		return nil, nil
	}

	m := s.spreadMetrics(*spread, currentPrice, signals)
	if !s.validate(m) {
		return nil, nil
	}

	size := risk.PositionSize(
		s.gate.CalculateMaxTradeSize(), s.gate.PortfolioValue(),
		m.maxLoss, m.probabilityProfit, m.maxProfit, s.maxContractsPerLeg)

	return &models.Opportunity{
		Symbol:            symbol,
		Strategy:          models.StrategyBull,
		Score:             m.score,
		ProbabilityProfit: m.probabilityProfit,
		MaxProfit:         m.maxProfit,
		MaxLoss:           m.maxLoss,
		PositionSize:      size,
		Strikes:           []float64{spread.longStrike, spread.shortStrike},
		LegPrices:         []float64{spread.longMid, spread.shortMid},
		Expiry:            expiry,
		Debit:             spread.debit,
	}, nil
}

// callSpread is a picked pair of call strikes with the net debit.
type callSpread struct {
	longStrike  float64
	shortStrike float64
	longMid     float64
	shortMid    float64
	debit       float64
	width       float64
}

// findBullSpread picks strikes around the expected move: the long call
// near 20% of the move above spot, the short call near 80%. Spreads
// narrower than 30% of the move are discarded as not worth the debit.
func findBullSpread(chain []broker.ChainEntry, currentPrice, volatility float64) *callSpread {
	em := expectedMove(currentPrice, volatility, optimalDaysToExpiry)
	targetLong := currentPrice + 0.2*em
	targetShort := currentPrice + 0.8*em

	var longStrike, shortStrike float64
	var longMid, shortMid float64
	var haveLong, haveShort bool

	for _, entry := range chain {
		m, ok := mid(entry.Call)
		if !ok {
			continue
		}
		if !haveLong || absFloat(entry.Strike-targetLong) < absFloat(longStrike-targetLong) {
			longStrike, longMid, haveLong = entry.Strike, m, true
		}
		if entry.Strike > targetLong {
			if !haveShort || absFloat(entry.Strike-targetShort) < absFloat(shortStrike-targetShort) {
				shortStrike, shortMid, haveShort = entry.Strike, m, true
			}
		}
	}

	if !haveLong || !haveShort || shortStrike <= longStrike {
		return nil
	}

	width := shortStrike - longStrike
	if width < 0.3*em {
		return nil
	}
	debit := longMid - shortMid
	if debit <= 0 {
		return nil
	}
	return &callSpread{
		longStrike:  longStrike,
		shortStrike: shortStrike,
		longMid:     longMid,
		shortMid:    shortMid,
		debit:       debit,
		width:       width,
	}
}

type spreadMetrics struct {
	maxProfit         float64
	maxLoss           float64
	breakeven         float64
	riskReward        float64
	probabilityProfit float64
	returnOnRisk      float64
	score             float64
}

// spreadMetrics estimates the spread's odds with a deliberately simple
// normal-approximation model; the entry thresholds were tuned against
// this estimator, so keep them in sync if it ever changes.
func (s *Bull) spreadMetrics(spread callSpread, currentPrice float64, signals bullSignals) spreadMetrics {
	maxProfit := spread.width - spread.debit
	maxLoss := spread.debit
	breakeven := spread.longStrike + spread.debit

	var riskReward float64
	if maxLoss > 0 {
		riskReward = maxProfit / maxLoss
	}

	vol := math.Max(signals.volatility, 0.1)
	em := expectedMove(currentPrice, vol, optimalDaysToExpiry)
	var distance float64
	if em > 0 {
		distance = (breakeven - currentPrice) / em
	}
	probability := util.Clamp(1-normCDF(distance), 0.1, 0.9)

	score := probability*0.4 +
		math.Min(riskReward/3, 1)*0.3 +
		math.Max(0, signals.trendStrength)*0.2 +
		(1-math.Min(signals.volatility, 1))*0.1

	var returnOnRisk float64
	if maxLoss > 0 {
		returnOnRisk = riskReward * probability
	}

	return spreadMetrics{
		maxProfit:         maxProfit,
		maxLoss:           maxLoss,
		breakeven:         breakeven,
		riskReward:        riskReward,
		probabilityProfit: probability,
		returnOnRisk:      returnOnRisk,
		score:             score,
	}
}

func (s *Bull) validate(m spreadMetrics) bool {
	return m.riskReward >= s.minRiskReward &&
		m.probabilityProfit >= s.minProbability &&
		m.returnOnRisk >= s.minReturnOnRisk
}

// ExecuteTrade places the two-leg spread. Halted symbols and failed risk
// checks return an empty order id without error; those are skips, not
// failures.
func (s *Bull) ExecuteTrade(opp models.Opportunity) (string, error) {
	halted, err := s.client.IsTradingHalted(opp.Symbol)
	if err != nil {
		return "", err
	}
	if halted {
		s.logger.Printf("bull: trading halted for %s, skipping", opp.Symbol)
		return "", nil
	}

	cost := opp.Debit * float64(opp.PositionSize) * models.ContractMultiplier
	if !s.gate.CanTrade(cost) {
		s.logger.Printf("bull: risk check failed for %s (cost $%.2f)", opp.Symbol, cost)
		return "", nil
	}

	if len(opp.Strikes) != 2 || len(opp.LegPrices) != 2 {
		return "", errBadStrikes
	}
	longStrike, shortStrike := opp.Strikes[0], opp.Strikes[1]
	longMid, shortMid := opp.LegPrices[0], opp.LegPrices[1]

	legs := []leg{
		{
			contract: optionContract(opp.Symbol, opp.Expiry, longStrike, broker.RightCall),
			action:   broker.ActionBuy,
			limit:    util.RoundToTick(longMid*(1+slippageAllowance), 0.01),
		},
		{
			contract: optionContract(opp.Symbol, opp.Expiry, shortStrike, broker.RightCall),
			action:   broker.ActionSell,
			limit:    util.RoundToTick(shortMid*(1-slippageAllowance), 0.01),
		},
	}

	id, err := s.placeLegs(opp.Symbol, opp.PositionSize, legs)
	if err != nil {
		return id, err
	}
	s.logger.Printf("bull: spread placed for %s: long %.2fC short %.2fC debit $%.2f size %d",
		opp.Symbol, longStrike, shortStrike, opp.Debit, opp.PositionSize)
	return id, nil
}

// ManagePositions applies the bull-specific exit bands: take profit at
// half the maximum, stop at 30% of the debit.
func (s *Bull) ManagePositions(positions []broker.Position) []models.CloseAction {
	var actions []models.CloseAction
	for _, p := range positions {
		pnl := positionPnLPct(p)
		switch {
		case pnl >= s.takeProfitPnLPct:
			s.logger.Printf("bull: take profit hit for %s at %.1f%%", p.Symbol, pnl)
			actions = append(actions, models.CloseAction{
				Trade:  tradeFromPosition(p, models.StrategyBull),
				Reason: models.ExitTakeProfit,
			})
		case pnl <= s.stopLossPnLPct:
			s.logger.Printf("bull: stop loss triggered for %s at %.1f%%", p.Symbol, pnl)
			actions = append(actions, models.CloseAction{
				Trade:  tradeFromPosition(p, models.StrategyBull),
				Reason: models.ExitStopLoss,
			})
		default:
			if dte, ok := daysToExpiry(p.Symbol); ok && dte < timeExitDTE {
				s.logger.Printf("bull: %d DTE for %s, closing before expiry", dte, p.Symbol)
				actions = append(actions, models.CloseAction{
					Trade:  tradeFromPosition(p, models.StrategyBull),
					Reason: models.ExitTimeLimit,
				})
			}
		}
	}
	return actions
}
