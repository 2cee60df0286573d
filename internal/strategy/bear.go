package strategy

import (
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

// Bear trades bear put spreads on confirmed downtrends: buy a put near
// the money, sell one further below.
type Bear struct {
	base

	minRSI             float64
	maxRSI             float64
	minDowntrendDays   int
	minRiskReward      float64
	minProbability     float64
	minReturnOnRisk    float64
	takeProfitPnLPct   float64
	stopLossPnLPct     float64
	maxContractsPerLeg int
}

// NewBear creates the bear put spread strategy.
func NewBear(client broker.Client, gate *risk.Manager, logger *log.Logger) *Bear {
	if logger == nil {
		logger = log.Default()
	}
	return &Bear{
		base:               base{client: client, gate: gate, logger: logger},
		minRSI:             30,
		maxRSI:             60,
		minDowntrendDays:   5,
		minRiskReward:      2.0,
		minProbability:     0.65,
		minReturnOnRisk:    1.5,
		takeProfitPnLPct:   50,
		stopLossPnLPct:     -30,
		maxContractsPerLeg: 10,
	}
}

func (s *Bear) Kind() models.StrategyKind { return models.StrategyBear }

// ScanOpportunities mirrors the bull scan with the bearish entry gates.
func (s *Bear) ScanOpportunities(symbols []string) []models.Opportunity {
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
				s.logger.Printf("bear: skipping %s: %v", symbol, err)
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
	s.logger.Printf("bear: %d spread opportunities from %d symbols", len(found), len(symbols))
	return found
}

type bearSignals struct {
	bearish       bool
	rsi           float64
	volatility    float64
	trendStrength float64
	downDays      int
}

func (s *Bear) technicals(closes []float64, currentPrice float64) bearSignals {
	sma20 := sma(closes, 20)
	sma50 := sma(closes, 50)
	r := rsi(closes, 14)
	vol := historicalVolatility(closes, 20)
	downDays := downtrendDays(closes)

	var trend float64
	if sma50 != 0 {
		trend = (currentPrice - sma50) / sma50
	}

	return bearSignals{
		bearish: currentPrice < sma20 &&
			currentPrice < sma50 &&
			r >= s.minRSI && r <= s.maxRSI &&
			downDays >= s.minDowntrendDays,
		rsi:           r,
		volatility:    vol,
		trendStrength: trend,
		downDays:      downDays,
	}
}

func (s *Bear) analyzeSymbol(symbol string) (*models.Opportunity, error) {
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
	if !signals.bearish {
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

	spread := findBearSpread(chain, currentPrice, signals.volatility)
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
		Strategy:          models.StrategyBear,
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

// findBearSpread picks put strikes below spot: the long put near 20% of
// the expected move down, the short put near 80%.
func findBearSpread(chain []broker.ChainEntry, currentPrice, volatility float64) *callSpread {
	em := expectedMove(currentPrice, volatility, optimalDaysToExpiry)
	targetLong := currentPrice - 0.2*em
	targetShort := currentPrice - 0.8*em

	var longStrike, shortStrike float64
	var longMid, shortMid float64
	var haveLong, haveShort bool

	for _, entry := range chain {
		m, ok := mid(entry.Put)
		if !ok {
			continue
		}
		if !haveLong || absFloat(entry.Strike-targetLong) < absFloat(longStrike-targetLong) {
			longStrike, longMid, haveLong = entry.Strike, m, true
		}
		if entry.Strike < targetLong {
			if !haveShort || absFloat(entry.Strike-targetShort) < absFloat(shortStrike-targetShort) {
				shortStrike, shortMid, haveShort = entry.Strike, m, true
			}
		}
	}

	if !haveLong || !haveShort || shortStrike >= longStrike {
		return nil
	}

	width := longStrike - shortStrike
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

// spreadMetrics estimates the put spread's odds. A strong downtrend
// nudges the probability up before the cap; the thresholds were tuned
// against exactly this estimator.
func (s *Bear) spreadMetrics(spread callSpread, currentPrice float64, signals bearSignals) spreadMetrics {
	maxProfit := spread.width - spread.debit
	maxLoss := spread.debit
	breakeven := spread.longStrike - spread.debit

	var riskReward float64
	if maxLoss > 0 {
		riskReward = maxProfit / maxLoss
	}

	vol := math.Max(signals.volatility, 0.1)
	em := expectedMove(currentPrice, vol, optimalDaysToExpiry)
	var distance float64
	if em > 0 {
		distance = (currentPrice - breakeven) / em
	}
	probability := normCDF(distance)
	if signals.trendStrength < -0.05 {
		probability *= 1.1
	}
	probability = math.Min(probability, 0.95)

	score := probability*0.4 +
		math.Min(riskReward/3, 1)*0.3 +
		math.Abs(signals.trendStrength)*0.2 +
		math.Min(float64(signals.downDays)/10, 1)*0.1

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

func (s *Bear) validate(m spreadMetrics) bool {
	return m.riskReward >= s.minRiskReward &&
		m.probabilityProfit >= s.minProbability &&
		m.returnOnRisk >= s.minReturnOnRisk
}

// ExecuteTrade places the two put legs.
func (s *Bear) ExecuteTrade(opp models.Opportunity) (string, error) {
	halted, err := s.client.IsTradingHalted(opp.Symbol)
	if err != nil {
		return "", err
	}
	if halted {
		s.logger.Printf("bear: trading halted for %s, skipping", opp.Symbol)
		return "", nil
	}

	cost := opp.Debit * float64(opp.PositionSize) * models.ContractMultiplier
	if !s.gate.CanTrade(cost) {
		s.logger.Printf("bear: risk check failed for %s (cost $%.2f)", opp.Symbol, cost)
		return "", nil
	}

	if len(opp.Strikes) != 2 || len(opp.LegPrices) != 2 {
		return "", errBadStrikes
	}

	legs := []leg{
		{
			contract: optionContract(opp.Symbol, opp.Expiry, opp.Strikes[0], broker.RightPut),
			action:   broker.ActionBuy,
			limit:    util.RoundToTick(opp.LegPrices[0]*(1+slippageAllowance), 0.01),
		},
		{
			contract: optionContract(opp.Symbol, opp.Expiry, opp.Strikes[1], broker.RightPut),
			action:   broker.ActionSell,
			limit:    util.RoundToTick(opp.LegPrices[1]*(1-slippageAllowance), 0.01),
		},
	}

	id, err := s.placeLegs(opp.Symbol, opp.PositionSize, legs)
	if err != nil {
		return id, err
	}
	s.logger.Printf("bear: spread placed for %s: long %.2fP short %.2fP debit $%.2f size %d",
		opp.Symbol, opp.Strikes[0], opp.Strikes[1], opp.Debit, opp.PositionSize)
	return id, nil
}

// ManagePositions applies the same profit and loss bands as the bull
// spread, on the put side.
func (s *Bear) ManagePositions(positions []broker.Position) []models.CloseAction {
	var actions []models.CloseAction
	for _, p := range positions {
		pnl := positionPnLPct(p)
		switch {
		case pnl >= s.takeProfitPnLPct:
			s.logger.Printf("bear: take profit hit for %s at %.1f%%", p.Symbol, pnl)
			actions = append(actions, models.CloseAction{
				Trade:  tradeFromPosition(p, models.StrategyBear),
				Reason: models.ExitTakeProfit,
			})
		case pnl <= s.stopLossPnLPct:
			s.logger.Printf("bear: stop loss triggered for %s at %.1f%%", p.Symbol, pnl)
			actions = append(actions, models.CloseAction{
				Trade:  tradeFromPosition(p, models.StrategyBear),
				Reason: models.ExitStopLoss,
			})
		default:
			if dte, ok := daysToExpiry(p.Symbol); ok && dte < timeExitDTE {
				s.logger.Printf("bear: %d DTE for %s, closing before expiry", dte, p.Symbol)
				actions = append(actions, models.CloseAction{
					Trade:  tradeFromPosition(p, models.StrategyBear),
					Reason: models.ExitTimeLimit,
				})
			}
		}
	}
	return actions
}
