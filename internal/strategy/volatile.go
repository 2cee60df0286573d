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

// Volatile trades expected large moves: an ATM straddle when implied
// volatility is rich and still climbing, a cheaper OTM strangle when it
// is merely rich. When the rank is only mildly elevated and realized
// volatility is fading it flips to the short side and sells an iron
// condor instead.
type Volatile struct {
	base

	optimalDays        int
	minIVRank          float64
	minIVToHVRatio     float64
	maxIVToHVRatio     float64
	straddleIVRank     float64
	strangleIVRank     float64
	condorIVRank       float64
	maxPositionCostPct float64
	maxCostOfStockPct  float64
	minProbability     float64
	minRiskReward      float64
	minReturnOnRisk    float64
	takeProfitPnLPct   float64
	stopLossPnLPct     float64
	maxContractsPerLeg int

	condorMinCreditOfWidth float64
	condorMinProbability   float64
	condorMinRiskReward    float64
	condorMinReturnOnRisk  float64
	condorMaxContracts     int
}

// NewVolatile creates the long volatility strategy.
func NewVolatile(client broker.Client, gate *risk.Manager, logger *log.Logger) *Volatile {
	if logger == nil {
		logger = log.Default()
	}
	return &Volatile{
		base:               base{client: client, gate: gate, logger: logger},
		optimalDays:        30,
		minIVRank:          20,
		minIVToHVRatio:     0.5,
		maxIVToHVRatio:     10.0,
		straddleIVRank:     30,
		strangleIVRank:     25,
		maxPositionCostPct: 0.10,
		maxCostOfStockPct:  0.15,
		minProbability:     0.20,
		minRiskReward:      0.1,
		minReturnOnRisk:    0.05,
		condorIVRank:       20,
		takeProfitPnLPct:   10,
		stopLossPnLPct:     -60,
		maxContractsPerLeg: 10,

		condorMinCreditOfWidth: 0.25,
		condorMinProbability:   0.25,
		condorMinRiskReward:    0.05,
		condorMinReturnOnRisk:  0.02,
		condorMaxContracts:     5,
	}
}

func (s *Volatile) Kind() models.StrategyKind { return models.StrategyVolatile }

// ScanOpportunities analyzes the candidates concurrently and returns the
// top scored premium buys.
func (s *Volatile) ScanOpportunities(symbols []string) []models.Opportunity {
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
				s.logger.Printf("volatile: skipping %s: %v", symbol, err)
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
	s.logger.Printf("volatile: %d premium opportunities from %d symbols", len(found), len(symbols))
	return found
}

type volMetrics struct {
	hv10          float64
	hv20          float64
	hv30          float64
	currentHV     float64
	volIncreasing bool
}

func volatilityMetrics(closes []float64) volMetrics {
	hv10 := historicalVolatility(closes, 10)
	hv20 := historicalVolatility(closes, 20)
	hv30 := historicalVolatility(closes, 30)
	return volMetrics{
		hv10:          hv10,
		hv20:          hv20,
		hv30:          hv30,
		currentHV:     hv20,
		volIncreasing: hv10 > hv20 && hv20 > hv30,
	}
}

type ivMetrics struct {
	avgIV  float64
	ivRank float64
}

// impliedVolMetrics estimates amplitude from near-the-money option
// prices and maps the average onto a generous IV-rank scale.
func (s *Volatile) impliedVolMetrics(chain []broker.ChainEntry, currentPrice float64) ivMetrics {
	var ivs []float64
	for _, entry := range chain {
		if entry.Strike < 0.9*currentPrice || entry.Strike > 1.1*currentPrice {
			continue
		}
		if m, ok := mid(entry.Call); ok {
			if iv, ok := estimateIV(m, currentPrice, entry.Strike, s.optimalDays, broker.RightCall); ok {
				ivs = append(ivs, iv)
			}
		}
		if m, ok := mid(entry.Put); ok {
			if iv, ok := estimateIV(m, currentPrice, entry.Strike, s.optimalDays, broker.RightPut); ok {
				ivs = append(ivs, iv)
			}
		}
	}

	avg := 0.3
	if len(ivs) > 0 {
		var sum float64
		for _, iv := range ivs {
			sum += iv
		}
		avg = sum / float64(len(ivs))
	}

	var rank float64
	switch {
	case avg > 0.5:
		rank = 95
	case avg > 0.3:
		rank = 85
	case avg > 0.2:
		rank = 75
	case avg > 0.15:
		rank = 65
	case avg > 0.1:
		rank = 55
	case avg > 0.05:
		rank = 45
	case avg > 0.03:
		rank = 35
	case avg > 0.02:
		rank = 22
	default:
		rank = 15
	}

	return ivMetrics{avgIV: avg, ivRank: rank}
}

// estimateIV backs a rough implied volatility out of an option's time
// value. Not a Black-Scholes inverse; a cheap approximation the rank
// scale above was calibrated for.
func estimateIV(optionPrice, stockPrice, strike float64, daysToExpiry int, right broker.Right) (float64, bool) {
	if stockPrice <= 0 {
		return 0, false
	}
	var intrinsic float64
	if right == broker.RightCall {
		intrinsic = math.Max(0, stockPrice-strike)
	} else {
		intrinsic = math.Max(0, strike-stockPrice)
	}
	timeValue := optionPrice - intrinsic
	if timeValue <= 0 {
		return 0, false
	}

	timeToExpiry := float64(daysToExpiry) / 365
	iv := (timeValue / stockPrice) / math.Sqrt(timeToExpiry) * 2.5

	moneyness := math.Abs(stockPrice-strike) / stockPrice
	if moneyness > 0.1 {
		iv *= 1 + moneyness
	}
	return math.Min(iv, 2.0), true
}

// premiumSetup is a chosen straddle or strangle.
type premiumSetup struct {
	straddle   bool
	callStrike float64
	putStrike  float64
	callMid    float64
	putMid     float64
	totalCost  float64
}

func (s *Volatile) analyzeSymbol(symbol string) (*models.Opportunity, error) {
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
	vm := volatilityMetrics(closes)

	expiry := optimalExpiry(s.optimalDays)
	chain, err := s.client.GetOptionsChain(symbol, expiry)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, nil
	}

	im := s.impliedVolMetrics(chain, currentPrice)
	if im.ivRank < s.minIVRank {
		return nil, nil
	}
	ivToHV := 1.0
	if vm.currentHV > 0 {
		ivToHV = im.avgIV / vm.currentHV
	}
	if ivToHV < s.minIVToHVRatio || ivToHV > s.maxIVToHVRatio {
		return nil, nil
	}

	var setup *premiumSetup
	switch {
	case im.ivRank >= s.straddleIVRank && vm.volIncreasing:
		setup = s.findStraddle(chain, currentPrice)
	case im.ivRank >= s.strangleIVRank:
		setup = s.findStrangle(chain, currentPrice, vm.currentHV)
	case im.ivRank >= s.condorIVRank && !vm.volIncreasing:
		return s.condorOpportunity(symbol, expiry, chain, currentPrice, vm, im, ivToHV)
	}
	if setup == nil {
		return nil, nil
	}

	m := s.premiumMetrics(*setup, im, ivToHV)
	if !s.validate(m) {
		return nil, nil
	}

	size := s.positionSize(m.maxLoss)

	return &models.Opportunity{
		Symbol:            symbol,
		Strategy:          models.StrategyVolatile,
		Score:             m.score,
		ProbabilityProfit: m.probabilityProfit,
		MaxProfit:         m.maxProfit,
		MaxLoss:           m.maxLoss,
		PositionSize:      size,
		Strikes:           []float64{setup.callStrike, setup.putStrike},
		LegPrices:         []float64{setup.callMid, setup.putMid},
		Expiry:            expiry,
		Debit:             setup.totalCost,
	}, nil
}

// findStraddle buys the call and put at the strike closest to spot.
func (s *Volatile) findStraddle(chain []broker.ChainEntry, currentPrice float64) *premiumSetup {
	var best *premiumSetup
	bestDistance := math.Inf(1)

	for _, entry := range chain {
		callMid, okC := mid(entry.Call)
		putMid, okP := mid(entry.Put)
		if !okC || !okP {
			continue
		}
		distance := math.Abs(entry.Strike - currentPrice)
		if distance < bestDistance {
			bestDistance = distance
			best = &premiumSetup{
				straddle:   true,
				callStrike: entry.Strike,
				putStrike:  entry.Strike,
				callMid:    callMid,
				putMid:     putMid,
				totalCost:  callMid + putMid,
			}
		}
	}

	if best == nil || best.totalCost > currentPrice*s.maxCostOfStockPct {
		return nil
	}
	return best
}

// findStrangle buys an OTM call and put roughly half the expected move
// away from spot.
func (s *Volatile) findStrangle(chain []broker.ChainEntry, currentPrice, hv float64) *premiumSetup {
	em := expectedMove(currentPrice, hv, s.optimalDays)
	targetCall := currentPrice + 0.5*em
	targetPut := currentPrice - 0.5*em

	var callStrike, putStrike, callMid, putMid float64
	var haveCall, havePut bool

	for _, entry := range chain {
		if m, ok := mid(entry.Call); ok && entry.Strike > currentPrice {
			if !haveCall || math.Abs(entry.Strike-targetCall) < math.Abs(callStrike-targetCall) {
				callStrike, callMid, haveCall = entry.Strike, m, true
			}
		}
		if m, ok := mid(entry.Put); ok && entry.Strike < currentPrice {
			if !havePut || math.Abs(entry.Strike-targetPut) < math.Abs(putStrike-targetPut) {
				putStrike, putMid, havePut = entry.Strike, m, true
			}
		}
	}

	if !haveCall || !havePut {
		return nil
	}
	setup := &premiumSetup{
		callStrike: callStrike,
		putStrike:  putStrike,
		callMid:    callMid,
		putMid:     putMid,
		totalCost:  callMid + putMid,
	}
	if setup.totalCost > currentPrice*s.maxCostOfStockPct {
		return nil
	}
	return setup
}

// condorSetup is a chosen iron condor: short strikes around half the
// expected move out, long wings around a full move out.
type condorSetup struct {
	sellCallStrike float64
	buyCallStrike  float64
	sellPutStrike  float64
	buyPutStrike   float64
	sellCallMid    float64
	buyCallMid     float64
	sellPutMid     float64
	buyPutMid      float64
	credit         float64
	maxLoss        float64
	callWidth      float64
	putWidth       float64
}

func (s *Volatile) condorOpportunity(symbol, expiry string, chain []broker.ChainEntry, currentPrice float64, vm volMetrics, im ivMetrics, ivToHV float64) (*models.Opportunity, error) {
	c := s.findIronCondor(chain, currentPrice, vm.currentHV)
	if c == nil {
		return nil, nil
	}

	m := s.condorMetrics(*c, im, ivToHV)
	if !s.validateCondor(m) {
		return nil, nil
	}

	size := s.condorSize(c.maxLoss)

	return &models.Opportunity{
		Symbol:            symbol,
		Strategy:          models.StrategyVolatile,
		Score:             m.score,
		ProbabilityProfit: m.probabilityProfit,
		MaxProfit:         c.credit,
		MaxLoss:           c.maxLoss,
		PositionSize:      size,
		Strikes:           []float64{c.sellCallStrike, c.buyCallStrike, c.sellPutStrike, c.buyPutStrike},
		LegPrices:         []float64{c.sellCallMid, c.buyCallMid, c.sellPutMid, c.buyPutMid},
		Expiry:            expiry,
		// The entry collects premium, so the trade carries a negative
		// debit and its mark stays negative until the legs close.
		Debit: -c.credit,
	}, nil
}

// findIronCondor sells a call spread and a put spread around the
// expected move. All four strikes must quote on both sides; a condor
// with a missing wing is a naked short.
func (s *Volatile) findIronCondor(chain []broker.ChainEntry, currentPrice, hv float64) *condorSetup {
	em := expectedMove(currentPrice, hv, s.optimalDays)
	sellCallTarget := currentPrice + 0.5*em
	buyCallTarget := currentPrice + 1.0*em
	sellPutTarget := currentPrice - 0.5*em
	buyPutTarget := currentPrice - 1.0*em

	var c condorSetup
	var haveSellCall, haveBuyCall, haveSellPut, haveBuyPut bool

	for _, entry := range chain {
		strike := entry.Strike
		if m, ok := mid(entry.Call); ok {
			if strike > sellPutTarget &&
				(!haveSellCall || math.Abs(strike-sellCallTarget) < math.Abs(c.sellCallStrike-sellCallTarget)) {
				c.sellCallStrike, c.sellCallMid, haveSellCall = strike, m, true
			}
			if strike > sellCallTarget &&
				(!haveBuyCall || math.Abs(strike-buyCallTarget) < math.Abs(c.buyCallStrike-buyCallTarget)) {
				c.buyCallStrike, c.buyCallMid, haveBuyCall = strike, m, true
			}
		}
		if m, ok := mid(entry.Put); ok {
			if strike < sellCallTarget &&
				(!haveSellPut || math.Abs(strike-sellPutTarget) < math.Abs(c.sellPutStrike-sellPutTarget)) {
				c.sellPutStrike, c.sellPutMid, haveSellPut = strike, m, true
			}
			if strike < sellPutTarget &&
				(!haveBuyPut || math.Abs(strike-buyPutTarget) < math.Abs(c.buyPutStrike-buyPutTarget)) {
				c.buyPutStrike, c.buyPutMid, haveBuyPut = strike, m, true
			}
		}
	}

	if !haveSellCall || !haveBuyCall || !haveSellPut || !haveBuyPut {
		return nil
	}
	// When the expected move is narrower than strike spacing the nearest
	// candidates collapse onto the same strike; that is not a condor.
	if c.buyCallStrike <= c.sellCallStrike || c.buyPutStrike >= c.sellPutStrike {
		return nil
	}

	c.credit = (c.sellCallMid - c.buyCallMid) + (c.sellPutMid - c.buyPutMid)
	c.callWidth = c.buyCallStrike - c.sellCallStrike
	c.putWidth = c.sellPutStrike - c.buyPutStrike
	width := math.Max(c.callWidth, c.putWidth)
	c.maxLoss = width - c.credit
	if c.maxLoss <= 0 || c.credit < s.condorMinCreditOfWidth*width {
		return nil
	}
	return &c
}

type condorMetricsResult struct {
	probabilityProfit float64
	riskReward        float64
	creditOfWidth     float64
	returnOnRisk      float64
	score             float64
}

// condorMetrics scores the short premium trade. Breakevens sit one
// credit beyond the short strikes, so the odds of keeping a profit are
// the complement of price touching that distance.
func (s *Volatile) condorMetrics(c condorSetup, im ivMetrics, ivToHV float64) condorMetricsResult {
	emIV := expectedMove((c.sellCallStrike+c.sellPutStrike)/2, im.avgIV, s.optimalDays)
	probability := 1 - touchProbability(c.credit, emIV)
	riskReward := c.credit / c.maxLoss

	score := im.ivRank/100*0.3 +
		probability*0.3 +
		math.Min(riskReward/2, 1)*0.2 +
		math.Min((ivToHV-1)/0.5, 1)*0.2

	return condorMetricsResult{
		probabilityProfit: probability,
		riskReward:        riskReward,
		creditOfWidth:     c.credit / c.callWidth,
		returnOnRisk:      probability * c.credit / c.maxLoss,
		score:             score,
	}
}

func (s *Volatile) validateCondor(m condorMetricsResult) bool {
	return m.probabilityProfit >= s.condorMinProbability &&
		m.riskReward >= s.condorMinRiskReward &&
		m.creditOfWidth >= s.condorMinCreditOfWidth &&
		m.returnOnRisk >= s.condorMinReturnOnRisk
}

// condorSize sizes off the defined max loss, with a tighter contract
// cap than the long premium legs carry.
func (s *Volatile) condorSize(maxLoss float64) int {
	if maxLoss <= 0 {
		return 1
	}
	maxRisk := s.gate.CalculateMaxTradeSize() * s.maxPositionCostPct
	contracts := int(maxRisk / (maxLoss * models.ContractMultiplier))
	if contracts > s.condorMaxContracts {
		contracts = s.condorMaxContracts
	}
	if contracts < 1 {
		contracts = 1
	}
	return contracts
}

type premiumMetricsResult struct {
	maxProfit         float64
	maxLoss           float64
	probabilityProfit float64
	riskReward        float64
	ivToHV            float64
	returnOnRisk      float64
	score             float64
}

// premiumMetrics estimates the long-premium trade's odds. The realistic
// profit target is the implied expected move net of cost; max profit is
// theoretically unbounded but never scored that way.
func (s *Volatile) premiumMetrics(setup premiumSetup, im ivMetrics, ivToHV float64) premiumMetricsResult {
	cost := setup.totalCost
	emIV := expectedMove(setup.callStrike, im.avgIV, s.optimalDays)

	moveNeeded := cost
	if !setup.straddle {
		moveNeeded = math.Min((setup.callStrike-setup.putStrike)+cost, cost*1.5)
	}

	probability := touchProbability(moveNeeded, emIV)
	expectedProfit := emIV - cost

	var riskReward float64
	if cost > 0 {
		riskReward = expectedProfit / cost
	}

	score := im.ivRank/100*0.3 +
		probability*0.3 +
		math.Min(riskReward/2, 1)*0.2 +
		math.Min((ivToHV-1)/0.5, 1)*0.2

	var returnOnRisk float64
	if cost > 0 {
		returnOnRisk = probability * expectedProfit / cost
	}

	return premiumMetricsResult{
		maxProfit:         expectedProfit,
		maxLoss:           cost,
		probabilityProfit: probability,
		riskReward:        riskReward,
		ivToHV:            ivToHV,
		returnOnRisk:      returnOnRisk,
		score:             score,
	}
}

// touchProbability approximates the odds of price touching a level
// before expiry as twice the terminal probability, capped at 95%.
func touchProbability(moveNeeded, expectedMove float64) float64 {
	if expectedMove <= 0 {
		return 0.5
	}
	stdDevs := moveNeeded / expectedMove
	endProb := 1 - normCDF(stdDevs)
	return math.Min(2*endProb, 0.95)
}

func (s *Volatile) validate(m premiumMetricsResult) bool {
	return m.probabilityProfit >= s.minProbability &&
		m.riskReward >= s.minRiskReward &&
		m.ivToHV >= s.minIVToHVRatio &&
		m.returnOnRisk >= s.minReturnOnRisk
}

// positionSize commits at most a tenth of the available capital to one
// premium position.
func (s *Volatile) positionSize(maxLoss float64) int {
	if maxLoss <= 0 {
		return 1
	}
	maxRisk := s.gate.CalculateMaxTradeSize() * s.maxPositionCostPct
	contracts := int(maxRisk / (maxLoss * models.ContractMultiplier))
	if contracts > s.maxContractsPerLeg {
		contracts = s.maxContractsPerLeg
	}
	if contracts < 1 {
		contracts = 1
	}
	return contracts
}

// ExecuteTrade places the premium legs: straddles and strangles buy
// both sides, condors sell the short strikes against bought wings.
func (s *Volatile) ExecuteTrade(opp models.Opportunity) (string, error) {
	halted, err := s.client.IsTradingHalted(opp.Symbol)
	if err != nil {
		return "", err
	}
	if halted {
		s.logger.Printf("volatile: trading halted for %s, skipping", opp.Symbol)
		return "", nil
	}

	if len(opp.Strikes) == 4 {
		return s.executeCondor(opp)
	}

	cost := opp.Debit * float64(opp.PositionSize) * models.ContractMultiplier
	if !s.gate.CanTrade(cost) {
		s.logger.Printf("volatile: risk check failed for %s (cost $%.2f)", opp.Symbol, cost)
		return "", nil
	}

	if len(opp.Strikes) != 2 || len(opp.LegPrices) != 2 {
		return "", errBadStrikes
	}

	legs := []leg{
		{
			contract: optionContract(opp.Symbol, opp.Expiry, opp.Strikes[0], broker.RightCall),
			action:   broker.ActionBuy,
			limit:    util.RoundToTick(opp.LegPrices[0]*(1+slippageAllowance), 0.01),
		},
		{
			contract: optionContract(opp.Symbol, opp.Expiry, opp.Strikes[1], broker.RightPut),
			action:   broker.ActionBuy,
			limit:    util.RoundToTick(opp.LegPrices[1]*(1+slippageAllowance), 0.01),
		},
	}

	id, err := s.placeLegs(opp.Symbol, opp.PositionSize, legs)
	if err != nil {
		return id, err
	}
	kind := "strangle"
	if opp.Strikes[0] == opp.Strikes[1] {
		kind = "straddle"
	}
	s.logger.Printf("volatile: %s placed for %s: call %.2f put %.2f cost $%.2f size %d",
		kind, opp.Symbol, opp.Strikes[0], opp.Strikes[1], opp.Debit, opp.PositionSize)
	return id, nil
}

// executeCondor sells the call spread and the put spread. Margin is the
// defined max loss, not the credit collected.
func (s *Volatile) executeCondor(opp models.Opportunity) (string, error) {
	if len(opp.Strikes) != 4 || len(opp.LegPrices) != 4 {
		return "", errBadStrikes
	}

	margin := opp.MaxLoss * float64(opp.PositionSize) * models.ContractMultiplier
	if !s.gate.CanTrade(margin) {
		s.logger.Printf("volatile: risk check failed for %s condor (margin $%.2f)", opp.Symbol, margin)
		return "", nil
	}

	legs := []leg{
		{
			contract: optionContract(opp.Symbol, opp.Expiry, opp.Strikes[0], broker.RightCall),
			action:   broker.ActionSell,
			limit:    util.RoundToTick(opp.LegPrices[0]*(1-slippageAllowance), 0.01),
		},
		{
			contract: optionContract(opp.Symbol, opp.Expiry, opp.Strikes[1], broker.RightCall),
			action:   broker.ActionBuy,
			limit:    util.RoundToTick(opp.LegPrices[1]*(1+slippageAllowance), 0.01),
		},
		{
			contract: optionContract(opp.Symbol, opp.Expiry, opp.Strikes[2], broker.RightPut),
			action:   broker.ActionSell,
			limit:    util.RoundToTick(opp.LegPrices[2]*(1-slippageAllowance), 0.01),
		},
		{
			contract: optionContract(opp.Symbol, opp.Expiry, opp.Strikes[3], broker.RightPut),
			action:   broker.ActionBuy,
			limit:    util.RoundToTick(opp.LegPrices[3]*(1+slippageAllowance), 0.01),
		},
	}

	id, err := s.placeLegs(opp.Symbol, opp.PositionSize, legs)
	if err != nil {
		return id, err
	}
	s.logger.Printf("volatile: iron condor placed for %s: calls %.2f/%.2f puts %.2f/%.2f credit $%.2f size %d",
		opp.Symbol, opp.Strikes[0], opp.Strikes[1], opp.Strikes[2], opp.Strikes[3], -opp.Debit, opp.PositionSize)
	return id, nil
}

// ManagePositions exits long premium quickly: small take profit, wide
// stop, since time decay erodes the position every day it sits.
func (s *Volatile) ManagePositions(positions []broker.Position) []models.CloseAction {
	var actions []models.CloseAction
	for _, p := range positions {
		pnl := positionPnLPct(p)
		switch {
		case pnl >= s.takeProfitPnLPct:
			s.logger.Printf("volatile: take profit hit for %s at %.1f%%", p.Symbol, pnl)
			actions = append(actions, models.CloseAction{
				Trade:  tradeFromPosition(p, models.StrategyVolatile),
				Reason: models.ExitTakeProfit,
			})
		case pnl <= s.stopLossPnLPct:
			s.logger.Printf("volatile: stop loss triggered for %s at %.1f%%", p.Symbol, pnl)
			actions = append(actions, models.CloseAction{
				Trade:  tradeFromPosition(p, models.StrategyVolatile),
				Reason: models.ExitStopLoss,
			})
		}
	}
	return actions
}
