package risk

import (
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/Schmoll86/options-trading-bot-2026/internal/models"
)

func newTestTracker() *ExitTracker {
	return NewExitTracker(testRiskConfig(), quietLogger())
}

func TestCheckExitConditionsStopLoss(t *testing.T) {
	tr := newTestTracker()

	tests := []struct {
		name       string
		kind       models.StrategyKind
		entry      float64
		current    float64
		wantClose  bool
		wantReason models.ExitReason
	}{
		{"bull 21% loss breaches 20% stop", models.StrategyBull, 100, 79, true, models.ExitStopLoss},
		{"bull 19% loss holds", models.StrategyBull, 100, 81, false, models.ExitHold},
		{"bull exactly at threshold closes", models.StrategyBull, 100, 80, true, models.ExitStopLoss},
		{"bear 15% stop is tighter", models.StrategyBear, 100, 84, true, models.ExitStopLoss},
		{"bear 14% loss holds", models.StrategyBear, 100, 86, false, models.ExitHold},
		{"volatile 30% stop is widest", models.StrategyVolatile, 100, 71, false, models.ExitHold},
		{"volatile 30% loss closes", models.StrategyVolatile, 100, 70, true, models.ExitStopLoss},
		{"unknown kind falls back to 20%", models.StrategyKind("exotic"), 100, 79, true, models.ExitStopLoss},
		{"flat price holds", models.StrategyBull, 100, 100, false, models.ExitHold},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			close, reason := tr.CheckExitConditions(tt.name, tt.entry, tt.current, tt.kind)
			if close != tt.wantClose || reason != tt.wantReason {
				t.Errorf("got (%v, %s), want (%v, %s)", close, reason, tt.wantClose, tt.wantReason)
			}
		})
	}
}

func TestCheckExitConditionsTakeProfit(t *testing.T) {
	tr := newTestTracker()

	close, reason := tr.CheckExitConditions("tp", 100, 130, models.StrategyBull)
	if !close || reason != models.ExitTakeProfit {
		t.Errorf("30%% gain: got (%v, %s), want (true, take_profit)", close, reason)
	}

	close, reason = tr.CheckExitConditions("tp2", 100, 129, models.StrategyBull)
	if close || reason != models.ExitHold {
		t.Errorf("29%% gain: got (%v, %s), want (false, hold)", close, reason)
	}
}

func TestCreditPositionExits(t *testing.T) {
	tr := newTestTracker()

	// A sold spread enters at -2.00 and profits as the mark decays
	// toward zero.
	close, reason := tr.CheckExitConditions("cr-hold", -2.0, -1.50, models.StrategyVolatile)
	if close || reason != models.ExitHold {
		t.Errorf("25%% gain: got (%v, %s), want (false, hold)", close, reason)
	}

	close, reason = tr.CheckExitConditions("cr-tp", -2.0, -1.34, models.StrategyVolatile)
	if !close || reason != models.ExitTakeProfit {
		t.Errorf("33%% gain: got (%v, %s), want (true, take_profit)", close, reason)
	}

	close, reason = tr.CheckExitConditions("cr-sl", -2.0, -2.60, models.StrategyVolatile)
	if !close || reason != models.ExitStopLoss {
		t.Errorf("30%% loss: got (%v, %s), want (true, stop_loss)", close, reason)
	}
}

func TestCreditPositionTrailingStop(t *testing.T) {
	tr := newTestTracker()
	const id = "cr-trail"

	// 85% of the credit captured arms the trail below the negative mark.
	close, reason := tr.CheckExitConditions(id, -2.0, -0.30, models.StrategyVolatile)
	if close || reason != models.ExitTrailingActive {
		t.Fatalf("activation: got (%v, %s), want (false, trailing_active)", close, reason)
	}
	stop, ok := tr.StopPrice(id)
	if !ok || math.Abs(stop-(-0.324)) > 1e-9 {
		t.Fatalf("initial stop = %v, want -0.324", stop)
	}

	// Further decay ratchets the stop toward zero.
	close, reason = tr.CheckExitConditions(id, -2.0, -0.20, models.StrategyVolatile)
	if close || reason != models.ExitTrailingActive {
		t.Fatalf("new peak: got (%v, %s), want (false, trailing_active)", close, reason)
	}
	stop, _ = tr.StopPrice(id)
	if math.Abs(stop-(-0.216)) > 1e-9 {
		t.Fatalf("raised stop = %v, want -0.216", stop)
	}

	// The mark widening back out through the stop closes the trade.
	close, reason = tr.CheckExitConditions(id, -2.0, -0.22, models.StrategyVolatile)
	if !close || reason != models.ExitTrailingStop {
		t.Fatalf("retrace: got (%v, %s), want (true, trailing_stop)", close, reason)
	}
}

func TestTrailingStopLifecycle(t *testing.T) {
	tr := newTestTracker()
	const id = "trade-1"

	// 81% gain crosses the 80% activation: trailing arms, no close.
	close, reason := tr.CheckExitConditions(id, 100, 181, models.StrategyBull)
	if close || reason != models.ExitTrailingActive {
		t.Fatalf("activation: got (%v, %s), want (false, trailing_active)", close, reason)
	}
	stop, ok := tr.StopPrice(id)
	if !ok || math.Abs(stop-166.52) > 1e-9 {
		t.Fatalf("initial stop = %v, want 166.52", stop)
	}

	// New peak at 200: stop ratchets up to 184.00.
	close, reason = tr.CheckExitConditions(id, 100, 200, models.StrategyBull)
	if close || reason != models.ExitTrailingActive {
		t.Fatalf("new peak: got (%v, %s), want (false, trailing_active)", close, reason)
	}
	stop, _ = tr.StopPrice(id)
	if math.Abs(stop-184.00) > 1e-9 {
		t.Fatalf("raised stop = %v, want 184.00", stop)
	}

	// Retrace to 183 touches the 184 stop: close.
	close, reason = tr.CheckExitConditions(id, 100, 183, models.StrategyBull)
	if !close || reason != models.ExitTrailingStop {
		t.Fatalf("retrace: got (%v, %s), want (true, trailing_stop)", close, reason)
	}

	tr.CleanupTrade(id)
	if _, ok := tr.StopPrice(id); ok {
		t.Error("cleanup must drop trailing state")
	}
	if n := tr.ActiveTrailingStops(); n != 0 {
		t.Errorf("active stops after cleanup = %d, want 0", n)
	}
}

func TestTrailingStopNeverLowers(t *testing.T) {
	tr := newTestTracker()
	const id = "trade-2"

	prices := []float64{181, 195, 190, 188, 200, 199, 198}
	var prevStop float64
	for i, p := range prices {
		close, _ := tr.CheckExitConditions(id, 100, p, models.StrategyBull)
		stop, ok := tr.StopPrice(id)
		if !ok {
			t.Fatalf("step %d: trailing state missing", i)
		}
		if stop < prevStop {
			t.Fatalf("step %d: stop lowered from %v to %v", i, prevStop, stop)
		}
		if close {
			t.Fatalf("step %d: price %v above stop %v must not close", i, p, stop)
		}
		prevStop = stop
	}
}

func TestTrailingStateIsPerTrade(t *testing.T) {
	tr := newTestTracker()

	tr.CheckExitConditions("a", 100, 181, models.StrategyBull)
	tr.CheckExitConditions("b", 50, 95, models.StrategyBear) // 90% gain

	if n := tr.ActiveTrailingStops(); n != 2 {
		t.Fatalf("active stops = %d, want 2", n)
	}

	// Closing "a" must not disturb "b".
	tr.CleanupTrade("a")
	if _, ok := tr.StopPrice("b"); !ok {
		t.Error("trade b's trailing state must survive trade a's cleanup")
	}
}

func TestDeepProfitNeverTakesProfitDirectly(t *testing.T) {
	tr := newTestTracker()

	// 80%+ runs always route to the trailing handler, never take_profit.
	close, reason := tr.CheckExitConditions("deep", 100, 300, models.StrategyBull)
	if close || reason != models.ExitTrailingActive {
		t.Errorf("deep run: got (%v, %s), want (false, trailing_active)", close, reason)
	}
}

func TestExitTrackerConcurrent(t *testing.T) {
	tr := newTestTracker()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("trade-%d", n)
			for j := 0; j < 100; j++ {
				price := 181 + float64(j%20)
				tr.CheckExitConditions(id, 100, price, models.StrategyBull)
			}
			tr.CleanupTrade(id)
		}(i)
	}
	wg.Wait()

	if n := tr.ActiveTrailingStops(); n != 0 {
		t.Errorf("active stops after all cleanups = %d, want 0", n)
	}
}
