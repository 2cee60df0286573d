package broker

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// stubClient is a controllable Client for bridge and breaker tests.
type stubClient struct {
	mu        sync.Mutex
	inFlight  int32
	maxSeen   int32
	delay     time.Duration
	failWith  error
	quote     *Quote
	value     float64
	positions []Position
	calls     []string
}

func (s *stubClient) enter(name string) {
	n := atomic.AddInt32(&s.inFlight, 1)
	for {
		max := atomic.LoadInt32(&s.maxSeen)
		if n <= max || atomic.CompareAndSwapInt32(&s.maxSeen, max, n) {
			break
		}
	}
	s.mu.Lock()
	s.calls = append(s.calls, name)
	s.mu.Unlock()
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
}

func (s *stubClient) exit() { atomic.AddInt32(&s.inFlight, -1) }

func (s *stubClient) Connect(ctx context.Context) error {
	s.enter("Connect")
	defer s.exit()
	return s.failWith
}

func (s *stubClient) Disconnect() error {
	s.enter("Disconnect")
	defer s.exit()
	return s.failWith
}

func (s *stubClient) GetAccountValue(tag string) (float64, error) {
	s.enter("GetAccountValue")
	defer s.exit()
	return s.value, s.failWith
}

func (s *stubClient) GetPositions() ([]Position, error) {
	s.enter("GetPositions")
	defer s.exit()
	return s.positions, s.failWith
}

func (s *stubClient) GetMarketData(symbol string) (*Quote, error) {
	s.enter("GetMarketData")
	defer s.exit()
	return s.quote, s.failWith
}

func (s *stubClient) GetHistoricalData(symbol string, duration time.Duration, barSize string) ([]Bar, error) {
	s.enter("GetHistoricalData")
	defer s.exit()
	return nil, s.failWith
}

func (s *stubClient) GetOptionsChain(symbol, expiry string) ([]ChainEntry, error) {
	s.enter("GetOptionsChain")
	defer s.exit()
	return nil, s.failWith
}

func (s *stubClient) GetContractDetails(contract Contract) (*ContractDetails, error) {
	s.enter("GetContractDetails")
	defer s.exit()
	return &ContractDetails{Contract: contract, Multiplier: 100}, s.failWith
}

func (s *stubClient) IsTradingHalted(symbol string) (bool, error) {
	s.enter("IsTradingHalted")
	defer s.exit()
	return false, s.failWith
}

func (s *stubClient) PlaceOrder(contract Contract, order Order) (string, error) {
	s.enter("PlaceOrder")
	defer s.exit()
	return "order-1", s.failWith
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestBridgeSerializesCalls(t *testing.T) {
	stub := &stubClient{delay: 5 * time.Millisecond, quote: &Quote{Symbol: "SPY", Last: 500}}
	b := NewBridge(stub, time.Second, discardLogger())
	b.Start()
	defer b.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.GetMarketData("SPY"); err != nil {
				t.Errorf("GetMarketData: %v", err)
			}
		}()
	}
	wg.Wait()

	if max := atomic.LoadInt32(&stub.maxSeen); max != 1 {
		t.Errorf("expected at most 1 call in flight on the raw client, saw %d", max)
	}
	if got := len(stub.calls); got != 20 {
		t.Errorf("expected 20 calls served, got %d", got)
	}
}

func TestBridgeResultsRoundTrip(t *testing.T) {
	stub := &stubClient{value: 123456.78, quote: &Quote{Symbol: "SPY", Last: 501.25}}
	b := NewBridge(stub, time.Second, discardLogger())
	b.Start()
	defer b.Stop()

	v, err := b.GetAccountValue(TagNetLiquidation)
	if err != nil {
		t.Fatalf("GetAccountValue: %v", err)
	}
	if v != 123456.78 {
		t.Errorf("GetAccountValue = %v, want 123456.78", v)
	}

	q, err := b.GetMarketData("SPY")
	if err != nil {
		t.Fatalf("GetMarketData: %v", err)
	}
	if q.Last != 501.25 {
		t.Errorf("quote last = %v, want 501.25", q.Last)
	}

	id, err := b.PlaceOrder(Contract{Symbol: "SPY", SecType: "STK"}, Order{Action: ActionBuy, Quantity: 1, OrderType: "market"})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if id != "order-1" {
		t.Errorf("order id = %q, want order-1", id)
	}
}

func TestBridgePropagatesErrors(t *testing.T) {
	wantErr := errors.New("gateway unavailable")
	stub := &stubClient{failWith: wantErr}
	b := NewBridge(stub, time.Second, discardLogger())
	b.Start()
	defer b.Stop()

	_, err := b.GetPositions()
	if !errors.Is(err, wantErr) {
		t.Errorf("expected wrapped gateway error, got %v", err)
	}
}

func TestBridgeTimeout(t *testing.T) {
	stub := &stubClient{delay: 200 * time.Millisecond}
	b := NewBridge(stub, 20*time.Millisecond, discardLogger())
	b.Start()
	defer b.Stop()

	start := time.Now()
	_, err := b.GetMarketData("SPY")
	if !errors.Is(err, ErrBridgeTimeout) {
		t.Fatalf("expected ErrBridgeTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("caller blocked %s, should return near the 20ms bound", elapsed)
	}
}

func TestBridgeStopRejectsNewCalls(t *testing.T) {
	stub := &stubClient{}
	b := NewBridge(stub, time.Second, discardLogger())
	b.Start()
	b.Stop()

	_, err := b.GetAccountValue(TagNetLiquidation)
	if !errors.Is(err, ErrBridgeClosed) {
		t.Errorf("expected ErrBridgeClosed after Stop, got %v", err)
	}
}

func TestBridgeStopIdempotent(t *testing.T) {
	b := NewBridge(&stubClient{}, time.Second, discardLogger())
	b.Start()
	b.Stop()
	b.Stop() // must not panic or deadlock
}
