package retry

import (
	"context"
	"errors"
	"io"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Schmoll86/options-trading-bot-2026/internal/broker"
)

// orderBroker stubs just the PlaceOrder path; every other Client method
// is unused here.
type orderBroker struct {
	callCount int32

	// succeed once callCount reaches successAfterN; until then return
	// failWith (a transient error by default).
	successAfterN int
	failWith      error
}

func (f *orderBroker) PlaceOrder(broker.Contract, broker.Order) (string, error) {
	n := atomic.AddInt32(&f.callCount, 1)
	if f.successAfterN > 0 && int(n) >= f.successAfterN {
		return "ord-1", nil
	}
	if f.failWith != nil {
		return "", f.failWith
	}
	if f.successAfterN > 0 {
		return "", errors.New("timeout")
	}
	return "ord-1", nil
}

func (f *orderBroker) calls() int { return int(atomic.LoadInt32(&f.callCount)) }

func (f *orderBroker) Connect(context.Context) error               { return nil }
func (f *orderBroker) Disconnect() error                           { return nil }
func (f *orderBroker) GetAccountValue(string) (float64, error)     { return 0, nil }
func (f *orderBroker) GetPositions() ([]broker.Position, error)    { return nil, nil }
func (f *orderBroker) GetMarketData(string) (*broker.Quote, error) { return nil, nil }
func (f *orderBroker) GetHistoricalData(string, time.Duration, string) ([]broker.Bar, error) {
	return nil, nil
}
func (f *orderBroker) GetOptionsChain(string, string) ([]broker.ChainEntry, error) {
	return nil, nil
}
func (f *orderBroker) GetContractDetails(broker.Contract) (*broker.ContractDetails, error) {
	return nil, nil
}
func (f *orderBroker) IsTradingHalted(string) (bool, error) { return false, nil }

func fastConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        time.Second,
	}
}

func testOrder() (broker.Contract, broker.Order) {
	contract := broker.Contract{Symbol: "SPY", SecType: "OPT", Strike: 500, Right: broker.RightCall, Expiry: "2026-01-16"}
	order := broker.Order{Action: broker.ActionSell, Quantity: 1, OrderType: "market", Duration: "day"}
	return contract, order
}

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func TestPlaceOrderSucceedsFirstTry(t *testing.T) {
	fake := &orderBroker{}
	c := NewClient(fake, quiet(), fastConfig())

	contract, order := testOrder()
	id, err := c.PlaceOrderWithRetry(context.Background(), contract, order)
	if err != nil {
		t.Fatalf("PlaceOrderWithRetry() error = %v", err)
	}
	if id != "ord-1" {
		t.Errorf("order id = %q, want ord-1", id)
	}
	if fake.calls() != 1 {
		t.Errorf("broker called %d times, want 1", fake.calls())
	}
}

func TestPlaceOrderRetriesTransientErrors(t *testing.T) {
	fake := &orderBroker{successAfterN: 3}
	c := NewClient(fake, quiet(), fastConfig())

	contract, order := testOrder()
	id, err := c.PlaceOrderWithRetry(context.Background(), contract, order)
	if err != nil {
		t.Fatalf("PlaceOrderWithRetry() error = %v", err)
	}
	if id != "ord-1" {
		t.Errorf("order id = %q, want ord-1", id)
	}
	if fake.calls() != 3 {
		t.Errorf("broker called %d times, want 3", fake.calls())
	}
}

func TestPlaceOrderStopsOnPermanentError(t *testing.T) {
	fake := &orderBroker{failWith: &broker.APIError{Status: 400, Body: "bad order"}}
	c := NewClient(fake, quiet(), fastConfig())

	contract, order := testOrder()
	if _, err := c.PlaceOrderWithRetry(context.Background(), contract, order); err == nil {
		t.Fatal("PlaceOrderWithRetry() succeeded on a permanent rejection")
	}
	if fake.calls() != 1 {
		t.Errorf("broker called %d times, want 1 (no retries on 4xx)", fake.calls())
	}
}

func TestPlaceOrderRetriesOnRateLimit(t *testing.T) {
	fake := &orderBroker{successAfterN: 2, failWith: &broker.APIError{Status: 429, Body: "slow down"}}
	c := NewClient(fake, quiet(), fastConfig())

	contract, order := testOrder()
	if _, err := c.PlaceOrderWithRetry(context.Background(), contract, order); err != nil {
		t.Fatalf("PlaceOrderWithRetry() error = %v", err)
	}
	if fake.calls() != 2 {
		t.Errorf("broker called %d times, want 2", fake.calls())
	}
}

func TestPlaceOrderExhaustsRetries(t *testing.T) {
	fake := &orderBroker{failWith: errors.New("connection refused")}
	c := NewClient(fake, quiet(), fastConfig())

	contract, order := testOrder()
	_, err := c.PlaceOrderWithRetry(context.Background(), contract, order)
	if err == nil {
		t.Fatal("PlaceOrderWithRetry() succeeded with a permanently failing broker")
	}
	if fake.calls() != 4 {
		t.Errorf("broker called %d times, want 4 (initial + 3 retries)", fake.calls())
	}
}

func TestPlaceOrderHonorsContextCancel(t *testing.T) {
	fake := &orderBroker{failWith: errors.New("timeout")}
	cfg := fastConfig()
	cfg.InitialBackoff = time.Second
	c := NewClient(fake, quiet(), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		contract, order := testOrder()
		_, err := c.PlaceOrderWithRetry(ctx, contract, order)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil || !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("retry loop did not observe cancellation")
	}
}

func TestIsTransientError(t *testing.T) {
	c := NewClient(&orderBroker{}, quiet())

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout text", errors.New("request timeout"), true},
		{"dns text", errors.New("dns lookup failed"), true},
		{"server error status", &broker.APIError{Status: 503, Body: "unavailable"}, true},
		{"rate limit status", &broker.APIError{Status: 429, Body: ""}, true},
		{"client error status", &broker.APIError{Status: 404, Body: "not found"}, false},
		{"plain rejection", errors.New("insufficient buying power"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.isTransientError(tt.err); got != tt.want {
				t.Errorf("isTransientError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
