package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBridgeTimeout is returned when a bridged call is not resolved within
// the caller's wait bound. The underlying gateway call may still complete;
// its result is discarded.
var ErrBridgeTimeout = errors.New("bridge call timed out")

// ErrBridgeClosed is returned for calls submitted after Stop.
var ErrBridgeClosed = errors.New("bridge is closed")

type bridgeResult struct {
	value interface{}
	err   error
}

type bridgeCall struct {
	id     string
	method string
	fn     func(Client) (interface{}, error)
	done   chan bridgeResult
}

// Bridge serializes all gateway access onto a single owner goroutine. The
// gateway session forbids concurrent use, so every caller enqueues a request
// and blocks on its reply channel with a bounded wait. Only the owner
// goroutine ever touches the wrapped Client.
type Bridge struct {
	client  Client
	calls   chan *bridgeCall
	timeout time.Duration
	logger  *log.Logger

	quit chan struct{}
	done chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewBridge wraps client with an owner-goroutine bridge. timeout bounds how
// long a caller waits for any single bridged call.
func NewBridge(client Client, timeout time.Duration, logger *log.Logger) *Bridge {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Bridge{
		client:  client,
		calls:   make(chan *bridgeCall, 64),
		timeout: timeout,
		logger:  logger,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the owner goroutine. Calling Start more than once is a no-op.
func (b *Bridge) Start() {
	b.startOnce.Do(func() {
		go b.run()
	})
}

// Stop shuts the bridge down and waits for the owner goroutine to drain,
// bounded by the bridge timeout. Pending calls receive ErrBridgeClosed.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.quit)
		select {
		case <-b.done:
		case <-time.After(b.timeout):
			b.logger.Printf("bridge: owner goroutine did not drain within %s", b.timeout)
		}
	})
}

func (b *Bridge) run() {
	defer close(b.done)
	for {
		select {
		case c := <-b.calls:
			b.serve(c)
		case <-b.quit:
			// Drain anything already queued so callers unblock promptly.
			for {
				select {
				case c := <-b.calls:
					c.done <- bridgeResult{err: ErrBridgeClosed}
				default:
					return
				}
			}
		}
	}
}

func (b *Bridge) serve(c *bridgeCall) {
	start := time.Now()
	v, err := c.fn(b.client)
	elapsed := time.Since(start)
	if elapsed > b.timeout {
		// The caller has already timed out and gone away.
		b.logger.Printf("bridge: %s (id=%s) completed after caller timeout (%s)", c.method, c.id, elapsed)
	}
	// done is buffered; this never blocks the owner goroutine.
	c.done <- bridgeResult{value: v, err: err}
}

// submit enqueues a call and blocks until it resolves or the wait bound
// elapses. The single timer covers both queueing and execution.
func (b *Bridge) submit(method string, fn func(Client) (interface{}, error)) (interface{}, error) {
	c := &bridgeCall{
		id:     uuid.NewString(),
		method: method,
		fn:     fn,
		done:   make(chan bridgeResult, 1),
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case b.calls <- c:
	case <-b.quit:
		return nil, fmt.Errorf("%s: %w", method, ErrBridgeClosed)
	case <-timer.C:
		return nil, fmt.Errorf("%s (id=%s): queue full for %s: %w", method, c.id, b.timeout, ErrBridgeTimeout)
	}

	select {
	case r := <-c.done:
		return r.value, r.err
	case <-timer.C:
		return nil, fmt.Errorf("%s (id=%s): no result within %s: %w", method, c.id, b.timeout, ErrBridgeTimeout)
	}
}

// submitTyped is a generic helper so each Client method stays a one-liner.
func submitTyped[T any](b *Bridge, method string, fn func(Client) (T, error)) (T, error) {
	var zero T
	res, err := b.submit(method, func(cl Client) (interface{}, error) { return fn(cl) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("%s: unexpected result type %T", method, res)
	}
	return v, nil
}

// Connect bridges the session open onto the owner goroutine.
func (b *Bridge) Connect(ctx context.Context) error {
	_, err := b.submit("Connect", func(cl Client) (interface{}, error) {
		return nil, cl.Connect(ctx)
	})
	return err
}

// Disconnect bridges the session close onto the owner goroutine.
func (b *Bridge) Disconnect() error {
	_, err := b.submit("Disconnect", func(cl Client) (interface{}, error) {
		return nil, cl.Disconnect()
	})
	return err
}

func (b *Bridge) GetAccountValue(tag string) (float64, error) {
	return submitTyped(b, "GetAccountValue", func(cl Client) (float64, error) {
		return cl.GetAccountValue(tag)
	})
}

func (b *Bridge) GetPositions() ([]Position, error) {
	return submitTyped(b, "GetPositions", func(cl Client) ([]Position, error) {
		return cl.GetPositions()
	})
}

func (b *Bridge) GetMarketData(symbol string) (*Quote, error) {
	return submitTyped(b, "GetMarketData", func(cl Client) (*Quote, error) {
		return cl.GetMarketData(symbol)
	})
}

func (b *Bridge) GetHistoricalData(symbol string, duration time.Duration, barSize string) ([]Bar, error) {
	return submitTyped(b, "GetHistoricalData", func(cl Client) ([]Bar, error) {
		return cl.GetHistoricalData(symbol, duration, barSize)
	})
}

func (b *Bridge) GetOptionsChain(symbol, expiry string) ([]ChainEntry, error) {
	return submitTyped(b, "GetOptionsChain", func(cl Client) ([]ChainEntry, error) {
		return cl.GetOptionsChain(symbol, expiry)
	})
}

func (b *Bridge) GetContractDetails(contract Contract) (*ContractDetails, error) {
	return submitTyped(b, "GetContractDetails", func(cl Client) (*ContractDetails, error) {
		return cl.GetContractDetails(contract)
	})
}

func (b *Bridge) IsTradingHalted(symbol string) (bool, error) {
	return submitTyped(b, "IsTradingHalted", func(cl Client) (bool, error) {
		return cl.IsTradingHalted(symbol)
	})
}

func (b *Bridge) PlaceOrder(contract Contract, order Order) (string, error) {
	return submitTyped(b, "PlaceOrder", func(cl Client) (string, error) {
		return cl.PlaceOrder(contract, order)
	})
}
