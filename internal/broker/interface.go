package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// Client defines the interface for interacting with the brokerage gateway.
// All implementations must treat transient failures as recoverable: callers
// interpret errors as "no data" and skip the affected symbol.
type Client interface {
	// Session lifecycle
	Connect(ctx context.Context) error
	Disconnect() error

	// Account operations
	GetAccountValue(tag string) (float64, error)
	GetPositions() ([]Position, error)

	// Market data
	GetMarketData(symbol string) (*Quote, error)
	GetHistoricalData(symbol string, duration time.Duration, barSize string) ([]Bar, error)
	GetOptionsChain(symbol, expiry string) ([]ChainEntry, error)
	GetContractDetails(contract Contract) (*ContractDetails, error)
	IsTradingHalted(symbol string) (bool, error)

	// Order placement. Returns the gateway order id, or "" when the
	// gateway accepted the request but assigned no id.
	PlaceOrder(contract Contract, order Order) (string, error)
}

// isPermanentAPIError reports whether an error is a 4xx gateway response
// that retrying cannot fix (429 excepted, which is retryable).
func isPermanentAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}

// CircuitBreakerClient wraps a Client with circuit breaker functionality
type CircuitBreakerClient struct {
	client  Client
	breaker *gobreaker.CircuitBreaker
}

// exec is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	client Client,
	fn func(Client) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(client) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures the gateway circuit breaker.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Minimum requests before tripping
	FailureRatio float64       // Failure ratio that trips the circuit
}

// NewCircuitBreakerClient creates a CircuitBreakerClient with sensible defaults
func NewCircuitBreakerClient(client Client) *CircuitBreakerClient {
	return NewCircuitBreakerClientWithSettings(client, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerClientWithSettings creates a CircuitBreakerClient with custom settings
func NewCircuitBreakerClientWithSettings(client Client, settings CircuitBreakerSettings) *CircuitBreakerClient {
	gbSettings := gobreaker.Settings{
		Name:        "GatewayCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		// A 4xx rejection is a bad request, not gateway sickness; it must
		// not push the breaker toward open.
		IsSuccessful: func(err error) bool {
			return err == nil || isPermanentAPIError(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerClient{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// Connect passes through without the breaker: a failed connect must not
// poison the failure counts before the session exists.
func (c *CircuitBreakerClient) Connect(ctx context.Context) error {
	return c.client.Connect(ctx)
}

// Disconnect passes through without the breaker.
func (c *CircuitBreakerClient) Disconnect() error {
	return c.client.Disconnect()
}

// GetAccountValue wraps the underlying call with circuit breaker protection.
func (c *CircuitBreakerClient) GetAccountValue(tag string) (float64, error) {
	return execCircuitBreaker(c.breaker, c.client, func(cl Client) (float64, error) {
		return cl.GetAccountValue(tag)
	})
}

// GetPositions wraps the underlying call with circuit breaker protection.
func (c *CircuitBreakerClient) GetPositions() ([]Position, error) {
	return execCircuitBreaker(c.breaker, c.client, func(cl Client) ([]Position, error) {
		return cl.GetPositions()
	})
}

// GetMarketData wraps the underlying call with circuit breaker protection.
func (c *CircuitBreakerClient) GetMarketData(symbol string) (*Quote, error) {
	return execCircuitBreaker(c.breaker, c.client, func(cl Client) (*Quote, error) {
		return cl.GetMarketData(symbol)
	})
}

// GetHistoricalData wraps the underlying call with circuit breaker protection.
func (c *CircuitBreakerClient) GetHistoricalData(symbol string, duration time.Duration, barSize string) ([]Bar, error) {
	return execCircuitBreaker(c.breaker, c.client, func(cl Client) ([]Bar, error) {
		return cl.GetHistoricalData(symbol, duration, barSize)
	})
}

// GetOptionsChain wraps the underlying call with circuit breaker protection.
func (c *CircuitBreakerClient) GetOptionsChain(symbol, expiry string) ([]ChainEntry, error) {
	return execCircuitBreaker(c.breaker, c.client, func(cl Client) ([]ChainEntry, error) {
		return cl.GetOptionsChain(symbol, expiry)
	})
}

// GetContractDetails wraps the underlying call with circuit breaker protection.
func (c *CircuitBreakerClient) GetContractDetails(contract Contract) (*ContractDetails, error) {
	return execCircuitBreaker(c.breaker, c.client, func(cl Client) (*ContractDetails, error) {
		return cl.GetContractDetails(contract)
	})
}

// IsTradingHalted wraps the underlying call with circuit breaker protection.
func (c *CircuitBreakerClient) IsTradingHalted(symbol string) (bool, error) {
	return execCircuitBreaker(c.breaker, c.client, func(cl Client) (bool, error) {
		return cl.IsTradingHalted(symbol)
	})
}

// PlaceOrder wraps the underlying call with circuit breaker protection.
func (c *CircuitBreakerClient) PlaceOrder(contract Contract, order Order) (string, error) {
	return execCircuitBreaker(c.breaker, c.client, func(cl Client) (string, error) {
		return cl.PlaceOrder(contract, order)
	})
}

// State exposes the breaker state for health reporting.
func (c *CircuitBreakerClient) State() gobreaker.State {
	return c.breaker.State()
}

// Ensure implementations satisfy Client at compile time.
var (
	_ Client = (*GatewayClient)(nil)
	_ Client = (*CircuitBreakerClient)(nil)
	_ Client = (*Bridge)(nil)
)
