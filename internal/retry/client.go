// Package retry wraps order placement with bounded retries so a flaky
// gateway cannot leave an exit signal unacted on.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/Schmoll86/options-trading-bot-2026/internal/broker"
)

type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Client retries transient order failures with exponential backoff.
type Client struct {
	broker broker.Client
	logger *log.Logger
	config Config
}

func NewClient(b broker.Client, logger *log.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = log.Default()
	}

	return &Client{
		broker: b,
		logger: logger,
		config: cfg,
	}
}

// PlaceOrderWithRetry submits the order, retrying transient gateway
// failures until the attempt budget or the overall timeout runs out.
// Permanent rejections fail immediately.
func (c *Client) PlaceOrderWithRetry(
	ctx context.Context,
	contract broker.Contract,
	order broker.Order,
) (string, error) {
	orderCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		select {
		case <-orderCtx.Done():
			return "", fmt.Errorf("order timed out after %v: %w", c.config.Timeout, orderCtx.Err())
		default:
		}

		if ctx.Err() != nil {
			return "", fmt.Errorf("operation canceled: %w", ctx.Err())
		}

		c.logger.Printf("Order attempt %d/%d for %s", attempt+1, c.config.MaxRetries+1, contract.Symbol)

		id, err := c.broker.PlaceOrder(contract, order)
		if err == nil {
			c.logger.Printf("Order placed on attempt %d: %s", attempt+1, id)
			return id, nil
		}

		lastErr = err
		c.logger.Printf("Order attempt %d failed: %v", attempt+1, err)

		if c.isTransientError(err) && attempt < c.config.MaxRetries {
			c.logger.Printf("Transient error detected, retrying in %v", backoff)
			select {
			case <-time.After(backoff):
				backoff = c.calculateNextBackoff(backoff)
			case <-orderCtx.Done():
				return "", fmt.Errorf("order timed out during backoff: %w", orderCtx.Err())
			case <-ctx.Done():
				return "", fmt.Errorf("operation canceled during backoff: %w", ctx.Err())
			}
		} else {
			break
		}
	}

	return "", fmt.Errorf("failed to place order after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

func (c *Client) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			log.Printf("Failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

func (c *Client) isTransientError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 429 || apiErr.Status >= 500
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"rate limit",
		"network",
		"dns",
		"tcp",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
