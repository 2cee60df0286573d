package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// gatewayRequestsPerSec paces outbound calls so a burst of scans cannot
// trip the gateway's own throttling.
const gatewayRequestsPerSec = 10

// GatewayClient is the blocking HTTP client for the broker gateway's REST
// API. It is not safe for concurrent use across goroutines that share the
// gateway's single session; route calls through the Bridge instead.
type GatewayClient struct {
	client    *http.Client
	limiter   *rate.Limiter
	apiKey    string
	baseURL   string
	accountID string
	timeout   time.Duration
	connected bool
}

// NewGatewayClient creates a client pointed at the gateway on host:port.
func NewGatewayClient(host string, port int, apiKey, accountID string) *GatewayClient {
	baseURL := fmt.Sprintf("http://%s:%d", host, port)
	baseURL = strings.TrimRight(baseURL, "/")

	defaultTimeout := 10 * time.Second
	return &GatewayClient{
		client:    &http.Client{Timeout: defaultTimeout},
		limiter:   rate.NewLimiter(rate.Limit(gatewayRequestsPerSec), gatewayRequestsPerSec),
		apiKey:    apiKey,
		baseURL:   baseURL,
		accountID: accountID,
		timeout:   defaultTimeout,
	}
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (g *GatewayClient) WithHTTPClient(c *http.Client) *GatewayClient {
	if c != nil {
		g.client = c
	}
	return g
}

// WithTimeout sets the HTTP client timeout duration.
func (g *GatewayClient) WithTimeout(timeout time.Duration) *GatewayClient {
	g.timeout = timeout
	if g.client != nil {
		g.client.Timeout = timeout
	}
	return g
}

// WithBaseURL overrides the gateway base URL (tests).
func (g *GatewayClient) WithBaseURL(baseURL string) *GatewayClient {
	g.baseURL = strings.TrimRight(baseURL, "/")
	return g
}

// ============ Response Structures ============

// Handle single-object vs array responses from the gateway
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

type sessionResponse struct {
	Session struct {
		ID        string `json:"id"`
		AccountID string `json:"account_id"`
		Status    string `json:"status"`
	} `json:"session"`
}

type accountValuesResponse struct {
	Values map[string]float64 `json:"values"`
}

type quotesResponse struct {
	Quotes struct {
		Quote singleOrArray[Quote] `json:"quote"`
	} `json:"quotes"`
}

type historyResponse struct {
	History struct {
		Bar singleOrArray[Bar] `json:"bar"`
	} `json:"history"`
}

type chainResponse struct {
	Chain struct {
		Entry singleOrArray[ChainEntry] `json:"entry"`
	} `json:"chain"`
}

type positionsResponse struct {
	Positions struct {
		Position singleOrArray[Position] `json:"position"`
	} `json:"positions"`
}

type haltResponse struct {
	Symbol string `json:"symbol"`
	Halted bool   `json:"halted"`
}

type contractDetailsResponse struct {
	Details ContractDetails `json:"details"`
}

type orderResponse struct {
	Order struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"order"`
}

// ============ Client Implementation ============

// Connect opens the gateway session for the configured account.
func (g *GatewayClient) Connect(ctx context.Context) error {
	params := url.Values{}
	params.Set("account_id", g.accountID)

	var resp sessionResponse
	endpoint := g.baseURL + "/v1/session/connect"
	if err := g.makeRequestCtx(ctx, http.MethodPost, endpoint, params, &resp); err != nil {
		return fmt.Errorf("gateway connect: %w", err)
	}
	if resp.Session.Status != "" && resp.Session.Status != "connected" {
		return fmt.Errorf("gateway connect: unexpected session status %q", resp.Session.Status)
	}
	g.connected = true
	return nil
}

// Disconnect closes the gateway session. Safe to call when not connected.
func (g *GatewayClient) Disconnect() error {
	if !g.connected {
		return nil
	}
	g.connected = false
	endpoint := g.baseURL + "/v1/session/disconnect"
	return g.makeRequest(http.MethodPost, endpoint, nil, &struct{}{})
}

// GetAccountValue returns a single account value by tag, e.g. NetLiquidation.
func (g *GatewayClient) GetAccountValue(tag string) (float64, error) {
	var resp accountValuesResponse
	endpoint := fmt.Sprintf("%s/v1/accounts/%s/values", g.baseURL, url.PathEscape(g.accountID))
	if err := g.makeRequest(http.MethodGet, endpoint, nil, &resp); err != nil {
		return 0, fmt.Errorf("failed to get account values: %w", err)
	}
	v, ok := resp.Values[tag]
	if !ok {
		return 0, fmt.Errorf("account value tag %q not reported by gateway", tag)
	}
	return v, nil
}

// GetMarketData fetches a quote snapshot for one symbol.
func (g *GatewayClient) GetMarketData(symbol string) (*Quote, error) {
	var resp quotesResponse
	endpoint := fmt.Sprintf("%s/v1/markets/quotes?symbols=%s", g.baseURL, url.QueryEscape(symbol))
	if err := g.makeRequest(http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get quote for %s: %w", symbol, err)
	}
	if len(resp.Quotes.Quote) == 0 {
		return nil, fmt.Errorf("no quote returned for %s", symbol)
	}
	return &resp.Quotes.Quote[0], nil
}

// GetHistoricalData fetches bars covering the trailing duration at barSize
// granularity ("daily", "hourly", "5min").
func (g *GatewayClient) GetHistoricalData(symbol string, duration time.Duration, barSize string) ([]Bar, error) {
	end := time.Now()
	start := end.Add(-duration)

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", barSize)
	params.Set("start", start.Format("2006-01-02"))
	params.Set("end", end.Format("2006-01-02"))

	var resp historyResponse
	endpoint := fmt.Sprintf("%s/v1/markets/history?%s", g.baseURL, params.Encode())
	if err := g.makeRequest(http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get history for %s: %w", symbol, err)
	}
	return resp.History.Bar, nil
}

// GetOptionsChain fetches the call/put chain for one expiry.
func (g *GatewayClient) GetOptionsChain(symbol, expiry string) ([]ChainEntry, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("expiration", expiry)

	var resp chainResponse
	endpoint := fmt.Sprintf("%s/v1/markets/chains?%s", g.baseURL, params.Encode())
	if err := g.makeRequest(http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get option chain for %s %s: %w", symbol, expiry, err)
	}
	return resp.Chain.Entry, nil
}

// GetPositions returns all open positions for the account.
func (g *GatewayClient) GetPositions() ([]Position, error) {
	var resp positionsResponse
	endpoint := fmt.Sprintf("%s/v1/accounts/%s/positions", g.baseURL, url.PathEscape(g.accountID))
	if err := g.makeRequest(http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}
	return resp.Positions.Position, nil
}

// IsTradingHalted reports whether the exchange has halted the symbol.
func (g *GatewayClient) IsTradingHalted(symbol string) (bool, error) {
	var resp haltResponse
	endpoint := fmt.Sprintf("%s/v1/markets/halts?symbol=%s", g.baseURL, url.QueryEscape(symbol))
	if err := g.makeRequest(http.MethodGet, endpoint, nil, &resp); err != nil {
		return false, fmt.Errorf("failed to get halt status for %s: %w", symbol, err)
	}
	return resp.Halted, nil
}

// GetContractDetails fetches exchange metadata for a contract.
func (g *GatewayClient) GetContractDetails(contract Contract) (*ContractDetails, error) {
	params := url.Values{}
	params.Set("symbol", contract.OptionSymbol())
	params.Set("sec_type", contract.SecType)

	var resp contractDetailsResponse
	endpoint := fmt.Sprintf("%s/v1/markets/contracts?%s", g.baseURL, params.Encode())
	if err := g.makeRequest(http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get contract details for %s: %w", contract.Symbol, err)
	}
	return &resp.Details, nil
}

// PlaceOrder submits an order and returns the gateway order id.
func (g *GatewayClient) PlaceOrder(contract Contract, order Order) (string, error) {
	params := url.Values{}
	params.Set("account_id", g.accountID)
	params.Set("symbol", contract.OptionSymbol())
	params.Set("sec_type", contract.SecType)
	params.Set("action", string(order.Action))
	params.Set("quantity", fmt.Sprintf("%d", order.Quantity))
	params.Set("type", order.OrderType)
	if order.OrderType == "limit" {
		params.Set("limit_price", fmt.Sprintf("%.2f", order.LimitPrice))
	}
	if order.Duration != "" {
		params.Set("duration", order.Duration)
	}
	if order.Tag != "" {
		params.Set("tag", order.Tag)
	}

	var resp orderResponse
	endpoint := g.baseURL + "/v1/orders"
	if err := g.makeRequest(http.MethodPost, endpoint, params, &resp); err != nil {
		return "", fmt.Errorf("failed to place %s order for %s: %w", order.Action, contract.Symbol, err)
	}
	return resp.Order.ID, nil
}

// ============ HTTP Plumbing ============

func (g *GatewayClient) makeRequest(method, endpoint string, params url.Values, response interface{}) error {
	return g.makeRequestCtx(context.Background(), method, endpoint, params, response)
}

// makeRequestCtx makes an HTTP request with context support for timeout/cancellation
func (g *GatewayClient) makeRequestCtx(ctx context.Context, method, endpoint string,
	params url.Values, response interface{}) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	var req *http.Request
	var err error

	if method == http.MethodPost && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	if g.apiKey != "" {
		req.Header.Add("Authorization", "Bearer "+g.apiKey)
	}
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "options-trading-bot/1.0")

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("Failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, endpoint, string(body))}
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}
