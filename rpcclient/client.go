/*
Copyright © 2025 DegenPotato.

Released under MIT license.
*/

// Package rpcclient talks JSON-RPC to a blockchain node for the handful of
// calls wallet monitoring needs. The throttled variant is a decorator, not a
// subclass: it holds a reference to any base Client plus the endpoint's rate
// limiter and routes each method through the limiter under its method name,
// so any client shape can be gated without override chains.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/acronis/go-appkit/httpclient"
	"github.com/acronis/go-appkit/log"
)

// RPC method names, used both on the wire and as rate-limiting keys.
const (
	MethodGetSignaturesForAddress = "getSignaturesForAddress"
	MethodGetTransaction          = "getTransaction"
	MethodGetBalance              = "getBalance"
)

// Client is the capability interface the monitoring pipeline consumes.
type Client interface {
	// GetSignaturesForAddress returns recent transaction signatures
	// involving the address, newest first.
	GetSignaturesForAddress(ctx context.Context, address string, limit int) (json.RawMessage, error)

	// GetTransaction returns the parsed transaction for a signature.
	GetTransaction(ctx context.Context, signature string) (json.RawMessage, error)

	// GetBalance returns the address balance in base units.
	GetBalance(ctx context.Context, address string) (uint64, error)
}

// HTTPClient is the plain JSON-RPC 2.0 implementation of Client.
type HTTPClient struct {
	endpoint   string
	httpClient *http.Client
	logger     log.FieldLogger
}

// NewHTTPClient creates an HTTPClient for the endpoint. A nil cfg uses the
// default outbound HTTP configuration.
func NewHTTPClient(endpoint string, cfg *httpclient.Config, logger log.FieldLogger) (*HTTPClient, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("rpc endpoint should not be empty")
	}
	if cfg == nil {
		cfg = httpclient.NewConfig()
	}
	delegate, err := httpclient.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("new http client: %w", err)
	}
	return &HTTPClient{endpoint: endpoint, httpClient: delegate, logger: logger}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *HTTPClient) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do %s request: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %d", method, resp.StatusCode)
	}
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", method, err)
	}
	var rpcResp rpcResponse
	if err = json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("%s: %w", method, rpcResp.Error)
	}
	return rpcResp.Result, nil
}

// GetSignaturesForAddress implements Client.
func (c *HTTPClient) GetSignaturesForAddress(
	ctx context.Context, address string, limit int,
) (json.RawMessage, error) {
	return c.call(ctx, MethodGetSignaturesForAddress, address, map[string]any{"limit": limit})
}

// GetTransaction implements Client.
func (c *HTTPClient) GetTransaction(ctx context.Context, signature string) (json.RawMessage, error) {
	return c.call(ctx, MethodGetTransaction, signature, map[string]any{"encoding": "jsonParsed"})
}

// GetBalance implements Client.
func (c *HTTPClient) GetBalance(ctx context.Context, address string) (uint64, error) {
	res, err := c.call(ctx, MethodGetBalance, address)
	if err != nil {
		return 0, err
	}
	var parsed struct {
		Value uint64 `json:"value"`
	}
	if err = json.Unmarshal(res, &parsed); err != nil {
		return 0, fmt.Errorf("unmarshal %s result: %w", MethodGetBalance, err)
	}
	return parsed.Value, nil
}
