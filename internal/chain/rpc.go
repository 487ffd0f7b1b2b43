package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// RPCClient is a read-only Neo N3 JSON-RPC client. The strategy layer uses it
// to look up the decimals of payment assets deployed as NEP-17 contracts.
type RPCClient struct {
	rpcURL     string
	httpClient *http.Client
	nextID     atomic.Int64
}

// RPCConfig holds client configuration.
type RPCConfig struct {
	RPCURL  string
	Timeout time.Duration
}

// NewRPCClient creates a Neo N3 RPC client.
func NewRPCClient(cfg RPCConfig) (*RPCClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &RPCClient{
		rpcURL:     cfg.RPCURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int64         `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError is an error reported by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// InvokeResult is the result of invokefunction.
type InvokeResult struct {
	State     string      `json:"state"`
	Exception string      `json:"exception,omitempty"`
	Stack     []StackItem `json:"stack"`
}

// StackItem is a Neo VM stack item.
type StackItem struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// Call makes an RPC call to the node.
func (c *RPCClient) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: c.nextID.Add(1)})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// InvokeFunction runs a read-only contract call.
func (c *RPCClient) InvokeFunction(ctx context.Context, contractHash, method string, params ...interface{}) (*InvokeResult, error) {
	if params == nil {
		params = []interface{}{}
	}
	result, err := c.Call(ctx, "invokefunction", contractHash, method, params)
	if err != nil {
		return nil, err
	}
	var invokeResult InvokeResult
	if err := json.Unmarshal(result, &invokeResult); err != nil {
		return nil, fmt.Errorf("unmarshal invoke result: %w", err)
	}
	if invokeResult.State != "HALT" {
		return nil, fmt.Errorf("invoke %s.%s faulted: %s", contractHash, method, invokeResult.Exception)
	}
	return &invokeResult, nil
}

// TokenDecimals returns the decimals of a NEP-17 contract.
func (c *RPCClient) TokenDecimals(ctx context.Context, contractHash string) (uint8, error) {
	res, err := c.InvokeFunction(ctx, contractHash, "decimals")
	if err != nil {
		return 0, err
	}
	if len(res.Stack) == 0 {
		return 0, fmt.Errorf("decimals of %s: empty stack", contractHash)
	}
	n, err := parseInteger(res.Stack[0])
	if err != nil {
		return 0, fmt.Errorf("decimals of %s: %w", contractHash, err)
	}
	if n > 255 {
		return 0, fmt.Errorf("decimals of %s: %d out of range", contractHash, n)
	}
	return uint8(n), nil
}

func parseInteger(item StackItem) (uint64, error) {
	if item.Type != "Integer" {
		return 0, fmt.Errorf("expected Integer, got %s", item.Type)
	}
	var raw string
	if err := json.Unmarshal(item.Value, &raw); err != nil {
		raw = strings.TrimSpace(string(item.Value))
	}
	return strconv.ParseUint(raw, 10, 64)
}
