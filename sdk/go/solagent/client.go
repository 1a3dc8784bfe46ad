// Package solagent is a Go client for the solagentd REST API.
package solagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Token creation waits for two confirmations, so it is generous.
const DefaultHTTPTimeout = 5 * time.Minute

// Tool names exposed by solagentd.
const (
	ToolCreateToken        = "create-token"
	ToolTokenBalance       = "token-balance"
	ToolMintSupply         = "mint-supply"
	ToolTokenInfo          = "token-info"
	ToolTransactionDetails = "transaction-details"
)

// Client wraps the HTTP interactions with solagentd.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiKey     string
}

// Option customises a Client.
type Option func(*Client)

// WithAPIKey sends the key as a bearer token on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient instantiates a client for the API rooted at rawURL.
func NewClient(rawURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	c := &Client{baseURL: parsed, httpClient: &http.Client{Timeout: DefaultHTTPTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("solagent api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("solagent api error (%d): %s", e.StatusCode, e.Message)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Tool describes one tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// CreateTokenRequest is the create-token argument object. InitialSupply is a
// decimal string so that fractional amounts stay exact.
type CreateTokenRequest struct {
	Name          string      `json:"name"`
	Symbol        string      `json:"symbol"`
	Decimals      *uint8      `json:"decimals,omitempty"`
	URI           string      `json:"uri"`
	InitialSupply json.Number `json:"initialSupply"`
}

// CreateTokenResult is the create-token output.
type CreateTokenResult struct {
	MintAddress  string `json:"mintAddress"`
	TokenAccount string `json:"tokenAccount"`
	Summary      string `json:"summary"`
}

// SupplyResult is the mint-supply output.
type SupplyResult struct {
	MintAddress  string `json:"mintAddress"`
	TokenAccount string `json:"tokenAccount"`
	Signature    string `json:"signature"`
	Summary      string `json:"summary"`
}

// Balance is the token-balance output.
type Balance struct {
	Balance             string `json:"balance"`
	Decimals            uint8  `json:"decimals"`
	BalanceFormatted    string `json:"balanceFormatted"`
	WalletAddress       string `json:"walletAddress"`
	MintAddress         string `json:"mintAddress"`
	TokenAccountAddress string `json:"tokenAccountAddress"`
	TokenProgram        string `json:"tokenProgram"`
	Summary             string `json:"summary"`
}

// TaskSubmission creates an asynchronous task. Set Tool and Arguments for a
// direct tool call, or Goal alone for a chat reply.
type TaskSubmission struct {
	ID        string          `json:"id,omitempty"`
	Goal      string          `json:"goal,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// TaskResult is the stored outcome of a task.
type TaskResult struct {
	Output       json.RawMessage `json:"output,omitempty"`
	Thought      string          `json:"thought"`
	Reply        string          `json:"reply"`
	Observations string          `json:"observations"`
}

// Task is the server side view of a task.
type Task struct {
	ID         string      `json:"id"`
	Goal       string      `json:"goal"`
	Tool       string      `json:"tool,omitempty"`
	Status     string      `json:"status"`
	Attempts   int         `json:"attempts"`
	MaxRetries int         `json:"max_retries"`
	LastError  string      `json:"last_error,omitempty"`
	ErrorCode  string      `json:"error_code,omitempty"`
	Result     *TaskResult `json:"result,omitempty"`
	CreatedAt  int64       `json:"created_at"`
	UpdatedAt  int64       `json:"updated_at"`
}

// Done reports whether the task reached a terminal state.
func (t Task) Done() bool {
	return t.Status == "succeeded" || t.Status == "failed"
}

// Issuance is a ledger record.
type Issuance struct {
	MintAddress     string `json:"mintAddress"`
	Network         string `json:"network"`
	Name            string `json:"name"`
	Symbol          string `json:"symbol"`
	URI             string `json:"uri"`
	Decimals        uint8  `json:"decimals"`
	InitialSupply   string `json:"initialSupply"`
	BaseUnits       uint64 `json:"baseUnits"`
	TokenAccount    string `json:"tokenAccount"`
	Phase           string `json:"phase"`
	CreateSignature string `json:"createSignature"`
	SupplySignature string `json:"supplySignature"`
	LastError       string `json:"lastError"`
	CreatedAt       int64  `json:"createdAt"`
	UpdatedAt       int64  `json:"updatedAt"`
}

// Tools lists the tools the server exposes.
func (c *Client) Tools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	err := c.do(ctx, http.MethodGet, "/api/v1/tools", nil, nil, &tools)
	return tools, err
}

// InvokeTool calls a tool synchronously and returns its raw JSON output.
func (c *Client) InvokeTool(ctx context.Context, name string, args any) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodPost, "/api/v1/tools/"+url.PathEscape(name), nil, args, &out)
	return out, err
}

// CreateToken creates a token and mints its initial supply.
func (c *Client) CreateToken(ctx context.Context, req CreateTokenRequest) (CreateTokenResult, error) {
	var out CreateTokenResult
	err := c.do(ctx, http.MethodPost, "/api/v1/tools/"+ToolCreateToken, nil, req, &out)
	return out, err
}

// TokenBalance reads a wallet's balance of a mint.
func (c *Client) TokenBalance(ctx context.Context, wallet, mint string) (Balance, error) {
	var out Balance
	args := map[string]string{"walletAddress": wallet, "mintAddress": mint}
	err := c.do(ctx, http.MethodPost, "/api/v1/tools/"+ToolTokenBalance, nil, args, &out)
	return out, err
}

// SubmitTask enqueues a task.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (Task, error) {
	var out Task
	err := c.do(ctx, http.MethodPost, "/api/v1/tasks", nil, submission, &out)
	return out, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var out Task
	err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// WaitTask polls until the task is terminal or ctx is done.
func (c *Client) WaitTask(ctx context.Context, id string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := c.GetTask(ctx, id)
		if err != nil {
			return Task{}, err
		}
		if task.Done() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ListIssuances lists ledger records, optionally filtered by phase.
func (c *Client) ListIssuances(ctx context.Context, phase string, limit int) ([]Issuance, error) {
	query := url.Values{}
	if phase != "" {
		query.Set("phase", phase)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out []Issuance
	err := c.do(ctx, http.MethodGet, "/api/v1/issuances", query, nil, &out)
	return out, err
}

// ResumeSupply re-runs the supply step of a recorded issuance.
func (c *Client) ResumeSupply(ctx context.Context, mint string) (SupplyResult, error) {
	var out SupplyResult
	err := c.do(ctx, http.MethodPost, "/api/v1/issuances/"+url.PathEscape(mint)+"/supply", nil, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	u := c.baseURL.ResolveReference(&url.URL{Path: path.Join(c.baseURL.Path, endpoint)})
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
