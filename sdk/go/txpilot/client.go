// Package txpilot provides a small Go client for the TxPilot REST API.
package txpilot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the TxPilot REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu     sync.RWMutex
	apiKey string
}

// Operation mirrors the tagged operation grammar accepted by the server.
type Operation struct {
	Kind     string  `json:"kind"`
	ChainID  uint64  `json:"chain_id"`
	To       string  `json:"to,omitempty"`
	Token    string  `json:"token,omitempty"`
	Amount   string  `json:"amount,omitempty"`
	Data     string  `json:"data,omitempty"`
	Contract string  `json:"contract,omitempty"`
	TxIndex  *uint64 `json:"tx_index,omitempty"`
}

// TxStep is one transaction of a plan in execution order.
type TxStep struct {
	To      string `json:"to"`
	Data    string `json:"data,omitempty"`
	Value   string `json:"value,omitempty"`
	ChainID uint64 `json:"chain_id"`
}

// CreateSessionRequest creates a session from either a tagged operation or a
// raw plan. Exactly one of Operation and Plan should be set.
type CreateSessionRequest struct {
	ID        string         `json:"id,omitempty"`
	Operation *Operation     `json:"operation,omitempty"`
	Plan      []TxStep       `json:"plan,omitempty"`
	Preview   map[string]any `json:"preview,omitempty"`
}

// StepView is the read-only view of one step's state.
type StepView struct {
	Status string     `json:"status"`
	Error  *StepError `json:"error,omitempty"`
	TxHash string     `json:"tx_hash,omitempty"`
}

// StepError carries the failure reason of a step.
type StepError struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// Snapshot is the server-side executor state used for gating and display.
type Snapshot struct {
	Connected               bool       `json:"connected"`
	Address                 string     `json:"address,omitempty"`
	ChainID                 uint64     `json:"chain_id,omitempty"`
	ApprovalIndex           int        `json:"approval_index"`
	TotalApprovals          int        `json:"total_approvals"`
	IsApprovalPending       bool       `json:"is_approval_pending"`
	ApprovalError           *StepError `json:"approval_error,omitempty"`
	IsApprovalPhaseComplete bool       `json:"is_approval_phase_complete"`
	IsTxPending             bool       `json:"is_tx_pending"`
	IsTxSuccess             bool       `json:"is_tx_success"`
	TxError                 *StepError `json:"tx_error,omitempty"`
	CanApprove              bool       `json:"can_approve"`
	CanExecute              bool       `json:"can_execute"`
	Steps                   []StepView `json:"steps"`
}

// Session is the public representation of an execution session.
type Session struct {
	ID        string         `json:"id"`
	Preview   map[string]any `json:"preview,omitempty"`
	Status    string         `json:"status"`
	CreatedAt int64          `json:"created_at"`
	UpdatedAt int64          `json:"updated_at"`
	State     Snapshot       `json:"state"`
}

// StepOutcome is the recorded final state of one plan step.
type StepOutcome struct {
	Index   int    `json:"index"`
	Kind    string `json:"kind"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
	TxHash  string `json:"tx_hash,omitempty"`
}

// ExecutionRecord is one audit entry for a finished plan run.
type ExecutionRecord struct {
	SessionID      string
	ChainID        uint64
	StepsTotal     int
	ApprovalsTotal int
	Status         string
	ErrorCode      string
	ErrorMessage   string
	MainTxHash     string
	Outcomes       []StepOutcome
	CreatedAt      int64
}

// Stats aggregates sessions by phase.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("txpilot api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("txpilot api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the TxPilot API. When httpClient is nil,
// a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAPIKey stores the bearer key attached to subsequent calls.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// APIKey returns the currently stored key.
func (c *Client) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

// CreateSession attaches a plan (or a tagged operation) as a new session.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (Session, error) {
	var session Session
	if err := c.post(ctx, "/api/v1/sessions", req, &session); err != nil {
		return Session{}, err
	}
	return session, nil
}

// GetSession fetches a session with its live gating snapshot.
func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var session Session
	if err := c.get(ctx, "/api/v1/sessions/"+url.PathEscape(id), &session); err != nil {
		return Session{}, err
	}
	return session, nil
}

// ListSessions returns sessions, optionally filtered by status.
func (c *Client) ListSessions(ctx context.Context, statuses ...string) ([]Session, error) {
	endpoint := "/api/v1/sessions"
	if len(statuses) > 0 {
		query := url.Values{}
		for _, status := range statuses {
			query.Add("status", status)
		}
		endpoint += "?" + query.Encode()
	}
	var sessions []Session
	if err := c.get(ctx, endpoint, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// Approve runs the next approval step and returns the resulting snapshot.
func (c *Client) Approve(ctx context.Context, id string) (Snapshot, error) {
	var snap Snapshot
	if err := c.post(ctx, "/api/v1/sessions/"+url.PathEscape(id)+"/approve", nil, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Execute runs the main transaction and returns the resulting snapshot.
func (c *Client) Execute(ctx context.Context, id string) (Snapshot, error) {
	var snap Snapshot
	if err := c.post(ctx, "/api/v1/sessions/"+url.PathEscape(id)+"/execute", nil, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Autopilot queues the session for server-side execution.
func (c *Client) Autopilot(ctx context.Context, id string) error {
	return c.post(ctx, "/api/v1/sessions/"+url.PathEscape(id)+"/autopilot", nil, nil)
}

// Detach discards a session.
func (c *Client) Detach(ctx context.Context, id string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/v1/sessions/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// History returns the most recent finished runs, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]ExecutionRecord, error) {
	endpoint := "/api/v1/history"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var records []ExecutionRecord
	if err := c.get(ctx, endpoint, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// GetStats returns session phase counters.
func (c *Client) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/stats", &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parts := endpoint
	var query string
	if idx := strings.IndexByte(endpoint, '?'); idx >= 0 {
		parts, query = endpoint[:idx], endpoint[idx+1:]
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parts), RawQuery: query}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if key := c.APIKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
