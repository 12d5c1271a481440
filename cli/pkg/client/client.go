package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"vmgate/cli/pkg/config"
	"vmgate/core/api"
	"vmgate/core/auth"
	"vmgate/core/domain"
)

// maxErrorBody bounds how much of a non-JSON error body ends up in messages
const maxErrorBody = 512

// APIError is a non-2xx answer from the master.
type APIError struct {
	Status  int
	Kind    domain.ErrorKind
	Message string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%s, HTTP %d)", e.Message, e.Kind, e.Status)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// IsKind reports whether err is an APIError of the given kind
func IsKind(err error, kind domain.ErrorKind) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// Client talks to the master REST API
type Client struct {
	config     *config.Config
	httpClient *http.Client
}

func New(cfg *config.Config) *Client {
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Client.Timeout},
	}
}

// Session is one terminal connection held by the master relay
type Session struct {
	ID        string    `json:"session_id"`
	VMName    string    `json:"vm_name"`
	AgentID   string    `json:"agent_id,omitempty"`
	Path      string    `json:"path"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

// SessionList is the answer of GET /api/sessions
type SessionList struct {
	Sessions []Session `json:"sessions"`
	Count    int       `json:"count"`
}

func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var resp api.HealthResponse
	if err := c.get(ctx, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ListAgents(ctx context.Context, onlineOnly bool) (*api.AgentListResponse, error) {
	query := url.Values{}
	if onlineOnly {
		query.Set("online", strconv.FormatBool(true))
	}

	var resp api.AgentListResponse
	if err := c.get(ctx, "/api/agent/list", query, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) AgentInfo(ctx context.Context, agentID string) (*api.AgentInfoResponse, error) {
	var resp api.AgentInfoResponse
	if err := c.get(ctx, "/api/agent/info/"+url.PathEscape(agentID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) RemoveAgent(ctx context.Context, agentID string) (*api.MessageResponse, error) {
	var resp api.MessageResponse
	if err := c.do(ctx, http.MethodDelete, "/api/agent/unregister/"+url.PathEscape(agentID), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Execute runs raw multipass arguments on one agent. A failed command is
// not an error; check CommandResult.Success.
func (c *Client) Execute(ctx context.Context, agentID string, req domain.ExecuteRequest) (*domain.CommandResult, error) {
	var resp domain.CommandResult
	if err := c.do(ctx, http.MethodPost, "/api/agent/execute/"+url.PathEscape(agentID), nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListVMs lists one host when agentID is set, "local" included, otherwise
// every host the master can reach.
func (c *Client) ListVMs(ctx context.Context, agentID string) (*domain.VMListResponse, error) {
	query := url.Values{}
	if agentID != "" {
		query.Set("agent_id", agentID)
	}

	var resp domain.VMListResponse
	if err := c.get(ctx, "/api/vm/list", query, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) VMInfo(ctx context.Context, name, agentID string) (*domain.VMInfo, error) {
	query := url.Values{}
	if agentID != "" {
		query.Set("agent_id", agentID)
	}

	var resp domain.VMInfo
	if err := c.get(ctx, "/api/vm/info/"+url.PathEscape(name), query, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) CreateVM(ctx context.Context, req domain.CreateVMRequest) (*api.VMActionResponse, error) {
	return c.action(ctx, "create", req)
}

// VMAction runs start, stop or delete.
func (c *Client) VMAction(ctx context.Context, action, name, agentID string) (*api.VMActionResponse, error) {
	switch action {
	case "start", "stop", "delete":
	default:
		return nil, fmt.Errorf("unsupported action %q", action)
	}
	return c.action(ctx, action, domain.VMActionRequest{Name: name, AgentID: agentID})
}

func (c *Client) Sessions(ctx context.Context) (*SessionList, error) {
	var resp SessionList
	if err := c.get(ctx, "/api/sessions", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TerminalURL builds the websocket URL of the master relay for a VM
func (c *Client) TerminalURL(vmName, agentID string) (string, error) {
	u, err := url.Parse(c.config.Master.URL)
	if err != nil {
		return "", fmt.Errorf("invalid master url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported master url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"

	query := url.Values{}
	query.Set("vm_name", vmName)
	if agentID != "" {
		query.Set("agent_id", agentID)
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// TerminalHeader carries the API key for the websocket handshake
func (c *Client) TerminalHeader() http.Header {
	header := http.Header{}
	auth.SetAPIKey(header, c.config.Auth.APIKey)
	return header
}

// action posts a lifecycle request. Failed operations come back as a
// VMActionResponse with a non-2xx status; those are returned alongside an
// APIError so callers can still show the multipass output.
func (c *Client) action(ctx context.Context, action string, body any) (*api.VMActionResponse, error) {
	var resp api.VMActionResponse
	err := c.do(ctx, http.MethodPost, "/api/vm/"+action, nil, body, &resp)

	var apiErr *APIError
	if errors.As(err, &apiErr) && resp.VMName != "" {
		return &resp, err
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// get retries transport failures, 502 and 503 with exponential backoff.
// Writes are not retried.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	backoff := retry.NewExponential(c.retryBackoff())
	backoff = retry.WithMaxRetries(c.config.Client.RetryMax, backoff)

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.do(ctx, http.MethodGet, path, query, nil, out)
		if retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *Client) retryBackoff() time.Duration {
	if c.config.Client.RetryBackoff > 0 {
		return c.config.Client.RetryBackoff
	}
	return 500 * time.Millisecond
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusBadGateway || apiErr.Status == http.StatusServiceUnavailable
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := c.config.Master.URL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	auth.SetAPIKey(req.Header, c.config.Auth.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to master failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}

	return decodeError(resp.StatusCode, data, out)
}

// decodeError turns an error body into an APIError. Action endpoints answer
// failures with a full VMActionResponse, which is decoded into out as well.
func decodeError(status int, data []byte, out any) error {
	apiErr := &APIError{Status: status}

	var body domain.ErrorResponse
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.Kind = body.Kind
		if action, ok := out.(*api.VMActionResponse); ok {
			_ = json.Unmarshal(data, action)
		}
		return apiErr
	}

	text := strings.TrimSpace(string(data))
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody] + "..."
	}
	if text == "" {
		text = http.StatusText(status)
	}
	apiErr.Message = text
	return apiErr
}
