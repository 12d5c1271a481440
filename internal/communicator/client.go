package communicator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"vmgate/core/auth"
	"vmgate/core/domain"
	"vmgate/internal/metrics"
)

const (
	// DefaultTimeout bounds a single agent call. It is shorter than the
	// agent's multipass ceiling, so a slow launch keeps running on the agent
	// after the master stops waiting.
	DefaultTimeout = 30 * time.Second
	// HealthTimeout bounds /health probes
	HealthTimeout = 5 * time.Second

	maxResponseBytes = 8 << 20
)

// AgentResolver looks up agents and their credentials
type AgentResolver interface {
	Get(agentID string) (domain.Agent, bool)
	APIKey(agentID string) string
}

// Client turns (agent, operation) pairs into HTTP calls against the agent
// API. It keeps no per-call state and never retries.
type Client struct {
	resolver   AgentResolver
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a communicator backed by one shared connection pool.
func NewClient(resolver AgentResolver, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 16
	transport.IdleConnTimeout = 90 * time.Second

	return &Client{
		resolver:   resolver,
		httpClient: &http.Client{Transport: transport},
		timeout:    timeout,
	}
}

// Call resolves agentID, refuses offline agents without touching the
// network, and performs method path with an optional JSON body. A 2xx
// response body is decoded into out when out is non-nil.
func (c *Client) Call(ctx context.Context, agentID, operation, method, path string, body, out any, timeout time.Duration) error {
	agent, ok := c.resolver.Get(agentID)
	if !ok {
		return c.fail(&Error{Kind: domain.KindNotFound, AgentID: agentID, Operation: operation, Err: ErrAgentNotFound})
	}
	if !agent.IsOnline() {
		return c.fail(&Error{Kind: domain.KindOffline, AgentID: agentID, Operation: operation, Err: ErrAgentOffline})
	}

	if timeout <= 0 {
		timeout = c.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cerr := c.do(callCtx, agent, operation, method, path, body, out)
	metrics.AgentCallDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())

	if cerr != nil {
		return c.fail(cerr)
	}

	metrics.AgentCallsTotal.WithLabelValues(agentID, operation, "success").Inc()
	log.Debug().
		Str("agent_id", agentID).
		Str("operation", operation).
		Dur("duration", time.Since(start)).
		Msg("Agent call succeeded")
	return nil
}

func (c *Client) do(ctx context.Context, agent domain.Agent, operation, method, path string, body, out any) *Error {
	newErr := func(kind domain.ErrorKind, err error) *Error {
		return &Error{Kind: kind, AgentID: agent.ID, Operation: operation, Err: err}
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return newErr(domain.KindProtocolError, fmt.Errorf("failed to encode request: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, agent.BaseURL+path, reader)
	if err != nil {
		return newErr(domain.KindTransportError, fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	auth.SetAPIKey(req.Header, c.resolver.APIKey(agent.ID))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return newErr(domain.KindTimeout, err)
		}
		return newErr(domain.KindTransportError, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if isTimeout(ctx, err) {
			return newErr(domain.KindTimeout, err)
		}
		return newErr(domain.KindTransportError, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e := newErr(domain.KindProtocolError, fmt.Errorf("agent returned %d: %s", resp.StatusCode, remoteMessage(data)))
		e.StatusCode = resp.StatusCode
		e.RemoteKind = remoteKind(data)
		return e
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return newErr(domain.KindProtocolError, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func (c *Client) fail(err *Error) error {
	metrics.AgentCallsTotal.WithLabelValues(err.AgentID, err.Operation, string(err.Kind)).Inc()
	log.Warn().
		Str("agent_id", err.AgentID).
		Str("operation", err.Operation).
		Str("kind", string(err.Kind)).
		Err(err.Err).
		Msg("Agent call failed")
	return err
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func remoteMessage(data []byte) string {
	var body domain.ErrorResponse
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	if len(data) > 256 {
		data = data[:256]
	}
	return string(bytes.TrimSpace(data))
}

func remoteKind(data []byte) domain.ErrorKind {
	var body domain.ErrorResponse
	if json.Unmarshal(data, &body) == nil {
		return body.Kind
	}
	return ""
}

// ListVMs fetches the agent's VM list
func (c *Client) ListVMs(ctx context.Context, agentID string) ([]domain.VM, error) {
	var resp domain.VMListResponse
	if err := c.Call(ctx, agentID, "list", http.MethodGet, "/api/vm/list", nil, &resp, 0); err != nil {
		return nil, err
	}
	return resp.VMs, nil
}

// GetVMInfo fetches detailed info for one VM
func (c *Client) GetVMInfo(ctx context.Context, agentID, name string) (domain.VMInfo, error) {
	var info domain.VMInfo
	path := "/api/vm/info/" + url.PathEscape(name)
	if err := c.Call(ctx, agentID, "info", http.MethodGet, path, nil, &info, 0); err != nil {
		return domain.VMInfo{}, err
	}
	return info, nil
}

// CreateVM asks the agent to launch a VM
func (c *Client) CreateVM(ctx context.Context, agentID string, req domain.CreateVMRequest) (domain.CommandResult, error) {
	req.AgentID = ""
	req.WaitForIP = false

	var result domain.CommandResult
	err := c.Call(ctx, agentID, "create", http.MethodPost, "/api/vm/create", req, &result, 0)
	return result, err
}

// VMAction runs start, stop or delete on the agent
func (c *Client) VMAction(ctx context.Context, agentID, action, name string) (domain.CommandResult, error) {
	var result domain.CommandResult
	body := domain.VMActionRequest{Name: name}
	err := c.Call(ctx, agentID, action, http.MethodPost, "/api/vm/"+action, body, &result, 0)
	return result, err
}

// Execute runs raw multipass args on the agent. A non-zero timeout is the
// remote command ceiling; the network call waits slightly longer.
func (c *Client) Execute(ctx context.Context, agentID string, args []string, timeout time.Duration) (domain.CommandResult, error) {
	var callTimeout time.Duration
	if timeout > 0 {
		callTimeout = timeout + 5*time.Second
	}

	var result domain.CommandResult
	body := domain.ExecuteRequest{Args: args, Timeout: int(timeout.Seconds())}
	err := c.Call(ctx, agentID, "execute", http.MethodPost, "/api/execute", body, &result, callTimeout)
	return result, err
}

// Health probes the agent's /health endpoint
func (c *Client) Health(ctx context.Context, agentID string) (map[string]any, error) {
	var health map[string]any
	if err := c.Call(ctx, agentID, "health", http.MethodGet, "/health", nil, &health, HealthTimeout); err != nil {
		return nil, err
	}
	return health, nil
}
