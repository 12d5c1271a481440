package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"vmgate/core/auth"
	"vmgate/core/streaming"
)

func (r *Relay) serveRemote(ctx context.Context, conn *websocket.Conn, s *session, logger zerolog.Logger) error {
	agentID := s.info.AgentID
	agent, ok := r.agents.Get(agentID)
	if !ok {
		logger.Warn().Msg("Terminal requested for unknown agent")
		sendLine(conn, fmt.Sprintf("Error: Agent '%s' not found\r\n", agentID))
		return errRejected
	}
	if !agent.IsOnline() {
		logger.Warn().Msg("Terminal requested for offline agent")
		sendLine(conn, fmt.Sprintf("Error: Agent '%s' is offline\r\n", agentID))
		return errRejected
	}

	target, err := TerminalURL(agent.BaseURL, s.info.VMName)
	if err != nil {
		sendLine(conn, connectionError(err, s.info.VMName))
		return err
	}

	header := http.Header{}
	auth.SetAPIKey(header, r.agents.APIKey(agentID))

	dialCtx, cancel := context.WithTimeout(ctx, r.dialTimeout)
	upstream, resp, err := r.dialer.DialContext(dialCtx, target, header)
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
		}
		logger.Error().Err(err).Str("target", target).Msg("Failed to reach agent terminal")
		sendLine(conn, connectionError(err, s.info.VMName))
		return err
	}
	defer upstream.Close()

	logger.Debug().Str("target", target).Msg("Connected to agent terminal")
	s.setState(StateActive)

	err = streaming.NewWebSocketProxy(conn, upstream, logger).Run(ctx)
	s.setState(StateClosing)
	return err
}

// TerminalURL turns an agent base URL into its terminal endpoint for vm,
// mapping http to ws and https to wss.
func TerminalURL(baseURL, vm string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid agent url %q: %w", baseURL, err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid agent url %q: unsupported scheme", baseURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid agent url %q: missing host", baseURL)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"vm_name": {vm}}.Encode()
	return u.String(), nil
}
