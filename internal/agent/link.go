package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"

	"vmgate/core/api"
	"vmgate/core/auth"
	"vmgate/core/domain"
	"vmgate/pkg/config"
)

// masterLink registers the agent with the master and keeps it alive with
// heartbeats. The master keeps no state across restarts, so a heartbeat
// answered with known=false triggers a fresh registration.
type masterLink struct {
	cfg        config.MasterLinkConfig
	self       domain.RegisterRequest
	httpClient *http.Client
	vmCount    func(ctx context.Context) (int, error)

	registered atomic.Bool
}

func newMasterLink(cfg *config.AgentConfig, vmCount func(ctx context.Context) (int, error)) *masterLink {
	return &masterLink{
		cfg: cfg.Master,
		self: domain.RegisterRequest{
			AgentID:  cfg.Agent.ID,
			Hostname: cfg.Agent.Hostname,
			APIURL:   cfg.Agent.AdvertiseURL,
			APIKey:   cfg.Agent.APIKey,
			Tags:     cfg.Agent.Tags,
		},
		httpClient: &http.Client{Timeout: cfg.Master.RequestTimeout},
		vmCount:    vmCount,
	}
}

// Run waits for the registration delay, registers, then heartbeats until
// ctx is cancelled.
func (l *masterLink) Run(ctx context.Context) {
	if l.cfg.RegistrationDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.cfg.RegistrationDelay):
		}
	}

	l.registerWithRetry(ctx)

	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Master link stopping")
			return

		case <-ticker.C:
			if !l.registered.Load() {
				if err := l.register(ctx); err != nil {
					log.Warn().Err(err).Msg("Registration retry failed")
				}
				continue
			}

			known, err := l.heartbeat(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("Heartbeat failed")
				continue
			}
			if !known {
				log.Warn().Str("master_url", l.cfg.URL).Msg("Master does not know this agent, registering again")
				l.registered.Store(false)
				l.registerWithRetry(ctx)
			}
		}
	}
}

// registerWithRetry makes up to RegistrationAttempts attempts with
// exponential backoff. On exhaustion the heartbeat loop keeps retrying once
// per interval.
func (l *masterLink) registerWithRetry(ctx context.Context) {
	backoff := retry.NewExponential(l.cfg.RegistrationBackoff)
	backoff = retry.WithCappedDuration(30*time.Second, backoff)
	if l.cfg.RegistrationAttempts > 0 {
		backoff = retry.WithMaxRetries(l.cfg.RegistrationAttempts-1, backoff)
	}

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := l.register(ctx); err != nil {
			log.Warn().
				Err(err).
				Int("attempt", attempt).
				Uint64("max_attempts", l.cfg.RegistrationAttempts).
				Msg("Registration attempt failed")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Int("attempts", attempt).Msg("Failed to register with master, will retry on each heartbeat interval")
	}
}

func (l *masterLink) register(ctx context.Context) error {
	var resp api.RegisterResponse
	if err := l.post(ctx, "/api/agent/register", l.self, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("registration rejected: %s", resp.Message)
	}

	l.registered.Store(true)
	log.Info().
		Str("agent_id", l.self.AgentID).
		Str("master_url", l.cfg.URL).
		Str("message", resp.Message).
		Msg("Registered with master")
	return nil
}

func (l *masterLink) heartbeat(ctx context.Context) (bool, error) {
	hb := domain.Heartbeat{
		AgentID:   l.self.AgentID,
		Timestamp: time.Now().UTC(),
		Status:    domain.AgentOnline,
	}
	if n, err := l.vmCount(ctx); err != nil {
		log.Debug().Err(err).Msg("VM count unavailable for heartbeat")
	} else {
		hb.VMCount = n
	}

	var resp domain.HeartbeatResponse
	if err := l.post(ctx, "/api/agent/heartbeat", hb, &resp); err != nil {
		return false, err
	}

	log.Debug().Int("vm_count", hb.VMCount).Bool("known", resp.Known).Msg("Heartbeat sent")
	return resp.Known, nil
}

func (l *masterLink) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	url := strings.TrimRight(l.cfg.URL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	auth.SetAPIKey(req.Header, l.cfg.APIKey)

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("POST %s returned %d: %s", url, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
