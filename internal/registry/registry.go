package registry

import (
	"context"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"vmgate/core/domain"
	"vmgate/internal/metrics"
)

const (
	// DefaultSweepInterval is how often liveness is recomputed
	DefaultSweepInterval = 30 * time.Second
	// DefaultOfflineThreshold is the heartbeat silence after which an agent
	// is considered offline
	DefaultOfflineThreshold = 60 * time.Second
)

// Registry is the master's in-memory directory of agents. It is rebuilt
// from scratch on restart as agents re-register.
type Registry struct {
	agents  map[string]*domain.Agent
	apiKeys map[string]string
	mu      sync.RWMutex

	sweepInterval    time.Duration
	offlineThreshold time.Duration
	now              func() time.Time
}

// Option configures a Registry
type Option func(*Registry)

// WithSweepInterval overrides DefaultSweepInterval
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.sweepInterval = d
		}
	}
}

// WithOfflineThreshold overrides DefaultOfflineThreshold
func WithOfflineThreshold(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.offlineThreshold = d
		}
	}
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		agents:           make(map[string]*domain.Agent),
		apiKeys:          make(map[string]string),
		sweepInterval:    DefaultSweepInterval,
		offlineThreshold: DefaultOfflineThreshold,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or refreshes an agent. Re-registering an id keeps the id
// and vm count, replaces hostname, url, key and tags, and marks it online.
func (r *Registry) Register(req domain.RegisterRequest) domain.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[req.AgentID]
	if !exists {
		agent = &domain.Agent{ID: req.AgentID}
		r.agents[req.AgentID] = agent
	}

	agent.Hostname = req.Hostname
	agent.BaseURL = strings.TrimRight(req.APIURL, "/")
	agent.Tags = maps.Clone(req.Tags)
	agent.Status = domain.AgentOnline
	agent.LastSeen = r.now()

	if req.APIKey != "" {
		r.apiKeys[req.AgentID] = req.APIKey
	} else {
		delete(r.apiKeys, req.AgentID)
	}

	r.updateGaugesLocked()

	log.Info().
		Str("agent_id", agent.ID).
		Str("hostname", agent.Hostname).
		Str("api_url", agent.BaseURL).
		Bool("reregistered", exists).
		Msg("Agent registered")

	return cloneAgent(agent)
}

// Unregister removes an agent entirely; it reports whether it existed.
func (r *Registry) Unregister(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agentID]; !exists {
		return false
	}
	delete(r.agents, agentID)
	delete(r.apiKeys, agentID)
	r.updateGaugesLocked()

	log.Info().Str("agent_id", agentID).Msg("Agent unregistered")
	return true
}

// Get returns a copy of the agent record
func (r *Registry) Get(agentID string) (domain.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return domain.Agent{}, false
	}
	return cloneAgent(agent), true
}

// APIKey returns the secret an agent registered with, or "".
func (r *Registry) APIKey(agentID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.apiKeys[agentID]
}

// List returns all agents sorted by id
func (r *Registry) List() []domain.Agent {
	return r.filter(func(*domain.Agent) bool { return true })
}

// ListOnline returns agents whose status is online
func (r *Registry) ListOnline() []domain.Agent {
	return r.filter(func(a *domain.Agent) bool { return a.IsOnline() })
}

func (r *Registry) filter(keep func(*domain.Agent) bool) []domain.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]domain.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		if keep(agent) {
			agents = append(agents, cloneAgent(agent))
		}
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

func (r *Registry) seenAt(ts time.Time) time.Time {
	now := r.now()
	if ts.IsZero() || ts.After(now) {
		return now
	}
	return ts
}

// Count returns the number of registered agents
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.agents)
}

// RecordHeartbeat refreshes a known agent and reports whether it was known.
// Heartbeats never create agents. last_seen takes the heartbeat timestamp
// unless it is zero or ahead of the master's clock.
func (r *Registry) RecordHeartbeat(hb domain.Heartbeat) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[hb.AgentID]
	if !exists {
		metrics.AgentHeartbeatsTotal.WithLabelValues("false").Inc()
		log.Debug().Str("agent_id", hb.AgentID).Msg("Ignoring heartbeat from unknown agent")
		return false
	}

	wasOffline := !agent.IsOnline()
	agent.LastSeen = r.seenAt(hb.Timestamp)
	agent.Status = domain.AgentOnline
	agent.VMCount = hb.VMCount
	r.updateGaugesLocked()

	metrics.AgentHeartbeatsTotal.WithLabelValues("true").Inc()
	ev := log.Debug()
	if wasOffline {
		ev = log.Info()
	}
	ev.Str("agent_id", hb.AgentID).
		Int("vm_count", hb.VMCount).
		Time("agent_timestamp", hb.Timestamp).
		Bool("recovered", wasOffline).
		Msg("Heartbeat received")
	return true
}

// Sweep recomputes every agent's status from last_seen and returns the ids
// that changed in each direction.
func (r *Registry) Sweep() (wentOffline, cameOnline []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for id, agent := range r.agents {
		stale := now.Sub(agent.LastSeen) > r.offlineThreshold

		switch {
		case stale && agent.IsOnline():
			agent.Status = domain.AgentOffline
			wentOffline = append(wentOffline, id)
		case !stale && !agent.IsOnline():
			agent.Status = domain.AgentOnline
			cameOnline = append(cameOnline, id)
		}
	}

	sort.Strings(wentOffline)
	sort.Strings(cameOnline)
	for _, id := range wentOffline {
		log.Warn().Str("agent_id", id).Dur("threshold", r.offlineThreshold).Msg("Agent marked offline")
	}
	for _, id := range cameOnline {
		log.Info().Str("agent_id", id).Msg("Agent back online")
	}
	metrics.AgentTransitionsTotal.WithLabelValues(string(domain.AgentOffline)).Add(float64(len(wentOffline)))
	metrics.AgentTransitionsTotal.WithLabelValues(string(domain.AgentOnline)).Add(float64(len(cameOnline)))
	r.updateGaugesLocked()

	return wentOffline, cameOnline
}

// Run sweeps at the configured interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", r.sweepInterval).
		Dur("offline_threshold", r.offlineThreshold).
		Msg("Agent liveness sweep started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Agent liveness sweep stopped")
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func (r *Registry) updateGaugesLocked() {
	online := 0
	for _, agent := range r.agents {
		if agent.IsOnline() {
			online++
		}
	}
	metrics.Agents.WithLabelValues(string(domain.AgentOnline)).Set(float64(online))
	metrics.Agents.WithLabelValues(string(domain.AgentOffline)).Set(float64(len(r.agents) - online))
}

func cloneAgent(a *domain.Agent) domain.Agent {
	out := *a
	out.Tags = maps.Clone(a.Tags)
	return out
}
