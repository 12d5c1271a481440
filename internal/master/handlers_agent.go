package master

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"vmgate/core/api"
	"vmgate/core/domain"
	"vmgate/internal/metrics"
)

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		metrics.AgentRegistrationsTotal.WithLabelValues("invalid").Inc()
		log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Rejected agent registration")
		api.WriteDecodeError(w, err)
		return
	}

	agent := s.registry.Register(req)
	metrics.AgentRegistrationsTotal.WithLabelValues("success").Inc()

	api.WriteJSON(w, http.StatusOK, api.RegisterResponse{
		Success: true,
		Message: fmt.Sprintf("Agent '%s' registered successfully", agent.ID),
		Agent:   agent,
	})
}

func (s *Server) handleUnregisterAgent(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]
	if !s.registry.Unregister(agentID) {
		api.WriteError(w, 0, domain.KindNotFound, fmt.Sprintf("Agent '%s' not found", agentID))
		return
	}

	api.WriteJSON(w, http.StatusOK, api.MessageResponse{
		Success: true,
		Message: fmt.Sprintf("Agent '%s' unregistered successfully", agentID),
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	onlineOnly := false
	if raw := r.URL.Query().Get("online"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			api.WriteError(w, 0, domain.KindInvalid, fmt.Sprintf("invalid online parameter %q", raw))
			return
		}
		onlineOnly = v
	}

	agents := s.registry.List()
	if onlineOnly {
		agents = s.registry.ListOnline()
	}

	api.WriteJSON(w, http.StatusOK, api.AgentListResponse{Agents: agents, Count: len(agents)})
}

// handleAgentInfo returns the registry record and, for online agents, a
// live /health probe. A failed probe does not fail the request.
func (s *Server) handleAgentInfo(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]
	agent, ok := s.registry.Get(agentID)
	if !ok {
		api.WriteError(w, 0, domain.KindNotFound, fmt.Sprintf("Agent '%s' not found", agentID))
		return
	}

	resp := api.AgentInfoResponse{Agent: agent}
	health, err := s.comm.Health(r.Context(), agentID)
	if err != nil {
		resp.HealthError = err.Error()
	} else {
		resp.Health = health
	}

	api.WriteJSON(w, http.StatusOK, resp)
}

// handleAgentExecute forwards raw multipass arguments to one agent. Like the
// agent's own /api/execute, a failed command is still a 200 carrying the
// CommandResult; only registry and transport failures map to error statuses.
func (s *Server) handleAgentExecute(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]
	var req domain.ExecuteRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}

	timeout := time.Duration(req.Timeout) * time.Second
	log.Info().Str("agent_id", agentID).Strs("args", req.Args).Dur("timeout", timeout).Msg("Forwarding command to agent")

	result, err := s.comm.Execute(r.Context(), agentID, req.Args, timeout)
	if err != nil {
		writeExecutorError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, result)
}

// handleHeartbeat always answers 200. known=false tells the agent to
// register again, typically after a master restart.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb domain.Heartbeat
	if err := api.DecodeJSON(r, &hb); err != nil {
		api.WriteDecodeError(w, err)
		return
	}

	known := s.registry.RecordHeartbeat(hb)

	api.WriteJSON(w, http.StatusOK, domain.HeartbeatResponse{Status: "ok", Known: known})
}
