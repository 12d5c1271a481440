package agent

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"vmgate/core/api"
	"vmgate/core/domain"
	"vmgate/internal/executor"
)

func (a *Agent) handleHealth(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, api.HealthResponse{
		Status:   "healthy",
		Service:  "vmgate-agent",
		AgentID:  a.cfg.Agent.ID,
		Hostname: a.cfg.Agent.Hostname,
	})
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := api.AgentStatusResponse{
		AgentID:            a.cfg.Agent.ID,
		Hostname:           a.cfg.Agent.Hostname,
		Version:            Version,
		StartedAt:          a.startedAt,
		UptimeSeconds:      int64(time.Since(a.startedAt).Seconds()),
		MultipassAvailable: a.host.Available(),
		MasterURL:          a.cfg.Master.URL,
		Registered:         a.Registered(),
		ActiveSessions:     len(a.relay.ActiveSessions()),
		Tags:               a.cfg.Agent.Tags,
	}

	stats, err := collectHostStats(r.Context())
	if err != nil {
		log.Debug().Err(err).Msg("Host stats incomplete")
	}
	resp.Host = stats

	api.WriteJSON(w, http.StatusOK, resp)
}

// handleExecute runs raw multipass arguments. The result is always 200;
// failures are carried in the CommandResult.
func (a *Agent) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req domain.ExecuteRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}

	timeout := time.Duration(req.Timeout) * time.Second
	log.Info().Strs("args", req.Args).Dur("timeout", timeout).Msg("Executing remote command")

	api.WriteJSON(w, http.StatusOK, a.host.RunWithTimeout(r.Context(), timeout, req.Args...))
}

func (a *Agent) handleListVMs(w http.ResponseWriter, r *http.Request) {
	vms, err := a.local.ListVMs(r.Context())
	if err != nil {
		writeExecutorError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, domain.VMListResponse{VMs: vms, Count: len(vms)})
}

func (a *Agent) handleVMInfo(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !domain.ValidVMName(name) {
		api.WriteError(w, 0, domain.KindInvalid, fmt.Sprintf("invalid VM name %q", name))
		return
	}

	info, err := a.local.GetVMInfo(r.Context(), name)
	if err != nil {
		writeExecutorError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, info)
}

func (a *Agent) handleCreateVM(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateVMRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, a.local.CreateVM(r.Context(), req))
}

func (a *Agent) handleVMAction(w http.ResponseWriter, r *http.Request) {
	var req domain.VMActionRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}

	var result domain.CommandResult
	switch mux.Vars(r)["action"] {
	case "start":
		result = a.local.StartVM(r.Context(), req.Name)
	case "stop":
		result = a.local.StopVM(r.Context(), req.Name)
	case "delete":
		result = a.local.DeleteVM(r.Context(), req.Name)
	}
	api.WriteJSON(w, http.StatusOK, result)
}

func writeExecutorError(w http.ResponseWriter, err error) {
	api.WriteError(w, 0, executor.ResponseKind(err), err.Error())
}
