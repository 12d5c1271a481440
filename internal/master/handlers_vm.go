package master

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"vmgate/core/api"
	"vmgate/core/domain"
	"vmgate/internal/executor"
)

// localHostname tags VMs of the master's own host in aggregated lists
const localHostname = "local"

// maxListFanout bounds concurrent agent list calls
const maxListFanout = 8

var actionVerbs = map[string]string{
	"start":  "started",
	"stop":   "stopped",
	"delete": "deleted",
}

func (s *Server) handleCreateVM(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateVMRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}

	ex := s.executors.For(req.AgentID)
	result := ex.CreateVM(r.Context(), req)

	resp := actionResponse(result, req.Name, ex.Location(), fmt.Sprintf("VM '%s' created", req.Name))
	if result.Success && req.WaitForIP {
		ip, err := executor.WaitForIP(r.Context(), ex, req.Name, s.wait)
		if err != nil {
			log.Warn().Err(err).Str("vm_name", req.Name).Msg("VM created without an IP address")
			resp.IPError = err.Error()
		} else {
			resp.IP = ip
		}
	}

	writeAction(w, result, resp)
}

func (s *Server) handleVMAction(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]

	var req domain.VMActionRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}

	ex := s.executors.For(req.AgentID)

	var result domain.CommandResult
	switch action {
	case "start":
		result = ex.StartVM(r.Context(), req.Name)
	case "stop":
		result = ex.StopVM(r.Context(), req.Name)
	case "delete":
		result = ex.DeleteVM(r.Context(), req.Name)
	}

	msg := fmt.Sprintf("VM '%s' %s", req.Name, actionVerbs[action])
	writeAction(w, result, actionResponse(result, req.Name, ex.Location(), msg))
}

func actionResponse(result domain.CommandResult, name string, loc domain.Location, okMsg string) api.VMActionResponse {
	resp := api.VMActionResponse{
		Success:  result.Success,
		Message:  okMsg,
		VMName:   name,
		Location: loc,
		Output:   result.Output,
	}
	if !result.Success {
		resp.Message = result.Error
		resp.Error = result.Error
		resp.Kind = result.Kind
	}
	return resp
}

// writeAction answers 200 on success and the failure kind's status
// otherwise; the body is the same VMActionResponse either way.
func writeAction(w http.ResponseWriter, result domain.CommandResult, resp api.VMActionResponse) {
	status := http.StatusOK
	if !result.Success {
		status = result.Kind.HTTPStatus()
	}
	api.WriteJSON(w, status, resp)
}

func (s *Server) handleVMInfo(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !domain.ValidVMName(name) {
		api.WriteError(w, 0, domain.KindInvalid, fmt.Sprintf("invalid VM name %q", name))
		return
	}

	agentID := r.URL.Query().Get("agent_id")
	info, err := s.executors.For(agentID).GetVMInfo(r.Context(), name)
	if err != nil {
		writeExecutorError(w, err)
		return
	}
	if agentID == "" {
		info.AgentHostname = localHostname
	}

	api.WriteJSON(w, http.StatusOK, info)
}

// handleListVMs lists one host when agent_id is given. Otherwise it merges
// the local host and every online agent; a host that fails is reported in
// errors and the rest of the list is still returned.
func (s *Server) handleListVMs(w http.ResponseWriter, r *http.Request) {
	if agentID := r.URL.Query().Get("agent_id"); agentID != "" {
		vms, err := s.executors.For(agentID).ListVMs(r.Context())
		if err != nil {
			writeExecutorError(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, domain.VMListResponse{VMs: nonNil(vms), Count: len(vms)})
		return
	}

	api.WriteJSON(w, http.StatusOK, s.listAll(r.Context()))
}

func (s *Server) listAll(ctx context.Context) domain.VMListResponse {
	var (
		mu  sync.Mutex
		vms []domain.VM
		g   errgroup.Group
	)
	errs := map[string]string{}
	hosts := []string{""}
	for _, agent := range s.registry.ListOnline() {
		hosts = append(hosts, agent.ID)
	}

	g.SetLimit(maxListFanout)
	for _, agentID := range hosts {
		g.Go(func() error {
			found, err := s.executors.For(agentID).ListVMs(ctx)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				key := agentID
				if key == "" {
					key = localHostname
				}
				errs[key] = err.Error()
				log.Warn().Err(err).Str("host", key).Msg("Failed to list VMs")
				return nil
			}
			if agentID == "" {
				for i := range found {
					found[i].AgentHostname = localHostname
				}
			}
			vms = append(vms, found...)
			return nil
		})
	}
	g.Wait()

	sort.Slice(vms, func(i, j int) bool {
		if vms[i].AgentID != vms[j].AgentID {
			return vms[i].AgentID < vms[j].AgentID
		}
		return vms[i].Name < vms[j].Name
	})

	resp := domain.VMListResponse{VMs: nonNil(vms), Count: len(vms)}
	if len(errs) > 0 {
		resp.Errors = errs
	}
	return resp
}

func writeExecutorError(w http.ResponseWriter, err error) {
	api.WriteError(w, 0, executor.ResponseKind(err), err.Error())
}

func nonNil(vms []domain.VM) []domain.VM {
	if vms == nil {
		return []domain.VM{}
	}
	return vms
}
