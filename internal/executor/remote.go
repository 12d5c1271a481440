package executor

import (
	"context"

	"vmgate/core/domain"
	"vmgate/internal/communicator"
)

// RemoteCaller is the subset of the communicator the remote executor uses
type RemoteCaller interface {
	ListVMs(ctx context.Context, agentID string) ([]domain.VM, error)
	GetVMInfo(ctx context.Context, agentID, name string) (domain.VMInfo, error)
	CreateVM(ctx context.Context, agentID string, req domain.CreateVMRequest) (domain.CommandResult, error)
	VMAction(ctx context.Context, agentID, action, name string) (domain.CommandResult, error)
}

// Remote forwards every operation to one agent, which runs it through its
// own Local executor.
type Remote struct {
	agentID string
	caller  RemoteCaller
	agents  AgentLookup
}

func NewRemote(agentID string, caller RemoteCaller, agents AgentLookup) *Remote {
	return &Remote{agentID: agentID, caller: caller, agents: agents}
}

func (r *Remote) ListVMs(ctx context.Context) ([]domain.VM, error) {
	vms, err := r.caller.ListVMs(ctx, r.agentID)
	if err != nil {
		return nil, err
	}

	hostname := r.hostname()
	for i := range vms {
		vms[i].AgentID = r.agentID
		vms[i].AgentHostname = hostname
	}
	return vms, nil
}

func (r *Remote) GetVMInfo(ctx context.Context, name string) (domain.VMInfo, error) {
	info, err := r.caller.GetVMInfo(ctx, r.agentID, name)
	if err != nil {
		return domain.VMInfo{}, err
	}
	info.AgentID = r.agentID
	info.AgentHostname = r.hostname()
	return info, nil
}

// CreateVM applies defaults locally so both hops launch with identical
// arguments.
func (r *Remote) CreateVM(ctx context.Context, req domain.CreateVMRequest) domain.CommandResult {
	req.ApplyDefaults()
	return asResult(r.caller.CreateVM(ctx, r.agentID, req))
}

func (r *Remote) StartVM(ctx context.Context, name string) domain.CommandResult {
	return asResult(r.caller.VMAction(ctx, r.agentID, "start", name))
}

func (r *Remote) StopVM(ctx context.Context, name string) domain.CommandResult {
	return asResult(r.caller.VMAction(ctx, r.agentID, "stop", name))
}

func (r *Remote) DeleteVM(ctx context.Context, name string) domain.CommandResult {
	return asResult(r.caller.VMAction(ctx, r.agentID, "delete", name))
}

func (r *Remote) Location() domain.Location {
	return domain.Location{
		Type:          domain.LocationRemote,
		AgentID:       r.agentID,
		AgentHostname: r.hostname(),
	}
}

// AgentID returns the target agent
func (r *Remote) AgentID() string {
	return r.agentID
}

func (r *Remote) hostname() string {
	if r.agents == nil {
		return ""
	}
	if agent, ok := r.agents.Get(r.agentID); ok {
		return agent.Hostname
	}
	return ""
}

// asResult folds a communicator failure into a failed CommandResult.
func asResult(res domain.CommandResult, err error) domain.CommandResult {
	if err == nil {
		return res
	}
	kind := communicator.KindOf(err)
	if kind == "" {
		kind = domain.KindTransportError
	}
	return domain.Failed(kind, err.Error())
}
