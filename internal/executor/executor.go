package executor

import (
	"context"
	"errors"
	"strings"

	"vmgate/core/domain"
	"vmgate/internal/communicator"
)

// Executor runs VM lifecycle operations on one host. Action results carry
// tool failures in CommandResult; list and info return Go errors.
type Executor interface {
	ListVMs(ctx context.Context) ([]domain.VM, error)
	GetVMInfo(ctx context.Context, name string) (domain.VMInfo, error)
	CreateVM(ctx context.Context, req domain.CreateVMRequest) domain.CommandResult
	StartVM(ctx context.Context, name string) domain.CommandResult
	StopVM(ctx context.Context, name string) domain.CommandResult
	DeleteVM(ctx context.Context, name string) domain.CommandResult
	Location() domain.Location
}

// Factory hands out the executor for an optional agent id
type Factory struct {
	local  *Local
	remote RemoteCaller
	agents AgentLookup
}

// AgentLookup resolves agent metadata for Location
type AgentLookup interface {
	Get(agentID string) (domain.Agent, bool)
}

func NewFactory(local *Local, remote RemoteCaller, agents AgentLookup) *Factory {
	return &Factory{local: local, remote: remote, agents: agents}
}

// For returns the local executor for an empty id and a remote executor
// bound to agentID otherwise.
func (f *Factory) For(agentID string) Executor {
	if agentID == "" {
		return f.local
	}
	return NewRemote(agentID, f.remote, f.agents)
}

// Local returns the executor for this host
func (f *Factory) Local() *Local {
	return f.local
}

// ErrorKind maps an error returned by any executor onto the failure
// taxonomy, or "" for errors outside it such as parse failures.
func ErrorKind(err error) domain.ErrorKind {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr.Kind()
	}
	return communicator.KindOf(err)
}

// ResponseKind is ErrorKind refined for HTTP answers. An agent's own kind is
// surfaced instead of protocol_error, a missing instance is not_found, and
// anything outside the taxonomy is protocol_error.
func ResponseKind(err error) domain.ErrorKind {
	var cerr *communicator.Error
	if errors.As(err, &cerr) && cerr.Kind == domain.KindProtocolError && cerr.RemoteKind != "" {
		return cerr.RemoteKind
	}

	var toolErr *ToolError
	if errors.As(err, &toolErr) && toolErr.Kind() == domain.KindToolError && strings.Contains(toolErr.Result.Error, "does not exist") {
		return domain.KindNotFound
	}

	if kind := ErrorKind(err); kind != "" {
		return kind
	}
	return domain.KindProtocolError
}
