package executor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"vmgate/core/domain"
	"vmgate/pkg/multipass"
)

// ToolError wraps a failed multipass result for list and info
type ToolError struct {
	Result domain.CommandResult
}

func (e *ToolError) Error() string {
	return e.Result.Error
}

// Kind is tool_error, tool_missing or timeout
func (e *ToolError) Kind() domain.ErrorKind {
	return e.Result.Kind
}

// Local executes operations on this host through the multipass runner.
type Local struct {
	runner multipass.Runner
}

func NewLocal(runner multipass.Runner) *Local {
	return &Local{runner: runner}
}

func (l *Local) ListVMs(ctx context.Context) ([]domain.VM, error) {
	res := l.runner.Run(ctx, multipass.ListArgs()...)
	if !res.Success {
		return nil, &ToolError{Result: res}
	}
	return multipass.ParseList(res.Output)
}

func (l *Local) GetVMInfo(ctx context.Context, name string) (domain.VMInfo, error) {
	res := l.runner.Run(ctx, multipass.InfoArgs(name)...)
	if !res.Success {
		return domain.VMInfo{}, &ToolError{Result: res}
	}
	return multipass.ParseInfo(name, res.Output)
}

// CreateVM launches and returns as soon as multipass does; it does not wait
// for an IP address. See WaitForIP.
func (l *Local) CreateVM(ctx context.Context, req domain.CreateVMRequest) domain.CommandResult {
	req.ApplyDefaults()
	log.Info().
		Str("vm_name", req.Name).
		Str("image", req.Image).
		Int("cpus", req.CPUs).
		Str("memory", req.Memory).
		Str("disk", req.Disk).
		Msg("Launching VM")
	return l.runner.Run(ctx, multipass.LaunchArgs(req)...)
}

func (l *Local) StartVM(ctx context.Context, name string) domain.CommandResult {
	return l.runner.Run(ctx, multipass.StartArgs(name)...)
}

func (l *Local) StopVM(ctx context.Context, name string) domain.CommandResult {
	return l.runner.Run(ctx, multipass.StopArgs(name)...)
}

// DeleteVM deletes then purges. Purge only runs after a successful delete
// and the operation succeeds only if both steps do.
func (l *Local) DeleteVM(ctx context.Context, name string) domain.CommandResult {
	res := l.runner.Run(ctx, multipass.DeleteArgs(name)...)
	if !res.Success {
		return res
	}

	purge := l.runner.Run(ctx, multipass.PurgeArgs()...)
	if !purge.Success {
		purge.Error = fmt.Sprintf("VM %s deleted but purge failed: %s", name, purge.Error)
		purge.Output = res.Output + purge.Output
		return purge
	}

	return domain.CommandResult{Success: true, Output: res.Output + purge.Output}
}

func (l *Local) Location() domain.Location {
	return domain.Location{Type: domain.LocationLocal}
}
