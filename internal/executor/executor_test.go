package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmgate/core/domain"
	"vmgate/internal/communicator"
)

// fakeRunner records invocations and answers from a table keyed on the
// first argument.
type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	results map[string]domain.CommandResult
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{results: map[string]domain.CommandResult{}}
}

func (f *fakeRunner) on(cmd string, res domain.CommandResult) *fakeRunner {
	f.results[cmd] = res
	return f
}

func (f *fakeRunner) Run(_ context.Context, args ...string) domain.CommandResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
	if res, ok := f.results[args[0]]; ok {
		return res
	}
	return domain.CommandResult{Success: true}
}

func (f *fakeRunner) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.calls...)
}

// fakeCaller records remote operations.
type fakeCaller struct {
	mu   sync.Mutex
	ops  []string
	err  error
	info []domain.VMInfo
}

func (f *fakeCaller) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
}

func (f *fakeCaller) ListVMs(_ context.Context, agentID string) ([]domain.VM, error) {
	f.record("list:" + agentID)
	return []domain.VM{{Name: "web"}}, f.err
}

func (f *fakeCaller) GetVMInfo(_ context.Context, agentID, name string) (domain.VMInfo, error) {
	f.record("info:" + agentID + ":" + name)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.VMInfo{}, f.err
	}
	if len(f.info) == 0 {
		return domain.VMInfo{VM: domain.VM{Name: name}}, nil
	}
	next := f.info[0]
	if len(f.info) > 1 {
		f.info = f.info[1:]
	}
	return next, nil
}

func (f *fakeCaller) CreateVM(_ context.Context, agentID string, req domain.CreateVMRequest) (domain.CommandResult, error) {
	f.record("create:" + agentID + ":" + req.Name + ":" + req.Image)
	return domain.CommandResult{Success: true}, f.err
}

func (f *fakeCaller) VMAction(_ context.Context, agentID, action, name string) (domain.CommandResult, error) {
	f.record(action + ":" + agentID + ":" + name)
	return domain.CommandResult{Success: true}, f.err
}

type staticAgents map[string]domain.Agent

func (s staticAgents) Get(id string) (domain.Agent, bool) {
	a, ok := s[id]
	return a, ok
}

func runAll(ctx context.Context, ex Executor) {
	ex.ListVMs(ctx)
	ex.GetVMInfo(ctx, "web")
	ex.CreateVM(ctx, domain.CreateVMRequest{Name: "web"})
	ex.StartVM(ctx, "web")
	ex.StopVM(ctx, "web")
	ex.DeleteVM(ctx, "web")
}

func TestFactory_DispatchLocal(t *testing.T) {
	runner := newFakeRunner()
	caller := &fakeCaller{}
	f := NewFactory(NewLocal(runner), caller, staticAgents{})

	ex := f.For("")
	assert.Equal(t, domain.LocationLocal, ex.Location().Type)
	runAll(context.Background(), ex)

	assert.Empty(t, caller.ops)
	var cmds []string
	for _, c := range runner.Calls() {
		cmds = append(cmds, c[0])
	}
	assert.Equal(t, []string{"list", "info", "launch", "start", "stop", "delete", "purge"}, cmds)
}

func TestFactory_DispatchRemote(t *testing.T) {
	runner := newFakeRunner()
	caller := &fakeCaller{}
	agents := staticAgents{"agent-1": {ID: "agent-1", Hostname: "host1"}}
	f := NewFactory(NewLocal(runner), caller, agents)

	ex := f.For("agent-1")
	runAll(context.Background(), ex)

	assert.Empty(t, runner.Calls())
	assert.Equal(t, []string{
		"list:agent-1",
		"info:agent-1:web",
		"create:agent-1:web:22.04",
		"start:agent-1:web",
		"stop:agent-1:web",
		"delete:agent-1:web",
	}, caller.ops)

	assert.Equal(t, domain.Location{Type: domain.LocationRemote, AgentID: "agent-1", AgentHostname: "host1"}, ex.Location())
}

func TestLocal_ArgumentGrammar(t *testing.T) {
	runner := newFakeRunner()
	l := NewLocal(runner)
	ctx := context.Background()

	l.CreateVM(ctx, domain.CreateVMRequest{Name: "web", CPUs: 2, Memory: "2G", Disk: "10G", Image: "24.04"})
	l.StartVM(ctx, "web")
	l.StopVM(ctx, "web")

	assert.Equal(t, [][]string{
		{"launch", "24.04", "--name", "web", "--cpus", "2", "--memory", "2G", "--disk", "10G"},
		{"start", "web"},
		{"stop", "web"},
	}, runner.Calls())
}

func TestLocal_DeleteTwoStep(t *testing.T) {
	ctx := context.Background()

	t.Run("both succeed", func(t *testing.T) {
		runner := newFakeRunner().
			on("delete", domain.CommandResult{Success: true, Output: "deleted\n"}).
			on("purge", domain.CommandResult{Success: true, Output: "purged\n"})
		res := NewLocal(runner).DeleteVM(ctx, "web")

		assert.True(t, res.Success)
		assert.Equal(t, "deleted\npurged\n", res.Output)
		assert.Equal(t, [][]string{{"delete", "web"}, {"purge"}}, runner.Calls())
	})

	t.Run("delete fails skips purge", func(t *testing.T) {
		failure := domain.Failed(domain.KindToolError, `instance "web" does not exist`)
		runner := newFakeRunner().on("delete", failure)
		res := NewLocal(runner).DeleteVM(ctx, "web")

		assert.Equal(t, failure, res)
		assert.Equal(t, [][]string{{"delete", "web"}}, runner.Calls())
	})

	t.Run("purge fails", func(t *testing.T) {
		runner := newFakeRunner().on("purge", domain.Failed(domain.KindToolError, "purge locked"))
		res := NewLocal(runner).DeleteVM(ctx, "web")

		assert.False(t, res.Success)
		assert.Equal(t, domain.KindToolError, res.Kind)
		assert.Contains(t, res.Error, "purge locked")
	})
}

func TestLocal_ListAndInfoErrors(t *testing.T) {
	runner := newFakeRunner().on("list", domain.Failed(domain.KindToolMissing, "multipass command not found. Is multipass installed?"))
	_, err := NewLocal(runner).ListVMs(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.KindToolMissing, ErrorKind(err))

	runner = newFakeRunner().on("info", domain.CommandResult{Success: true, Output: "garbage"})
	_, err = NewLocal(runner).GetVMInfo(context.Background(), "web")
	require.Error(t, err)
	assert.Empty(t, ErrorKind(err))
}

func TestRemote_TagsVMsAndFoldsErrors(t *testing.T) {
	caller := &fakeCaller{}
	r := NewRemote("agent-1", caller, staticAgents{"agent-1": {ID: "agent-1", Hostname: "host1"}})

	vms, err := r.ListVMs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "agent-1", vms[0].AgentID)
	assert.Equal(t, "host1", vms[0].AgentHostname)

	caller.err = &communicator.Error{Kind: domain.KindOffline, AgentID: "agent-1", Err: communicator.ErrAgentOffline}
	res := r.StartVM(context.Background(), "web")
	assert.False(t, res.Success)
	assert.Equal(t, domain.KindOffline, res.Kind)
	assert.Contains(t, res.Error, "offline")

	caller.err = errors.New("boom")
	res = r.StopVM(context.Background(), "web")
	assert.Equal(t, domain.KindTransportError, res.Kind)
}

func TestWaitForIP(t *testing.T) {
	policy := WaitPolicy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 5}

	t.Run("eventually assigned", func(t *testing.T) {
		caller := &fakeCaller{info: []domain.VMInfo{
			{VM: domain.VM{Name: "web"}},
			{VM: domain.VM{Name: "web"}},
			{VM: domain.VM{Name: "web", IPv4: []string{"10.0.0.7"}}},
		}}
		ip, err := WaitForIP(context.Background(), NewRemote("agent-1", caller, nil), "web", policy)
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.7", ip)
		assert.Len(t, caller.ops, 3)
	})

	t.Run("gives up", func(t *testing.T) {
		caller := &fakeCaller{}
		_, err := WaitForIP(context.Background(), NewRemote("agent-1", caller, nil), "web", policy)
		require.ErrorIs(t, err, ErrNoIP)
		assert.Len(t, caller.ops, 5)
	})

	t.Run("offline agent aborts", func(t *testing.T) {
		caller := &fakeCaller{err: &communicator.Error{Kind: domain.KindOffline, Err: communicator.ErrAgentOffline}}
		_, err := WaitForIP(context.Background(), NewRemote("agent-1", caller, nil), "web", policy)
		require.ErrorIs(t, err, communicator.ErrAgentOffline)
		assert.Len(t, caller.ops, 1)
	})

	t.Run("context cancelled during initial delay", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		p := policy
		p.InitialDelay = time.Hour
		_, err := WaitForIP(ctx, NewRemote("agent-1", &fakeCaller{}, nil), "web", p)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("local tool errors retry", func(t *testing.T) {
		runner := newFakeRunner().on("info", domain.Failed(domain.KindToolError, "instance \"web\" does not exist"))
		_, err := WaitForIP(context.Background(), NewLocal(runner), "web", policy)
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "does not exist"))
		assert.Len(t, runner.Calls(), 5)
	})
}

func TestDefaultWaitPolicy(t *testing.T) {
	assert.Equal(t, WaitPolicy{
		InitialDelay: 2 * time.Second,
		BaseDelay:    time.Second,
		MaxDelay:     15 * time.Second,
		MaxAttempts:  10,
	}, DefaultWaitPolicy())
}

func TestResponseKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.ErrorKind
	}{
		{"missing instance", &ToolError{Result: domain.Failed(domain.KindToolError, `instance "web" does not exist`)}, domain.KindNotFound},
		{"other tool error", &ToolError{Result: domain.Failed(domain.KindToolError, "launch failed")}, domain.KindToolError},
		{"tool missing", &ToolError{Result: domain.Failed(domain.KindToolMissing, "not installed")}, domain.KindToolMissing},
		{"agent offline", &communicator.Error{Kind: domain.KindOffline}, domain.KindOffline},
		{"agent reported kind", &communicator.Error{Kind: domain.KindProtocolError, StatusCode: 404, RemoteKind: domain.KindNotFound}, domain.KindNotFound},
		{"bare protocol error", &communicator.Error{Kind: domain.KindProtocolError, StatusCode: 500}, domain.KindProtocolError},
		{"parse failure", errors.New("failed to parse multipass list output"), domain.KindProtocolError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResponseKind(tt.err))
		})
	}
}
