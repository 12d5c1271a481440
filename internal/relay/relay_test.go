package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"vmgate/core/auth"
	"vmgate/core/domain"
	"vmgate/internal/metrics"
)

// scriptShells runs a shell script instead of "multipass shell <vm>" and
// remembers the commands it handed out.
type scriptShells struct {
	script string
	mu     sync.Mutex
	cmds   []*exec.Cmd
}

func (s *scriptShells) ShellCommand(vm string) *exec.Cmd {
	cmd := exec.Command("sh", "-c", s.script, "sh", vm)
	s.mu.Lock()
	s.cmds = append(s.cmds, cmd)
	s.mu.Unlock()
	return cmd
}

func (s *scriptShells) last() *exec.Cmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cmds) == 0 {
		return nil
	}
	return s.cmds[len(s.cmds)-1]
}

type missingShell struct{}

func (missingShell) ShellCommand(vm string) *exec.Cmd {
	return exec.Command("/nonexistent/multipass", "shell", vm)
}

type staticAgents struct {
	agents map[string]domain.Agent
	keys   map[string]string
}

func (s staticAgents) Get(id string) (domain.Agent, bool) {
	a, ok := s.agents[id]
	return a, ok
}

func (s staticAgents) APIKey(id string) string {
	return s.keys[id]
}

func serve(t *testing.T, h http.Handler) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv.URL
}

func dial(t *testing.T, base, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(base, "http")+"/ws?"+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil collects frames until want shows up or the stream ends.
func readUntil(t *testing.T, conn *websocket.Conn, want string) string {
	t.Helper()
	var out strings.Builder
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for !strings.Contains(out.String(), want) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		out.Write(data)
	}
	return out.String()
}

// readAll collects frames until the server closes the stream.
func readAll(t *testing.T, conn *websocket.Conn) (string, error) {
	t.Helper()
	var out strings.Builder
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return out.String(), err
		}
		out.Write(data)
	}
}

func handler(r *Relay) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", r)
	return mux
}

func ptmxCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skip("no /proc/self/fd")
	}
	n := 0
	for _, e := range entries {
		target, err := os.Readlink(filepath.Join("/proc/self/fd", e.Name()))
		if err == nil && (target == "/dev/ptmx" || strings.HasPrefix(target, "/dev/pts/")) {
			n++
		}
	}
	return n
}

func TestRelay_RequiresVMName(t *testing.T) {
	r := New(&scriptShells{script: "cat"})
	conn := dial(t, serve(t, handler(r)), "")

	out, err := readAll(t, conn)
	assert.Equal(t, "Error: VM name is required\r\n", out)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
	assert.Empty(t, r.ActiveSessions())
}

func TestRelay_LocalForwardsKeystrokes(t *testing.T) {
	shells := &scriptShells{script: "stty -echo; head -n1 | od -An -tx1"}
	r := New(shells)
	conn := dial(t, serve(t, handler(r)), "vm_name=web")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello\n")))

	out := readUntil(t, conn, "0a")
	assert.Contains(t, out, "68 65 6c 6c 6f 0a")
}

func TestRelay_LocalResizeIsNotInput(t *testing.T) {
	shells := &scriptShells{script: `read line; stty size; echo "got:$line"`}
	r := New(shells)
	conn := dial(t, serve(t, handler(r)), "vm_name=web")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"resize","cols":100,"rows":40}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("x\n")))

	out, err := readAll(t, conn)
	assert.Contains(t, out, "40 100")
	assert.Contains(t, out, "got:x")
	assert.NotContains(t, out, "resize")
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "shell exit ends the session: %v", err)
}

func TestRelay_LocalMalformedControlIsInput(t *testing.T) {
	shells := &scriptShells{script: `stty -echo; read line; echo "got:$line"`}
	r := New(shells)
	conn := dial(t, serve(t, handler(r)), "vm_name=web")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"resize","cols":"wide"}`+"\n")))

	out, _ := readAll(t, conn)
	assert.Contains(t, out, `got:{"type":"resize","cols":"wide"}`)
}

func TestRelay_LocalAbruptDisconnectLeaksNothing(t *testing.T) {
	before := ptmxCount(t)

	shells := &scriptShells{script: `trap "" TERM; echo ready; while :; do sleep 1; done`}
	r := New(shells, WithGracePeriod(200*time.Millisecond))
	conn := dial(t, serve(t, handler(r)), "vm_name=web")

	require.Contains(t, readUntil(t, conn, "ready"), "ready")
	require.Len(t, r.ActiveSessions(), 1)
	assert.Equal(t, StateActive, r.ActiveSessions()[0].State)

	// drop the TCP connection without a close frame
	conn.Close()

	require.Eventually(t, func() bool { return len(r.ActiveSessions()) == 0 }, 10*time.Second, 20*time.Millisecond)

	cmd := shells.last()
	require.NotNil(t, cmd)
	assert.NotNil(t, cmd.ProcessState, "shell must be reaped")
	assert.ErrorIs(t, unix.Kill(cmd.Process.Pid, 0), unix.ESRCH, "shell must be gone")
	assert.Equal(t, before, ptmxCount(t))
}

func TestRelay_LocalStartFailure(t *testing.T) {
	r := New(missingShell{})
	conn := dial(t, serve(t, handler(r)), "vm_name=web")

	out, _ := readAll(t, conn)
	assert.True(t, strings.HasPrefix(out, "\r\n[Connection Error] "))
	assert.True(t, strings.HasSuffix(out, "Make sure the VM 'web' is running.\r\n"))
}

func TestRelay_Shutdown(t *testing.T) {
	shells := &scriptShells{script: `echo ready; exec cat`}
	r := New(shells)
	conn := dial(t, serve(t, handler(r)), "vm_name=web")
	require.Contains(t, readUntil(t, conn, "ready"), "ready")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
	assert.Empty(t, r.ActiveSessions())
}

func TestRelay_AgentIDIgnoredWithoutRemote(t *testing.T) {
	shells := &scriptShells{script: `echo "vm:$1"`}
	r := New(shells)
	conn := dial(t, serve(t, handler(r)), "vm_name=web&agent_id=agent-1")

	out, _ := readAll(t, conn)
	assert.Contains(t, out, "vm:web")
}

func TestRelay_RemoteRejections(t *testing.T) {
	agents := staticAgents{agents: map[string]domain.Agent{
		"down": {ID: "down", BaseURL: "http://127.0.0.1:1", Status: domain.AgentOffline},
	}}
	r := New(&scriptShells{script: "cat"}, WithRemote(agents))
	base := serve(t, handler(r))

	out, err := readAll(t, dial(t, base, "vm_name=web&agent_id=ghost"))
	assert.Equal(t, "Error: Agent 'ghost' not found\r\n", out)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))

	out, _ = readAll(t, dial(t, base, "vm_name=web&agent_id=down"))
	assert.Equal(t, "Error: Agent 'down' is offline\r\n", out)
}

func TestRelay_RemoteDialFailure(t *testing.T) {
	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()

	agents := staticAgents{agents: map[string]domain.Agent{
		"a1": {ID: "a1", BaseURL: closed.URL, Status: domain.AgentOnline},
	}}
	r := New(&scriptShells{script: "cat"}, WithRemote(agents), WithDialTimeout(2*time.Second))

	out, _ := readAll(t, dial(t, serve(t, handler(r)), "vm_name=web&agent_id=a1"))
	assert.True(t, strings.HasPrefix(out, "\r\n[Connection Error] "))
	assert.Contains(t, out, "Make sure the VM 'web' is running.")
}

func TestRelay_RemotePassThrough(t *testing.T) {
	// the agent hop: local path only, behind the API key
	agentShells := &scriptShells{script: `stty -echo; read line; stty size; echo "vm:$1 got:$line"`}
	agentRelay := New(agentShells)
	agentURL := serve(t, auth.RequireAPIKey("secret")(handler(agentRelay)))

	agents := staticAgents{
		agents: map[string]domain.Agent{"a1": {ID: "a1", BaseURL: agentURL + "/", Status: domain.AgentOnline}},
		keys:   map[string]string{"a1": "secret"},
	}
	master := New(&scriptShells{script: "echo local"}, WithRemote(agents))
	conn := dial(t, serve(t, handler(master)), "vm_name=web&agent_id=a1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"resize","cols":132,"rows":50}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello\n")))

	out, _ := readAll(t, conn)
	assert.Contains(t, out, "50 132")
	assert.Contains(t, out, "vm:web got:hello")
	assert.NotContains(t, out, "local")

	require.Eventually(t, func() bool { return len(master.ActiveSessions()) == 0 }, 5*time.Second, 20*time.Millisecond)
}

func TestRelay_RemoteClientCloseIsOK(t *testing.T) {
	agentURL := serve(t, auth.RequireAPIKey("secret")(handler(New(&scriptShells{script: "cat"}))))
	agents := staticAgents{
		agents: map[string]domain.Agent{"a1": {ID: "a1", BaseURL: agentURL, Status: domain.AgentOnline}},
		keys:   map[string]string{"a1": "secret"},
	}
	master := New(&scriptShells{script: "echo local"}, WithRemote(agents))

	ok := metrics.RelaySessionsTotal.WithLabelValues(PathRemote, "ok")
	okBefore := testutil.ToFloat64(ok)

	conn := dial(t, serve(t, handler(master)), "vm_name=web&agent_id=a1")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping\n")))
	assert.Contains(t, readUntil(t, conn, "ping"), "ping")
	require.Len(t, master.ActiveSessions(), 1)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	require.Eventually(t, func() bool { return len(master.ActiveSessions()) == 0 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, okBefore+1, testutil.ToFloat64(ok), "normal close counts as ok")
}

func TestRelay_RemoteWrongKeyIsConnectionError(t *testing.T) {
	agentURL := serve(t, auth.RequireAPIKey("secret")(handler(New(&scriptShells{script: "cat"}))))
	agents := staticAgents{
		agents: map[string]domain.Agent{"a1": {ID: "a1", BaseURL: agentURL, Status: domain.AgentOnline}},
		keys:   map[string]string{"a1": "wrong"},
	}
	r := New(&scriptShells{script: "cat"}, WithRemote(agents))

	out, _ := readAll(t, dial(t, serve(t, handler(r)), "vm_name=web&agent_id=a1"))
	assert.Contains(t, out, "[Connection Error]")
	assert.Contains(t, out, "HTTP 401")
}

func TestTerminalURL(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{"http://10.0.0.2:8001", "ws://10.0.0.2:8001/ws?vm_name=my+vm", false},
		{"https://agent.example/", "wss://agent.example/ws?vm_name=my+vm", false},
		{"http://proxy/agents/a1", "ws://proxy/agents/a1/ws?vm_name=my+vm", false},
		{"ftp://agent", "", true},
		{"http://", "", true},
		{"::bad", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := TerminalURL(tt.base, "my vm")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseResize(t *testing.T) {
	msg, ok := parseResize([]byte(`{"type":"resize","cols":80,"rows":24}`))
	require.True(t, ok)
	size, valid := msg.winsize()
	require.True(t, valid)
	assert.Equal(t, uint16(24), size.Rows)
	assert.Equal(t, uint16(80), size.Cols)

	msg, ok = parseResize([]byte(`{"type":"resize"}`))
	assert.True(t, ok)
	_, valid = msg.winsize()
	assert.False(t, valid)

	for _, frame := range []string{"hello\n", `{"type":"ping"}`, `{"type":"resize","cols":"x"}`, "{"} {
		_, ok := parseResize([]byte(frame))
		assert.False(t, ok, frame)
	}
}
