package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"vmgate/core/domain"
	"vmgate/internal/metrics"
	"vmgate/pkg/multipass"
)

const (
	DefaultGracePeriod = 2 * time.Second
	DefaultDialTimeout = 10 * time.Second

	defaultRows = 24
	defaultCols = 80

	closeWait = time.Second
)

// Resolver looks up agents for the remote path
type Resolver interface {
	Get(agentID string) (domain.Agent, bool)
	APIKey(agentID string) string
}

// Relay serves interactive terminal sessions over websocket. Without an
// agent id the session is a local pty running the VM shell; with one the
// session is chained to that agent's own relay endpoint.
type Relay struct {
	shells      multipass.ShellFactory
	agents      Resolver
	grace       time.Duration
	dialTimeout time.Duration
	upgrader    websocket.Upgrader
	dialer      *websocket.Dialer

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
}

type Option func(*Relay)

// WithRemote enables the remote path. Agents never set this, which keeps
// the topology at master -> agent.
func WithRemote(agents Resolver) Option {
	return func(r *Relay) {
		r.agents = agents
	}
}

func WithGracePeriod(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.grace = d
		}
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(r *Relay) {
		if d != nil {
			r.dialer = d
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.dialTimeout = d
		}
	}
}

func New(shells multipass.ShellFactory, opts ...Option) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		shells:      shells,
		grace:       DefaultGracePeriod,
		dialTimeout: DefaultDialTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultDialTimeout,
		},
		base:     ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ServeHTTP handles GET /ws?vm_name=<vm>[&agent_id=<id>].
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote_addr", req.RemoteAddr).Msg("Terminal upgrade failed")
		return
	}
	defer conn.Close()

	query := req.URL.Query()
	vmName := query.Get("vm_name")
	if vmName == "" {
		log.Warn().Msg("Terminal connection without VM name")
		sendLine(conn, "Error: VM name is required\r\n")
		return
	}

	path := PathLocal
	agentID := ""
	if r.agents != nil && query.Get("agent_id") != "" {
		path = PathRemote
		agentID = query.Get("agent_id")
	}

	s := r.open(vmName, agentID, path)
	logger := log.With().
		Str("session_id", s.info.ID).
		Str("vm_name", vmName).
		Str("agent_id", agentID).
		Str("path", path).
		Logger()
	logger.Info().Msg("Terminal session opened")

	ctx, cancel := context.WithCancel(r.base)
	defer cancel()

	if path == PathRemote {
		err = r.serveRemote(ctx, conn, s, logger)
	} else {
		err = r.serveLocal(ctx, conn, s, logger)
	}

	r.finish(s, err, logger)
}

// ActiveSessions lists open sessions ordered by start time.
func (r *Relay) ActiveSessions() []Session {
	r.mu.Lock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.snapshot())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Shutdown cancels every session and waits for their cleanup to finish or
// for ctx to expire.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("terminal sessions still closing: %w", ctx.Err())
	}
}

func (r *Relay) open(vmName, agentID, path string) *session {
	s := &session{info: Session{
		ID:        uuid.NewString(),
		VMName:    vmName,
		AgentID:   agentID,
		Path:      path,
		State:     StateConnecting,
		StartedAt: time.Now(),
	}}

	r.wg.Add(1)
	r.mu.Lock()
	r.sessions[s.info.ID] = s
	r.mu.Unlock()

	metrics.RelaySessionsActive.WithLabelValues(path).Inc()
	return s
}

func (r *Relay) finish(s *session, err error, logger zerolog.Logger) {
	s.setState(StateClosed)

	result := "ok"
	switch {
	case errors.Is(err, errRejected):
		result = "rejected"
	case !isNormalEnd(err):
		result = "error"
	}

	path := s.info.Path
	elapsed := time.Since(s.info.StartedAt)
	metrics.RelaySessionsActive.WithLabelValues(path).Dec()
	metrics.RelaySessionsTotal.WithLabelValues(path, result).Inc()
	metrics.RelaySessionDuration.WithLabelValues(path).Observe(elapsed.Seconds())

	r.mu.Lock()
	delete(r.sessions, s.info.ID)
	r.mu.Unlock()
	r.wg.Done()

	event := logger.Info()
	if result == "error" {
		event = logger.Warn().Err(err)
	}
	event.Dur("duration", elapsed).Str("result", result).Msg("Terminal session closed")
}

// sendLine writes a human readable text frame and closes the stream
// normally.
func sendLine(conn *websocket.Conn, text string) {
	deadline := time.Now().Add(closeWait)
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		log.Debug().Err(err).Msg("Failed to send terminal message")
		return
	}
	closeNormal(conn, "")
}

func closeNormal(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
}

func connectionError(err error, vmName string) string {
	return fmt.Sprintf("\r\n[Connection Error] %s\r\nMake sure the VM '%s' is running.\r\n", err, vmName)
}
