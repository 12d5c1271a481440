package agent

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"vmgate/core/api"
	"vmgate/core/auth"
	"vmgate/core/domain"
	coremetrics "vmgate/core/metrics"
	"vmgate/internal/executor"
	"vmgate/internal/metrics"
	"vmgate/internal/relay"
	"vmgate/pkg/config"
	"vmgate/pkg/multipass"
)

// Version is reported on /status; set at build time with -ldflags.
var Version = "dev"

// Host runs multipass on the agent's machine
type Host interface {
	multipass.Runner
	multipass.ShellFactory
	RunWithTimeout(ctx context.Context, timeout time.Duration, args ...string) domain.CommandResult
	Available() bool
}

// Agent serves the agent API for its own host and keeps itself registered
// with the master.
type Agent struct {
	cfg       *config.AgentConfig
	host      Host
	local     *executor.Local
	relay     *relay.Relay
	link      *masterLink
	startedAt time.Time
	handler   http.Handler
}

// Option customizes an Agent, mostly for tests
type Option func(*Agent)

// WithRelayOptions passes extra options to the terminal relay
func WithRelayOptions(opts ...relay.Option) Option {
	return func(a *Agent) {
		a.relay = relay.New(a.host, append(a.relayDefaults(), opts...)...)
	}
}

func New(cfg *config.AgentConfig, host Host, opts ...Option) *Agent {
	a := &Agent{
		cfg:       cfg,
		host:      host,
		local:     executor.NewLocal(host),
		startedAt: time.Now(),
	}
	a.relay = relay.New(host, a.relayDefaults()...)

	if cfg.Master.URL != "" {
		a.link = newMasterLink(cfg, a.countVMs)
	}

	for _, opt := range opts {
		opt(a)
	}

	a.handler = a.setupRouter()
	return a
}

// relayDefaults never include relay.WithRemote: an agent only opens local
// shells.
func (a *Agent) relayDefaults() []relay.Option {
	return []relay.Option{relay.WithGracePeriod(a.cfg.Terminal.GracePeriod)}
}

// Handler returns the full HTTP handler including CORS
func (a *Agent) Handler() http.Handler {
	return a.handler
}

// Registered reports whether the last registration or heartbeat was
// accepted by the master.
func (a *Agent) Registered() bool {
	return a.link != nil && a.link.registered.Load()
}

func (a *Agent) setupRouter() http.Handler {
	router := mux.NewRouter()
	router.Use(coremetrics.HTTPMetricsMiddleware(metrics.HTTPRequestsTotal, metrics.HTTPRequestDuration))

	router.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	if a.cfg.Metrics.Enabled {
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	requireKey := auth.RequireAPIKey(a.cfg.Agent.APIKey)

	router.Handle("/status", requireKey(http.HandlerFunc(a.handleStatus))).Methods(http.MethodGet)
	router.Handle("/ws", requireKey(a.relay)).Methods(http.MethodGet)

	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(requireKey)

	apiRouter.HandleFunc("/execute", a.handleExecute).Methods(http.MethodPost)
	apiRouter.HandleFunc("/vm/list", a.handleListVMs).Methods(http.MethodGet)
	apiRouter.HandleFunc("/vm/info/{name}", a.handleVMInfo).Methods(http.MethodGet)
	apiRouter.HandleFunc("/vm/create", a.handleCreateVM).Methods(http.MethodPost)
	apiRouter.HandleFunc("/vm/{action:start|stop|delete}", a.handleVMAction).Methods(http.MethodPost)

	return api.CORS([]string{"*"})(router)
}

// Run listens on the configured address until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Agent.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.Agent.Address(), err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln and, when a master is configured, the
// registration and heartbeat loop.
func (a *Agent) Serve(ctx context.Context, ln net.Listener) error {
	if !a.host.Available() {
		log.Warn().Msg(multipass.NotFoundMessage)
	}

	srv := api.NewServer(a.handler, api.ServerOptions{
		Addr:        ln.Addr().String(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	})

	log.Info().
		Str("agent_id", a.cfg.Agent.ID).
		Str("address", ln.Addr().String()).
		Str("advertise_url", a.cfg.Agent.AdvertiseURL).
		Str("master_url", a.cfg.Master.URL).
		Bool("api_key", a.cfg.Agent.APIKey != "").
		Msg("Starting agent server")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.Serve(gctx, srv, ln, a.cfg.Agent.ShutdownTimeout)
	})
	if a.link != nil {
		g.Go(func() error {
			a.link.Run(gctx)
			return nil
		})
	} else {
		log.Info().Msg("Master URL not configured, running standalone")
	}

	err := g.Wait()

	relayCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Agent.ShutdownTimeout)
	defer cancel()
	if rerr := a.relay.Shutdown(relayCtx); rerr != nil {
		log.Warn().Err(rerr).Msg("Terminal sessions did not close in time")
	}

	return err
}

func (a *Agent) countVMs(ctx context.Context) (int, error) {
	vms, err := a.local.ListVMs(ctx)
	if err != nil {
		return 0, err
	}
	return len(vms), nil
}
