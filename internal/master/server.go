package master

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"vmgate/core/api"
	"vmgate/core/auth"
	coremetrics "vmgate/core/metrics"
	"vmgate/internal/communicator"
	"vmgate/internal/executor"
	"vmgate/internal/metrics"
	"vmgate/internal/registry"
	"vmgate/internal/relay"
	"vmgate/pkg/config"
	"vmgate/pkg/multipass"
)

// LocalHost runs multipass on the master's own machine
type LocalHost interface {
	multipass.Runner
	multipass.ShellFactory
}

// Server is the master control plane: agent registry, VM API for local and
// remote hosts, and the terminal relay.
type Server struct {
	cfg       *config.MasterConfig
	registry  *registry.Registry
	comm      *communicator.Client
	executors *executor.Factory
	relay     *relay.Relay
	wait      executor.WaitPolicy
	handler   http.Handler
}

// Option customizes a Server, mostly for tests
type Option func(*serverOptions)

type serverOptions struct {
	registryOpts []registry.Option
	relayOpts    []relay.Option
}

// WithRegistryOptions passes extra options to the agent registry
func WithRegistryOptions(opts ...registry.Option) Option {
	return func(o *serverOptions) {
		o.registryOpts = append(o.registryOpts, opts...)
	}
}

// WithRelayOptions passes extra options to the terminal relay
func WithRelayOptions(opts ...relay.Option) Option {
	return func(o *serverOptions) {
		o.relayOpts = append(o.relayOpts, opts...)
	}
}

func New(cfg *config.MasterConfig, host LocalHost, opts ...Option) *Server {
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}

	reg := registry.New(append([]registry.Option{
		registry.WithSweepInterval(cfg.Registry.SweepInterval),
		registry.WithOfflineThreshold(cfg.Registry.OfflineThreshold),
	}, o.registryOpts...)...)

	comm := communicator.NewClient(reg, cfg.Communicator.Timeout)

	s := &Server{
		cfg:       cfg,
		registry:  reg,
		comm:      comm,
		executors: executor.NewFactory(executor.NewLocal(host), comm, reg),
		relay: relay.New(host, append([]relay.Option{
			relay.WithRemote(reg),
			relay.WithGracePeriod(cfg.Terminal.GracePeriod),
			relay.WithDialTimeout(cfg.Terminal.DialTimeout),
		}, o.relayOpts...)...),
		wait: executor.WaitPolicy{
			InitialDelay: cfg.WaitForIP.InitialDelay,
			BaseDelay:    cfg.WaitForIP.BaseDelay,
			MaxDelay:     cfg.WaitForIP.MaxDelay,
			MaxAttempts:  cfg.WaitForIP.MaxAttempts,
		},
	}
	s.handler = s.setupRouter()
	return s
}

// Handler returns the full HTTP handler including CORS
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Registry exposes the agent registry
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Relay exposes the terminal relay
func (s *Server) Relay() *relay.Relay {
	return s.relay
}

func (s *Server) setupRouter() http.Handler {
	router := mux.NewRouter()
	router.Use(coremetrics.HTTPMetricsMiddleware(metrics.HTTPRequestsTotal, metrics.HTTPRequestDuration))

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.cfg.Metrics.Enabled {
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	requireKey := auth.RequireAPIKey(s.cfg.Server.APIKey)

	router.Handle("/ws", requireKey(s.relay)).Methods(http.MethodGet)

	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(requireKey)

	apiRouter.HandleFunc("/agent/register", s.handleRegisterAgent).Methods(http.MethodPost)
	apiRouter.HandleFunc("/agent/unregister/{id}", s.handleUnregisterAgent).Methods(http.MethodDelete)
	apiRouter.HandleFunc("/agent/list", s.handleListAgents).Methods(http.MethodGet)
	apiRouter.HandleFunc("/agent/info/{id}", s.handleAgentInfo).Methods(http.MethodGet)
	apiRouter.HandleFunc("/agent/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	apiRouter.HandleFunc("/agent/execute/{id}", s.handleAgentExecute).Methods(http.MethodPost)

	apiRouter.HandleFunc("/vm/create", s.handleCreateVM).Methods(http.MethodPost)
	apiRouter.HandleFunc("/vm/list", s.handleListVMs).Methods(http.MethodGet)
	apiRouter.HandleFunc("/vm/info/{name}", s.handleVMInfo).Methods(http.MethodGet)
	apiRouter.HandleFunc("/vm/{action:start|stop|delete}", s.handleVMAction).Methods(http.MethodPost)

	apiRouter.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, http.StatusNotFound, "", fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path))
	})

	return api.CORS(s.cfg.Server.CORSOrigins)(router)
}

// Run listens on the configured address until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.Address(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the registry sweep and the HTTP server on ln. Once the
// listener is drained the open terminal sessions are torn down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go s.registry.Run(sweepCtx)

	srv := api.NewServer(s.handler, api.ServerOptions{
		Addr:         ln.Addr().String(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	})

	log.Info().
		Str("address", ln.Addr().String()).
		Bool("api_key", s.cfg.Server.APIKey != "").
		Bool("metrics", s.cfg.Metrics.Enabled).
		Msg("Starting master server")
	log.Info().Msgf("Health check: http://%s/health", ln.Addr().String())

	err := api.Serve(ctx, srv, ln, s.cfg.Server.ShutdownTimeout)

	relayCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if rerr := s.relay.Shutdown(relayCtx); rerr != nil {
		log.Warn().Err(rerr).Msg("Terminal sessions did not close in time")
	}

	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, api.HealthResponse{Status: "healthy", Service: "vmgate-master"})
}

type sessionsResponse struct {
	Sessions []relay.Session `json:"sessions"`
	Count    int             `json:"count"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.relay.ActiveSessions()
	api.WriteJSON(w, http.StatusOK, sessionsResponse{Sessions: sessions, Count: len(sessions)})
}
