package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/ebusd-bridge/internal/bridges/ebusd"
	"github.com/nerrad567/ebusd-bridge/internal/infrastructure/config"
	"github.com/nerrad567/ebusd-bridge/internal/infrastructure/logging"
)

// shutdownGrace bounds how long Close waits for in-flight requests.
const shutdownGrace = 10 * time.Second

// CircuitService is the per-circuit surface used by the handlers.
// *ebusd.Circuit satisfies it.
type CircuitService interface {
	Health() ebusd.CircuitHealth
	MessageSet() *ebusd.MessageSet
	Variables() ebusd.VariableList
	UpdateVariables(ctx context.Context, edits []ebusd.VariableEdit) (ebusd.VariableList, error)
	ReadConfiguration(ctx context.Context) (*ebusd.MessageSet, error)
	ReadCurrentValues(ctx context.Context) (ebusd.VariableList, int, error)
	RequestAllValues() (int, error)
	LastValues() []ebusd.StateMessage
	SetValue(message string, value any) (string, error)
}

// BridgeService is the bridge surface used by the handlers.
type BridgeService interface {
	Circuits() []string
	CircuitHealth() []ebusd.CircuitHealth
	LookupCircuit(name string) (CircuitService, error)
	ListGatewayCircuits(ctx context.Context) ([]string, error)
	GetMetrics() ebusd.BridgeMetrics
}

// ConnectionChecker reports broker connectivity.
type ConnectionChecker interface {
	IsConnected() bool
}

// NewBridgeService adapts an *ebusd.Bridge to BridgeService.
func NewBridgeService(b *ebusd.Bridge) BridgeService {
	return bridgeService{b}
}

type bridgeService struct{ *ebusd.Bridge }

func (b bridgeService) LookupCircuit(name string) (CircuitService, error) {
	c, err := b.Circuit(name)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Deps wires the server to the rest of the bridge. Logger and Bridge are
// required; everything else degrades gracefully when nil.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Logger     *logging.Logger
	Bridge     BridgeService
	MQTT       ConnectionChecker
	DB         *sql.DB
	Gatherer   prometheus.Gatherer
	Registerer prometheus.Registerer // API collectors; nil leaves them unregistered
	Hub        *Hub                  // shared hub; nil makes the server run its own
	Version    string
}

// Server serves the REST API and the WebSocket hub. Create it with New;
// nothing listens until Start.
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	logger      *logging.Logger
	bridge      BridgeService
	mqtt        ConnectionChecker
	db          *sql.DB
	gatherer    prometheus.Gatherer
	httpMetrics *httpMetrics
	version     string
	startTime   time.Time
	hub         *Hub
	ownHub      bool
	tickets     *ticketStore

	server *http.Server
	ln     net.Listener
	cancel context.CancelFunc // stops the ticket sweeper and an owned hub
}

func New(deps Deps) (*Server, error) {
	switch {
	case deps.Logger == nil:
		return nil, errors.New("api: logger is required")
	case deps.Bridge == nil:
		return nil, errors.New("api: bridge is required")
	}

	s := &Server{
		cfg:         deps.Config,
		wsCfg:       deps.WS,
		logger:      deps.Logger,
		bridge:      deps.Bridge,
		mqtt:        deps.MQTT,
		db:          deps.DB,
		gatherer:    deps.Gatherer,
		httpMetrics: newHTTPMetrics(deps.Registerer),
		version:     deps.Version,
		startTime:   time.Now(),
		hub:         deps.Hub,
		tickets:     newTicketStore(),
	}
	if s.hub == nil {
		s.hub, s.ownHub = NewHub(s.wsCfg, s.logger), true
	}
	return s, nil
}

// Hub returns the WebSocket hub. Register it with the bridge as a value
// sink to stream decoded values to clients.
func (s *Server) Hub() *Hub { return s.hub }

// Start binds the listen address and serves in the background. A bind
// failure is returned; later serve errors are logged.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listening on %s: %w", addr, err)
	}

	bg, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	if s.ownHub {
		go s.hub.Run(bg)
	}
	go s.cleanTicketsLoop(bg)

	s.ln = ln
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.ReadTimeout(),
		ReadHeaderTimeout: s.cfg.ReadTimeout(),
		WriteTimeout:      s.cfg.WriteTimeout(),
		IdleTimeout:       s.cfg.IdleTimeout(),
	}
	s.logger.Info("API server listening", "address", ln.Addr().String(), "auth", s.authEnabled())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server stopped", "error", err)
		}
	}()
	return nil
}

// Addr is the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close drains in-flight requests for up to shutdownGrace.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}

func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	if s.server == nil {
		return errors.New("api server not started")
	}
	return nil
}

func (s *Server) authEnabled() bool {
	return s.cfg.Auth.JWTSecret != ""
}
