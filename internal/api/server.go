package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/wearlink-core/internal/device"
	"github.com/nerrad567/wearlink-core/internal/events"
	"github.com/nerrad567/wearlink-core/internal/history"
	"github.com/nerrad567/wearlink-core/internal/infrastructure/config"
	"github.com/nerrad567/wearlink-core/internal/infrastructure/logging"
	"github.com/nerrad567/wearlink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/wearlink-core/internal/process"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Registry is the device layer the server drives. *device.Registry
// satisfies it.
type Registry interface {
	Initialize(ctx context.Context, s device.Session) (device.InitResult, error)
	Shutdown(ctx context.Context) error
	OpenStore(ctx context.Context) error
	GetDevices(ctx context.Context, forceReload bool) ([]events.DeviceView, error)
	GetDevice(ctx context.Context, id uint64) (events.DeviceView, bool, error)
	OpenApplication(ctx context.Context, id uint64) (bool, error)
	SendToDevice(ctx context.Context, id uint64, messageType, json string) (device.SendResult, error)
}

// HistoryReader serves per-device event history. *history.Journal
// satisfies it.
type HistoryReader interface {
	GetHistory(ctx context.Context, deviceID uint64, limit int) ([]history.Entry, error)
}

// CommandBus carries device commands from MQTT. *mqtt.Client satisfies it.
type CommandBus interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Publish(topic string, payload []byte, qos byte, retained bool) error
	QoS() byte
}

// Simulator reports on the supervised simulator. *process.Manager
// satisfies it.
type Simulator interface {
	Stats() process.Stats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Registry Registry

	// Session fills mode and variant missing from an initialise request.
	Session device.Session

	// History is optional; without it the history route answers 503.
	History HistoryReader

	// Commands is optional; with it the server bridges MQTT commands.
	Commands CommandBus

	// Simulator is set when WearLink supervises the simulator; health
	// then reports on it.
	Simulator Simulator

	Version string
}

// Server is the HTTP API server for WearLink Core.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	registry  Registry
	session   device.Session
	history   HistoryReader
	commands  CommandBus
	simulator Simulator
	version   string
	hub       *Hub
	tickets   *ticketStore

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The hub exists from New on, so it can be subscribed to the event bus
// before the server starts. The server is not listening until Start().
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}

	return &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		registry:  deps.Registry,
		session:   deps.Session,
		history:   deps.History,
		commands:  deps.Commands,
		simulator: deps.Simulator,
		version:   deps.Version,
		hub:       NewHub(deps.WS, deps.Logger),
		tickets:   newTicketStore(),
	}, nil
}

// Hub returns the WebSocket hub. It implements events.Sink.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the router without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, subscribes to MQTT commands when a command
// bus is configured, binds the listener and serves in a background
// goroutine. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	// Internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.tickets.cleanLoop(srvCtx)

	if s.commands != nil {
		if err := s.subscribeCommands(srvCtx); err != nil {
			s.logger.Warn("failed to subscribe to MQTT commands", "error", err)
		}
	}

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}
	s.listener = ln

	s.logger.Info("API server starting", "address", ln.Addr().String())
	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	cancel := s.cancel
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	// Stops the hub (closing WebSocket clients) and ticket cleanup.
	if cancel != nil {
		cancel()
	}

	ctx, cancelShutdown := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancelShutdown()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
