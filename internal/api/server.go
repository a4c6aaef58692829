package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/KelvinOps/bioauthentication/internal/attendance"
	"github.com/KelvinOps/bioauthentication/internal/bridges/zkteco"
	"github.com/KelvinOps/bioauthentication/internal/infrastructure/config"
	"github.com/KelvinOps/bioauthentication/internal/infrastructure/logging"
	"github.com/KelvinOps/bioauthentication/internal/reconcile"
)

// gracefulShutdownTimeout bounds how long Close waits for in-flight requests.
const gracefulShutdownTimeout = 10 * time.Second

// SyncService is the sync orchestration the handlers drive.
// *reconcile.Syncer implements it.
type SyncService interface {
	SyncAttendance(ctx context.Context) (reconcile.RunResult, error)
	SyncEmployees(ctx context.Context) (reconcile.EmployeeSyncResult, error)
	LastSyncInfo(ctx context.Context) (reconcile.SyncInfo, error)
	MarkAllSynced(ctx context.Context) (int, error)
	Status(ctx context.Context, limit int) (reconcile.StatusReport, error)
	Ping(ctx context.Context) reconcile.PingResult
	DeviceInfo(ctx context.Context) (zkteco.DeviceInfo, error)
}

var _ SyncService = (*reconcile.Syncer)(nil)

// HealthChecker is implemented by the database, MQTT and InfluxDB clients.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	Logger  *logging.Logger
	Syncer  SyncService
	Repo    attendance.Repository
	Hub     *Hub // If set, the server uses this hub instead of creating its own
	Checks  map[string]HealthChecker
	Version string
}

// Server is the HTTP API server.
type Server struct {
	cfg     config.APIConfig
	wsCfg   config.WebSocketConfig
	logger  *logging.Logger
	syncer  SyncService
	repo    attendance.Repository
	checks  map[string]HealthChecker
	version string

	server      *http.Server
	hub         *Hub
	externalHub bool
	cancel      context.CancelFunc
}

// New creates a server. It does not listen until Start is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if deps.Syncer == nil {
		return nil, errors.New("syncer is required")
	}
	if deps.Repo == nil {
		return nil, errors.New("attendance repository is required")
	}

	s := &Server{
		cfg:     deps.Config,
		wsCfg:   deps.WS,
		logger:  deps.Logger,
		syncer:  deps.Syncer,
		repo:    deps.Repo,
		checks:  deps.Checks,
		version: deps.Version,
	}

	// The syncer broadcasts through the same hub, so serve may create it first.
	if deps.Hub != nil {
		s.hub = deps.Hub
		s.externalHub = true
	}
	return s, nil
}

// Start launches the HTTP listener in a background goroutine.
// Close stops it.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
	}
	if !s.externalHub {
		go s.hub.Run(srvCtx)
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	s.logger.Info("API server listening", "address", listener.Addr().String())
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close shuts the server down, waiting up to 10 seconds for in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// Hub returns the websocket hub, creating it if Start has not run yet.
func (s *Server) Hub() *Hub {
	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
	}
	return s.hub
}
