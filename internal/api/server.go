// Package api provides the administrative HTTP surface and the
// observer WebSocket endpoint for AquaSync Core.
//
// It is a thin bridge: device CRUD goes to the repository, control and
// subscription operations go to the engine, and the WebSocket endpoint
// hands off to the fanout hub. The server follows the same lifecycle
// pattern as the other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aquasync/aquasync-core/internal/device"
	"github.com/aquasync/aquasync-core/internal/engine"
	"github.com/aquasync/aquasync-core/internal/infrastructure/config"
	"github.com/aquasync/aquasync-core/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight
// requests to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Core is the engine surface the API bridges to.
type Core interface {
	IssueControl(deviceID string, toggle bool) *engine.Handle
	PublishRaw(deviceID string, payload map[string]any) error
	SetSubscription(ctx context.Context, deviceID string, status device.SubscriptionStatus) error
	Table() *device.Table
}

// DeviceRepository is the persistence surface for device CRUD.
type DeviceRepository interface {
	Get(ctx context.Context, id string) (*device.Record, error)
	List(ctx context.Context) ([]device.Record, error)
	ListBySubscription(ctx context.Context, active bool) ([]device.Record, error)
	Put(ctx context.Context, rec *device.Record) error
	Merge(ctx context.Context, id string, patch map[string]any) error
	Delete(ctx context.Context, id string) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	Logger  *logging.Logger
	Core    Core
	Devices DeviceRepository
	// WS, if set, serves the observer WebSocket endpoint.
	WS      http.Handler
	Version string
}

// Server is the HTTP API server.
type Server struct {
	cfg     config.APIConfig
	logger  *logging.Logger
	core    Core
	devices DeviceRepository
	ws      http.Handler
	version string

	server *http.Server
}

// New creates an API server. It does not listen until Start is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Core == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("device repository is required")
	}

	return &Server{
		cfg:     deps.Config,
		logger:  deps.Logger.With("component", "api"),
		core:    deps.Core,
		devices: deps.Devices,
		ws:      deps.WS,
		version: deps.Version,
	}, nil
}

// Start launches the HTTP listener in a background goroutine.
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the server, waiting up to 10 seconds for
// in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
