// Package server exposes the conversation surface over a local HTTP API and
// streams its events to websocket subscribers.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/bosley/hearth/assistant"
	"github.com/bosley/hearth/conversation"
	"github.com/bosley/hearth/surface"
)

var ErrQueueFull = errors.New("job queue is full")

// Configuration for the control server
type Config struct {
	// HTTP server address
	Addr string

	// Certificate files for TLS. Both empty serves plain HTTP.
	CertFile string
	KeyFile  string

	// Number of workers running queued operations
	Workers int

	QueueSize int
}

// Surface is the part of the conversation surface the API drives.
type Surface interface {
	Snapshot() surface.Snapshot
	Messages() []conversation.Message
	Submit(ctx context.Context, text string) error
	SetDraft(text string)
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) error
	Play(ctx context.Context, messageID string) error
	StopPlayback()
	ClearHistory(ctx context.Context) error
}

type DeviceController interface {
	Devices(ctx context.Context) ([]assistant.Device, error)
	ControlDevice(ctx context.Context, deviceID, action string) (assistant.StatusResult, error)
}

type Server struct {
	config  Config
	surface Surface
	devices DeviceController
	hub     *Hub
	logger  *slog.Logger

	// Processing queue
	mu      sync.Mutex
	queue   chan job
	closed  bool
	workers sync.WaitGroup

	server *http.Server
}

func New(cfg Config, s Surface, devices DeviceController, hub *Hub, logger *slog.Logger) (*Server, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	if hub == nil {
		hub = NewHub(logger)
	}

	srv := &Server{
		config:  cfg,
		surface: s,
		devices: devices,
		hub:     hub,
		logger:  logger.With("component", "server"),
		queue:   make(chan job, cfg.QueueSize),
	}

	srv.server = &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.routes(),
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		// Load TLS certificates
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificates: %w", err)
		}
		srv.server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
		}
	}

	return srv, nil
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start runs the workers and the HTTP server until ctx is cancelled, then
// shuts both down.
func (s *Server) Start(ctx context.Context) error {
	s.startWorkers(ctx)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.server.TLSConfig != nil {
			s.logger.Info("Control server listening", "addr", s.config.Addr, "tls", true)
			err = s.server.ListenAndServeTLS("", "")
		} else {
			s.logger.Warn("Control server listening without TLS", "addr", s.config.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			s.stopWorkers()
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	return s.Stop(context.Background())
}

// Stop gracefully shuts down the HTTP server and the workers.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop HTTP server: %w", err)
	}

	s.stopWorkers()
	return nil
}
