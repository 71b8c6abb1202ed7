// Package api exposes a small session-authenticated JSON surface over the
// device registry: snapshot reads for every caller, command submission for
// authenticated sessions. It is a machine transport alongside the bridge
// observers, not a browser front-end; there are no templates or assets.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"tuyalink/config"
	"tuyalink/logging"
)

// DeviceInfo is the registry snapshot of one device session.
type DeviceInfo struct {
	IP        string          `json:"ip"`
	Name      string          `json:"name"`
	State     string          `json:"state"`
	Connected bool            `json:"connected"`
	DPs       json.RawMessage `json:"dps,omitempty"`
}

// ErrUnknownDevice is returned by Backend.SendCommand for an IP the
// registry has no session for.
var ErrUnknownDevice = errors.New("api: unknown device")

// Backend is the registry surface the API depends on. scanner.Registry is
// adapted to it by RegistryBackend; tests substitute a fake.
type Backend interface {
	Devices() []DeviceInfo
	Device(ip string) (DeviceInfo, bool)
	// SendCommand submits cmd with the given dps payload to ip's session and
	// blocks until the response, a disconnect, or the session's timeout.
	SendCommand(ip string, cmd uint32, data json.RawMessage) (json.RawMessage, error)
}

// Server is the control API's HTTP server.
type Server struct {
	cfg      config.APIConfig
	backend  Backend
	sink     logging.Sink
	sessions *sessionStore
	httpSrv  *http.Server
}

// NewServer builds a Server; Start binds and serves.
func NewServer(cfg config.APIConfig, backend Backend, sink logging.Sink) *Server {
	if sink == nil {
		sink = logging.Discard
	}
	s := &Server{
		cfg:      cfg,
		backend:  backend,
		sink:     sink,
		sessions: newSessionStore(cfg.SessionSecret),
	}
	s.httpSrv = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves on the configured listen address until Stop. It runs on its
// own goroutine; a bind failure is fatal to the API but not the reactor.
func (s *Server) Start() error {
	s.sink.Log(logging.LevelInfo, "api", "listening on %s", s.cfg.Listen)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
