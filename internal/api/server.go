// Package api is the bridge transport: an HTTP and websocket surface over
// the running services. It holds no state of its own; every response is
// read from a service snapshot at request time.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"shellstate/internal/command"
	"shellstate/internal/registry"
	"shellstate/internal/status"
)

// Registry is the part of the service registry the server reads.
type Registry interface {
	Service(id registry.ServiceID) (registry.Service, error)
	Services() []registry.Service
}

// Server provides HTTP API endpoints for the running services
type Server struct {
	registry Registry
	logger   *zap.Logger
	server   *http.Server
	upgrader websocket.Upgrader
	listener net.Listener

	connsMu sync.Mutex
	conns   map[*wsConn]struct{}
}

// NewServer creates a new API server
func NewServer(reg Registry, logger *zap.Logger, addr string) *Server {
	s := &Server{
		registry: reg,
		logger:   logger.Named("api"),
		conns:    make(map[*wsConn]struct{}),
		upgrader: websocket.Upgrader{
			// The bridge only listens on loopback.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.Router(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Router builds the chi router. Tests serve it through httptest.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleSitemap)
	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebsocket)
	r.Route("/api", func(r chi.Router) {
		r.Get("/services", s.handleServices)
		r.Get("/state", s.handleGetState)
		r.Get("/state/{service}", s.handleGetServiceState)
		r.Post("/command/{service}", s.handleCommand)
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	if err := writeJSON(w, code, v); err != nil {
		s.logger.Error("Failed to encode response",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, code int, err error) {
	s.writeJSON(w, r, code, map[string]any{"ok": false, "error": err.Error()})
}

// handleHealth reports ok together with every service's status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Services: make(map[string]status.Status)}
	for _, svc := range s.registry.Services() {
		resp.Services[string(svc.ID())] = svc.Status()
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	services := s.registry.Services()
	infos := make([]ServiceInfo, 0, len(services))
	for _, svc := range services {
		info := ServiceInfo{ID: string(svc.ID()), Status: svc.Status(), Commands: []string{}}
		if c, ok := svc.(registry.Commander); ok {
			info.Commands = c.Commands()
		}
		infos = append(infos, info)
	}
	s.writeJSON(w, r, http.StatusOK, infos)
}

// handleGetState returns every current snapshot keyed by service id
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	all := make(map[string]any)
	for _, svc := range s.registry.Services() {
		all[string(svc.ID())] = svc.Snapshot().Current()
	}
	s.writeJSON(w, r, http.StatusOK, all)

	s.logger.Debug("State request served",
		zap.String("remote_addr", r.RemoteAddr))
}

func (s *Server) handleGetServiceState(w http.ResponseWriter, r *http.Request) {
	svc, err := s.registry.Service(registry.ServiceID(chi.URLParam(r, "service")))
	if err != nil {
		s.writeError(w, r, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, svc.Snapshot().Current())
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "service")
	svc, err := s.registry.Service(registry.ServiceID(id))
	if err != nil {
		s.writeError(w, r, http.StatusNotFound, err)
		return
	}

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	if err := s.dispatch(r.Context(), svc, req.Command, req.Args); err != nil {
		s.logger.Warn("Command failed",
			zap.String("service", id),
			zap.String("command", req.Command),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		s.writeError(w, r, commandStatus(err), err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) dispatch(ctx context.Context, svc registry.Service, name string, args map[string]any) error {
	c, ok := svc.(registry.Commander)
	if !ok {
		return fmt.Errorf("%w: service %s accepts no commands", command.ErrUnknown, svc.ID())
	}
	return c.Command(ctx, name, args)
}

// commandStatus maps a dispatch error to an HTTP status code.
func commandStatus(err error) int {
	switch {
	case errors.Is(err, command.ErrUnknown), errors.Is(err, command.ErrInvalidArgs):
		return http.StatusBadRequest
	case errors.Is(err, command.ErrNotImplemented):
		return http.StatusNotImplemented
	case errors.Is(err, command.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/health", Method: "GET", Description: "Liveness plus per-service status"},
	{Path: "/api/services", Method: "GET", Description: "Service ids, statuses and command names"},
	{Path: "/api/state", Method: "GET", Description: "Every current snapshot"},
	{Path: "/api/state/{service}", Method: "GET", Description: "One service's snapshot"},
	{Path: "/api/command/{service}", Method: "POST", Description: `Run {"command":..,"args":{..}}`},
	{Path: "/ws", Method: "GET", Description: "Websocket snapshot stream and commands"},
}

// handleSitemap lists the endpoints. It answers 404 so that scripts
// probing the root do not mistake it for a resource.
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprintf(w, "shellstate bridge\n\nAvailable endpoints:\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(w, "  %-6s %-24s %s\n", ep.Method, ep.Path, ep.Description)
	}
}

// Start binds the listen address and serves in the background. Binding
// errors are returned; serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.listener = ln
	s.logger.Info("Starting bridge server", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping bridge server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Shutdown does not track hijacked connections.
	s.closeWebsockets()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
