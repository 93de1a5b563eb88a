package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/matheus3301/dmhub/internal/hub"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// HTTPServer runs one echo instance on a listener bound at construction, so
// ":0" addresses resolve before Start.
type HTTPServer struct {
	name   string
	e      *echo.Echo
	logger *zap.Logger
}

func newHTTPServer(name, addr string, e *echo.Echo, logger *zap.Logger) (*HTTPServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s on %s: %w", name, addr, err)
	}
	e.Listener = ln
	return &HTTPServer{name: name, e: e, logger: logger}, nil
}

// Addr returns the bound address.
func (s *HTTPServer) Addr() net.Addr {
	return s.e.Listener.Addr()
}

func (s *HTTPServer) start() {
	s.logger.Info("http server starting", zap.String("server", s.name), zap.Stringer("addr", s.Addr()))
	go func() {
		if err := s.e.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", zap.String("server", s.name), zap.Error(err))
		}
	}()
}

func (s *HTTPServer) stop(ctx context.Context) {
	s.logger.Info("http server stopping", zap.String("server", s.name))
	if err := s.e.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown", zap.String("server", s.name), zap.Error(err))
	}
}

// HTTPServers groups the public hub server and the optional metrics server.
type HTTPServers struct {
	Public  *HTTPServer
	Metrics *HTTPServer // nil when no metrics address is configured
}

// NewHTTPServers binds the public and metrics listeners.
func NewHTTPServers(p Params, h *hub.Hub, reg *prometheus.Registry, logger *zap.Logger) (*HTTPServers, error) {
	public, err := newHTTPServer("public", p.Config.Listen, hub.NewServer(h, reg), logger)
	if err != nil {
		return nil, err
	}
	out := &HTTPServers{Public: public}
	if p.Config.MetricsListen != "" {
		m, err := newHTTPServer("metrics", p.Config.MetricsListen, hub.NewMetricsServer(reg), logger)
		if err != nil {
			_ = public.e.Listener.Close()
			return nil, err
		}
		out.Metrics = m
	}
	return out, nil
}

// Start serves every configured server in the background.
func (s *HTTPServers) Start() {
	s.Public.start()
	if s.Metrics != nil {
		s.Metrics.start()
	}
}

// Stop shuts the servers down gracefully.
func (s *HTTPServers) Stop(ctx context.Context) {
	s.Public.stop(ctx)
	if s.Metrics != nil {
		s.Metrics.stop(ctx)
	}
}
