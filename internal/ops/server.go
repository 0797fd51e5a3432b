// Package ops serves the operational HTTP surface: health and readiness
// probes, Prometheus metrics and read-only workflow inspection.
package ops

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amas-ai/amas/orchestration"
)

// Server is the ops listener.
type Server struct {
	echo   *echo.Echo
	system *orchestration.System
	addr   string
}

// NewServer wires the routes against the running system.
func NewServer(addr string, system *orchestration.System) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, system: system, addr: addr}

	e.GET("/healthz", s.healthz)
	e.GET("/readyz", s.readyz)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(
		system.Sink().Registry(),
		promhttp.HandlerOpts{},
	)))

	api := e.Group("/api/v1")
	api.GET("/workflows/:id", s.workflowStatus)
	api.GET("/hierarchy", s.hierarchyStatus)
	api.GET("/metrics/events", s.metricsEvents)

	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	slog.Info("ops: listening", "addr", s.addr)
	if err := s.echo.Start(s.addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) healthz(c echo.Context) error {
	report := s.system.Health()
	code := http.StatusOK
	if !report.Healthy {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, report)
}

func (s *Server) readyz(c echo.Context) error {
	report := s.system.Health()
	code := http.StatusOK
	if !report.Ready {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, report)
}

func (s *Server) workflowStatus(c echo.Context) error {
	report, err := s.system.Status(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) hierarchyStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.system.HierarchyStatus())
}

func (s *Server) metricsEvents(c echo.Context) error {
	limit := 100
	snapshot := s.system.MetricsSnapshot(limit)
	return c.JSON(http.StatusOK, echo.Map{
		"counters": snapshot.Counters,
		"gauges":   snapshot.Gauges,
		"events":   snapshot.Events,
		"taken_at": snapshot.TakenAt.Format(time.RFC3339),
	})
}
