// Package api exposes the chat gateway over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/nugget/todogate/internal/gateway"
	"github.com/nugget/todogate/internal/llm"
)

// Gateway is the chat service behind the HTTP surface.
// *gateway.Service implements it.
type Gateway interface {
	Chat(ctx context.Context, provider string, req gateway.ChatRequest) (*gateway.ChatResult, error)
	ClearSession(id string) bool
	Status(provider string) (*gateway.Status, error)
	Health() gateway.Health
	Init(ctx context.Context, provider, apiKey, model string) (*gateway.InitResult, error)
}

// Providers that accept a key probe on /<provider>/init.
var initProviders = []string{llm.ProviderGemini, llm.ProviderDeepSeek}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	basePath string
	gateway  Gateway
	logger   *slog.Logger
	echo     *echo.Echo
}

// NewServer creates a server and registers its routes under basePath.
func NewServer(address string, port int, basePath string, gw Gateway, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		address:  address,
		port:     port,
		basePath: basePath,
		gateway:  gw,
		logger:   logger.With("component", "api"),
		echo:     echo.New(),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.handleHTTPError

	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:     true,
		LogURI:        true,
		LogStatus:     true,
		LogLatency:    true,
		LogError:      true,
		HandleError:   true,
		LogValuesFunc: s.logRequest,
	}))
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.CORS())

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	g := s.echo.Group(s.basePath)
	g.GET("/health", s.handleHealth)

	for _, name := range s.gateway.Health().Providers {
		g.POST("/"+name+"/chat", s.handleChat(name))
		g.POST("/"+name+"/clear-session", s.handleClearSession)
		g.GET("/"+name+"/status", s.handleStatus(name))
	}
	for _, name := range initProviders {
		g.POST("/"+name+"/init", s.handleInit(name))
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.address, s.port)
	s.echo.Server.ReadTimeout = 30 * time.Second
	s.echo.Server.WriteTimeout = 120 * time.Second

	host := s.address
	if host == "" {
		host = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", host, "port", s.port, "base_path", s.basePath)

	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) logRequest(c echo.Context, v middleware.RequestLoggerValues) error {
	attrs := []any{
		"method", v.Method,
		"uri", v.URI,
		"status", v.Status,
		"duration", v.Latency,
	}
	if v.Error != nil {
		attrs = append(attrs, "error", v.Error)
		s.logger.Warn("request", attrs...)
		return nil
	}
	s.logger.Info("request", attrs...)
	return nil
}

// handleHTTPError renders router and middleware errors (404, 405, bad
// bodies, recovered panics) in the same envelope as handler errors.
func (s *Server) handleHTTPError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := llm.KindInternal.PublicMessage()

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		switch code {
		case http.StatusNotFound:
			msg = "endpoint not found"
		case http.StatusMethodNotAllowed:
			msg = "method not allowed"
		default:
			if m, ok := he.Message.(string); ok {
				msg = m
			}
		}
	} else {
		s.logger.Error("unhandled error", "uri", c.Request().RequestURI, "error", err)
	}

	if err := c.JSON(code, errorResponse{Success: false, Error: msg}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}
