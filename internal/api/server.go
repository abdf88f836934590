// Package api exposes the relay over HTTP and WebSocket.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ppiankov/kafkarelay/internal/catalog"
	"github.com/ppiankov/kafkarelay/internal/kafka"
	"github.com/ppiankov/kafkarelay/internal/session"
	"github.com/ppiankov/kafkarelay/internal/stream"
)

const (
	ServiceName           = "kafkarelay"
	DefaultListen         = "localhost:8080"
	DefaultRequestTimeout = 30 * time.Second

	accessTokenParam = "access_token"
)

// Config holds the HTTP surface settings.
type Config struct {
	Listen         string
	AllowedOrigins []string
	RequestTimeout time.Duration
	WriteTimeout   time.Duration
}

// Deps are the components the handlers drive.
type Deps struct {
	Connector *session.Connector
	Validator *session.Validator
	Catalog   *catalog.Builder
	Bridge    *stream.Bridge
	Registry  *stream.Registry
}

// Server is the relay HTTP server.
type Server struct {
	cfg      Config
	deps     Deps
	echo     *echo.Echo
	upgrader websocket.Upgrader
	draining atomic.Bool
}

// NewServer builds the router. Call Start to serve.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	s := &Server{cfg: cfg, deps: deps}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(requestLogger())
	if len(cfg.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.AllowedOrigins,
			AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType},
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		}))
	}

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.POST("/validate", s.handleValidate)
	e.GET("/topics", s.handleTopics)
	e.GET("/messages/:topic", s.handleMessages)

	s.echo = e
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	slog.Info("Relay listening", "addr", s.cfg.Listen)
	if err := s.echo.Start(s.cfg.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", s.cfg.Listen, err)
	}
	return nil
}

// Shutdown refuses new streams, closes every streaming session, then stops
// accepting requests. Hijacked WebSocket connections are not tracked by the
// HTTP server, so the sessions are closed first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)

	var errs []error
	if s.deps.Registry != nil {
		if err := s.deps.Registry.CloseAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close stream sessions: %w", err))
		}
	}
	if err := s.echo.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   ServiceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleValidate(c echo.Context) error {
	var cfg kafka.ConnectionConfig
	if err := c.Bind(&cfg); err != nil {
		return badRequest(c, fmt.Errorf("invalid request body: %w", err))
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.cfg.RequestTimeout)
	defer cancel()

	token, err := s.deps.Connector.Open(ctx, cfg)
	if err != nil {
		slog.Warn("Connection validation failed", "brokers", strings.Join(cfg.Addresses, ","), "error", err)
		return badRequest(c, err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"token":   token,
		"success": true,
	})
}

func (s *Server) handleTopics(c echo.Context) error {
	principal, err := s.deps.Validator.Validate(c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return badRequest(c, err)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.cfg.RequestTimeout)
	defer cancel()

	cat, err := s.deps.Catalog.Build(ctx, principal.Config)
	if err != nil {
		slog.Warn("Listing topics failed", "session", principal.SessionID, "error", err)
		return badRequest(c, err)
	}
	return c.JSON(http.StatusOK, cat)
}

func (s *Server) handleMessages(c echo.Context) error {
	topic := c.Param("topic")
	if unescaped, err := url.PathUnescape(topic); err == nil {
		topic = unescaped
	}

	if s.draining.Load() {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"error": "server is shutting down",
		})
	}

	authorization := c.Request().Header.Get(echo.HeaderAuthorization)
	if authorization == "" {
		if raw := c.QueryParam(accessTokenParam); raw != "" {
			authorization = "Bearer " + raw
		}
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already replied.
		slog.Debug("WebSocket upgrade failed", "topic", topic, "error", err)
		return nil
	}

	conn := stream.NewWebSocketConn(ws, stream.WebSocketOptions{WriteTimeout: s.cfg.WriteTimeout})
	if err := s.deps.Bridge.Serve(c.Request().Context(), conn, topic, authorization); err != nil {
		slog.Debug("Stream ended with error", "topic", topic, "error", err)
	}
	return nil
}

func badRequest(c echo.Context, err error) error {
	return c.JSON(http.StatusBadRequest, map[string]any{
		"error": err.Error(),
	})
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		// gorilla's same-origin check
		return nil
	}
	if slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURIPath:  true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("path", v.URIPath),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote", v.RemoteIP),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			slog.LogAttrs(c.Request().Context(), level, "HTTP request", attrs...)
			return nil
		},
	})
}
