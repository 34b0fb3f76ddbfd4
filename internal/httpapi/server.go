// Package httpapi wires the Echo application that hosts the websocket
// signaling endpoint plus a small diagnostics surface. The signaling
// protocol itself lives entirely on the websocket; Echo's job here is
// transport plumbing (middleware, graceful shutdown) and a health check.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"voicesfu/internal/room"
	"voicesfu/internal/sessionreg"
	"voicesfu/internal/signaling"
	"voicesfu/internal/token"
	"voicesfu/internal/ws"
)

// Server is the Echo application hosting the signaling core.
type Server struct {
	echo     *echo.Echo
	sessions *sessionreg.Registry
	rooms    *room.Registry
}

// New constructs an Echo app with the websocket signaling route and a
// health endpoint, dispatching over core.
func New(core *signaling.Core, codec *token.Codec, wsCfg ws.Config, sessions *sessionreg.Registry, rooms *room.Registry) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, sessions: sessions, rooms: rooms}
	s.echo.GET("/healthz", s.handleHealth)
	ws.NewHandler(core, codec, wsCfg, slog.Default()).Register(s.echo)
	return s
}

// requestLogger returns Echo middleware that logs each HTTP request via slog.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path
			if path == "/ws" || path == "/healthz" {
				slog.Debug("http request",
					"method", req.Method,
					"path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			} else {
				slog.Info("http request",
					"method", req.Method,
					"path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"remote", c.RealIP(),
				)
			}
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

type healthResponse struct {
	Status string `json:"status"`
	Rooms  int    `json:"rooms"`
	Peers  int    `json:"peers"`
}

func (s *Server) handleHealth(c echo.Context) error {
	rooms, peers, _ := s.rooms.Stats()
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", Rooms: rooms, Peers: peers})
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("http server stopped")
		return nil
	}
}
