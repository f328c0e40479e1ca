// Package web serves the public HTTP surface: health, the economy API,
// Prometheus metrics, optional static site mounts, and the livefeed
// endpoint guarded by the IP whitelist.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/powerbot/powerbot/config"
	"github.com/powerbot/powerbot/internal/profile"
	"github.com/powerbot/powerbot/store"
	"github.com/powerbot/powerbot/wsocket"
)

// Server is the web worker's HTTP server.
type Server struct {
	echo     *echo.Echo
	store    *store.Store
	livefeed *config.Livefeed
	profile  *profile.Profile
	logger   *slog.Logger
}

// NewServer wires routes and middleware.
func NewServer(p *profile.Profile, s *store.Store, livefeed *config.Livefeed, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		store:    s,
		livefeed: livefeed,
		profile:  p,
		logger:   logger.With("component", "web"),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/health", srv.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")
	api.GET("/economy/top10", srv.handleTop10)
	api.GET("/economy/balance/:ref", srv.handleBalance)

	feed := e.Group("/livefeed", srv.requireWhitelisted)
	feed.POST("/publish", srv.handleLivefeedPublish)

	for url, dir := range p.StaticMounts {
		e.Static(url, dir)
	}
	if p.WebIndexFile != "" {
		e.File("/", p.WebIndexFile)
	}

	srv.echo = e
	return srv
}

// Start serves until the context is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(addr)
	}()
	s.logger.Info("web server started", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "web server failed")
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTop10(c echo.Context) error {
	entries, err := s.store.TopLeaderboard(c.Request().Context(), 10)
	if err != nil {
		s.logger.Error("leaderboard query failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "storage error")
	}
	type row struct {
		Rank     int     `json:"rank"`
		Username string  `json:"username"`
		Balance  float64 `json:"balance"`
	}
	out := make([]row, 0, len(entries))
	for i, e := range entries {
		out = append(out, row{Rank: i + 1, Username: e.Username, Balance: e.Balance})
	}
	return c.JSON(http.StatusOK, map[string]any{"top": out})
}

func (s *Server) handleBalance(c echo.Context) error {
	userID, total, err := s.store.BalanceByAnyRef(c.Request().Context(), c.Param("ref"))
	if errors.Is(err, store.ErrUnknownUser) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown user")
	}
	if err != nil {
		s.logger.Error("balance lookup failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "storage error")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"user_id": userID,
		"balance": total,
	})
}

// requireWhitelisted rejects livefeed calls from addresses outside the
// whitelist.
func (s *Server) requireWhitelisted(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.livefeed != nil && !s.livefeed.Allowed(c.Request().RemoteAddr) {
			return echo.NewHTTPError(http.StatusForbidden, "address not whitelisted")
		}
		return next(c)
	}
}

// handleLivefeedPublish relays a JSON body into the broadcast hub.
func (s *Server) handleLivefeedPublish(c echo.Context) error {
	var payload map[string]any
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json body")
	}
	hubAddr := s.profile.WsocketAddr()
	if err := wsocket.Publish(hubAddr, payload); err != nil {
		s.logger.Warn("livefeed publish failed", "hub", hubAddr, "error", err)
		return echo.NewHTTPError(http.StatusBadGateway, "hub unreachable")
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}
