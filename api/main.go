// Package api exposes the service over HTTP: the WebSocket push channel and
// the REST durable interface, both guarded by bearer-token authentication.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cyverse-de/notification-hub/common"
	"github.com/cyverse-de/notification-hub/hub"
	"github.com/labstack/echo/v4"
)

var log = common.Log.WithField("package", "api")

// Server wires the HTTP routes to the hub.
type Server struct {
	echo *echo.Echo
	hub  *hub.Hub
	auth *Authenticator
}

// New creates the HTTP server and registers its routes.
func New(h *hub.Hub, jwtSecret string) *Server {
	e := echo.New()
	e.HideBanner = true

	s := &Server{
		echo: e,
		hub:  h,
		auth: NewAuthenticator(jwtSecret),
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "service": "notification-hub"})
	})

	// The push channel authenticates in-band during the handshake.
	e.GET("/ws", s.serveWebsocket)

	// The durable interface authenticates with a bearer header.
	notifications := e.Group("/notifications", s.auth.Middleware)
	notifications.GET("", s.listNotifications)
	notifications.POST("", s.createNotification)
	notifications.PUT("/:id/read", s.markRead)
	notifications.PUT("/read/all", s.markAllRead)
	notifications.PUT("/:id/archive", s.archive)

	return s
}

// Listen starts the HTTP server on the given port. It blocks until the
// server shuts down.
func (s *Server) Listen(port int) error {
	return s.echo.Start(fmt.Sprintf(":%d", port))
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
