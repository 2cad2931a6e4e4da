// Package router assembles the relay admin API.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/smartobjectoriented/soo/internal/microservices/http-api/handler"
	"github.com/smartobjectoriented/soo/internal/microservices/http-api/middleware"
	"github.com/smartobjectoriented/soo/internal/microservices/http-api/service"
	"github.com/smartobjectoriented/soo/internal/microservices/websocket"
)

type Deps struct {
	Auth   service.AuthService
	Relay  service.RelayService
	Hub    *websocket.Hub // nil disables /api/v1/monitor
	Logger *slog.Logger
}

// NewRouter wires the admin routes:
//
//	GET  /health
//	POST /api/v1/auth/login
//	GET  /api/v1/peers      (admin)
//	GET  /api/v1/stats      (admin)
//	GET  /api/v1/presence   (admin)
//	GET  /api/v1/sessions   (admin)
//	GET  /api/v1/sessions/:id (admin)
//	GET  /api/v1/monitor    (admin, websocket)
func NewRouter(deps Deps) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(deps.Logger))

	relayHandler := handler.NewRelayHandler(deps.Relay)
	authHandler := handler.NewAuthHandler(deps.Auth)

	r.GET("/health", relayHandler.Health)

	v1 := r.Group("/api/v1")
	v1.POST("/auth/login", authHandler.Login)

	admin := v1.Group("")
	admin.Use(middleware.AuthMiddleware(deps.Auth), middleware.RequireAdmin())
	{
		admin.GET("/peers", relayHandler.ListPeers)
		admin.GET("/stats", relayHandler.GetStats)
		admin.GET("/presence", relayHandler.ListPresence)
		admin.GET("/sessions", relayHandler.ListSessions)
		admin.GET("/sessions/:id", relayHandler.GetSession)
		if deps.Hub != nil {
			admin.GET("/monitor", websocket.WSHandler(deps.Hub))
		}
	}

	return r
}

// Server runs the admin API next to the relay.
type Server struct {
	http   *http.Server
	logger *slog.Logger
}

func NewServer(addr string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(deps),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: deps.Logger,
	}
}

// Start listens and serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("failed to start admin API: %w", err)
	}
	s.logger.Info("admin_api_listening", "addr", ln.Addr().String())

	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
