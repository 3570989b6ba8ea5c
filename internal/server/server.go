// Package server wires the Ingress/Egress Surface (§4.9): a Fiber app
// exposing /health, session creation, and the /ws event router of §6.
//
// Grounded on the teacher's internal/server/server.go (middleware stack,
// graceful-shutdown signal handling, bracketed startup logging texture).
package server

import (
	"context"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"

	"github.com/g0v/realtime-relay/internal/config"
	"github.com/g0v/realtime-relay/internal/logging"
	"github.com/g0v/realtime-relay/internal/store"
	"github.com/g0v/realtime-relay/internal/wsapi"
)

// Server wraps the Fiber app and its shutdown hooks.
type Server struct {
	app *fiber.App
	cfg *config.Config
}

// New builds the Fiber app with middleware and routes wired in.
func New(cfg *config.Config, stores *store.Store, router *wsapi.Router) *Server {
	app := fiber.New(fiber.Config{
		AppName:       "realtime-relay",
		StrictRouting: true,
		CaseSensitive: true,
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   60 * time.Second,
	})

	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(cors.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "timestamp": time.Now().Unix()})
	})

	app.Post("/create-session", func(c *fiber.Ctx) error {
		return handleCreateSession(c, stores)
	})

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(router.HandleConnection))

	return &Server{app: app, cfg: cfg}
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	SecretKey string `json:"secret_key"`
}

func handleCreateSession(c *fiber.Ctx, stores *store.Store) error {
	sid := uuid.NewString()
	secretKey := uuid.NewString()

	if stores != nil {
		ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
		defer cancel()
		if err := stores.CreateRoom(ctx, sid, secretKey); err != nil {
			logging.Tag("server").Sugar().Errorw("create session failed", "err", err)
			return fiber.NewError(fiber.StatusInternalServerError, "failed to create session")
		}
	}

	return c.JSON(createSessionResponse{SessionID: sid, SecretKey: secretKey})
}

// Listen starts the HTTP server, blocking until it stops or errors.
func (s *Server) Listen() error {
	logging.Tag("server").Sugar().Infow("listening", "addr", s.cfg.ServerAddr)
	return s.app.Listen(s.cfg.ServerAddr)
}

// Shutdown gracefully drains in-flight requests and connections.
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(30 * time.Second)
}
