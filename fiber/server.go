// Package fiber serves live sockets, batched ingestion and the operator API
// on a Fiber app.
package fiber

import (
	"bytes"
	"context"
	"errors"
	"log/slog"

	"github.com/goccy/go-json"
	gofiber "github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/aydenstechdungeon/livetrack/auth"
	"github.com/aydenstechdungeon/livetrack/live"
	"github.com/aydenstechdungeon/livetrack/logging"
)

// BatchIngester persists {common, events[]} payloads.
type BatchIngester interface {
	IngestBatch(ctx context.Context, payload map[string]any) (int, error)
}

// ServerConfig holds the collaborators of a Server.
type ServerConfig struct {
	Live     *live.Handler
	Ingest   BatchIngester
	Verifier live.TokenVerifier
	// Logs feeds /log-ws. Nil disables the route.
	Logs *logging.Broadcaster
	// OperatorKey guards player sockets and the operator API.
	OperatorKey string
	Logger      *slog.Logger
}

// Server exposes the live handler and ingestion over HTTP and WebSocket.
type Server struct {
	ctx         context.Context
	live        *live.Handler
	ingest      BatchIngester
	verifier    live.TokenVerifier
	logs        *logging.Broadcaster
	operatorKey string
	logger      *slog.Logger
}

// NewServer creates a Server. Sockets are closed when ctx is done.
func NewServer(ctx context.Context, cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		ctx:         ctx,
		live:        cfg.Live,
		ingest:      cfg.Ingest,
		verifier:    cfg.Verifier,
		logs:        cfg.Logs,
		operatorKey: cfg.OperatorKey,
		logger:      logger.With("component", "http"),
	}
}

// Register mounts every route on app.
func (s *Server) Register(app *gofiber.App) {
	operator := OperatorKeyMiddleware(s.operatorKey)

	app.Get("/status", s.status)
	app.Post("/t", s.batch)

	app.Get("/ws", UpgradeMiddleware(), websocket.New(s.clientSocket))
	app.Get("/play-ws", operator, UpgradeMiddleware(), websocket.New(s.playerSocket))
	if s.logs != nil {
		app.Get("/log-ws", operator, UpgradeMiddleware(), websocket.New(s.logSocket))
	}

	api := app.Group("/api/live", operator)
	api.Get("/stats", s.stats)
	api.Post("/:fp/toggle", s.toggle)
	api.Post("/:fp/command", s.command)
}

func (s *Server) status(c *gofiber.Ctx) error {
	return c.JSON(gofiber.Map{"success": true, "ip": ClientIP(c)})
}

func (s *Server) batch(c *gofiber.Ctx) error {
	if _, err := s.verifier.Verify(auth.BearerToken(c.Get(gofiber.HeaderAuthorization))); err != nil {
		return err
	}
	var payload map[string]any
	if err := ParseBody(c, &payload); err != nil {
		return ValidationError("body", "expected a JSON object")
	}
	n, err := s.ingest.IngestBatch(c.UserContext(), payload)
	if err != nil {
		return err
	}
	if n == 0 {
		return ValidationError("events", "no events accepted")
	}
	return c.Status(gofiber.StatusCreated).JSON(gofiber.Map{"status": "success", "received": n})
}

func (s *Server) stats(c *gofiber.Ctx) error {
	return c.JSON(s.live.Stats())
}

type toggleRequest struct {
	Tracker string `json:"tracker"`
	Enabled *bool  `json:"enabled"`
}

func (s *Server) toggle(c *gofiber.Ctx) error {
	var req toggleRequest
	if err := ParseBody(c, &req); err != nil {
		return ValidationError("body", "expected a JSON object")
	}
	if req.Tracker == "" {
		return ValidationError("tracker", "required")
	}
	if req.Enabled == nil {
		return ValidationError("enabled", "required")
	}
	n, err := s.live.Toggle(c.Params("fp"), req.Tracker, *req.Enabled)
	if err != nil {
		return err
	}
	return c.JSON(gofiber.Map{"status": "success", "delivered": n})
}

func (s *Server) command(c *gofiber.Ctx) error {
	var payload map[string]any
	if err := ParseBody(c, &payload); err != nil || len(payload) == 0 {
		return ValidationError("body", "expected a non-empty JSON object")
	}
	n, err := s.live.Command(c.Params("fp"), payload)
	if err != nil {
		return err
	}
	return c.JSON(gofiber.Map{"status": "success", "delivered": n})
}

func (s *Server) clientSocket(c *websocket.Conn) {
	hs := live.Handshake{
		Token:     c.Query("token"),
		IP:        localString(c, LocalIP),
		UserAgent: localString(c, LocalUserAgent),
		Referrer:  localString(c, LocalReferrer),
	}
	NewWSConn(c).Run(s.ctx, func(conn *WSConn) {
		s.live.ServeClient(s.ctx, conn, hs)
	})
}

func (s *Server) playerSocket(c *websocket.Conn) {
	fp := c.Query("fp")
	NewWSConn(c).Run(s.ctx, func(conn *WSConn) {
		s.live.ServePlayer(s.ctx, conn, fp)
	})
}

// logSocket streams formatted log records until the peer goes away.
func (s *Server) logSocket(c *websocket.Conn) {
	NewWSConn(c).Run(s.ctx, func(conn *WSConn) {
		lines, unsubscribe := s.logs.Subscribe(sendBuffer)
		defer unsubscribe()

		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		defer func() {
			_ = conn.Close()
			<-gone
		}()

		for {
			select {
			case line, ok := <-lines:
				if !ok {
					return
				}
				if err := conn.Send(bytes.TrimRight(line, "\n")); errors.Is(err, ErrConnClosed) {
					return
				}
			case <-gone:
				return
			case <-s.ctx.Done():
				return
			}
		}
	})
}

func localString(c *websocket.Conn, key string) string {
	v, _ := c.Locals(key).(string)
	return v
}

// ParseBody parses the request body into v.
func ParseBody(c *gofiber.Ctx, v any) error {
	return json.Unmarshal(c.Body(), v)
}
