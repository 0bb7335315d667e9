package fiber

import (
	"crypto/subtle"
	"log/slog"
	"strings"
	"time"

	gofiber "github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// OperatorKeyHeader carries the operator key on HTTP requests. Browsers
// cannot set headers on a WebSocket handshake, so sockets may pass the
// key as the "key" query parameter instead.
const OperatorKeyHeader = "X-Operator-Key"

// Locals keys set by UpgradeMiddleware.
const (
	LocalIP        = "livetrack.ip"
	LocalUserAgent = "livetrack.ua"
	LocalReferrer  = "livetrack.referrer"
)

// SecurityHeadersMiddleware adds security headers.
func SecurityHeadersMiddleware() gofiber.Handler {
	return func(c *gofiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		return c.Next()
	}
}

// CORSMiddleware handles CORS for tracker and operator routes.
// When "*" is in allowedOrigins, Access-Control-Allow-Origin is set to "*"
// without Allow-Credentials. Credentialed access is only enabled for
// explicitly named origins.
func CORSMiddleware(allowedOrigins []string) gofiber.Handler {
	return func(c *gofiber.Ctx) error {
		origin := c.Get("Origin")
		if origin == "" {
			return c.Next()
		}

		wildcard := false
		exactMatch := false
		for _, o := range allowedOrigins {
			if o == "*" {
				wildcard = true
			} else if o == origin {
				exactMatch = true
				break
			}
		}

		c.Set("Vary", "Origin")

		if exactMatch {
			c.Set("Access-Control-Allow-Origin", origin)
			c.Set("Access-Control-Allow-Credentials", "true")
			c.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			c.Set("Access-Control-Allow-Headers", "Content-Type,Authorization,"+OperatorKeyHeader)
		} else if wildcard {
			c.Set("Access-Control-Allow-Origin", "*")
			c.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			c.Set("Access-Control-Allow-Headers", "Content-Type,Authorization,"+OperatorKeyHeader)
		}

		if c.Method() == gofiber.MethodOptions {
			return c.SendStatus(gofiber.StatusNoContent)
		}

		return c.Next()
	}
}

// OperatorKeyMiddleware rejects requests without the operator key. An empty
// key disables the check.
func OperatorKeyMiddleware(key string) gofiber.Handler {
	return func(c *gofiber.Ctx) error {
		if key == "" {
			return c.Next()
		}
		got := c.Get(OperatorKeyHeader)
		if got == "" {
			got = c.Query("key")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			return ErrForbidden
		}
		return c.Next()
	}
}

// UpgradeMiddleware admits only WebSocket handshakes and records the
// caller's network identity for the socket handler.
func UpgradeMiddleware() gofiber.Handler {
	return func(c *gofiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return ErrUpgrade
		}
		c.Locals(LocalIP, ClientIP(c))
		c.Locals(LocalUserAgent, c.Get(gofiber.HeaderUserAgent))
		c.Locals(LocalReferrer, c.Get(gofiber.HeaderReferer))
		return c.Next()
	}
}

// ClientIP returns the first forwarded address, falling back to the peer.
func ClientIP(c *gofiber.Ctx) string {
	if fwd := c.Get(gofiber.HeaderXForwardedFor); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return c.IP()
}

// RequestLoggerMiddleware logs method, path, status code and duration.
func RequestLoggerMiddleware(logger *slog.Logger) gofiber.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gofiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		if appErr, ok := AsAppError(err); ok {
			status = appErr.StatusCode
		}
		logger.Debug("request",
			"method", c.Method(),
			"path", c.Path(),
			"status", status,
			"duration", time.Since(start),
		)
		return err
	}
}
