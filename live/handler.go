// Package live runs the per-connection state machine of tracker and player
// sockets.
package live

import (
	"context"
	"errors"
	"log/slog"
	"maps"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/aydenstechdungeon/livetrack/apperr"
	"github.com/aydenstechdungeon/livetrack/auth"
	"github.com/aydenstechdungeon/livetrack/domain"
	"github.com/aydenstechdungeon/livetrack/envelope"
	"github.com/aydenstechdungeon/livetrack/frame"
	"github.com/aydenstechdungeon/livetrack/ingest"
	"github.com/aydenstechdungeon/livetrack/registry"
	"github.com/aydenstechdungeon/livetrack/session"
	"github.com/aydenstechdungeon/livetrack/store"
)

// Conn is a live socket. ReadMessage blocks until a frame arrives or the
// connection fails. Send must be safe for concurrent use.
type Conn interface {
	ID() string
	Send(msg []byte) error
	ReadMessage() ([]byte, error)
	Close() error
}

// TokenVerifier checks tracking tokens.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// Ingester persists single events.
type Ingester interface {
	IngestSingle(ctx context.Context, payload map[string]any) (int, error)
}

// Publisher relays events to other instances.
type Publisher interface {
	Publish(ctx context.Context, sc *session.Context, eventID string, event map[string]any)
	MarkDelivered(eventID string)
}

// RecordingSource provides the bootstrap row for players.
type RecordingSource interface {
	LatestRecordingStart(ctx context.Context, fingerprint string) (store.RecordingStart, error)
}

// DefaultRealtimeTypes are the event tags accepted on a client socket.
var DefaultRealtimeTypes = []string{frame.TagRecording, frame.TagHeatmap}

// Deps are the collaborators of a Handler.
type Deps struct {
	Sessions   *session.Store
	Registry   *registry.Registry
	Verifier   TokenVerifier
	Domains    domain.Provider
	Ingest     Ingester
	Publisher  Publisher
	Recordings RecordingSource
	Decrypter  *envelope.Decrypter
	Logger     *slog.Logger
	// RealtimeTypes overrides DefaultRealtimeTypes.
	RealtimeTypes []string
}

// Handler serves client and player connections.
type Handler struct {
	sessions   *session.Store
	registry   *registry.Registry
	verifier   TokenVerifier
	domains    domain.Provider
	ingest     Ingester
	publisher  Publisher
	recordings RecordingSource
	parser     *Parser
	logger     *slog.Logger
	newID      func() string
}

// NewHandler creates a Handler.
func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	decrypter := d.Decrypter
	if decrypter == nil {
		decrypter = envelope.New(envelope.Config{}, logger)
	}
	realtime := d.RealtimeTypes
	if len(realtime) == 0 {
		realtime = DefaultRealtimeTypes
	}
	return &Handler{
		sessions:   d.Sessions,
		registry:   d.Registry,
		verifier:   d.Verifier,
		domains:    d.Domains,
		ingest:     d.Ingest,
		publisher:  d.Publisher,
		recordings: d.Recordings,
		parser:     NewParser(decrypter, realtime),
		logger:     logger.With("component", "live"),
		newID:      uuid.NewString,
	}
}

// Handshake is what the transport knows about a client connection at open.
type Handshake struct {
	Token     string
	IP        string
	UserAgent string
	Referrer  string
}

type state int

const (
	stateAuthenticated state = iota
	stateIdentified
	stateClosed
)

// client is the per-connection state of a tracker socket.
type client struct {
	conn  Conn
	token string
	sc    *session.Context
	state state
}

// ServeClient runs a tracker connection until it closes. The token is
// verified before any frame is read; on failure an error frame is sent and
// the connection is closed without creating any state.
func (h *Handler) ServeClient(ctx context.Context, conn Conn, hs Handshake) {
	claims, err := h.verifier.Verify(hs.Token)
	if err != nil {
		msg := "Invalid token"
		if errors.Is(err, auth.ErrMissingToken) {
			msg = "Missing token"
		}
		h.logger.Info("rejected live connection", "conn", conn.ID(), "ip", hs.IP, "error", err)
		_ = conn.Send(frame.Error(msg))
		_ = conn.Close()
		return
	}

	c := &client{
		conn:  conn,
		token: hs.Token,
		sc: &session.Context{
			DomainID:  claims.DomainID,
			IP:        hs.IP,
			UserAgent: hs.UserAgent,
			Referrer:  hs.Referrer,
		},
		state: stateAuthenticated,
	}
	h.sessions.Save(c.token, c.sc)
	defer h.closeClient(c)

	h.logger.Debug("live connection opened", "conn", conn.ID(), "domain", claims.DomainID)
	if err := conn.Send(frame.Connected()); err != nil {
		return
	}

	for c.state != stateClosed {
		if ctx.Err() != nil {
			return
		}
		data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.handleClientFrame(ctx, c, data)
	}
}

// closeClient runs on every exit path of ServeClient.
func (h *Handler) closeClient(c *client) {
	c.state = stateClosed
	h.sessions.Release(c.token, c.sc)
	h.registry.Unregister(c.conn)
	_ = c.conn.Close()
	h.logger.Debug("live connection closed", "conn", c.conn.ID())
}

func (h *Handler) handleClientFrame(ctx context.Context, c *client, data []byte) {
	msg, err := h.parser.Parse(data)
	if err != nil {
		h.logger.Warn("dropping undecodable frame", "conn", c.conn.ID(), "error", err)
		h.send(c.conn, frame.Warn("Could not decode frame"))
		return
	}

	switch msg.Kind {
	case KindPing:
		h.send(c.conn, frame.Pong())
	case KindIdentify:
		h.identify(ctx, c, msg)
	case KindEvent:
		h.event(ctx, c, msg)
	default:
		h.logger.Warn("unknown or disallowed message type", "conn", c.conn.ID(), "t", msg.Tag)
	}
}

func (h *Handler) identify(ctx context.Context, c *client, msg Message) {
	sc, ok := h.sessions.Merge(c.token, identityFrom(msg.Body))
	if !ok {
		h.send(c.conn, frame.Warn("Auth not ready, retrying..."))
		return
	}
	if sc.DomainID == "" {
		h.send(c.conn, frame.Error("Missing domain ID"))
		c.state = stateClosed
		return
	}

	if sc.Identified() {
		h.registry.Register(sc.Fingerprint, c.conn, registry.RoleClient)
		c.state = stateIdentified
	}

	cfg, err := h.domains.DomainConfig(ctx, sc.DomainID)
	if errors.Is(err, domain.ErrDomainNotFound) {
		h.send(c.conn, frame.Error("Domain not found"))
		c.state = stateClosed
		return
	}
	if err != nil {
		h.logger.Error("domain lookup failed", "domain", sc.DomainID, "error", err)
		h.send(c.conn, frame.Warn("Configuration unavailable"))
		return
	}

	out, err := frame.Encode(frame.TagConfig, cfg)
	if err != nil {
		h.logger.Error("failed to encode config frame", "error", err)
		return
	}
	h.send(c.conn, out)
	h.logger.Info("client identified", "conn", c.conn.ID(), "fp", sc.Fingerprint, "domain", sc.DomainID)
}

func (h *Handler) event(ctx context.Context, c *client, msg Message) {
	if c.state != stateIdentified {
		h.send(c.conn, frame.Warn("Identify before sending events"))
		return
	}
	sc, ok := h.sessions.Get(c.token)
	if !ok {
		h.send(c.conn, frame.Error("Session expired"))
		c.state = stateClosed
		return
	}

	event := maps.Clone(msg.Body)
	fillFromContext(event, sc, msg.Tag)

	value, err := ingest.DecodeValue(event["p"])
	if err != nil {
		h.logger.Warn("dropping event with unparsable payload", "conn", c.conn.ID(), "t", msg.Tag, "error", err)
		h.send(c.conn, frame.Warn("Invalid event payload"))
		return
	}
	if value != nil {
		event["p"] = value
	}
	fp, _ := event["fp"].(string)
	eid := h.newID()

	// Low-latency path to players on this instance.
	if fragments := ingest.Fragments(value); fragments != nil && fp != "" {
		if out, err := frame.RecordingFrame(fragments); err == nil {
			h.registry.Send(fp, out, registry.RolePlayer)
			h.publisher.MarkDelivered(eid)
		}
	}

	n, err := h.ingest.IngestSingle(ctx, event)
	switch {
	case err != nil:
		h.logger.Error("failed to persist event", "conn", c.conn.ID(), "fp", fp, "t", msg.Tag, "kind", kindOf(err), "error", err)
		h.send(c.conn, frame.Warn("Event not persisted"))
	case n == 0:
		h.send(c.conn, frame.Warn("Invalid event"))
		return
	default:
		h.logger.Debug("real-time event saved", "fp", fp, "t", msg.Tag)
	}

	h.publisher.Publish(ctx, sc, eid, event)
}

// ServePlayer runs a replay viewer connection for fp.
func (h *Handler) ServePlayer(ctx context.Context, conn Conn, fp string) {
	if fp == "" {
		_ = conn.Send(frame.Error("Missing fingerprint"))
		_ = conn.Close()
		return
	}
	defer func() {
		h.registry.Unregister(conn)
		_ = conn.Close()
		h.logger.Debug("player closed", "conn", conn.ID(), "fp", fp)
	}()

	if err := conn.Send(frame.PlayerConnected(fp)); err != nil {
		return
	}
	h.bootstrap(ctx, conn, fp)
	h.registry.Register(fp, conn, registry.RolePlayer)
	h.logger.Info("player connected", "conn", conn.ID(), "fp", fp)

	for ctx.Err() == nil {
		data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var in frame.Frame
		if json.Unmarshal(data, &in) == nil && in.T == frame.TagPing {
			h.send(conn, frame.Pong())
		}
	}
}

// bootstrap sends the stored recording start so the player can render
// before the next live fragment arrives.
func (h *Handler) bootstrap(ctx context.Context, conn Conn, fp string) {
	if h.recordings == nil {
		return
	}
	rs, err := h.recordings.LatestRecordingStart(ctx, fp)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		h.logger.Warn("failed to load recording start", "fp", fp, "error", err)
		return
	}
	out, err := frame.RecordingFrame(BootstrapFragments(rs))
	if err != nil {
		h.logger.Warn("failed to encode bootstrap frame", "fp", fp, "error", err)
		return
	}
	h.send(conn, out)
}

// BootstrapFragments orders a recording start the way a replayer expects
// it: meta, full snapshot, first mutation chunk.
func BootstrapFragments(rs store.RecordingStart) []any {
	return []any{rs.Meta, rs.Snapshot, rs.FirstChunk}
}

// Toggle switches a tracker on every client of fp and returns how many
// clients were reached.
func (h *Handler) Toggle(fp, tracker string, enabled bool) (int, error) {
	out, err := frame.Encode(frame.TagToggle, frame.Toggle{Tracker: tracker, Enabled: enabled})
	if err != nil {
		return 0, err
	}
	return h.registry.Send(fp, out, registry.RoleClient), nil
}

// Command pushes an operator command to every client of fp.
func (h *Handler) Command(fp string, payload any) (int, error) {
	out, err := frame.Encode(frame.TagCommand, payload)
	if err != nil {
		return 0, err
	}
	return h.registry.Send(fp, out, registry.RoleClient), nil
}

// Stats is a snapshot of live connection counts.
type Stats struct {
	Sockets  registry.Stats `json:"sockets"`
	Sessions int            `json:"sessions"`
	Active   []string       `json:"active"`
}

// Stats reports registry and session counts.
func (h *Handler) Stats() Stats {
	return Stats{
		Sockets:  h.registry.Stats(),
		Sessions: h.sessions.Len(),
		Active:   h.registry.Fingerprints(),
	}
}

func (h *Handler) send(conn Conn, msg []byte) {
	if err := conn.Send(msg); err != nil {
		h.logger.Debug("send failed", "conn", conn.ID(), "error", err)
	}
}

func kindOf(err error) string {
	if k, ok := apperr.KindOf(err); ok {
		return string(k)
	}
	return "unknown"
}

// identityFrom reads identity fields from an IDENTIFY body. They may sit at
// the top level or inside p.
func identityFrom(body map[string]any) session.Identity {
	src := body
	if p, ok := body["p"].(map[string]any); ok {
		src = make(map[string]any, len(body)+len(p))
		maps.Copy(src, body)
		maps.Copy(src, p)
	}
	id := session.Identity{
		Fingerprint: stringField(src, "fp"),
		TabID:       stringField(src, "tb"),
		URL:         stringField(src, "url"),
		Language:    stringField(src, "l"),
	}
	if s, ok := src["s"].(map[string]any); ok {
		w, _ := s["w"].(float64)
		hgt, _ := s["h"].(float64)
		id.Screen = &session.Screen{Width: w, Height: hgt}
	}
	return id
}

// fillFromContext completes an event with identity known from IDENTIFY.
func fillFromContext(event map[string]any, sc *session.Context, tag string) {
	if stringField(event, "t") == "" {
		event["t"] = tag
	}
	for key, val := range map[string]string{"fp": sc.Fingerprint, "tb": sc.TabID, "url": sc.URL} {
		if stringField(event, key) == "" && val != "" {
			event[key] = val
		}
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
