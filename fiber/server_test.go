package fiber

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	fws "github.com/fasthttp/websocket"
	"github.com/goccy/go-json"
	gofiber "github.com/gofiber/fiber/v2"

	"github.com/aydenstechdungeon/livetrack/apperr"
	"github.com/aydenstechdungeon/livetrack/auth"
	"github.com/aydenstechdungeon/livetrack/bridge"
	"github.com/aydenstechdungeon/livetrack/broker"
	"github.com/aydenstechdungeon/livetrack/domain"
	"github.com/aydenstechdungeon/livetrack/ingest"
	"github.com/aydenstechdungeon/livetrack/live"
	"github.com/aydenstechdungeon/livetrack/logging"
	"github.com/aydenstechdungeon/livetrack/registry"
	"github.com/aydenstechdungeon/livetrack/session"
	"github.com/aydenstechdungeon/livetrack/store"
)

const (
	testSecret      = "fiber-test-secret-0123456789"
	testOperatorKey = "operator-key"
)

type recordingConn struct {
	id   string
	mu   sync.Mutex
	sent [][]byte
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *recordingConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *recordingConn) last(t *testing.T) map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		t.Fatal("Expected a frame, got none")
	}
	var m map[string]any
	if err := json.Unmarshal(c.sent[len(c.sent)-1], &m); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return m
}

type failingIngester struct{}

func (failingIngester) IngestBatch(context.Context, map[string]any) (int, error) {
	return 0, apperr.Storage("insert events", errors.New("disk full"))
}

type testServer struct {
	app      *gofiber.App
	store    *store.MemoryStore
	registry *registry.Registry
	issuer   *auth.Issuer
	logs     *logging.Broadcaster
}

func newTestServer(t *testing.T, ing BatchIngester) *testServer {
	t.Helper()
	issuer, err := auth.NewIssuer(testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	verifier, err := auth.NewVerifier(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemoryStore()
	reg := registry.New(nil)
	mb := broker.NewMemoryBroker(nil)
	t.Cleanup(func() { _ = mb.Close() })
	svc := ingest.NewService(st, nil)
	if ing == nil {
		ing = svc
	}
	catalog := domain.NewCatalog([]domain.Domain{{ID: "site-1", Trackers: []string{"recording"}}}, domain.Options{})
	handler := live.NewHandler(live.Deps{
		Sessions:   session.NewStore(session.Config{}, nil),
		Registry:   reg,
		Verifier:   verifier,
		Domains:    catalog,
		Ingest:     svc,
		Publisher:  bridge.New(mb, reg, bridge.DefaultConfig(), nil),
		Recordings: st,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	logs := logging.NewBroadcaster()
	app := gofiber.New(gofiber.Config{
		ErrorHandler: ErrorHandler(ErrorHandlerConfig{}),
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
	})
	app.Use(CORSMiddleware([]string{"https://shop.example"}))
	NewServer(ctx, ServerConfig{
		Live:        handler,
		Ingest:      ing,
		Verifier:    verifier,
		Logs:        logs,
		OperatorKey: testOperatorKey,
	}).Register(app)
	app.Use(NotFoundHandler())

	return &testServer{app: app, store: st, registry: reg, issuer: issuer, logs: logs}
}

func (s *testServer) token(t *testing.T) string {
	t.Helper()
	tok, err := s.issuer.Sign("site-1")
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (s *testServer) do(t *testing.T, method, path, body string, headers map[string]string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

func TestStatus(t *testing.T) {
	s := newTestServer(t, nil)
	code, body := s.do(t, "GET", "/status", "", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"})
	if code != 200 {
		t.Fatalf("Expected 200, got %d", code)
	}
	if body["success"] != true || body["ip"] != "203.0.113.7" {
		t.Errorf("Expected success with forwarded ip, got %v", body)
	}
}

func TestBatchAuth(t *testing.T) {
	s := newTestServer(t, nil)
	tests := []struct {
		name    string
		header  string
		message string
	}{
		{"missing", "", "Missing token"},
		{"not bearer", "Basic abc", "Missing token"},
		{"invalid", "Bearer not-a-token", "Invalid token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.header != "" {
				headers["Authorization"] = tt.header
			}
			code, body := s.do(t, "POST", "/t", `{"common":{"fp":"a"},"events":[{"t":"click"}]}`, headers)
			if code != 401 {
				t.Fatalf("Expected 401, got %d", code)
			}
			if body["status"] != "error" || body["message"] != tt.message {
				t.Errorf("Expected error %q, got %v", tt.message, body)
			}
		})
	}
	if n := len(s.store.Events()); n != 0 {
		t.Errorf("Expected no events stored, got %d", n)
	}
}

func TestBatchAccepted(t *testing.T) {
	s := newTestServer(t, nil)
	body := `{"common":{"fp":"fp-1","tb":"tab-1","url":"https://shop.example/"},
		"events":[{"t":"click","p":{"x":1},"ts":1700000000000},{"t":"scroll","p":{"y":2}}]}`
	code, out := s.do(t, "POST", "/t", body, map[string]string{"Authorization": "Bearer " + s.token(t)})
	if code != 201 {
		t.Fatalf("Expected 201, got %d (%v)", code, out)
	}
	if out["status"] != "success" || out["received"] != float64(2) {
		t.Errorf("Expected received 2, got %v", out)
	}
	if n := len(s.store.Events()); n != 2 {
		t.Errorf("Expected 2 stored events, got %d", n)
	}
}

func TestBatchRejected(t *testing.T) {
	s := newTestServer(t, nil)
	hdr := map[string]string{"Authorization": "Bearer " + s.token(t)}
	for _, body := range []string{`{}`, `{"common":{},"events":[]}`, `not json`, `[1,2]`} {
		code, out := s.do(t, "POST", "/t", body, hdr)
		if code != 422 {
			t.Errorf("%s: Expected 422, got %d", body, code)
		}
		if out["status"] != "error" || out["code"] != string(ErrorCodeValidation) {
			t.Errorf("%s: Expected validation error body, got %v", body, out)
		}
	}
	if n := len(s.store.Visitors()); n != 0 {
		t.Errorf("Expected no visitors, got %d", n)
	}
}

func TestBatchStorageFailure(t *testing.T) {
	s := newTestServer(t, failingIngester{})
	code, out := s.do(t, "POST", "/t", `{"common":{"fp":"a"},"events":[{"t":"click"}]}`,
		map[string]string{"Authorization": "Bearer " + s.token(t)})
	if code != 503 {
		t.Fatalf("Expected 503, got %d", code)
	}
	if strings.Contains(out["message"].(string), "disk full") {
		t.Errorf("Expected cause to stay out of the response, got %v", out)
	}
}

func TestOperatorKey(t *testing.T) {
	s := newTestServer(t, nil)
	if code, _ := s.do(t, "GET", "/api/live/stats", "", nil); code != 403 {
		t.Errorf("Expected 403 without key, got %d", code)
	}
	if code, _ := s.do(t, "GET", "/api/live/stats", "", map[string]string{OperatorKeyHeader: "wrong"}); code != 403 {
		t.Errorf("Expected 403 with wrong key, got %d", code)
	}

	s.registry.Register("fp-1", &recordingConn{id: "c1"}, registry.RoleClient)
	code, body := s.do(t, "GET", "/api/live/stats", "", map[string]string{OperatorKeyHeader: testOperatorKey})
	if code != 200 {
		t.Fatalf("Expected 200, got %d", code)
	}
	sockets, _ := body["sockets"].(map[string]any)
	if sockets["connections"] != float64(1) {
		t.Errorf("Expected 1 connection, got %v", body)
	}
}

func TestToggleAndCommand(t *testing.T) {
	s := newTestServer(t, nil)
	client := &recordingConn{id: "c1"}
	player := &recordingConn{id: "p1"}
	s.registry.Register("fp-1", client, registry.RoleClient)
	s.registry.Register("fp-1", player, registry.RolePlayer)
	key := map[string]string{OperatorKeyHeader: testOperatorKey}

	code, out := s.do(t, "POST", "/api/live/fp-1/toggle", `{"tracker":"recording","enabled":false}`, key)
	if code != 200 || out["delivered"] != float64(1) {
		t.Fatalf("Expected 1 delivery, got %d %v", code, out)
	}
	f := client.last(t)
	p, _ := f["p"].(map[string]any)
	if f["t"] != "trk_tgl" || p["tn"] != "recording" || p["s"] != false {
		t.Errorf("Expected toggle frame, got %v", f)
	}
	if n := player.count(); n != 0 {
		t.Errorf("Expected player to receive nothing, got %d frames", n)
	}

	if code, _ := s.do(t, "POST", "/api/live/fp-1/toggle", `{"enabled":true}`, key); code != 422 {
		t.Errorf("Expected 422 without tracker, got %d", code)
	}
	if code, _ := s.do(t, "POST", "/api/live/fp-1/toggle", `{"tracker":"recording"}`, key); code != 422 {
		t.Errorf("Expected 422 without enabled, got %d", code)
	}

	code, out = s.do(t, "POST", "/api/live/fp-1/command", `{"action":"reload"}`, key)
	if code != 200 || out["delivered"] != float64(1) {
		t.Fatalf("Expected 1 delivery, got %d %v", code, out)
	}
	if f := client.last(t); f["t"] != "trk_cmd" {
		t.Errorf("Expected command frame, got %v", f)
	}
	if code, _ := s.do(t, "POST", "/api/live/fp-1/command", `{}`, key); code != 422 {
		t.Errorf("Expected 422 for empty command, got %d", code)
	}
}

func TestSocketsRequireUpgrade(t *testing.T) {
	s := newTestServer(t, nil)
	if code, body := s.do(t, "GET", "/ws?token=x", "", nil); code != 426 || body["code"] != string(ErrorCodeUpgrade) {
		t.Errorf("Expected 426, got %d %v", code, body)
	}
	if code, _ := s.do(t, "GET", "/play-ws?fp=a", "", nil); code != 403 {
		t.Errorf("Expected operator check before upgrade, got %d", code)
	}
}

func TestNotFound(t *testing.T) {
	s := newTestServer(t, nil)
	code, body := s.do(t, "GET", "/nope", "", nil)
	if code != 404 || body["code"] != string(ErrorCodeNotFound) {
		t.Errorf("Expected 404, got %d %v", code, body)
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest("OPTIONS", "/t", nil)
	req.Header.Set("Origin", "https://shop.example")
	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 204 {
		t.Errorf("Expected 204, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://shop.example" {
		t.Errorf("Expected allowed origin, got %q", got)
	}

	req = httptest.NewRequest("OPTIONS", "/t", nil)
	req.Header.Set("Origin", "https://evil.example")
	resp, err = s.app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Expected no CORS header for unknown origin, got %q", got)
	}
}

func TestWrapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   ErrorCode
	}{
		{"app error", ErrForbidden, 403, ErrorCodeForbidden},
		{"fiber error", gofiber.ErrRequestEntityTooLarge, 413, ErrorCodeBadRequest},
		{"missing token", apperr.Auth("verify", auth.ErrMissingToken), 401, ErrorCodeUnauthorized},
		{"invalid token", apperr.Auth("verify", auth.ErrInvalidToken), 401, ErrorCodeUnauthorized},
		{"validation", apperr.Validation("ingest", errors.New("x")), 422, ErrorCodeValidation},
		{"decode", apperr.Decode("open", errors.New("x")), 422, ErrorCodeValidation},
		{"storage", apperr.Storage("insert", errors.New("x")), 503, ErrorCodeUnavailable},
		{"unknown", errors.New("boom"), 500, ErrorCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WrapError(tt.err)
			if got.StatusCode != tt.status || got.Code != tt.code {
				t.Errorf("Expected %d %s, got %d %s", tt.status, tt.code, got.StatusCode, got.Code)
			}
		})
	}
}

func TestWrapErrorSharedErrors(t *testing.T) {
	if got := WrapError(apperr.Auth("verify", errors.New("bad sig"))); got != ErrUnauthorized {
		t.Errorf("Expected ErrUnauthorized, got %v", got)
	}
	if got := WrapError(apperr.Broker("publish", errors.New("down"))); got != ErrUnavailable {
		t.Errorf("Expected ErrUnavailable, got %v", got)
	}
	if got := WrapError(errors.New("boom")); got != ErrInternal {
		t.Errorf("Expected ErrInternal, got %v", got)
	}
	if ErrUnavailable.Message != "Storage unavailable" {
		t.Errorf("Expected Storage unavailable, got %s", ErrUnavailable.Message)
	}
}

func listen(t *testing.T, s *testServer) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = s.app.Listener(ln) }()
	t.Cleanup(func() { _ = s.app.ShutdownWithTimeout(time.Second) })
	return "ws://" + ln.Addr().String()
}

func readFrame(t *testing.T, conn *fws.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return m
}

func TestClientSocket(t *testing.T) {
	s := newTestServer(t, nil)
	base := listen(t, s)

	conn, _, err := fws.DefaultDialer.Dial(base+"/ws?token="+s.token(t), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	greeting := readFrame(t, conn)
	if greeting["t"] != "ping" {
		t.Fatalf("Expected connected greeting, got %v", greeting)
	}
	if err := conn.WriteMessage(fws.TextMessage, []byte(`{"t":"ping"}`)); err != nil {
		t.Fatal(err)
	}
	if f := readFrame(t, conn); f["t"] != "pong" {
		t.Errorf("Expected pong, got %v", f)
	}
}

func TestClientSocketBadToken(t *testing.T) {
	s := newTestServer(t, nil)
	base := listen(t, s)

	conn, _, err := fws.DefaultDialer.Dial(base+"/ws?token=forged", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	f := readFrame(t, conn)
	p, _ := f["p"].(map[string]any)
	if f["t"] != "error" || p["message"] != "Invalid token" {
		t.Fatalf("Expected invalid token frame, got %v", f)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !fws.IsCloseError(err, fws.CloseNormalClosure) {
		t.Errorf("Expected normal close, got %v", err)
	}
}

func TestLogSocket(t *testing.T) {
	s := newTestServer(t, nil)
	base := listen(t, s)

	conn, _, err := fws.DefaultDialer.Dial(base+"/log-ws?key="+testOperatorKey, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.logs.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	logger, err := logging.New(s.logs, "info", logging.FormatJSON)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("visitor connected", "fp", "fp-9")

	f := readFrame(t, conn)
	if f["msg"] != "visitor connected" || f["fp"] != "fp-9" {
		t.Errorf("Expected streamed record, got %v", f)
	}
}
