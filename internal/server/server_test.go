package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"

	"github.com/devhatro/dbgateway/internal/backend/backendtest"
	"github.com/devhatro/dbgateway/internal/config"
	"github.com/devhatro/dbgateway/internal/dispatch"
	"github.com/devhatro/dbgateway/internal/wire"
)

func startBackend(t *testing.T, h backendtest.Handler) *backendtest.Server {
	t.Helper()
	s, err := backendtest.NewServer(h)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func gatewayConfig(port int, paths ...config.PathConfig) *config.Config {
	return &config.Config{
		Gateway: config.GatewaySettings{ListenAddr: "127.0.0.1:0"},
		Servers: []config.ServerConfig{{Name: "LOCAL", Host: "127.0.0.1", Port: port, MaxConnections: 2}},
		Paths:   paths,
	}
}

func route(prefix string) config.PathConfig {
	return config.PathConfig{Prefix: prefix, Function: "main", Servers: []config.PathServer{{Name: "LOCAL"}}}
}

// startGateway serves cfg on a loopback port and returns the base URL.
func startGateway(t *testing.T, cfg *config.Config) (*Server, string) {
	t.Helper()
	s, err := New(cfg, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
		if err := <-served; err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	})
	return s, "http://" + ln.Addr().String()
}

func TestServerKeepAlive(t *testing.T) {
	be := startBackend(t, func(c *backendtest.Call) {
		c.RespondBuffered([]byte("Content-Type: text/plain\r\n\r\nhello"))
	})
	_, base := startGateway(t, gatewayConfig(be.Port(), route("/app/")))

	client := &http.Client{Timeout: 5 * time.Second}
	for i := 0; i < 3; i++ {
		resp, err := client.Get(base + "/app/page")
		if err != nil {
			t.Fatalf("GET #%d error = %v", i, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || string(body) != "hello" {
			t.Errorf("GET #%d = %d %q", i, resp.StatusCode, body)
		}
		if resp.Header.Get("Content-Type") != "text/plain" {
			t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
		}
	}
	if got := be.Handshakes(); got != 1 {
		t.Errorf("backend handshakes = %d, want 1", got)
	}
}

func TestServerChunkedResponse(t *testing.T) {
	be := startBackend(t, func(c *backendtest.Call) {
		c.RespondChunked(wire.SizeUnknown, []byte("Content-Type: text/plain\r\n\r\npart one, "), []byte("part two"))
	})
	_, base := startGateway(t, gatewayConfig(be.Port(), route("/app/")))

	resp, err := http.Get(base + "/app/stream")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "part one, part two" {
		t.Errorf("body = %q", body)
	}
}

func TestServerPostBody(t *testing.T) {
	be := startBackend(t, func(c *backendtest.Call) {
		c.RespondBuffered(append([]byte("\r\n"), c.Body()...))
	})
	_, base := startGateway(t, gatewayConfig(be.Port(), route("/app/")))

	resp, err := http.Post(base+"/app/save", "application/json", strings.NewReader(`{"id":7}`))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"id":7}` {
		t.Errorf("body = %q", body)
	}
	req := be.Requests()[0]
	if ct, _ := req.Var("CONTENT_TYPE"); ct != "application/json" {
		t.Errorf("CONTENT_TYPE = %q", ct)
	}
	if m, _ := req.Var("REQUEST_METHOD"); m != http.MethodPost {
		t.Errorf("REQUEST_METHOD = %q", m)
	}
}

func TestServerNoLocation(t *testing.T) {
	be := startBackend(t, func(c *backendtest.Call) { c.RespondBuffered([]byte("\r\nok")) })
	_, base := startGateway(t, gatewayConfig(be.Port(), route("/app/")))

	resp, err := http.Get(base + "/other")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if len(be.Requests()) != 0 {
		t.Error("backend should not have been called")
	}
}

func TestServerMalformedRequest(t *testing.T) {
	be := startBackend(t, func(c *backendtest.Call) { c.RespondBuffered([]byte("\r\nok")) })
	_, base := startGateway(t, gatewayConfig(be.Port(), route("/app/")))

	conn, err := net.Dial("tcp", strings.TrimPrefix(base, "http://"))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	io.WriteString(conn, "NOT A REQUEST\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("ReadResponse() error = %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestServerWebSocket(t *testing.T) {
	be := startBackend(t, func(c *backendtest.Call) {
		c.Hijack()
		wire.WriteResponseHeader(c.Conn, wire.ResponseHeader{Size: wire.SizeUnknown, Mode: wire.ModeTerminated})
		io.WriteString(c.Conn, dispatch.ModeHeader+": text\r\n\r\n")
		msg := make([]byte, 4)
		if _, err := io.ReadFull(c.Reader, msg); err != nil {
			return
		}
		io.WriteString(c.Conn, strings.ToUpper(string(msg)))
		c.Conn.Write(wire.Terminator)
		io.ReadFull(c.Reader, make([]byte, 4))
	})
	p := route("/ws/")
	p.WebSocket = true
	_, base := startGateway(t, gatewayConfig(be.Port(), p))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(base, "http")+"/ws/chat")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	var r io.Reader = conn
	if br != nil {
		r = br
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if err := ws.WriteFrame(conn, ws.MaskFrameInPlace(ws.NewTextFrame([]byte("ping")))); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	var text []byte
	for {
		f, err := ws.ReadFrame(r)
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if f.Header.OpCode == ws.OpClose {
			break
		}
		text = append(text, f.Payload...)
	}
	if string(text) != "PING" {
		t.Errorf("client got %q", text)
	}
}

func TestServerMetricsHandler(t *testing.T) {
	be := startBackend(t, func(c *backendtest.Call) { c.RespondBuffered([]byte("\r\nok")) })
	cfg := gatewayConfig(be.Port(), route("/app/"))
	cfg.Metrics.Enabled = true
	s, base := startGateway(t, cfg)

	resp, err := http.Get(base + "/app/x")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	// The response reaches the client before the request is recorded.
	want := `dbgateway_requests_total{code="200",path="/app/",server="LOCAL"} 1`
	var out string
	for deadline := time.Now().Add(2 * time.Second); time.Now().Before(deadline); time.Sleep(10 * time.Millisecond) {
		rec := httptest.NewRecorder()
		s.Metrics().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if out = rec.Body.String(); strings.Contains(out, want) {
			return
		}
	}
	t.Errorf("metrics missing request sample:\n%s", out)
}

func TestServerReloadConfig(t *testing.T) {
	be := startBackend(t, func(c *backendtest.Call) { c.RespondBuffered([]byte("\r\nok")) })
	write := func(path, prefix string) {
		t.Helper()
		content := fmt.Sprintf(`
gateway:
  listen_addr: "127.0.0.1:0"
logging:
  level: INFO
servers:
  - name: LOCAL
    host: 127.0.0.1
    port: %d
paths:
  - prefix: %s
    function: main
    servers:
      - name: LOCAL
`, be.Port(), prefix)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	write(path, "/old/")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	s, base := startGateway(t, cfg)

	write(path, "/new/")
	if err := s.ReloadConfig(); err != nil {
		t.Fatalf("ReloadConfig() error = %v", err)
	}
	if got := s.Config().Paths[0].Prefix; got != "/new/" {
		t.Errorf("prefix after reload = %q", got)
	}
	for uri, want := range map[string]int{"/new/a": http.StatusOK, "/old/a": http.StatusNotFound} {
		resp, err := http.Get(base + uri)
		if err != nil {
			t.Fatalf("GET %s error = %v", uri, err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("GET %s = %d, want %d", uri, resp.StatusCode, want)
		}
	}
}

func TestServerReloadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	cfg := gatewayConfig(7041, route("/app/"))
	cfg.ConfigPath = path
	s, err := New(cfg, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := os.WriteFile(path, []byte("servers: [\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := s.ReloadConfig(); err == nil {
		t.Error("ReloadConfig() should fail on a broken file")
	}
	if got := s.Config().Paths[0].Prefix; got != "/app/" {
		t.Errorf("config changed after a failed reload: %q", got)
	}
	if s.GetComponentName() != "gateway" || s.GetConfigPath() != path {
		t.Errorf("reloader identity = %q %q", s.GetComponentName(), s.GetConfigPath())
	}
}

func TestConnHostClientGone(t *testing.T) {
	client, gw := net.Pipe()
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	h := newConnHost(gw, bufio.NewReader(gw), bufio.NewWriter(gw), req, 10*time.Millisecond, time.Second)

	if h.ClientGone() {
		t.Error("ClientGone() = true while the client is connected")
	}
	client.Close()
	if !h.ClientGone() {
		t.Error("ClientGone() = false after the client closed")
	}
	gw.Close()
}

func TestConnHostMetadata(t *testing.T) {
	client, gw := net.Pipe()
	defer client.Close()
	defer gw.Close()
	req, err := http.ReadRequest(bufio.NewReader(strings.NewReader(
		"POST /app/x?a=1 HTTP/1.1\r\nHost: example.com:8080\r\nContent-Type: text/plain\r\nContent-Length: 3\r\nX-Trace: abc\r\n\r\nabc")))
	if err != nil {
		t.Fatalf("ReadRequest() error = %v", err)
	}
	h := newConnHost(gw, bufio.NewReader(gw), bufio.NewWriter(gw), req, time.Millisecond, time.Second)

	tests := map[string]string{
		"REQUEST_METHOD":  "POST",
		"REQUEST_URI":     "/app/x?a=1",
		"QUERY_STRING":    "a=1",
		"SERVER_PROTOCOL": "HTTP/1.1",
		"CONTENT_TYPE":    "text/plain",
		"CONTENT_LENGTH":  "3",
		"SERVER_NAME":     "example.com",
		"HTTPS":           "off",
	}
	for name, want := range tests {
		if got := h.Metadata(name); got != want {
			t.Errorf("Metadata(%s) = %q, want %q", name, got, want)
		}
	}
	all := h.Metadata("ALL_HTTP")
	for _, line := range []string{"HTTP_X_TRACE: abc\n", "HTTP_HOST: example.com:8080\n"} {
		if !strings.Contains(all, line) {
			t.Errorf("ALL_HTTP missing %q in %q", line, all)
		}
	}
}
