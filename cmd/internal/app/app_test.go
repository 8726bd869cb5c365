package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	v1 "github.com/dcSpark/urbit-visor/shared/contracts/broker/v1"

	"github.com/coder/websocket"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8787", want: "ws://127.0.0.1:8787"},
		{in: "https://visor.example.com", want: "wss://visor.example.com"},
		{in: "127.0.0.1:8787", want: "ws://127.0.0.1:8787"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestLoadConfig_DefaultsAndOverrides(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:8787" || cfg.StatePath != "visor.db" || cfg.DBSchema != "visor" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if len(cfg.WSAllowedOrigins) != 1 || cfg.WSAllowedOrigins[0] != "*" {
		t.Fatalf("ws origins default = %v", cfg.WSAllowedOrigins)
	}
	if cfg.ReconnectMaxTries != 3 || cfg.CallTimeout != 30*time.Second {
		t.Fatalf("unexpected reconnect defaults: %+v", cfg)
	}

	t.Setenv("VISOR_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("VISOR_UI_ORIGINS", "http://a.test,http://b.test")
	t.Setenv("VISOR_RECONNECT_MAX", "750ms")
	t.Setenv("VISOR_CLOSE_INACTIVE_SHIPS", "true")

	cfg, err = LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:9999" || cfg.ReconnectMax != 750*time.Millisecond || !cfg.CloseInactive {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if strings.Join(cfg.UIOrigins, "|") != "http://a.test|http://b.test" {
		t.Fatalf("ui origins = %v", cfg.UIOrigins)
	}
	if cc := cfg.connConfig(); cc.ReconnectMax != 750*time.Millisecond || cc.Ship.LoginTimeout != 5*time.Second {
		t.Fatalf("conn config = %+v", cc)
	}
}

func TestLoadConfig_RejectsBadValues(t *testing.T) {
	t.Setenv("VISOR_CALL_TIMEOUT", "soon")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestValidateSecurityConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{name: "loopback", cfg: Config{HTTPAddr: "127.0.0.1:8787"}, ok: true},
		{name: "localhost", cfg: Config{HTTPAddr: "localhost:8787"}, ok: true},
		{name: "ipv6 loopback", cfg: Config{HTTPAddr: "[::1]:8787"}, ok: true},
		{name: "public without opt-in", cfg: Config{HTTPAddr: "0.0.0.0:8787"}, ok: false},
		{name: "empty host", cfg: Config{HTTPAddr: ":8787"}, ok: false},
		{name: "public with opt-in", cfg: Config{HTTPAddr: "0.0.0.0:8787", AllowPublicBind: true}, ok: true},
		{name: "public dev insecure", cfg: Config{HTTPAddr: "0.0.0.0:8787", AllowPublicBind: true, WSDevInsecure: true}, ok: false},
		{name: "bad addr", cfg: Config{HTTPAddr: "nonsense"}, ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateSecurityConfig(tc.cfg)
			if (err == nil) != tc.ok {
				t.Fatalf("ValidateSecurityConfig err=%v, want ok=%v", err, tc.ok)
			}
		})
	}

	t.Run("bad argon2 env", func(t *testing.T) {
		t.Setenv("VISOR_ARGON2_MEMORY_KIB", "1")
		if _, err := ValidateSecurityConfig(Config{HTTPAddr: "127.0.0.1:1"}); err == nil {
			t.Fatalf("expected password config error")
		}
	})
}

func TestApp_ServeEndToEnd(t *testing.T) {
	fastArgon(t)

	cfg := testConfig(t)
	cfg.StatePath = filepath.Join(t.TempDir(), "visor.db")

	base, stop := startApp(t, cfg)
	defer stop()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status=%d", path, resp.StatusCode)
		}
		if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
			t.Fatalf("GET %s missing security headers", path)
		}
	}

	conn := dialUI(t, base)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	resp := call(t, conn, "1", "setup", map[string]string{"password": "correct-horse"})
	if !resp.OK {
		t.Fatalf("setup failed: %+v", resp.Error)
	}
	resp = call(t, conn, "2", "get_state", nil)
	var st v1.StatePayload
	if err := json.Unmarshal(resp.Data, &st); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if !st.Initialized || st.Locked {
		t.Fatalf("state = %+v", st)
	}

	resp = call(t, conn, "3", "add_ship", map[string]string{"url": "not a url", "code": "x", "password": "correct-horse"})
	if resp.OK || resp.Error == nil || resp.Error.Code != "invalid_input" {
		t.Fatalf("add_ship response = %+v", resp)
	}
}

func TestApp_StatePersistsAcrossRestart(t *testing.T) {
	fastArgon(t)

	cfg := testConfig(t)
	cfg.StatePath = filepath.Join(t.TempDir(), "visor.db")

	base, stop := startApp(t, cfg)
	conn := dialUI(t, base)
	if resp := call(t, conn, "1", "setup", map[string]string{"password": "correct-horse"}); !resp.OK {
		t.Fatalf("setup failed: %+v", resp.Error)
	}
	if resp := call(t, conn, "2", "change_popup_preference", map[string]string{"preference": "window"}); !resp.OK {
		t.Fatalf("popup failed: %+v", resp.Error)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	stop()

	base, stop = startApp(t, cfg)
	defer stop()
	conn = dialUI(t, base)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	resp := call(t, conn, "3", "get_state", nil)
	var st v1.StatePayload
	if err := json.Unmarshal(resp.Data, &st); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if !st.Initialized || !st.Locked || st.PopupPreference != "window" {
		t.Fatalf("state after restart = %+v", st)
	}
	if resp := call(t, conn, "4", "unlock", map[string]string{"password": "correct-horse"}); !resp.OK {
		t.Fatalf("unlock after restart failed: %+v", resp.Error)
	}
}

func TestReadyz_RequireDurableStore(t *testing.T) {
	fastArgon(t)

	cfg := testConfig(t)
	cfg.StatePath = ""
	cfg.ReadinessRequireDB = true

	base, stop := startApp(t, cfg)
	defer stop()

	resp, err := http.Get(base + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want 503", resp.StatusCode)
	}
}

// ---- helpers ----

func fastArgon(t *testing.T) {
	t.Helper()
	t.Setenv("VISOR_ARGON2_MEMORY_KIB", "8192")
	t.Setenv("VISOR_ARGON2_ITERATIONS", "1")
	t.Setenv("VISOR_ARGON2_PARALLELISM", "1")
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.UIOrigins = []string{"http://localhost:5173"}
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func startApp(t *testing.T, cfg Config) (string, func()) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	stop := func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("Serve did not return")
		}
	}
	return "http://" + ln.Addr().String(), stop
}

func dialUI(t *testing.T, base string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h := http.Header{}
	h.Set("Origin", "http://localhost:5173")
	conn, _, err := websocket.Dial(ctx, wsBaseURL(base)+"/ws", &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	hello := v1.New(v1.TypeHello, "hello", mustJSON(t, v1.HelloPayload{Kind: v1.KindUI}), time.Now().UTC())
	write(t, conn, hello)
	if env := read(t, conn, v1.TypeHelloAck); env.ID != "hello" {
		t.Fatalf("hello_ack id = %q", env.ID)
	}
	return conn
}

func call(t *testing.T, conn *websocket.Conn, id, action string, data any) v1.ResponsePayload {
	t.Helper()
	p := v1.RequestPayload{Action: action}
	if data != nil {
		p.Data = mustJSON(t, data)
	}
	write(t, conn, v1.New(v1.TypeRequest, id, mustJSON(t, p), time.Now().UTC()))

	for {
		env := read(t, conn, v1.TypeResponse)
		var resp v1.ResponsePayload
		if err := json.Unmarshal(env.Payload, &resp); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
		if resp.RequestID == id {
			return resp
		}
	}
}

func write(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, mustJSON(t, env)); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

// read skips broadcasts until an envelope of typ arrives.
func read(t *testing.T, conn *websocket.Conn, typ string) v1.Envelope {
	t.Helper()
	for i := 0; i < 16; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read: %v", err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}
