// Package main provides a CI-friendly websocket smoke test for the visor broker.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack for a privileged UI context and an unprivileged tab
//   - vault setup or unlock
//   - privileged actions are refused to tabs
//   - with -ship-url: add + connect a ship, a tab permission prompt approved
//     by the UI, check_perms, and an optional scry
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "github.com/dcSpark/urbit-visor/shared/contracts/broker/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name       string
	conn       *websocket.Conn
	consumerID string
	privileged bool

	inbox chan v1.Envelope
	errCh chan error
	seq   int
}

func main() {
	var (
		wsURL     = flag.String("url", "ws://127.0.0.1:8787/ws", "WebSocket URL")
		uiOrigin  = flag.String("ui-origin", "http://localhost:5173", "Origin of the privileged UI context")
		tabOrigin = flag.String("tab-origin", "https://smoke.example.com", "Origin of the tab context")
		password  = flag.String("password", "smoke-test-password", "Master password (setup or unlock)")
		shipURL   = flag.String("ship-url", "", "Ship URL to add and connect (optional)")
		shipCode  = flag.String("ship-code", "", "Ship +code for -ship-url")
		scryApp   = flag.String("scry-app", "", "App to scry as the tab after the grant (optional)")
		scryPath  = flag.String("scry-path", "", "Scry path for -scry-app")
		timeout   = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	for _, o := range []string{*uiOrigin, *tabOrigin} {
		if err := validateOrigin(o); err != nil {
			fatalf("invalid origin %q: %v", o, err)
		}
	}
	if *shipURL != "" && *shipCode == "" {
		fatalf("-ship-code is required with -ship-url")
	}

	root := context.Background()

	ui := mustConnect(root, "ui", *wsURL, *uiOrigin, v1.KindUI, *timeout)
	defer closeWS(ui.conn)
	if !ui.privileged {
		fatalf("ui context was not granted privilege; check VISOR_UI_ORIGINS")
	}

	tab := mustConnect(root, "tab", *wsURL, *tabOrigin, v1.KindTab, *timeout)
	defer closeWS(tab.conn)
	if tab.privileged {
		fatalf("tab context must not be privileged")
	}

	if *verbose {
		fmt.Printf("connected: ui=%s tab=%s\n", ui.consumerID, tab.consumerID)
	}

	var st v1.StatePayload
	mustDecode(ui.mustCall(root, "get_state", nil, *timeout), &st)
	switch {
	case !st.Initialized:
		ui.mustCall(root, "setup", map[string]string{"password": *password}, *timeout)
	case st.Locked:
		ui.mustCall(root, "unlock", map[string]string{"password": *password}, *timeout)
	}

	if code := tab.callErr(root, "lock", nil, *timeout); code != "permission_denied" {
		fatalf("tab lock: got code %q want permission_denied", code)
	}

	if *shipURL == "" {
		fmt.Println("OK: handshake, vault and privilege checks passed (no ship configured)")
		return
	}

	var added v1.ShipSummary
	mustDecode(ui.mustCall(root, "add_ship", map[string]string{
		"url":      *shipURL,
		"code":     *shipCode,
		"password": *password,
	}, *timeout), &added)
	ui.mustCall(root, "connect_ship", map[string]string{"ship": added.Name}, *timeout)

	caps := []string{"shipName"}
	if *scryApp != "" {
		caps = append(caps, "scry:"+*scryApp)
	}

	var pending struct {
		Granted   bool   `json:"granted"`
		RequestID string `json:"request_id"`
	}
	mustDecode(tab.mustCall(root, "request_perms", map[string]any{"ship": added.Name, "permissions": caps}, *timeout), &pending)
	if !pending.Granted {
		prompt := ui.mustReadUntilType(root, v1.TypePermsPrompt, *timeout, skipBroadcasts)
		var pp v1.PermsPromptPayload
		mustDecode(prompt.Payload, &pp)
		if pp.RequestID != pending.RequestID {
			fatalf("perms_prompt request id mismatch: got=%q want=%q", pp.RequestID, pending.RequestID)
		}
		ui.mustCall(root, "grant_perms", map[string]string{"request_id": pp.RequestID}, *timeout)
		tab.mustReadUntilType(root, v1.TypePermsResolved, *timeout, skipBroadcasts)
	}

	var check struct {
		Missing []string `json:"missing"`
	}
	mustDecode(tab.mustCall(root, "check_perms", map[string]any{"permissions": caps}, *timeout), &check)
	if len(check.Missing) != 0 {
		fatalf("capabilities still missing after grant: %v", check.Missing)
	}

	if *scryApp != "" {
		out := tab.mustCall(root, "scry", map[string]string{"app": *scryApp, "path": *scryPath}, *timeout)
		if *verbose {
			fmt.Printf("scry %s%s: %s\n", *scryApp, *scryPath, out)
		}
	}

	fmt.Printf("OK: ship %s connected, grant and check passed\n", added.Name)
}

var skipBroadcasts = map[string]struct{}{
	v1.TypeState:         {},
	v1.TypePermsPrompt:   {},
	v1.TypePermsResolved: {},
	v1.TypeResponse:      {},
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, kind string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Origin", origin)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.New(v1.TypeHello, name+"-hello", mustJSON(v1.HelloPayload{Kind: kind, Name: "ws-smoke"}), time.Now().UTC())
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	mustDecode(ack.Payload, &p)
	if strings.TrimSpace(p.ConsumerID) == "" {
		fatalf("hello_ack missing consumer_id (%s)", name)
	}
	c.consumerID = p.ConsumerID
	c.privileged = p.Privileged
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

// call sends one request and waits for its response, skipping broadcasts.
func (c *smokeClient) call(parent context.Context, action string, data any, stepTimeout time.Duration) v1.ResponsePayload {
	c.seq++
	id := fmt.Sprintf("%s-%d", c.name, c.seq)

	p := v1.RequestPayload{Action: action}
	if data != nil {
		p.Data = mustJSON(data)
	}
	mustWriteWithTimeout(parent, c.conn, v1.New(v1.TypeRequest, id, mustJSON(p), time.Now().UTC()), stepTimeout)

	for {
		env := c.mustReadUntilType(parent, v1.TypeResponse, stepTimeout, skipBroadcasts)
		var resp v1.ResponsePayload
		mustDecode(env.Payload, &resp)
		if resp.RequestID == id {
			return resp
		}
	}
}

func (c *smokeClient) mustCall(parent context.Context, action string, data any, stepTimeout time.Duration) json.RawMessage {
	resp := c.call(parent, action, data, stepTimeout)
	if !resp.OK {
		code, msg := "", ""
		if resp.Error != nil {
			code, msg = resp.Error.Code, resp.Error.Message
		}
		fatalf("%s %s failed: code=%q msg=%q", c.name, action, code, msg)
	}
	return resp.Data
}

func (c *smokeClient) callErr(parent context.Context, action string, data any, stepTimeout time.Duration) string {
	resp := c.call(parent, action, data, stepTimeout)
	if resp.OK || resp.Error == nil {
		fatalf("%s %s unexpectedly succeeded", c.name, action)
	}
	return resp.Error.Code
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustDecode(raw json.RawMessage, v any) {
	if err := json.Unmarshal(raw, v); err != nil {
		fatalf("decode %T: %v", v, err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
