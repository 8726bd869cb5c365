package consumer

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	v1 "github.com/dcSpark/urbit-visor/shared/contracts/broker/v1"

	"github.com/dcSpark/urbit-visor/cmd/internal/fault"
	"github.com/dcSpark/urbit-visor/cmd/internal/router"
)

const ownExt = "bmddfdlhgmdogjjgjdmeeapbcgmfmgic"

func TestIdentify(t *testing.T) {
	p := Policy{OwnExtensionID: ownExt, UIOrigins: []string{"http://localhost:5173"}}

	cases := []struct {
		name       string
		origin     string
		kind       string
		requester  string
		privileged bool
		err        error
	}{
		{"tab", "https://Example.com/path?q=1", "tab", "https://example.com", false, nil},
		{"tab with port", "http://localhost:8080", "tab", "http://localhost:8080", false, nil},
		{"tab from extension scheme", "chrome-extension://abc", "tab", "", false, fault.ErrInvalidInput},
		{"foreign extension", "chrome-extension://abcdef", "extension", "chrome-extension://abcdef", false, nil},
		{"own extension", "chrome-extension://" + ownExt, "extension", "chrome-extension://" + ownExt, true, nil},
		{"extension over https", "https://example.com", "extension", "", false, fault.ErrInvalidInput},
		{"ui allowed", "http://localhost:5173", "ui", "http://localhost:5173", true, nil},
		{"ui own extension", "chrome-extension://" + ownExt, "ui", "chrome-extension://" + ownExt, true, nil},
		{"ui forbidden", "https://example.com", "ui", "", false, fault.ErrPermissionDenied},
		{"missing origin", "", "tab", "", false, fault.ErrInvalidInput},
		{"unknown kind", "https://example.com", "robot", "", false, fault.ErrInvalidInput},
	}
	for _, tc := range cases {
		c, err := p.Identify(tc.origin, tc.kind, "")
		if tc.err != nil {
			if !errors.Is(err, tc.err) {
				t.Fatalf("%s: expected %v, got %v", tc.name, tc.err, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if c.Requester != tc.requester || c.Privileged != tc.privileged || c.ID == "" {
			t.Fatalf("%s: got %+v", tc.name, c)
		}
	}
}

func TestIdentify_ExtensionNameTruncatedOnRuneBoundary(t *testing.T) {
	p := Policy{}
	cases := []struct {
		name string
		in   string
		want int
	}{
		{"ascii", strings.Repeat("a", 100), maxNameLen},
		{"two byte runes", "a" + strings.Repeat("é", 40), maxNameLen - 1},
		{"four byte runes", strings.Repeat("🚀", 20), maxNameLen},
		{"emoji across the cut", strings.Repeat("a", 62) + "🚀🚀", 62},
		{"invalid bytes", "ab" + strings.Repeat("\xff", 10), 5},
		{"short", "My Wallet", 9},
	}
	for _, tc := range cases {
		c, err := p.Identify("chrome-extension://abcdef", "extension", tc.in)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if !utf8.ValidString(c.Name) {
			t.Fatalf("%s: name is not valid UTF-8: %q", tc.name, c.Name)
		}
		if len(c.Name) != tc.want {
			t.Fatalf("%s: len=%d want=%d (%q)", tc.name, len(c.Name), tc.want, c.Name)
		}
	}
}

func TestIdentify_PrivilegeNeedsConfiguredExtension(t *testing.T) {
	c, err := Policy{}.Identify("chrome-extension://"+ownExt, "extension", "Visor")
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if c.Privileged {
		t.Fatalf("unconfigured extension id must not be privileged")
	}
	if c.Name != "Visor" {
		t.Fatalf("name=%q", c.Name)
	}
}

func newClient(t *testing.T, r *Registry, id, requester string, privileged bool, queue int) *Client {
	t.Helper()
	c := NewClient(Context{ID: id, Kind: KindTab, Requester: requester, Privileged: privileged}, queue)
	if err := r.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return c
}

func TestRegistry_DeliverAndUnregister(t *testing.T) {
	r := NewRegistry()
	c := newClient(t, r, "c1", "https://a.example", false, 1)

	var dropped []string
	r.OnDrop(func(c Context) { dropped = append(dropped, c.ID) })

	if err := r.Register(NewClient(Context{ID: "c1"}, 1)); !errors.Is(err, fault.ErrInvalidInput) {
		t.Fatalf("duplicate register: %v", err)
	}

	ev := router.Event{Kind: router.EventDiff, SubscriptionID: "s1", Ship: "~zod", Data: json.RawMessage(`{"a":1}`)}
	if !r.Deliver("c1", ev) {
		t.Fatalf("first delivery must fit")
	}
	if r.Deliver("c1", ev) {
		t.Fatalf("full outbox must refuse delivery")
	}

	env := <-c.Send
	if env.Type != v1.TypeEvent || env.V != v1.Version || env.ID == "" {
		t.Fatalf("envelope %+v", env)
	}
	var p v1.EventPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.SubscriptionID != "s1" || string(p.Data) != `{"a":1}` {
		t.Fatalf("payload %+v", p)
	}

	r.Unregister("c1")
	r.Unregister("c1")
	if r.Connected("c1") || r.Deliver("c1", ev) {
		t.Fatalf("unregistered consumer must refuse delivery")
	}
	select {
	case <-c.Done():
	default:
		t.Fatalf("unregister must close the client")
	}
	if len(dropped) != 1 || dropped[0] != "c1" {
		t.Fatalf("drop listeners: %v", dropped)
	}
}

func TestRegistry_DisconnectEnvelope(t *testing.T) {
	r := NewRegistry()
	c := newClient(t, r, "c1", "https://a.example", false, 4)

	r.Deliver("c1", router.Event{Kind: router.EventDisconnected, SubscriptionID: "s1", Ship: "~zod", Reason: "reconnect budget exhausted"})
	r.Deliver("c1", router.Event{Kind: router.EventQuit, SubscriptionID: "s2", Ship: "~zod"})

	first, second := <-c.Send, <-c.Send
	if first.Type != v1.TypeShipDisconnected || second.Type != v1.TypeSubscriptionQuit {
		t.Fatalf("types %s/%s", first.Type, second.Type)
	}
	var p v1.SubscriptionEndPayload
	if err := json.Unmarshal(first.Payload, &p); err != nil || p.Reason == "" {
		t.Fatalf("payload %s (%v)", first.Payload, err)
	}
}

func TestRegistry_Broadcast(t *testing.T) {
	r := NewRegistry()
	ui := newClient(t, r, "ui", "http://localhost:5173", true, 4)
	a1 := newClient(t, r, "a1", "https://a.example", false, 4)
	a2 := newClient(t, r, "a2", "https://a.example", false, 4)
	b := newClient(t, r, "b", "https://b.example", false, 4)

	env, err := Envelope(v1.TypeState, "", v1.StatePayload{Locked: true})
	if err != nil {
		t.Fatalf("Envelope: %v", err)
	}
	if n := r.Broadcast(Privileged, env); n != 1 || len(ui.Send) != 1 {
		t.Fatalf("privileged broadcast reached %d", n)
	}
	if n := r.Broadcast(ForRequester("https://a.example"), env); n != 2 || len(a1.Send) != 1 || len(a2.Send) != 1 || len(b.Send) != 0 {
		t.Fatalf("requester broadcast reached %d", n)
	}
	if n := r.Broadcast(nil, env); n != 4 {
		t.Fatalf("broadcast reached %d", n)
	}
}

func TestClient_NilSafe(t *testing.T) {
	var c *Client
	c.Close()
	if c.Offer(v1.Envelope{}) {
		t.Fatalf("nil client must refuse")
	}
	<-c.Done()
}
