package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	v1 "github.com/dcSpark/urbit-visor/shared/contracts/broker/v1"

	"github.com/dcSpark/urbit-visor/cmd/internal/conn"
	"github.com/dcSpark/urbit-visor/cmd/internal/consumer"
	"github.com/dcSpark/urbit-visor/cmd/internal/fault"
	"github.com/dcSpark/urbit-visor/cmd/internal/perms"
	"github.com/dcSpark/urbit-visor/cmd/internal/router"
	"github.com/dcSpark/urbit-visor/cmd/internal/ship/shiptest"
	"github.com/dcSpark/urbit-visor/cmd/internal/store"
	"github.com/dcSpark/urbit-visor/cmd/internal/vault"
	"github.com/dcSpark/urbit-visor/cmd/security/password"
)

const (
	testCode     = "lidlut-tabwed-pillex-ridrup"
	testPassword = "correct-horse"
	uiOrigin     = "http://localhost:5173"
)

type fixture struct {
	srv  *shiptest.Server
	kv   *store.Memory
	b    *Broker
	reg  *consumer.Registry
	rt   *router.Router
	m    *conn.Manager
	ui   *consumer.Client
	ctxs map[string]*consumer.Client
}

func fastPasswords() password.Config {
	cfg := password.DefaultConfig()
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1
	return cfg
}

func newFixture(t *testing.T, kv *store.Memory) *fixture {
	t.Helper()
	srv := shiptest.New("~zod", testCode)
	t.Cleanup(srv.Close)

	if kv == nil {
		kv = store.NewMemory()
	}
	v := vault.New(kv, vault.WithPasswordConfig(fastPasswords()))
	l := perms.New(kv)
	m := conn.New(v, conn.Config{
		ReconnectMaxTries: 2,
		ReconnectInitial:  10 * time.Millisecond,
		ReconnectMax:      20 * time.Millisecond,
		CallTimeout:       2 * time.Second,
	})
	t.Cleanup(m.Close)
	reg := consumer.NewRegistry()
	rt := router.New(router.FromManager(m), reg)
	t.Cleanup(rt.Wait)

	b := New(Deps{KV: kv, Vault: v, Ledger: l, Conns: m, Router: rt, Consumers: reg})
	if err := b.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	f := &fixture{srv: srv, kv: kv, b: b, reg: reg, rt: rt, m: m, ctxs: map[string]*consumer.Client{}}
	f.ui = f.attach(t, uiOrigin, consumer.KindUI)
	return f
}

func (f *fixture) attach(t *testing.T, origin string, kind consumer.Kind) *consumer.Client {
	t.Helper()
	c, err := consumer.Policy{UIOrigins: []string{uiOrigin}}.Identify(origin, string(kind), "")
	if err != nil {
		t.Fatalf("Identify(%s): %v", origin, err)
	}
	cl := consumer.NewClient(c, 256)
	if err := f.reg.Register(cl); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return cl
}

func (f *fixture) do(t *testing.T, c *consumer.Client, action string, data any) (any, error) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := Decode(action, raw)
	if err != nil {
		return nil, err
	}
	return f.b.Handle(context.Background(), c.Context, req)
}

func (f *fixture) must(t *testing.T, c *consumer.Client, action string, data any) any {
	t.Helper()
	out, err := f.do(t, c, action, data)
	if err != nil {
		t.Fatalf("%s: %v", action, err)
	}
	return out
}

// ready sets up the vault, adds ~zod and connects it.
func (f *fixture) ready(t *testing.T) {
	t.Helper()
	f.must(t, f.ui, ActionSetup, SetupRequest{Password: testPassword})
	f.must(t, f.ui, ActionAddShip, AddShipRequest{URL: f.srv.URL, Code: testCode, Password: testPassword})
	f.must(t, f.ui, ActionConnectShip, ConnectShipRequest{Ship: "~zod"})
}

func waitFor(t *testing.T, c *consumer.Client, typ string) v1.Envelope {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env := <-c.Send:
			if env.Type == typ {
				return env
			}
		case <-timeout:
			t.Fatalf("no %s envelope for %s", typ, c.ID)
			return v1.Envelope{}
		}
	}
}

func TestGrantCheckRevoke(t *testing.T) {
	f := newFixture(t, nil)
	f.ready(t)
	tab := f.attach(t, "https://example.com", consumer.KindTab)

	out := f.must(t, tab, ActionRequestPerms, RequestPermsRequest{Permissions: []string{"poke:graph-store"}})
	res := out.(PermsResult)
	if !res.Pending || res.RequestID == "" {
		t.Fatalf("expected a pending prompt, got %+v", res)
	}

	var prompt v1.PermsPromptPayload
	if err := json.Unmarshal(waitFor(t, f.ui, v1.TypePermsPrompt).Payload, &prompt); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if prompt.RequestID != res.RequestID || prompt.Requester != "https://example.com" || prompt.Ship != "~zod" {
		t.Fatalf("prompt %+v", prompt)
	}

	f.must(t, f.ui, ActionGrantPerms, GrantPermsRequest{RequestID: res.RequestID})

	var resolved v1.PermsResolvedPayload
	if err := json.Unmarshal(waitFor(t, tab, v1.TypePermsResolved).Payload, &resolved); err != nil || !resolved.Granted {
		t.Fatalf("resolved %+v (%v)", resolved, err)
	}

	check := f.must(t, tab, ActionCheckPerms, CheckPermsRequest{Permissions: []string{"poke:graph-store"}}).(CheckResult)
	if len(check.Granted) != 1 || len(check.Missing) != 0 {
		t.Fatalf("check %+v", check)
	}

	f.must(t, tab, ActionPoke, PokeRequest{App: "graph-store", Mark: "graph-update", JSON: json.RawMessage(`{"add":1}`)})
	pokes := len(f.srv.Actions("poke"))

	f.must(t, f.ui, ActionRevokePerm, RevokePermRequest{Requester: "https://example.com", Ship: "~zod", Permissions: []string{"poke:graph-store"}})

	if _, err := f.do(t, tab, ActionPoke, PokeRequest{App: "graph-store", Mark: "graph-update", JSON: json.RawMessage(`{}`)}); !errors.Is(err, fault.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if got := len(f.srv.Actions("poke")); got != pokes {
		t.Fatalf("denied poke reached the ship (%d -> %d)", pokes, got)
	}
}

func TestRequestPerms_Idempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.ready(t)
	tab := f.attach(t, "https://example.com", consumer.KindTab)

	first := f.must(t, tab, ActionRequestPerms, RequestPermsRequest{Permissions: []string{"scry:graph-store"}}).(PermsResult)
	second := f.must(t, tab, ActionRequestPerms, RequestPermsRequest{Permissions: []string{"scry:graph-store"}}).(PermsResult)
	if first.RequestID != second.RequestID {
		t.Fatalf("identical requests must share one prompt")
	}

	f.must(t, f.ui, ActionGrantPerms, GrantPermsRequest{RequestID: first.RequestID})
	again := f.must(t, tab, ActionRequestPerms, RequestPermsRequest{Permissions: []string{"scry:graph-store"}}).(PermsResult)
	if !again.Granted || again.Pending {
		t.Fatalf("granted set must auto-approve, got %+v", again)
	}
	if st := f.b.State(context.Background()); st.PendingPrompts != 0 {
		t.Fatalf("pending prompts=%d", st.PendingPrompts)
	}
}

func TestDenyPerms(t *testing.T) {
	f := newFixture(t, nil)
	f.ready(t)
	tab := f.attach(t, "https://example.com", consumer.KindTab)

	res := f.must(t, tab, ActionRequestPerms, RequestPermsRequest{Permissions: []string{"poke"}}).(PermsResult)
	f.must(t, f.ui, ActionDenyPerms, DenyPermsRequest{RequestID: res.RequestID})

	var resolved v1.PermsResolvedPayload
	if err := json.Unmarshal(waitFor(t, tab, v1.TypePermsResolved).Payload, &resolved); err != nil || resolved.Granted {
		t.Fatalf("resolved %+v (%v)", resolved, err)
	}
	if _, err := f.do(t, f.ui, ActionDenyPerms, DenyPermsRequest{RequestID: res.RequestID}); !errors.Is(err, fault.ErrInvalidInput) {
		t.Fatalf("second deny: %v", err)
	}
	if grants := f.must(t, f.ui, ActionGetPerms, GetPermsRequest{}).([]perms.Grant); len(grants) != 0 {
		t.Fatalf("deny must not grant: %+v", grants)
	}
}

func TestPrivilegedActionsRejectTabs(t *testing.T) {
	f := newFixture(t, nil)
	tab := f.attach(t, "https://example.com", consumer.KindTab)

	for _, action := range []string{ActionSetup, ActionGetState, ActionGrantPerms, ActionAddShip, ActionResetApp, ActionGetShips} {
		if _, err := f.do(t, tab, action, struct{}{}); !errors.Is(err, fault.ErrPermissionDenied) {
			t.Fatalf("%s from a tab: expected ErrPermissionDenied, got %v", action, err)
		}
	}
	if st, _ := f.b.vault.State(context.Background()); st.Initialized {
		t.Fatalf("tab must not initialize the vault")
	}
}

func TestDecode(t *testing.T) {
	if _, err := Decode("launch_missiles", nil); !errors.Is(err, fault.ErrUnrecognizedAction) {
		t.Fatalf("expected ErrUnrecognizedAction, got %v", err)
	}
	if _, err := Decode(ActionPoke, json.RawMessage(`{"app":1}`)); !errors.Is(err, fault.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := Decode(ActionScry, json.RawMessage(`{"app":"a","path":"/x","extra":true}`)); !errors.Is(err, fault.ErrInvalidInput) {
		t.Fatalf("unknown fields must be rejected, got %v", err)
	}
	req, err := Decode(ActionLock, nil)
	if err != nil || req.Action() != ActionLock {
		t.Fatalf("empty data: %v %v", req, err)
	}
}

func TestShipActions_NeedActiveShip(t *testing.T) {
	f := newFixture(t, nil)
	tab := f.attach(t, "https://example.com", consumer.KindTab)

	if _, err := f.do(t, tab, ActionPoke, PokeRequest{App: "hood", Mark: "helm-hi", JSON: json.RawMessage(`"x"`)}); !errors.Is(err, fault.ErrShipDisconnected) {
		t.Fatalf("expected ErrShipDisconnected, got %v", err)
	}
	if _, err := f.do(t, tab, ActionScry, ScryRequest{App: "graph-store", Path: "keys"}); !errors.Is(err, fault.ErrInvalidInput) {
		t.Fatalf("relative path: %v", err)
	}
}

func TestAddShip_Errors(t *testing.T) {
	f := newFixture(t, nil)
	f.must(t, f.ui, ActionSetup, SetupRequest{Password: testPassword})

	if _, err := f.do(t, f.ui, ActionAddShip, AddShipRequest{URL: f.srv.URL, Code: "wrong-code", Password: testPassword}); !errors.Is(err, fault.ErrAuthFailed) {
		t.Fatalf("bad code: %v", err)
	}
	if _, err := f.do(t, f.ui, ActionAddShip, AddShipRequest{Ship: "~bus", URL: f.srv.URL, Code: testCode, Password: testPassword}); !errors.Is(err, fault.ErrInvalidInput) {
		t.Fatalf("name mismatch: %v", err)
	}
	if _, err := f.do(t, f.ui, ActionAddShip, AddShipRequest{URL: f.srv.URL, Code: testCode, Password: "not-the-password"}); !errors.Is(err, fault.ErrWrongPassword) {
		t.Fatalf("wrong master password: %v", err)
	}
	if ships := f.must(t, f.ui, ActionGetShips, nil).([]v1.ShipSummary); len(ships) != 0 {
		t.Fatalf("failed adds must not store ships: %+v", ships)
	}

	f.must(t, f.ui, ActionAddShip, AddShipRequest{Ship: "zod", URL: f.srv.URL, Code: testCode, Password: testPassword})
	if _, err := f.do(t, f.ui, ActionAddShip, AddShipRequest{URL: f.srv.URL, Code: testCode, Password: testPassword}); !errors.Is(err, fault.ErrDuplicateShip) {
		t.Fatalf("duplicate: %v", err)
	}

	f.must(t, f.ui, ActionLock, nil)
	if _, err := f.do(t, f.ui, ActionAddShip, AddShipRequest{URL: f.srv.URL, Code: testCode, Password: testPassword}); !errors.Is(err, fault.ErrVaultLocked) {
		t.Fatalf("locked: %v", err)
	}
}

func TestRemoveShip_Cascades(t *testing.T) {
	f := newFixture(t, nil)
	f.ready(t)
	tab := f.attach(t, "https://example.com", consumer.KindTab)

	f.must(t, f.ui, ActionGrantPerms, GrantPermsRequest{Requester: "https://example.com", Ship: "~zod", Permissions: []string{"subscribe:graph-store"}})
	sub := f.must(t, tab, ActionSubscribe, SubscribeRequest{App: "graph-store", Path: "/updates"}).(SubscribeResult)

	f.must(t, f.ui, ActionRemoveShip, RemoveShipRequest{Ship: "~zod"})

	var end v1.SubscriptionEndPayload
	if err := json.Unmarshal(waitFor(t, tab, v1.TypeShipDisconnected).Payload, &end); err != nil || end.SubscriptionID != sub.SubscriptionID {
		t.Fatalf("disconnect %+v (%v)", end, err)
	}
	if grants := f.b.ledger.Grants("~zod"); len(grants) != 0 {
		t.Fatalf("grants survived ship removal: %+v", grants)
	}
	if len(f.m.Sessions()) != 0 || f.m.Active() != "" {
		t.Fatalf("session survived ship removal")
	}
	if subs := f.rt.Subscriptions("~zod", ""); len(subs) != 0 {
		t.Fatalf("subscriptions survived ship removal")
	}
	if st := f.b.State(context.Background()); st.SelectedShip != "" || len(st.Ships) != 0 {
		t.Fatalf("state after removal %+v", st)
	}
}

func TestSubscribe_DeliveryAndOwnership(t *testing.T) {
	f := newFixture(t, nil)
	f.ready(t)
	tab1 := f.attach(t, "https://example.com", consumer.KindTab)
	tab2 := f.attach(t, "https://other.example", consumer.KindTab)

	for _, r := range []string{"https://example.com", "https://other.example"} {
		f.must(t, f.ui, ActionGrantPerms, GrantPermsRequest{Requester: r, Ship: "~zod", Permissions: []string{"subscribe"}})
	}
	s1 := f.must(t, tab1, ActionSubscribe, SubscribeRequest{App: "graph-store", Path: "/updates"}).(SubscribeResult)
	f.must(t, tab2, ActionSubscribe, SubscribeRequest{App: "graph-store", Path: "/updates"})

	f.srv.Diff("graph-store", "/updates", map[string]int{"n": 1})
	var ev v1.EventPayload
	if err := json.Unmarshal(waitFor(t, tab1, v1.TypeEvent).Payload, &ev); err != nil || ev.SubscriptionID != s1.SubscriptionID {
		t.Fatalf("event %+v (%v)", ev, err)
	}
	waitFor(t, tab2, v1.TypeEvent)

	if _, err := f.do(t, tab2, ActionUnsubscribe, UnsubscribeRequest{SubscriptionID: s1.SubscriptionID}); !errors.Is(err, fault.ErrPermissionDenied) {
		t.Fatalf("foreign unsubscribe: %v", err)
	}
	f.must(t, tab1, ActionUnsubscribe, UnsubscribeRequest{SubscriptionID: s1.SubscriptionID})
	f.must(t, tab1, ActionUnsubscribe, UnsubscribeRequest{SubscriptionID: s1.SubscriptionID})

	f.reg.Unregister(tab2.ID)
	if subs := f.rt.Subscriptions("", ""); len(subs) != 0 {
		t.Fatalf("subscriptions left after owners left: %+v", subs)
	}
}

func TestScryAndThread(t *testing.T) {
	f := newFixture(t, nil)
	f.ready(t)
	tab := f.attach(t, "https://example.com", consumer.KindTab)
	f.srv.HandleScry(func(app, path string) (int, any) { return http.StatusOK, []string{app, path} })
	f.srv.HandleThread(func(desk, in, thread, out string, body json.RawMessage) (int, any) {
		return http.StatusOK, map[string]string{"desk": desk, "thread": thread}
	})
	f.must(t, f.ui, ActionGrantPerms, GrantPermsRequest{Requester: "https://example.com", Ship: "~zod", Permissions: []string{"scry:graph-store", "thread:graph-create"}})

	out := f.must(t, tab, ActionScry, ScryRequest{App: "graph-store", Path: "/keys"}).(json.RawMessage)
	if string(out) != `["graph-store","/keys"]` {
		t.Fatalf("scry %s", out)
	}
	out = f.must(t, tab, ActionThread, ThreadRequest{InputMark: "graph-view-action", ThreadName: "graph-create", OutputMark: "json", Body: json.RawMessage(`{}`)}).(json.RawMessage)
	var got map[string]string
	if err := json.Unmarshal(out, &got); err != nil || got["thread"] != "graph-create" || got["desk"] != "base" {
		t.Fatalf("thread %s (%v)", out, err)
	}
	if _, err := f.do(t, tab, ActionThread, ThreadRequest{InputMark: "a", ThreadName: "other", OutputMark: "b"}); !errors.Is(err, fault.ErrPermissionDenied) {
		t.Fatalf("ungranted thread: %v", err)
	}
}

func TestShipInfoCapabilities(t *testing.T) {
	f := newFixture(t, nil)
	f.ready(t)
	tab := f.attach(t, "https://example.com", consumer.KindTab)

	if _, err := f.do(t, tab, ActionGetShipName, nil); !errors.Is(err, fault.ErrPermissionDenied) {
		t.Fatalf("ungranted shipName: %v", err)
	}
	f.must(t, f.ui, ActionGrantPerms, GrantPermsRequest{Requester: "https://example.com", Ship: "~zod", Permissions: []string{"shipName", "shipURL"}})
	if name := f.must(t, tab, ActionGetShipName, nil).(string); name != "~zod" {
		t.Fatalf("name=%q", name)
	}
	if u := f.must(t, tab, ActionGetShipURL, nil).(string); u != f.srv.URL {
		t.Fatalf("url=%q", u)
	}
	if _, err := f.do(t, tab, ActionGetAuth, nil); !errors.Is(err, fault.ErrPermissionDenied) {
		t.Fatalf("ungranted auth: %v", err)
	}
	if got := f.must(t, tab, ActionIsConnected, nil).(map[string]bool); !got["connected"] {
		t.Fatalf("is_connected=%v", got)
	}
}

func TestPopupPreference_Persisted(t *testing.T) {
	kv := store.NewMemory()
	f := newFixture(t, kv)

	if _, err := f.do(t, f.ui, ActionChangePopupPreference, ChangePopupPreferenceRequest{Preference: "sideways"}); !errors.Is(err, fault.ErrInvalidInput) {
		t.Fatalf("bad preference: %v", err)
	}
	f.must(t, f.ui, ActionChangePopupPreference, ChangePopupPreferenceRequest{Preference: PopupWindow})
	f.must(t, f.ui, ActionCacheFormURL, CacheFormURLRequest{URL: "http://localhost:8080"})

	again := newFixture(t, kv)
	st := again.b.State(context.Background())
	if st.PopupPreference != PopupWindow {
		t.Fatalf("popup=%q after reload", st.PopupPreference)
	}
	if st.CachedURL != "" {
		t.Fatalf("cached url must not be persisted")
	}
}

func TestResetApp(t *testing.T) {
	f := newFixture(t, nil)
	f.ready(t)
	f.must(t, f.ui, ActionGrantPerms, GrantPermsRequest{Requester: "https://example.com", Ship: "~zod", Permissions: []string{"poke"}})
	f.must(t, f.ui, ActionChangePopupPreference, ChangePopupPreferenceRequest{Preference: PopupWindow})

	st := f.must(t, f.ui, ActionResetApp, nil).(v1.StatePayload)
	if st.Initialized || len(st.Ships) != 0 || st.ActiveShip != "" || st.PopupPreference != PopupModal {
		t.Fatalf("state after reset %+v", st)
	}
	if len(f.b.ledger.Grants("")) != 0 {
		t.Fatalf("grants survived reset")
	}
	entries, err := f.kv.List(context.Background(), "")
	if err != nil || len(entries) != 0 {
		t.Fatalf("storage not empty after reset: %d (%v)", len(entries), err)
	}

	f.must(t, f.ui, ActionSetup, SetupRequest{Password: "another-password"})
}

func TestStateBroadcastToPrivilegedOnly(t *testing.T) {
	f := newFixture(t, nil)
	tab := f.attach(t, "https://example.com", consumer.KindTab)

	f.must(t, f.ui, ActionSetup, SetupRequest{Password: testPassword})
	var st v1.StatePayload
	if err := json.Unmarshal(waitFor(t, f.ui, v1.TypeState).Payload, &st); err != nil || !st.Initialized || st.Locked {
		t.Fatalf("state %+v (%v)", st, err)
	}
	if len(tab.Send) != 0 {
		t.Fatalf("tab received %d privileged envelopes", len(tab.Send))
	}
}
