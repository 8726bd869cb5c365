package perms

import (
	"context"
	"errors"
	"testing"

	"github.com/dcSpark/urbit-visor/cmd/internal/fault"
	"github.com/dcSpark/urbit-visor/cmd/internal/store"
)

func mustCaps(t *testing.T, ss ...string) []Capability {
	t.Helper()
	cs, err := ParseCapabilities(ss)
	if err != nil {
		t.Fatalf("ParseCapabilities(%v): %v", ss, err)
	}
	return cs
}

func TestParseCapability(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    Capability
		wantErr bool
	}{
		{in: "poke", want: "poke"},
		{in: "poke:graph-store", want: "poke:graph-store"},
		{in: " scry:graph-store ", want: "scry:graph-store"},
		{in: "thread:graph-create", want: "thread:graph-create"},
		{in: "shipName", want: "shipName"},
		{in: "shipURL", want: "shipURL"},
		{in: "auth", want: "auth"},
		{in: "shipName:x", wantErr: true},
		{in: "poke:", wantErr: true},
		{in: "poke:Graph Store", wantErr: true},
		{in: "delete", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseCapability(tc.in)
		if tc.wantErr {
			if !errors.Is(err, fault.ErrInvalidInput) {
				t.Fatalf("ParseCapability(%q): expected ErrInvalidInput, got %v", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ParseCapability(%q)=%q %v want=%q", tc.in, got, err, tc.want)
		}
	}
}

func TestCovers(t *testing.T) {
	t.Parallel()

	cases := []struct {
		held, want Capability
		ok         bool
	}{
		{"poke", "poke:graph-store", true},
		{"poke:graph-store", "poke:graph-store", true},
		{"poke:graph-store", "poke:chat-store", false},
		{"poke:graph-store", "poke", false},
		{"scry", "poke:graph-store", false},
		{"shipName", "shipName", true},
	}
	for _, tc := range cases {
		if got := tc.held.Covers(tc.want); got != tc.ok {
			t.Fatalf("%q.Covers(%q)=%v want=%v", tc.held, tc.want, got, tc.ok)
		}
	}
}

func TestGrantCheckRevoke(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemory())

	const origin = "https://example.com"
	req, err := l.Request(origin, "", "~zod", mustCaps(t, "poke:graph-store"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if req.AutoApproved || req.ID == "" {
		t.Fatalf("expected a pending prompt: %+v", req)
	}
	if l.Check(origin, "~zod", "poke:graph-store") {
		t.Fatalf("check must fail before grant")
	}

	if _, _, err := l.Approve(ctx, req.ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if !l.Check(origin, "~zod", "poke:graph-store") {
		t.Fatalf("check must pass after grant")
	}
	if l.Check(origin, "~bus", "poke:graph-store") {
		t.Fatalf("grant must not leak to another ship")
	}
	if len(l.Pending()) != 0 {
		t.Fatalf("approved prompt must be gone")
	}

	if err := l.Revoke(ctx, origin, "~zod", mustCaps(t, "poke:graph-store")); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if l.Check(origin, "~zod", "poke:graph-store") {
		t.Fatalf("check must fail after revoke")
	}
	if _, ok := l.Lookup(origin, "~zod"); ok {
		t.Fatalf("empty grant must be deleted")
	}
}

func TestRequest_AlreadyGrantedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemory())

	if _, err := l.Grant(ctx, "https://example.com", "~zod", mustCaps(t, "poke", "scry:graph-store")); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	for i := 0; i < 3; i++ {
		req, err := l.Request("https://example.com", "", "~zod", mustCaps(t, "poke:graph-store", "scry:graph-store"))
		if err != nil {
			t.Fatalf("Request: %v", err)
		}
		if !req.AutoApproved || req.ID != "" || len(req.Requested) != 0 {
			t.Fatalf("expected auto-approval: %+v", req)
		}
	}
	if n := len(l.Pending()); n != 0 {
		t.Fatalf("pending=%d want=0", n)
	}
}

func TestRequest_OnlyMissingAndDeduplicated(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemory())

	if _, err := l.Grant(ctx, "https://example.com", "~zod", mustCaps(t, "scry:graph-store")); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	a, err := l.Request("https://example.com", "", "~zod", mustCaps(t, "scry:graph-store", "subscribe:graph-store"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if len(a.Requested) != 1 || a.Requested[0] != "subscribe:graph-store" {
		t.Fatalf("requested=%v", a.Requested)
	}
	if len(a.Existing) != 1 || a.Existing[0] != "scry:graph-store" {
		t.Fatalf("existing=%v", a.Existing)
	}

	b, err := l.Request("https://example.com", "", "~zod", mustCaps(t, "subscribe:graph-store"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if b.ID != a.ID {
		t.Fatalf("identical outstanding prompt must be reused: %s vs %s", a.ID, b.ID)
	}
	if n := len(l.Pending()); n != 1 {
		t.Fatalf("pending=%d want=1", n)
	}
}

func TestDeny_NoStateChange(t *testing.T) {
	l := New(store.NewMemory())

	req, err := l.Request("https://example.com", "", "~zod", mustCaps(t, "poke"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if _, ok := l.Deny(req.ID); !ok {
		t.Fatalf("expected Deny to find the prompt")
	}
	if _, ok := l.Deny(req.ID); ok {
		t.Fatalf("second Deny must be a no-op")
	}
	if l.Check("https://example.com", "~zod", "poke") {
		t.Fatalf("deny must not grant")
	}
	if len(l.Grants("")) != 0 {
		t.Fatalf("deny must not persist anything")
	}
}

func TestGrant_UnionAndPersist(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	l := New(kv)

	if _, err := l.Grant(ctx, "chrome-extension://abc", "~zod", mustCaps(t, "poke:graph-store")); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	g, err := l.Grant(ctx, "chrome-extension://abc", "~zod", mustCaps(t, "scry", "poke:graph-store"))
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if len(g.Capabilities) != 2 {
		t.Fatalf("capabilities=%v", g.Capabilities)
	}

	reloaded := New(kv)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reloaded.Check("chrome-extension://abc", "~zod", "scry:anything") {
		t.Fatalf("persisted grant not restored")
	}
}

func TestRevokeShip_Cascades(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	l := New(kv)

	for _, r := range []string{"https://a.example", "https://b.example"} {
		if _, err := l.Grant(ctx, r, "~zod", mustCaps(t, "poke")); err != nil {
			t.Fatalf("Grant: %v", err)
		}
	}
	if _, err := l.Grant(ctx, "https://a.example", "~bus", mustCaps(t, "poke")); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if _, err := l.Request("https://c.example", "", "~zod", mustCaps(t, "scry")); err != nil {
		t.Fatalf("Request: %v", err)
	}

	if err := l.RevokeShip(ctx, "~zod"); err != nil {
		t.Fatalf("RevokeShip: %v", err)
	}
	if n := len(l.Grants("~zod")); n != 0 {
		t.Fatalf("grants on ~zod=%d", n)
	}
	if n := len(l.Pending()); n != 0 {
		t.Fatalf("pending on ~zod=%d", n)
	}
	if !l.Check("https://a.example", "~bus", "poke") {
		t.Fatalf("other ship's grant must survive")
	}
	entries, err := kv.List(ctx, "perms/~zod/")
	if err != nil || len(entries) != 0 {
		t.Fatalf("persisted grants remain: %v %v", entries, err)
	}
}

func TestRevokeAll(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewMemory())

	if _, err := l.Grant(ctx, "https://example.com", "~zod", mustCaps(t, "poke", "scry")); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := l.RevokeAll(ctx, "https://example.com", "~zod"); err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}
	if l.Check("https://example.com", "~zod", "scry") {
		t.Fatalf("grant must be gone")
	}
	if err := l.RevokeAll(ctx, "https://example.com", "~zod"); err != nil {
		t.Fatalf("second RevokeAll: %v", err)
	}
}

func TestRequest_InvalidInput(t *testing.T) {
	l := New(store.NewMemory())
	if _, err := l.Request("", "", "~zod", []Capability{"poke"}); !errors.Is(err, fault.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := l.Request("https://example.com", "", "~zod", nil); !errors.Is(err, fault.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
