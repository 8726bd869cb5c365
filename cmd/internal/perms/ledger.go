// Package perms is the permission ledger: per (requester, ship) capability
// grants, pending permission prompts, and the pure Check every ship-facing
// broker action goes through first.
package perms

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dcSpark/urbit-visor/cmd/internal/codec"
	"github.com/dcSpark/urbit-visor/cmd/internal/fault"
	"github.com/dcSpark/urbit-visor/cmd/internal/ids"
	"github.com/dcSpark/urbit-visor/cmd/internal/store"
)

const grantPrefix = "perms/"

// Grant is the capability set a requester holds on one ship.
type Grant struct {
	Requester    string       `cbor:"requester" json:"requester"`
	Ship         string       `cbor:"ship" json:"ship"`
	Capabilities []Capability `cbor:"caps" json:"capabilities"`
	UpdatedAtMS  int64        `cbor:"updated_at" json:"updated_at_ms"`
}

// Request is a permission prompt awaiting a user decision.
// Requested holds only what is not already granted.
type Request struct {
	ID           string       `json:"id"`
	Requester    string       `json:"requester"`
	Name         string       `json:"name,omitempty"`
	Ship         string       `json:"ship"`
	Requested    []Capability `json:"requested"`
	Existing     []Capability `json:"existing"`
	AutoApproved bool         `json:"auto_approved"`
	CreatedAtMS  int64        `json:"created_at_ms"`
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

type pairKey struct {
	requester string
	ship      string
}

// Ledger is safe for concurrent use. Reads are served from memory; every
// mutation is persisted before it becomes visible.
type Ledger struct {
	log *slog.Logger
	kv  store.KV
	now func() time.Time

	mu      sync.RWMutex
	grants  map[pairKey]Grant
	pending map[string]Request
}

// New constructs an empty Ledger over kv. Call Load to read persisted grants.
func New(kv store.KV, opts ...Option) *Ledger {
	l := &Ledger{
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		kv:      kv,
		now:     time.Now,
		grants:  make(map[pairKey]Grant),
		pending: make(map[string]Request),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Load replaces the in-memory grants with the persisted set.
func (l *Ledger) Load(ctx context.Context) error {
	entries, err := l.kv.List(ctx, grantPrefix)
	if err != nil {
		return err
	}
	grants := make(map[pairKey]Grant, len(entries))
	for _, e := range entries {
		var g Grant
		if err := codec.Unmarshal(e.Value, &g); err != nil {
			return fault.Ef("perms.Load", fault.ErrUnrecoverable, "grant %s unreadable", e.Key)
		}
		grants[pairKey{g.Requester, g.Ship}] = g
	}

	l.mu.Lock()
	l.grants = grants
	l.mu.Unlock()

	l.log.Info("perms.load", "grants", len(grants))
	return nil
}

// Request filters caps against what requester already holds on ship. When
// nothing new is asked for the result is auto-approved and no prompt is
// created; an identical outstanding prompt is returned instead of a second one.
func (l *Ledger) Request(requester, name, ship string, caps []Capability) (Request, error) {
	const op = "perms.Request"

	if requester == "" || ship == "" {
		return Request{}, fault.E(op, fault.ErrInvalidInput, "missing requester or ship")
	}
	if len(caps) == 0 {
		return Request{}, fault.E(op, fault.ErrInvalidInput, "no capabilities requested")
	}
	caps = normalize(caps)

	l.mu.Lock()
	defer l.mu.Unlock()

	existing := l.grants[pairKey{requester, ship}].Capabilities
	var missing []Capability
	for _, c := range caps {
		if !coveredBy(existing, c) {
			missing = append(missing, c)
		}
	}

	req := Request{
		Requester:   requester,
		Name:        name,
		Ship:        ship,
		Requested:   missing,
		Existing:    append([]Capability(nil), existing...),
		CreatedAtMS: l.now().UTC().UnixMilli(),
	}
	if len(missing) == 0 {
		req.AutoApproved = true
		return req, nil
	}

	for _, p := range l.pending {
		if p.Requester == requester && p.Ship == ship && sameSet(p.Requested, missing) {
			return p, nil
		}
	}

	id, err := ids.NewULID(l.now())
	if err != nil {
		return Request{}, err
	}
	req.ID = id
	l.pending[id] = req

	l.log.Info("perms.request", "requester", requester, "ship", ship, "requested", len(missing))
	return req, nil
}

// Approve grants a pending request's capabilities and discards the prompt.
func (l *Ledger) Approve(ctx context.Context, id string) (Request, Grant, error) {
	l.mu.Lock()
	req, ok := l.pending[id]
	l.mu.Unlock()
	if !ok {
		return Request{}, Grant{}, fault.E("perms.Approve", fault.ErrInvalidInput, "unknown permission request")
	}

	g, err := l.Grant(ctx, req.Requester, req.Ship, req.Requested)
	if err != nil {
		return Request{}, Grant{}, err
	}
	return req, g, nil
}

// Grant unions caps into requester's grant on ship and persists it. Any
// pending prompt fully covered by the resulting grant is dropped.
func (l *Ledger) Grant(ctx context.Context, requester, ship string, caps []Capability) (Grant, error) {
	const op = "perms.Grant"

	if requester == "" || ship == "" {
		return Grant{}, fault.E(op, fault.ErrInvalidInput, "missing requester or ship")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := pairKey{requester, ship}
	cur := l.grants[k]
	next := Grant{
		Requester:    requester,
		Ship:         ship,
		Capabilities: normalize(append(append([]Capability(nil), cur.Capabilities...), caps...)),
		UpdatedAtMS:  l.now().UTC().UnixMilli(),
	}
	if err := l.persistLocked(ctx, next); err != nil {
		return Grant{}, err
	}
	l.grants[k] = next

	for id, p := range l.pending {
		if p.Requester != requester || p.Ship != ship {
			continue
		}
		if allCovered(next.Capabilities, p.Requested) {
			delete(l.pending, id)
		}
	}

	l.log.Info("perms.grant", "requester", requester, "ship", ship, "caps", len(next.Capabilities))
	return next, nil
}

// Deny discards the pending request. Unknown ids are ignored.
func (l *Ledger) Deny(id string) (Request, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	req, ok := l.pending[id]
	if ok {
		delete(l.pending, id)
		l.log.Info("perms.deny", "requester", req.Requester, "ship", req.Ship)
	}
	return req, ok
}

// Revoke removes caps from requester's grant on ship. A grant left empty is deleted.
func (l *Ledger) Revoke(ctx context.Context, requester, ship string, caps []Capability) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := pairKey{requester, ship}
	cur, ok := l.grants[k]
	if !ok {
		return nil
	}

	drop := make(map[Capability]struct{}, len(caps))
	for _, c := range caps {
		drop[c] = struct{}{}
	}
	kept := make([]Capability, 0, len(cur.Capabilities))
	for _, c := range cur.Capabilities {
		if _, ok := drop[c]; !ok {
			kept = append(kept, c)
		}
	}
	if len(kept) == len(cur.Capabilities) {
		return nil
	}

	if len(kept) == 0 {
		if err := l.kv.Delete(ctx, grantKey(ship, requester)); err != nil {
			return err
		}
		delete(l.grants, k)
		l.log.Info("perms.revoke", "requester", requester, "ship", ship, "caps", 0)
		return nil
	}

	next := cur
	next.Capabilities = kept
	next.UpdatedAtMS = l.now().UTC().UnixMilli()
	if err := l.persistLocked(ctx, next); err != nil {
		return err
	}
	l.grants[k] = next
	l.log.Info("perms.revoke", "requester", requester, "ship", ship, "caps", len(kept))
	return nil
}

// RevokeAll deletes requester's grant on ship.
func (l *Ledger) RevokeAll(ctx context.Context, requester, ship string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := pairKey{requester, ship}
	if _, ok := l.grants[k]; !ok {
		return nil
	}
	if err := l.kv.Delete(ctx, grantKey(ship, requester)); err != nil {
		return err
	}
	delete(l.grants, k)
	l.log.Info("perms.revoke.all", "requester", requester, "ship", ship)
	return nil
}

// RevokeShip deletes every grant and pending prompt on ship.
func (l *Ledger) RevokeShip(ctx context.Context, ship string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := store.DeletePrefix(ctx, l.kv, grantPrefix+ship+"/"); err != nil {
		return err
	}
	n := 0
	for k := range l.grants {
		if k.ship == ship {
			delete(l.grants, k)
			n++
		}
	}
	for id, p := range l.pending {
		if p.Ship == ship {
			delete(l.pending, id)
		}
	}
	l.log.Info("perms.revoke.ship", "ship", ship, "grants", n)
	return nil
}

// Reset drops every grant and prompt.
func (l *Ledger) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := store.DeletePrefix(ctx, l.kv, grantPrefix); err != nil {
		return err
	}
	l.grants = make(map[pairKey]Grant)
	l.pending = make(map[string]Request)
	return nil
}

// Check reports whether requester may exercise want on ship. Pure query.
func (l *Ledger) Check(requester, ship string, want Capability) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	g, ok := l.grants[pairKey{requester, ship}]
	return ok && coveredBy(g.Capabilities, want)
}

// Lookup returns requester's grant on ship.
func (l *Ledger) Lookup(requester, ship string) (Grant, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	g, ok := l.grants[pairKey{requester, ship}]
	if !ok {
		return Grant{}, false
	}
	g.Capabilities = append([]Capability(nil), g.Capabilities...)
	return g, true
}

// Grants lists the grants on ship ordered by requester. An empty ship lists every grant.
func (l *Ledger) Grants(ship string) []Grant {
	l.mu.RLock()
	out := make([]Grant, 0, len(l.grants))
	for k, g := range l.grants {
		if ship != "" && k.ship != ship {
			continue
		}
		g.Capabilities = append([]Capability(nil), g.Capabilities...)
		out = append(out, g)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Ship != out[j].Ship {
			return out[i].Ship < out[j].Ship
		}
		return out[i].Requester < out[j].Requester
	})
	return out
}

// Pending lists outstanding prompts oldest first.
func (l *Ledger) Pending() []Request {
	l.mu.RLock()
	out := make([]Request, 0, len(l.pending))
	for _, p := range l.pending {
		out = append(out, p)
	}
	l.mu.RUnlock()

	// ULIDs sort by creation time.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DropRequester discards pending prompts raised by requester. Grants are kept.
func (l *Ledger) DropRequester(requester string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, p := range l.pending {
		if p.Requester == requester {
			delete(l.pending, id)
		}
	}
}

func (l *Ledger) persistLocked(ctx context.Context, g Grant) error {
	b, err := codec.Marshal(g)
	if err != nil {
		return err
	}
	if err := l.kv.Put(ctx, grantKey(g.Ship, g.Requester), b); err != nil {
		l.log.Error("perms.persist.fail", "requester", g.Requester, "ship", g.Ship, "err", err)
		return err
	}
	return nil
}

// Ship names never contain '/', so the ship is everything up to the first one.
func grantKey(ship, requester string) string {
	return grantPrefix + ship + "/" + requester
}

func sameSet(a, b []Capability) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func allCovered(held, want []Capability) bool {
	for _, w := range want {
		if !coveredBy(held, w) {
			return false
		}
	}
	return true
}
