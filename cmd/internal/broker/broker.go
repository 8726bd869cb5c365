// Package broker is the single entry point for consumer requests. It decides
// who may do what, delegates to the vault, ledger, connection manager and
// router, and keeps privileged contexts informed of state changes.
package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	v1 "github.com/dcSpark/urbit-visor/shared/contracts/broker/v1"

	"github.com/dcSpark/urbit-visor/cmd/internal/codec"
	"github.com/dcSpark/urbit-visor/cmd/internal/conn"
	"github.com/dcSpark/urbit-visor/cmd/internal/consumer"
	"github.com/dcSpark/urbit-visor/cmd/internal/fault"
	"github.com/dcSpark/urbit-visor/cmd/internal/metrics"
	"github.com/dcSpark/urbit-visor/cmd/internal/perms"
	"github.com/dcSpark/urbit-visor/cmd/internal/router"
	"github.com/dcSpark/urbit-visor/cmd/internal/ship"
	"github.com/dcSpark/urbit-visor/cmd/internal/store"
	"github.com/dcSpark/urbit-visor/cmd/internal/vault"
)

const (
	keyPopupPreference = "prefs/popup"
	prefsPrefix        = "prefs/"

	PopupModal  = "modal"
	PopupWindow = "window"

	maxCachedURL = 2048
)

// Prober verifies login material against a ship and returns the ship's name.
type Prober func(ctx context.Context, url, code string) (string, error)

// LoginProbe logs into the ship with opts and asks for its name.
func LoginProbe(opts ship.Options) Prober {
	return func(ctx context.Context, url, code string) (string, error) {
		c, err := ship.Login(ctx, ship.Credentials{URL: url, Code: code}, opts)
		if err != nil {
			return "", err
		}
		return c.Name(ctx)
	}
}

// Deps are the components the broker drives.
type Deps struct {
	KV        store.KV
	Vault     *vault.Vault
	Ledger    *perms.Ledger
	Conns     *conn.Manager
	Router    *router.Router
	Consumers *consumer.Registry
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Broker) {
		if log != nil {
			b.log = log
		}
	}
}

// WithMetrics attaches collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// WithProber replaces the add_ship login probe.
func WithProber(p Prober) Option {
	return func(b *Broker) {
		if p != nil {
			b.probe = p
		}
	}
}

// Broker is safe for concurrent use.
type Broker struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	probe   Prober

	kv        store.KV
	vault     *vault.Vault
	ledger    *perms.Ledger
	conns     *conn.Manager
	router    *router.Router
	consumers *consumer.Registry

	mu        sync.Mutex
	selected  string
	cachedURL string
	popup     string
}

// New constructs a Broker and wires the cascades between its components:
// ship removal revokes grants and drops the session, a lost session ends its
// subscriptions, and a departing consumer loses its subscriptions and calls.
func New(d Deps, opts ...Option) *Broker {
	b := &Broker{
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		probe:     LoginProbe(ship.Options{}),
		kv:        d.KV,
		vault:     d.Vault,
		ledger:    d.Ledger,
		conns:     d.Conns,
		router:    d.Router,
		consumers: d.Consumers,
		popup:     PopupModal,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}

	b.vault.OnShipRemoved(b.ledger.RevokeShip)
	b.vault.OnShipRemoved(b.conns.Forget)
	b.vault.OnShipRemoved(b.forgetSelection)

	b.conns.OnEvent(b.router.HandleShipEvent)
	b.conns.OnDisconnect(b.router.ShipDisconnected)
	b.conns.OnDisconnect(func(string, error) { b.stateChanged(context.Background()) })

	b.consumers.OnDrop(b.consumerGone)
	return b
}

// Load restores persisted grants and preferences.
func (b *Broker) Load(ctx context.Context) error {
	if err := b.ledger.Load(ctx); err != nil {
		return err
	}
	raw, err := b.kv.Get(ctx, keyPopupPreference)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case err != nil:
		return err
	}
	var pref string
	if err := codec.Unmarshal(raw, &pref); err != nil {
		return fault.E("broker.Load", fault.ErrUnrecoverable, "popup preference unreadable")
	}
	if pref == PopupModal || pref == PopupWindow {
		b.mu.Lock()
		b.popup = pref
		b.mu.Unlock()
	}
	return nil
}

// Handle runs one request on behalf of c and returns its result payload.
func (b *Broker) Handle(ctx context.Context, c consumer.Context, req Request) (any, error) {
	start := time.Now()
	out, err := b.dispatch(ctx, c, req)

	result := "ok"
	if err != nil {
		result = fault.Code(err)
	}
	b.metrics.ObserveRequest(req.Action(), result)

	attrs := []any{"action", req.Action(), "consumer", c.ID, "requester", c.Requester, "result", result, "dur_ms", time.Since(start).Milliseconds()}
	switch {
	case err == nil:
		b.log.Debug("broker.request", attrs...)
	case fault.Kind(err) == nil:
		b.log.Error("broker.request.fail", append(attrs, "err", err)...)
	default:
		b.log.Info("broker.request.fail", attrs...)
	}
	return out, err
}

// State is the broker state shown to privileged contexts.
func (b *Broker) State(ctx context.Context) v1.StatePayload {
	st := v1.StatePayload{Ships: []v1.ShipSummary{}}

	vs, err := b.vault.State(ctx)
	switch {
	case errors.Is(err, fault.ErrUnrecoverable):
		st.Unrecoverable = true
		st.Locked = true
	case err != nil:
		b.log.Error("broker.state.fail", "err", err)
		st.Locked = true
	default:
		st.Initialized = vs.Initialized
		st.Locked = vs.Locked
	}

	if recs, err := b.vault.Ships(ctx); err == nil {
		for _, r := range recs {
			st.Ships = append(st.Ships, b.summary(r.Name))
		}
	}

	st.ActiveShip = b.conns.Active()
	st.PendingPrompts = len(b.ledger.Pending())

	b.mu.Lock()
	st.SelectedShip = b.selected
	st.CachedURL = b.cachedURL
	st.PopupPreference = b.popup
	b.mu.Unlock()
	return st
}

// ---- cascades ----

func (b *Broker) forgetSelection(_ context.Context, name string) error {
	b.mu.Lock()
	if b.selected == name {
		b.selected = ""
	}
	b.mu.Unlock()
	return nil
}

func (b *Broker) consumerGone(c consumer.Context) {
	b.router.DropConsumer(c.ID)
	if !b.consumers.Any(consumer.ForRequester(c.Requester)) {
		b.ledger.DropRequester(c.Requester)
	}
}

// ---- notifications ----

func (b *Broker) broadcastPrompt(req perms.Request) {
	env, err := consumer.Envelope(v1.TypePermsPrompt, "", promptPayload(req))
	if err != nil {
		b.log.Error("broker.encode.fail", "type", v1.TypePermsPrompt, "err", err)
		return
	}
	if n := b.consumers.Broadcast(consumer.Privileged, env); n == 0 {
		b.log.Info("broker.prompt.unseen", "requester", req.Requester, "ship", req.Ship)
	}
}

func (b *Broker) notifyResolved(req perms.Request, granted bool) {
	p := v1.PermsResolvedPayload{RequestID: req.ID, Ship: req.Ship, Granted: granted}
	if granted {
		p.Capabilities = capStrings(req.Requested)
	}
	env, err := consumer.Envelope(v1.TypePermsResolved, "", p)
	if err != nil {
		b.log.Error("broker.encode.fail", "type", v1.TypePermsResolved, "err", err)
		return
	}
	b.consumers.Broadcast(consumer.ForRequester(req.Requester), env)
}

func (b *Broker) summary(name string) v1.ShipSummary {
	return v1.ShipSummary{Name: name, State: b.conns.State(name).String()}
}

func promptPayload(req perms.Request) v1.PermsPromptPayload {
	return v1.PermsPromptPayload{
		RequestID: req.ID,
		Requester: req.Requester,
		Name:      req.Name,
		Ship:      req.Ship,
		Requested: capStrings(req.Requested),
		Existing:  capStrings(req.Existing),
	}
}

func capStrings(cs []perms.Capability) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = string(c)
	}
	return out
}
