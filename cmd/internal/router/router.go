// Package router maps one-shot calls and long-lived subscriptions to the
// consumer contexts that opened them, and fans ship events back out.
//
// Identical (app, path) subscriptions on one ship share a single wire
// subscription upstream; every local subscriber still gets its own id and
// independent delivery.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dcSpark/urbit-visor/cmd/internal/conn"
	"github.com/dcSpark/urbit-visor/cmd/internal/fault"
	"github.com/dcSpark/urbit-visor/cmd/internal/ids"
	"github.com/dcSpark/urbit-visor/cmd/internal/metrics"
	"github.com/dcSpark/urbit-visor/cmd/internal/ship"
	"github.com/dcSpark/urbit-visor/cmd/internal/vault"
)

// ErrConsumerGone is returned for a call whose consumer went away while it was in flight.
var ErrConsumerGone = errors.New("router: consumer gone")

// EventKind tags an Event.
type EventKind string

const (
	EventDiff         EventKind = "diff"
	EventQuit         EventKind = "quit"
	EventDisconnected EventKind = "ship_disconnected"
)

// Event is one delivery to a subscriber.
type Event struct {
	Kind           EventKind       `json:"kind"`
	SubscriptionID string          `json:"subscription_id"`
	Ship           string          `json:"ship"`
	App            string          `json:"app,omitempty"`
	Path           string          `json:"path,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Reason         string          `json:"reason,omitempty"`
}

// Sink is the consumer side. Deliver must not block; false means the
// consumer is gone or its outbox refused the event.
type Sink interface {
	Deliver(consumerID string, ev Event) bool
	Connected(consumerID string) bool
}

// Wire is the ship session surface the router drives. *conn.Session implements it.
type Wire interface {
	Poke(ctx context.Context, app, mark string, data any) error
	Subscribe(ctx context.Context, app, path string) (int64, error)
	Unsubscribe(ctx context.Context, id int64) error
	Scry(ctx context.Context, app, path string) (json.RawMessage, error)
	Thread(ctx context.Context, spec ship.ThreadSpec) (json.RawMessage, error)
}

// Sessions yields ship sessions.
type Sessions interface {
	// Open returns the ship's session, connecting when needed.
	Open(ctx context.Context, ship string) (Wire, error)
	// Lookup returns the ship's session only if one is live.
	Lookup(ship string) (Wire, bool)
}

// FromManager adapts a connection manager to Sessions.
func FromManager(m *conn.Manager) Sessions { return managerSessions{m} }

type managerSessions struct{ m *conn.Manager }

func (s managerSessions) Open(ctx context.Context, name string) (Wire, error) {
	sess, err := s.m.EnsureSession(ctx, name)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s managerSessions) Lookup(name string) (Wire, bool) {
	sess, ok := s.m.Session(name)
	if !ok {
		return nil, false
	}
	return sess, true
}

// SubscribeSpec names a subscription target.
type SubscribeSpec struct {
	App  string `json:"app"`
	Path string `json:"path"`
}

// CallKind selects the one-shot operation.
type CallKind string

const (
	CallPoke   CallKind = "poke"
	CallScry   CallKind = "scry"
	CallThread CallKind = "thread"
)

// CallSpec describes one one-shot operation.
type CallSpec struct {
	Kind   CallKind
	App    string
	Mark   string
	Path   string
	Data   json.RawMessage
	Thread ship.ThreadSpec
}

// Subscription is one local subscriber.
type Subscription struct {
	ID          string `json:"id"`
	Ship        string `json:"ship"`
	Consumer    string `json:"consumer"`
	Requester   string `json:"requester"`
	App         string `json:"app"`
	Path        string `json:"path"`
	CreatedAtMS int64  `json:"created_at_ms"`
}

type wireKey struct {
	ship string
	app  string
	path string
}

type wireRef struct {
	ship string
	id   int64
}

type wire struct {
	key  wireKey
	id   int64
	subs map[string]*Subscription
}

// maxOpeningEvents bounds events parked for a wire whose subscribe is in flight.
const maxOpeningEvents = 256

// opening parks events for not-yet-registered wires on one ship while a
// subscribe is in flight. The ship's first fact can arrive right behind its
// subscribe ack.
type opening struct {
	events []ship.Event
}

func (o *opening) take(wid int64) []ship.Event {
	var out []ship.Event
	for _, ev := range o.events {
		if ev.ActionID == wid {
			out = append(out, ev)
		}
	}
	return out
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Router) {
		if log != nil {
			r.log = log
		}
	}
}

// WithMetrics attaches collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithCancelTimeout bounds background upstream unsubscribes.
func WithCancelTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.cancelTimeout = d
		}
	}
}

// Router is safe for concurrent use.
type Router struct {
	log           *slog.Logger
	sessions      Sessions
	sink          Sink
	metrics       *metrics.Metrics
	now           func() time.Time
	cancelTimeout time.Duration

	shipMu sync.Map // ship -> *sync.Mutex, serializes wire creation per ship

	mu         sync.RWMutex
	subs       map[string]*Subscription
	wires      map[wireKey]*wire
	byRef      map[wireRef]*wire
	byConsumer map[string]map[string]struct{}
	calls      map[string]string // call id -> consumer
	opening    map[string]*opening
	epochs     map[string]uint64 // bumped on every ShipDisconnected

	bg sync.WaitGroup
}

// New constructs a Router.
func New(sessions Sessions, sink Sink, opts ...Option) *Router {
	r := &Router{
		log:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		sessions:      sessions,
		sink:          sink,
		now:           time.Now,
		cancelTimeout: 5 * time.Second,
		subs:          make(map[string]*Subscription),
		wires:         make(map[wireKey]*wire),
		byRef:         make(map[wireRef]*wire),
		byConsumer:    make(map[string]map[string]struct{}),
		calls:         make(map[string]string),
		opening:       make(map[string]*opening),
		epochs:        make(map[string]uint64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Call performs one one-shot operation for consumerID. When the consumer is
// dropped while the call is in flight the call still completes but its
// result is discarded and ErrConsumerGone is returned.
func (r *Router) Call(ctx context.Context, shipName, consumerID string, spec CallSpec) (json.RawMessage, error) {
	const op = "router.Call"

	shipName, err := vault.NormalizeShipName(shipName)
	if err != nil {
		return nil, fault.E(op, fault.ErrInvalidInput, "bad ship name")
	}
	id, err := ids.NewULID(r.now())
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.calls[id] = consumerID
	r.mu.Unlock()

	out, err := r.do(ctx, shipName, spec)

	r.mu.Lock()
	_, alive := r.calls[id]
	delete(r.calls, id)
	r.mu.Unlock()

	if !alive {
		r.log.Debug("router.call.discarded", "ship", shipName, "consumer", consumerID, "kind", string(spec.Kind))
		return nil, fault.E(op, ErrConsumerGone, "")
	}
	return out, err
}

func (r *Router) do(ctx context.Context, shipName string, spec CallSpec) (json.RawMessage, error) {
	const op = "router.Call"

	w, err := r.sessions.Open(ctx, shipName)
	if err != nil {
		return nil, err
	}
	switch spec.Kind {
	case CallPoke:
		if err := w.Poke(ctx, spec.App, spec.Mark, spec.Data); err != nil {
			return nil, err
		}
		return json.RawMessage("null"), nil
	case CallScry:
		return w.Scry(ctx, spec.App, spec.Path)
	case CallThread:
		return w.Thread(ctx, spec.Thread)
	default:
		return nil, fault.Ef(op, fault.ErrInvalidInput, "unknown call kind %q", spec.Kind)
	}
}

// Subscribe registers a new local subscription for consumerID, opening the
// wire subscription upstream unless one for the same (app, path) exists.
// Events the ship sends for a new wire before it is registered are replayed
// to the subscriber in order. If the ship disconnects while the subscribe is
// in flight the call fails with ErrShipDisconnected.
func (r *Router) Subscribe(ctx context.Context, shipName, consumerID, requester string, spec SubscribeSpec) (Subscription, error) {
	const op = "router.Subscribe"

	if spec.App == "" || spec.Path == "" || spec.Path[0] != '/' {
		return Subscription{}, fault.E(op, fault.ErrInvalidInput, "subscribe needs an app and an absolute path")
	}
	shipName, err := vault.NormalizeShipName(shipName)
	if err != nil {
		return Subscription{}, fault.E(op, fault.ErrInvalidInput, "bad ship name")
	}
	id, err := ids.NewULID(r.now())
	if err != nil {
		return Subscription{}, err
	}

	lock := r.shipLock(shipName)
	lock.Lock()
	defer lock.Unlock()

	key := wireKey{ship: shipName, app: spec.App, path: spec.Path}

	r.mu.Lock()
	w := r.wires[key]
	epoch := r.epochs[shipName]
	fresh := w == nil
	if fresh {
		r.opening[shipName] = &opening{}
	}
	r.mu.Unlock()

	var (
		wid  int64
		sess Wire
	)
	if fresh {
		sess, wid, err = r.openWire(ctx, shipName, spec)
		if err != nil {
			r.mu.Lock()
			delete(r.opening, shipName)
			r.mu.Unlock()
			return Subscription{}, err
		}
	}

	sub := &Subscription{
		ID:          id,
		Ship:        shipName,
		Consumer:    consumerID,
		Requester:   requester,
		App:         spec.App,
		Path:        spec.Path,
		CreatedAtMS: r.now().UTC().UnixMilli(),
	}

	r.mu.Lock()
	var parked []ship.Event
	if fresh {
		parked = r.opening[shipName].take(wid)
		delete(r.opening, shipName)
	}
	switch {
	case r.epochs[shipName] != epoch, !fresh && r.wires[key] != w:
		// The session went away, or the ship quit the shared wire, mid-subscribe.
		r.mu.Unlock()
		if fresh {
			r.cancelOn(sess, shipName, wid)
		}
		return Subscription{}, fault.E(op, fault.ErrShipDisconnected, shipName)
	case !r.sink.Connected(consumerID):
		r.mu.Unlock()
		if fresh {
			r.cancelOn(sess, shipName, wid)
		}
		return Subscription{}, fault.E(op, ErrConsumerGone, "")
	}

	if fresh {
		w = &wire{key: key, id: wid, subs: make(map[string]*Subscription)}
		r.wires[key] = w
		r.byRef[wireRef{shipName, wid}] = w
		r.log.Info("router.wire.open", "ship", shipName, "app", spec.App, "path", spec.Path, "wire", wid)
	}
	w.subs[id] = sub
	r.subs[id] = sub
	set := r.byConsumer[consumerID]
	if set == nil {
		set = make(map[string]struct{})
		r.byConsumer[consumerID] = set
	}
	set[id] = struct{}{}
	shared := len(w.subs) > 1

	// Replay under r.mu so live events from the reader cannot overtake.
	quit, refused := r.replayLocked(sub, parked)
	if quit {
		r.removeSubLocked(sub)
	}
	r.mu.Unlock()

	r.metrics.SubscriptionsDelta(1)
	r.log.Info("router.subscribe", "ship", shipName, "consumer", consumerID, "sub", id, "shared", shared, "replayed", len(parked))

	switch {
	case quit:
		r.metrics.SubscriptionsDelta(-1)
		r.log.Info("router.wire.quit", "ship", shipName, "wire", wid, "subs", 1)
	case refused:
		r.log.Warn("router.deliver.refused", "ship", shipName, "sub", id)
		r.Unsubscribe(id)
		return Subscription{}, fault.E(op, ErrConsumerGone, "")
	}
	return *sub, nil
}

func (r *Router) openWire(ctx context.Context, shipName string, spec SubscribeSpec) (Wire, int64, error) {
	sess, err := r.sessions.Open(ctx, shipName)
	if err != nil {
		return nil, 0, err
	}
	wid, err := sess.Subscribe(ctx, spec.App, spec.Path)
	if err != nil {
		return nil, 0, err
	}
	return sess, wid, nil
}

// replayLocked delivers events parked while sub's wire was opening. It stops
// at a quit or at the first refused delivery.
func (r *Router) replayLocked(sub *Subscription, evs []ship.Event) (quit, refused bool) {
	for _, ev := range evs {
		kind := EventDiff
		if ev.Response == ship.ResponseQuit {
			kind = EventQuit
		}
		ok := r.sink.Deliver(sub.Consumer, Event{
			Kind:           kind,
			SubscriptionID: sub.ID,
			Ship:           sub.Ship,
			App:            sub.App,
			Path:           sub.Path,
			Data:           ev.JSON,
		})
		if kind == EventQuit {
			return true, false
		}
		if !ok {
			r.metrics.Dropped()
			return false, true
		}
		r.metrics.Delivered()
	}
	return false, false
}

// Unsubscribe removes subscription id. Unknown ids are a no-op. The upstream
// cancel is sent only when the last local subscriber of the wire leaves.
func (r *Router) Unsubscribe(id string) {
	r.mu.Lock()
	sub, ok := r.subs[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	w, last := r.removeSubLocked(sub)
	r.mu.Unlock()

	r.metrics.SubscriptionsDelta(-1)
	r.log.Info("router.unsubscribe", "ship", sub.Ship, "consumer", sub.Consumer, "sub", id)
	if last {
		r.cancelUpstream(sub.Ship, w.id)
	}
}

// HandleShipEvent fans a diff or quit out to every local subscriber of its
// wire. It is registered as the connection manager's event sink.
func (r *Router) HandleShipEvent(shipName string, ev ship.Event) {
	var kind EventKind
	switch ev.Response {
	case ship.ResponseDiff:
		kind = EventDiff
	case ship.ResponseQuit:
		kind = EventQuit
	default:
		return
	}

	r.mu.Lock()
	w := r.byRef[wireRef{shipName, ev.ActionID}]
	if w == nil {
		if o := r.opening[shipName]; o != nil && len(o.events) < maxOpeningEvents {
			o.events = append(o.events, ev)
		}
		r.mu.Unlock()
		return
	}
	subs := make([]*Subscription, 0, len(w.subs))
	for _, s := range w.subs {
		subs = append(subs, s)
	}
	if kind == EventQuit {
		for _, s := range subs {
			r.removeSubLocked(s)
		}
	}
	r.mu.Unlock()

	var dead []string
	for _, s := range subs {
		ok := r.sink.Deliver(s.Consumer, Event{
			Kind:           kind,
			SubscriptionID: s.ID,
			Ship:           shipName,
			App:            s.App,
			Path:           s.Path,
			Data:           ev.JSON,
		})
		if ok {
			r.metrics.Delivered()
			continue
		}
		r.metrics.Dropped()
		dead = append(dead, s.ID)
	}

	if kind == EventQuit {
		r.metrics.SubscriptionsDelta(-len(subs))
		r.log.Info("router.wire.quit", "ship", shipName, "wire", ev.ActionID, "subs", len(subs))
		return
	}
	// A consumer that cannot take delivery is treated as having unsubscribed.
	for _, id := range dead {
		r.log.Warn("router.deliver.refused", "ship", shipName, "sub", id)
		r.Unsubscribe(id)
	}
}

// ShipDisconnected force-removes every subscription on shipName and tells each
// subscriber exactly once. Subscribers must re-subscribe after reconnecting.
func (r *Router) ShipDisconnected(shipName string, reason error) {
	r.mu.Lock()
	r.epochs[shipName]++
	var subs []*Subscription
	for k, w := range r.wires {
		if k.ship != shipName {
			continue
		}
		for _, s := range w.subs {
			subs = append(subs, s)
			delete(r.subs, s.ID)
			r.dropConsumerRefLocked(s)
		}
		delete(r.wires, k)
		delete(r.byRef, wireRef{shipName, w.id})
	}
	r.mu.Unlock()

	msg := fault.Message(reason)
	for _, s := range subs {
		r.sink.Deliver(s.Consumer, Event{
			Kind:           EventDisconnected,
			SubscriptionID: s.ID,
			Ship:           shipName,
			App:            s.App,
			Path:           s.Path,
			Reason:         msg,
		})
	}
	if len(subs) > 0 {
		r.metrics.SubscriptionsDelta(-len(subs))
	}
	r.log.Info("router.ship.disconnected", "ship", shipName, "subs", len(subs))
}

// DropConsumer synchronously deregisters every subscription and pending call
// owned by consumerID. Upstream cancels for emptied wires run in the background.
func (r *Router) DropConsumer(consumerID string) {
	r.mu.Lock()
	var emptied []*wire
	n := 0
	for id := range r.byConsumer[consumerID] {
		sub := r.subs[id]
		if sub == nil {
			continue
		}
		if w, last := r.removeSubLocked(sub); last {
			emptied = append(emptied, w)
		}
		n++
	}
	delete(r.byConsumer, consumerID)
	for id, c := range r.calls {
		if c == consumerID {
			delete(r.calls, id)
		}
	}
	r.mu.Unlock()

	if n > 0 {
		r.metrics.SubscriptionsDelta(-n)
	}
	for _, w := range emptied {
		r.cancelUpstream(w.key.ship, w.id)
	}
	r.log.Info("router.consumer.drop", "consumer", consumerID, "subs", n)
}

// Subscriptions lists local subscriptions, filtered by ship and consumer when
// non-empty, ordered by id.
func (r *Router) Subscriptions(shipName, consumerID string) []Subscription {
	r.mu.RLock()
	out := make([]Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		if shipName != "" && s.Ship != shipName {
			continue
		}
		if consumerID != "" && s.Consumer != consumerID {
			continue
		}
		out = append(out, *s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup returns subscription id.
func (r *Router) Lookup(id string) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[id]
	if !ok {
		return Subscription{}, false
	}
	return *s, true
}

// Wires reports how many upstream subscriptions are open.
func (r *Router) Wires() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.wires)
}

// Wait blocks until background upstream cancels have finished.
func (r *Router) Wait() { r.bg.Wait() }

// ---- internals ----

func (r *Router) shipLock(name string) *sync.Mutex {
	v, _ := r.shipMu.LoadOrStore(name, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// removeSubLocked detaches sub and reports its wire and whether it is now empty.
func (r *Router) removeSubLocked(sub *Subscription) (*wire, bool) {
	delete(r.subs, sub.ID)
	r.dropConsumerRefLocked(sub)

	w := r.wires[wireKey{ship: sub.Ship, app: sub.App, path: sub.Path}]
	if w == nil {
		return nil, false
	}
	delete(w.subs, sub.ID)
	if len(w.subs) > 0 {
		return w, false
	}
	r.removeWireLocked(w)
	return w, true
}

func (r *Router) removeWireLocked(w *wire) {
	if r.wires[w.key] == w {
		delete(r.wires, w.key)
	}
	delete(r.byRef, wireRef{w.key.ship, w.id})
}

func (r *Router) dropConsumerRefLocked(sub *Subscription) {
	if set := r.byConsumer[sub.Consumer]; set != nil {
		delete(set, sub.ID)
		if len(set) == 0 {
			delete(r.byConsumer, sub.Consumer)
		}
	}
}

// cancelUpstream sends the wire unsubscribe without holding any router lock.
// A ship without a live session has already dropped the wire.
func (r *Router) cancelUpstream(shipName string, wid int64) {
	sess, ok := r.sessions.Lookup(shipName)
	if !ok {
		return
	}
	r.cancelOn(sess, shipName, wid)
}

// cancelOn unsubscribes wid on the session that opened it. Wire ids are only
// meaningful on their own channel.
func (r *Router) cancelOn(sess Wire, shipName string, wid int64) {
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.cancelTimeout)
		defer cancel()
		if err := sess.Unsubscribe(ctx, wid); err != nil {
			r.log.Warn("router.wire.cancel.fail", "ship", shipName, "wire", wid, "code", fault.Code(err))
			return
		}
		r.log.Info("router.wire.cancel", "ship", shipName, "wire", wid)
	}()
}
