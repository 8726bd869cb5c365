package consumer

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	v1 "github.com/dcSpark/urbit-visor/shared/contracts/broker/v1"

	"github.com/dcSpark/urbit-visor/cmd/internal/fault"
	"github.com/dcSpark/urbit-visor/cmd/internal/ids"
	"github.com/dcSpark/urbit-visor/cmd/internal/router"
)

const defaultSendQueue = 64

// Client is one attached consumer with a bounded outbox.
//
// Send is never closed by the broker, so concurrent deliverers cannot panic.
// done signals the writer goroutine to stop. Close is idempotent.
type Client struct {
	Context
	Send chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(c Context, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = defaultSendQueue
	}
	return &Client{
		Context: c,
		Send:    make(chan v1.Envelope, sendQueueSize),
		done:    make(chan struct{}),
	}
}

// Offer enqueues env without blocking. It reports false when the client is
// closed or its outbox is full.
func (c *Client) Offer(env v1.Envelope) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() { close(c.done) })
}

// DropFunc observes a consumer leaving.
type DropFunc func(Context)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// Registry holds the attached consumers. It implements router.Sink.
type Registry struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	onDrop  []DropFunc
}

var _ router.Sink = (*Registry)(nil)

// NewRegistry constructs an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		clients: make(map[string]*Client),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// OnDrop registers a listener called after a consumer is unregistered.
func (r *Registry) OnDrop(fn DropFunc) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.onDrop = append(r.onDrop, fn)
	r.mu.Unlock()
}

// Register attaches c.
func (r *Registry) Register(c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.clients[c.ID]; dup {
		return fault.E("consumer.Register", fault.ErrInvalidInput, "duplicate consumer id")
	}
	r.clients[c.ID] = c
	r.log.Info("consumer.register", "consumer", c.ID, "kind", string(c.Kind), "requester", c.Requester, "privileged", c.Privileged)
	return nil
}

// Unregister detaches consumer id, closes it and runs drop listeners
// synchronously. Unknown ids are a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	c, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
	}
	fns := append([]DropFunc(nil), r.onDrop...)
	r.mu.Unlock()
	if !ok {
		return
	}

	c.Close()
	for _, fn := range fns {
		fn(c.Context)
	}
	r.log.Info("consumer.unregister", "consumer", id)
}

// Get returns consumer id.
func (r *Registry) Get(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// Connected reports whether consumer id is attached.
func (r *Registry) Connected(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Len reports how many consumers are attached.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Any reports whether some attached consumer matches.
func (r *Registry) Any(match func(Context) bool) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.clients {
		if match(c.Context) {
			return true
		}
	}
	return false
}

// Send offers env to consumer id.
func (r *Registry) Send(id string, env v1.Envelope) bool {
	c, ok := r.Get(id)
	if !ok {
		return false
	}
	return c.Offer(env)
}

// Deliver encodes a router event for consumer id.
func (r *Registry) Deliver(id string, ev router.Event) bool {
	var (
		typ     string
		payload any
	)
	switch ev.Kind {
	case router.EventDiff:
		typ = v1.TypeEvent
		payload = v1.EventPayload{SubscriptionID: ev.SubscriptionID, Ship: ev.Ship, App: ev.App, Path: ev.Path, Data: ev.Data}
	case router.EventQuit:
		typ = v1.TypeSubscriptionQuit
		payload = v1.SubscriptionEndPayload{SubscriptionID: ev.SubscriptionID, Ship: ev.Ship}
	case router.EventDisconnected:
		typ = v1.TypeShipDisconnected
		payload = v1.SubscriptionEndPayload{SubscriptionID: ev.SubscriptionID, Ship: ev.Ship, Reason: ev.Reason}
	default:
		return true
	}
	env, err := Envelope(typ, "", payload)
	if err != nil {
		r.log.Error("consumer.encode.fail", "type", typ, "err", err)
		return true
	}
	return r.Send(id, env)
}

// Broadcast offers env to every consumer match accepts and reports how many
// took it. A nil match means every consumer.
func (r *Registry) Broadcast(match func(Context) bool, env v1.Envelope) int {
	r.mu.RLock()
	targets := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		if match == nil || match(c.Context) {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if c.Offer(env) {
			n++
		} else {
			r.log.Warn("consumer.broadcast.drop", "consumer", c.ID, "type", env.Type)
		}
	}
	return n
}

// Privileged matches consumers allowed to manage the broker.
func Privileged(c Context) bool { return c.Privileged }

// ForRequester matches consumers acting as requester.
func ForRequester(requester string) func(Context) bool {
	return func(c Context) bool { return c.Requester == requester }
}

// Envelope encodes payload into a fresh envelope. An empty id gets a ULID.
func Envelope(typ, id string, payload any) (v1.Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	if id == "" {
		id = ids.MustULID()
	}
	return v1.New(typ, id, b, time.Now().UTC()), nil
}
