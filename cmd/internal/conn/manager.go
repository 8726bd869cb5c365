// Package conn is the connection manager: at most one live airlock session
// per ship, its reconnect state machine, and routing of channel acks back to
// the calls that are waiting on them.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dcSpark/urbit-visor/cmd/internal/fault"
	"github.com/dcSpark/urbit-visor/cmd/internal/metrics"
	"github.com/dcSpark/urbit-visor/cmd/internal/ship"
	"github.com/dcSpark/urbit-visor/cmd/internal/vault"
)

// Transport is the airlock surface a session drives. *ship.Client implements it.
type Transport interface {
	Hi(ctx context.Context) (int64, error)
	Poke(ctx context.Context, app, mark string, data any) (int64, error)
	Subscribe(ctx context.Context, app, path string) (int64, error)
	Unsubscribe(ctx context.Context, sub int64) error
	Ack(ctx context.Context, eventID int64) error
	Scry(ctx context.Context, app, path string) (json.RawMessage, error)
	Thread(ctx context.Context, spec ship.ThreadSpec) (json.RawMessage, error)
	Stream(ctx context.Context, lastEventID int64) (*ship.EventStream, error)
	Reauth(ctx context.Context, code string) error
	Delete(ctx context.Context) error
}

// Dialer logs into a ship and returns its transport.
type Dialer func(ctx context.Context, creds ship.Credentials) (Transport, error)

// CredentialSource hands out decrypted login material. *vault.Vault implements it.
type CredentialSource interface {
	DecryptShip(ctx context.Context, name string) (vault.DecryptedShip, error)
}

// EventFunc receives diff and quit events in stream order. It runs on the
// session's reader goroutine and must not block.
type EventFunc func(ship string, ev ship.Event)

// DisconnectFunc is told once per lost or closed session.
type DisconnectFunc func(ship string, reason error)

// Info describes one session.
type Info struct {
	Ship   string `json:"ship"`
	State  State  `json:"state"`
	Active bool   `json:"active"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithDialer replaces ship.Login (tests).
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		if d != nil {
			m.dial = d
		}
	}
}

// WithMetrics attaches collectors.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// Manager owns every ship session. Safe for concurrent use.
type Manager struct {
	log     *slog.Logger
	cfg     Config
	creds   CredentialSource
	dial    Dialer
	metrics *metrics.Metrics

	sf singleflight.Group

	mu           sync.Mutex
	sessions     map[string]*Session
	connecting   map[string]bool
	active       string
	onEvent      []EventFunc
	onDisconnect []DisconnectFunc
	closed       bool
}

// New constructs a Manager.
func New(creds CredentialSource, cfg Config, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		cfg:        cfg,
		creds:      creds,
		sessions:   make(map[string]*Session),
		connecting: make(map[string]bool),
	}
	m.dial = func(ctx context.Context, c ship.Credentials) (Transport, error) {
		cl, err := ship.Login(ctx, c, cfg.Ship)
		if err != nil {
			return nil, err
		}
		return cl, nil
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// OnEvent registers an event sink.
func (m *Manager) OnEvent(fn EventFunc) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.onEvent = append(m.onEvent, fn)
	m.mu.Unlock()
}

// OnDisconnect registers a disconnect listener.
func (m *Manager) OnDisconnect(fn DisconnectFunc) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.onDisconnect = append(m.onDisconnect, fn)
	m.mu.Unlock()
}

// EnsureSession returns the live session for name, opening one if needed.
// Concurrent callers for one ship share a single login. A returned session
// may be Reconnecting; its calls queue until it settles.
func (m *Manager) EnsureSession(ctx context.Context, name string) (*Session, error) {
	name, err := vault.NormalizeShipName(name)
	if err != nil {
		return nil, err
	}
	if s := m.live(name); s != nil {
		return s, nil
	}

	// The login outlives any single caller so a cancelled request does not
	// abort it for the others sharing it; LoginTimeout still bounds it.
	ch := m.sf.DoChan(name, func() (any, error) {
		return m.open(context.WithoutCancel(ctx), name)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Session returns the open session for name without connecting.
func (m *Manager) Session(name string) (*Session, bool) {
	s := m.live(name)
	return s, s != nil
}

// State reports the connection state of name.
func (m *Manager) State(name string) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s := m.sessions[name]; s != nil {
		return s.State()
	}
	if m.connecting[name] {
		return Connecting
	}
	return Disconnected
}

// Sessions lists open or opening sessions ordered by ship.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.sessions)+len(m.connecting))
	for name, s := range m.sessions {
		out = append(out, Info{Ship: name, State: s.State(), Active: name == m.active})
	}
	for name := range m.connecting {
		if _, ok := m.sessions[name]; !ok {
			out = append(out, Info{Ship: name, State: Connecting, Active: name == m.active})
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Ship < out[j].Ship })
	return out
}

// Active returns the active ship ("" when none).
func (m *Manager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// SetActive makes name the active ship. With CloseInactive every other
// session is disconnected; otherwise background sessions stay warm.
func (m *Manager) SetActive(name string) {
	m.mu.Lock()
	prev := m.active
	m.active = name
	var others []*Session
	if m.cfg.CloseInactive {
		for n, s := range m.sessions {
			if n != name {
				others = append(others, s)
			}
		}
	}
	m.mu.Unlock()

	if prev != name {
		m.log.Info("conn.active", "ship", name, "prev", prev)
	}
	for _, s := range others {
		m.teardown(s, fault.E("conn.SetActive", fault.ErrShipDisconnected, "ship no longer active"), true)
	}
}

// Disconnect closes the session for name, deleting its channel on the ship.
func (m *Manager) Disconnect(name string) {
	m.mu.Lock()
	s := m.sessions[name]
	m.mu.Unlock()
	if s != nil {
		m.teardown(s, fault.E("conn.Disconnect", fault.ErrShipDisconnected, "disconnected"), true)
	}
}

// Evict drops a background session. It behaves exactly like a fatal
// disconnect: every subscription on the ship is told ShipDisconnected.
func (m *Manager) Evict(name string) {
	m.mu.Lock()
	s := m.sessions[name]
	m.mu.Unlock()
	if s != nil {
		m.teardown(s, fault.E("conn.Evict", fault.ErrShipDisconnected, "session evicted"), true)
	}
}

// Forget disconnects name and clears it as the active ship. It is the
// vault's removal cascade.
func (m *Manager) Forget(_ context.Context, name string) error {
	m.Disconnect(name)
	m.mu.Lock()
	if m.active == name {
		m.active = ""
	}
	m.mu.Unlock()
	return nil
}

// Close disconnects every session. The Manager rejects new sessions afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.active = ""
	m.mu.Unlock()

	for _, s := range all {
		m.teardown(s, fault.E("conn.Close", fault.ErrShipDisconnected, "broker shutting down"), true)
	}
}

// Reset disconnects everything but keeps the Manager usable.
func (m *Manager) Reset() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.active = ""
	m.mu.Unlock()

	for _, s := range all {
		m.teardown(s, fault.E("conn.Reset", fault.ErrShipDisconnected, "reset"), true)
	}
}

// ---- internals ----

func (m *Manager) live(name string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.sessions[name]; s != nil && s.State() != Disconnected {
		return s
	}
	return nil
}

func (m *Manager) open(ctx context.Context, name string) (*Session, error) {
	const op = "conn.EnsureSession"

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fault.E(op, fault.ErrShipDisconnected, "manager closed")
	}
	if s := m.sessions[name]; s != nil && s.State() != Disconnected {
		m.mu.Unlock()
		return s, nil
	}
	m.connecting[name] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.connecting, name)
		m.mu.Unlock()
	}()

	m.log.Info("conn.connect.start", "ship", name)

	creds, err := m.creds.DecryptShip(ctx, name)
	if err != nil {
		return nil, err
	}
	t, err := m.dial(ctx, ship.Credentials{Name: creds.Name, URL: creds.URL, Code: creds.Code})
	if err != nil {
		m.log.Warn("conn.connect.fail", "ship", name, "code", fault.Code(err))
		return nil, err
	}

	s := newSession(m, name, creds.Code, t)

	hctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	_, err = t.Hi(hctx)
	cancel()
	var st *ship.EventStream
	if err == nil {
		st, err = t.Stream(s.ctx, 0)
	}
	if err != nil {
		s.cancel()
		err = connectErr(op, err)
		m.log.Warn("conn.connect.fail", "ship", name, "code", fault.Code(err))
		return nil, err
	}

	// Stored before the reader starts so a stream that dies at once is torn
	// down through the map like any other session.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.cancel()
		_ = st.Close()
		return nil, fault.E(op, fault.ErrShipDisconnected, "manager closed")
	}
	m.sessions[name] = s
	m.mu.Unlock()
	m.metrics.SessionOpened()

	if !s.start(st) {
		m.log.Warn("conn.connect.fail", "ship", name, "code", "ship_disconnected")
		return nil, fault.E(op, fault.ErrShipDisconnected, "session closed while opening")
	}
	m.log.Info("conn.connect.ok", "ship", name)
	return s, nil
}

// connectErr folds transport and ship failures during session setup into
// ErrConnectionFailed; auth and timeout keep their kind.
func connectErr(op string, err error) error {
	switch {
	case errors.Is(err, fault.ErrAuthFailed), errors.Is(err, fault.ErrTimeout):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fault.E(op, fault.ErrTimeout, "channel open timed out")
	default:
		return fault.E(op, fault.ErrConnectionFailed, "channel open failed")
	}
}

func (m *Manager) emit(name string, ev ship.Event) {
	m.mu.Lock()
	fns := append([]EventFunc(nil), m.onEvent...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(name, ev)
	}
}

// teardown finishes s once, removes it, optionally deletes its channel, and
// notifies disconnect listeners.
func (m *Manager) teardown(s *Session, reason error, deleteChannel bool) {
	if !s.finish() {
		return
	}

	m.mu.Lock()
	if m.sessions[s.ship] == s {
		delete(m.sessions, s.ship)
	}
	listeners := append([]DisconnectFunc(nil), m.onDisconnect...)
	m.mu.Unlock()

	m.metrics.SessionClosed()

	if deleteChannel {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.t.Delete(ctx); err != nil {
			m.log.Debug("conn.channel.delete.fail", "ship", s.ship, "code", fault.Code(err))
		}
		cancel()
	}

	m.log.Info("conn.disconnect", "ship", s.ship, "reason", fault.Message(reason))
	for _, fn := range listeners {
		fn(s.ship, reason)
	}
}
