package conn

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/dcSpark/urbit-visor/cmd/internal/fault"
	"github.com/dcSpark/urbit-visor/cmd/internal/ship"
)

// earlyLimit bounds acks that arrive before their caller starts waiting.
const earlyLimit = 256

// Session is one ship's live channel. Calls are safe for concurrent use.
type Session struct {
	m    *Manager
	ship string
	code string
	t    Transport

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	ready      chan struct{}
	stream     *ship.EventStream
	waiters    map[int64]chan error
	early      map[int64]error
	earlyOrder []int64
	lastEvent  int64
	acked      int64

	queue chan struct{}
	ackc  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newSession(m *Manager, name, code string, t Transport) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		m:       m,
		ship:    name,
		code:    code,
		t:       t,
		ctx:     ctx,
		cancel:  cancel,
		state:   Connecting,
		ready:   make(chan struct{}),
		waiters: make(map[int64]chan error),
		early:   make(map[int64]error),
		queue:   make(chan struct{}, m.cfg.QueueSize),
		ackc:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Ship returns the ship name.
func (s *Session) Ship() string { return s.ship }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session is finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// Poke sends a poke and waits for the ship's ack. A nack is a fault.ShipError.
func (s *Session) Poke(ctx context.Context, app, mark string, data any) error {
	var id int64
	err := s.call(ctx, func(ctx context.Context) (err error) {
		id, err = s.t.Poke(ctx, app, mark, data)
		return err
	})
	if err != nil {
		return err
	}
	return s.waitAck(ctx, id)
}

// Subscribe opens a wire subscription and waits for the ship to accept it.
// The returned id tags every diff and quit for it.
func (s *Session) Subscribe(ctx context.Context, app, path string) (int64, error) {
	var id int64
	err := s.call(ctx, func(ctx context.Context) (err error) {
		id, err = s.t.Subscribe(ctx, app, path)
		return err
	})
	if err != nil {
		return 0, err
	}
	if err := s.waitAck(ctx, id); err != nil {
		return 0, err
	}
	return id, nil
}

// Unsubscribe cancels wire subscription id.
func (s *Session) Unsubscribe(ctx context.Context, id int64) error {
	return s.call(ctx, func(ctx context.Context) error {
		return s.t.Unsubscribe(ctx, id)
	})
}

// Scry performs a point read.
func (s *Session) Scry(ctx context.Context, app, path string) (json.RawMessage, error) {
	var out json.RawMessage
	err := s.call(ctx, func(ctx context.Context) (err error) {
		out, err = s.t.Scry(ctx, app, path)
		return err
	})
	return out, err
}

// Thread runs a spider thread.
func (s *Session) Thread(ctx context.Context, spec ship.ThreadSpec) (json.RawMessage, error) {
	var out json.RawMessage
	err := s.call(ctx, func(ctx context.Context) (err error) {
		out, err = s.t.Thread(ctx, spec)
		return err
	})
	return out, err
}

// ---- call path ----

// call runs fn once the session is usable. A transport failure forces a
// reconnect and fn is retried once after it settles.
func (s *Session) call(ctx context.Context, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if err := s.await(ctx); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil || attempt > 0 || !errors.Is(err, fault.ErrTransport) {
			return err
		}
		s.kick()
	}
}

// await returns once the session is Connected. While Reconnecting the caller
// takes a queue slot and waits up to CallTimeout.
func (s *Session) await(ctx context.Context) error {
	const op = "conn.call"

	s.mu.Lock()
	st, ready := s.state, s.ready
	s.mu.Unlock()

	switch st {
	case Connected:
		return nil
	case Disconnected:
		return fault.E(op, fault.ErrShipDisconnected, s.ship)
	}

	select {
	case s.queue <- struct{}{}:
	default:
		return fault.E(op, fault.ErrTimeout, "reconnect queue full")
	}
	defer func() { <-s.queue }()

	t := time.NewTimer(s.m.cfg.CallTimeout)
	defer t.Stop()

	select {
	case <-ready:
		if s.State() == Connected {
			return nil
		}
		return fault.E(op, fault.ErrShipDisconnected, s.ship)
	case <-s.done:
		return fault.E(op, fault.ErrShipDisconnected, s.ship)
	case <-t.C:
		return fault.E(op, fault.ErrTimeout, "ship reconnecting")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) waitAck(ctx context.Context, id int64) error {
	const op = "conn.ack"

	ch := s.register(id)
	t := time.NewTimer(s.m.cfg.CallTimeout)
	defer t.Stop()

	select {
	case err := <-ch:
		return err
	case <-s.done:
		s.unregister(id)
		return fault.E(op, fault.ErrShipDisconnected, s.ship)
	case <-t.C:
		s.unregister(id)
		return fault.E(op, fault.ErrTimeout, "no ack from ship")
	case <-ctx.Done():
		s.unregister(id)
		return ctx.Err()
	}
}

func (s *Session) register(id int64) chan error {
	ch := make(chan error, 1)

	s.mu.Lock()
	defer s.mu.Unlock()

	if res, ok := s.early[id]; ok {
		delete(s.early, id)
		ch <- res
		return ch
	}
	if s.state == Disconnected {
		ch <- fault.E("conn.ack", fault.ErrShipDisconnected, s.ship)
		return ch
	}
	s.waiters[id] = ch
	return ch
}

func (s *Session) unregister(id int64) {
	s.mu.Lock()
	delete(s.waiters, id)
	s.mu.Unlock()
}

// resolve hands an ack to its waiter, or parks it until the waiter registers.
func (s *Session) resolve(id int64, res error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.waiters[id]; ok {
		delete(s.waiters, id)
		ch <- res
		return
	}
	s.early[id] = res
	s.earlyOrder = append(s.earlyOrder, id)
	for len(s.earlyOrder) > earlyLimit {
		delete(s.early, s.earlyOrder[0])
		s.earlyOrder = s.earlyOrder[1:]
	}
}

// ---- reader ----

// start makes the session Connected and launches its reader. It reports
// false when the session was torn down before it could start.
func (s *Session) start(st *ship.EventStream) bool {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		_ = st.Close()
		return false
	}
	s.stream = st
	s.state = Connected
	close(s.ready)
	s.mu.Unlock()

	go s.run(st)
	go s.ackLoop()
	return true
}

// run is the single reader of the channel stream. Events are handled in
// stream order, which is what keeps per-subscription delivery ordered.
func (s *Session) run(st *ship.EventStream) {
	for {
		ev, err := st.Next()
		if err != nil {
			_ = st.Close()
			if s.finished() {
				return
			}
			s.m.log.Warn("conn.stream.lost", "ship", s.ship, "code", fault.Code(err))

			next, rerr := s.reconnect()
			if rerr != nil {
				s.m.teardown(s, fault.E("conn.reconnect", fault.ErrShipDisconnected, "reconnect budget exhausted"), false)
				return
			}
			st = next
			continue
		}
		s.handle(ev)
	}
}

func (s *Session) handle(ev ship.Event) {
	s.mu.Lock()
	if ev.EventID > s.lastEvent {
		s.lastEvent = ev.EventID
	}
	s.mu.Unlock()

	select {
	case s.ackc <- struct{}{}:
	default:
	}

	switch ev.Response {
	case ship.ResponsePoke, ship.ResponseSubscribe:
		var res error
		if !ev.OK {
			res = fault.ShipError{Op: "ship." + ev.Response, Detail: ev.Err}
		}
		s.resolve(ev.ActionID, res)
	case ship.ResponseDiff, ship.ResponseQuit:
		s.m.emit(s.ship, ev)
	}
}

// ackLoop acks the newest seen event. Channel acks are cumulative, so bursts
// collapse into one PUT.
func (s *Session) ackLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.ackc:
		}

		s.mu.Lock()
		id, acked, st := s.lastEvent, s.acked, s.state
		s.mu.Unlock()
		if id <= acked || st != Connected {
			continue
		}

		ctx, cancel := context.WithTimeout(s.ctx, s.m.cfg.CallTimeout)
		err := s.t.Ack(ctx, id)
		cancel()
		if err != nil {
			s.m.log.Debug("conn.ack.fail", "ship", s.ship, "code", fault.Code(err))
			continue
		}
		s.mu.Lock()
		if id > s.acked {
			s.acked = id
		}
		s.mu.Unlock()
	}
}

// kick moves a Connected session into Reconnecting and drops its stream so
// the reader starts the reconnect loop.
func (s *Session) kick() {
	s.mu.Lock()
	if s.state != Connected {
		s.mu.Unlock()
		return
	}
	s.state = Reconnecting
	s.ready = make(chan struct{})
	st := s.stream
	s.mu.Unlock()

	if st != nil {
		_ = st.Close()
	}
}

// reconnect reopens the stream from the last seen event with bounded
// exponential backoff, logging in again when the cookie was rejected.
func (s *Session) reconnect() (*ship.EventStream, error) {
	s.mu.Lock()
	if s.state == Connected {
		s.state = Reconnecting
		s.ready = make(chan struct{})
	}
	s.mu.Unlock()

	cfg := s.m.cfg
	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.ReconnectInitial,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         cfg.ReconnectMax,
	}

	attempt := 0
	open := func() (*ship.EventStream, error) {
		attempt++
		if s.finished() {
			return nil, backoff.Permanent(fault.E("conn.reconnect", fault.ErrShipDisconnected, s.ship))
		}
		s.mu.Lock()
		last := s.lastEvent
		s.mu.Unlock()

		st, err := s.t.Stream(s.ctx, last)
		if errors.Is(err, fault.ErrAuthFailed) {
			if rerr := s.t.Reauth(s.ctx, s.code); rerr != nil {
				if errors.Is(rerr, fault.ErrAuthFailed) {
					return nil, backoff.Permanent(rerr)
				}
				return nil, rerr
			}
			st, err = s.t.Stream(s.ctx, last)
		}
		var se fault.ShipError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			// The ship no longer knows the channel; resuming is impossible.
			return nil, backoff.Permanent(err)
		}
		return st, err
	}

	st, err := backoff.Retry(s.ctx, open,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(cfg.ReconnectMaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.m.metrics.Reconnect("retry")
			s.m.log.Info("conn.reconnect.attempt", "ship", s.ship, "attempt", attempt, "next", next, "code", fault.Code(err))
		}),
	)
	if err != nil {
		s.m.metrics.Reconnect("exhausted")
		s.m.log.Warn("conn.reconnect.fail", "ship", s.ship, "attempts", attempt, "code", fault.Code(err))
		return nil, err
	}

	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		_ = st.Close()
		return nil, fault.E("conn.reconnect", fault.ErrShipDisconnected, s.ship)
	}
	s.stream = st
	s.state = Connected
	close(s.ready)
	s.mu.Unlock()

	s.m.metrics.Reconnect("ok")
	s.m.log.Info("conn.reconnect.ok", "ship", s.ship, "attempts", attempt)
	return st, nil
}

func (s *Session) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// finish moves the session to Disconnected exactly once, failing every
// waiter. It reports whether this call did the transition.
func (s *Session) finish() bool {
	did := false
	s.once.Do(func() {
		did = true

		s.mu.Lock()
		prev := s.state
		s.state = Disconnected
		if prev == Reconnecting || prev == Connecting {
			close(s.ready)
		}
		for id, ch := range s.waiters {
			ch <- fault.E("conn.ack", fault.ErrShipDisconnected, s.ship)
			delete(s.waiters, id)
		}
		st := s.stream
		s.mu.Unlock()

		close(s.done)
		s.cancel()
		if st != nil {
			_ = st.Close()
		}
	})
	return did
}
