// Package gateway is the websocket entrypoint consumer contexts use to reach
// the broker.
//
// One socket is one consumer context. The first frame must be a hello; after
// that every request envelope is decoded, handed to the broker on its own
// goroutine and answered with exactly one response carrying the request id.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	v1 "github.com/dcSpark/urbit-visor/shared/contracts/broker/v1"

	"github.com/coder/websocket"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/dcSpark/urbit-visor/cmd/internal/broker"
	"github.com/dcSpark/urbit-visor/cmd/internal/consumer"
	"github.com/dcSpark/urbit-visor/cmd/internal/fault"
	"github.com/dcSpark/urbit-visor/cmd/internal/metrics"
)

// Handler executes one decoded request for a consumer. *broker.Broker
// implements it.
type Handler interface {
	Handle(ctx context.Context, c consumer.Context, req broker.Request) (any, error)
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(g *Gateway) {
		if log != nil {
			g.log = log
		}
	}
}

// WithMetrics attaches collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// Gateway upgrades HTTP requests to broker sessions.
type Gateway struct {
	log       *slog.Logger
	metrics   *metrics.Metrics
	cfg       Config
	policy    consumer.Policy
	handler   Handler
	consumers *consumer.Registry

	allowAny bool
	// Derived for websocket.Accept, which only authorizes cross-origin
	// requests whose host matches one of these patterns.
	originPatterns []string

	inflight sync.WaitGroup
}

// New constructs a Gateway.
func New(h Handler, reg *consumer.Registry, policy consumer.Policy, cfg Config, opts ...Option) *Gateway {
	g := &Gateway{
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		cfg:       cfg.withDefaults(),
		policy:    policy,
		handler:   h,
		consumers: reg,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	g.allowAny = slices.Contains(g.cfg.AllowedOrigins, "*")
	g.originPatterns = deriveOriginPatterns(g.cfg.AllowedOrigins)
	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// Wait blocks until every request handed to the broker has returned.
func (g *Gateway) Wait() { g.inflight.Wait() }

// HandleWS upgrades one consumer connection and runs its loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if err := g.enforceOrigin(origin); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", origin, "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client, err := g.hello(ctx, conn, origin)
	if err != nil {
		g.log.Info("ws.hello.fail", "origin", origin, "err", err)
		_ = writeEnvelope(ctx, conn, errorEnvelope(fault.Code(err), helloMessage(err)), g.cfg.WriteTimeout)
		_ = conn.Close(websocket.StatusPolicyViolation, "hello failed")
		return
	}
	id := client.ID

	g.metrics.WSOpened()
	defer g.metrics.WSClosed()

	var closeOnce sync.Once

	// shutdown is idempotent. Unregister cascades the drop to the router and
	// the ledger before the socket closes. client.Send is never closed.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.consumers.Unregister(id)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "consumer", id, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "consumer", id, "failures", failures, "err", err)
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	rl := rate.NewLimiter(rate.Every(g.cfg.RateWindow/time.Duration(g.cfg.RateEvents)), g.cfg.RateEvents)
	sem := semaphore.NewWeighted(int64(g.cfg.MaxInflight))

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "consumer", id, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow() {
			// Written inline so it lands before the close frame.
			_ = writeEnvelope(ctx, conn, errorEnvelope("rate_limited", "too many requests"), g.cfg.WriteTimeout)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeRequest:
			g.onRequest(ctx, client, sem, env, shutdown)
		case v1.TypeHello:
			g.trySendError(client, "already_identified", "hello already received")
		default:
			g.trySendError(client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

// hello reads the identifying first frame and registers the consumer. The
// ack is queued before registration so it is the first frame the consumer
// sees.
func (g *Gateway) hello(parent context.Context, conn *websocket.Conn, origin string) (*consumer.Client, error) {
	const op = "gateway.hello"

	ctx, cancel := context.WithTimeout(parent, g.cfg.HelloTimeout)
	env, err := readEnvelope(ctx, conn)
	cancel()
	if err != nil {
		if classifyReadErr(err) == readErrCtxDone {
			return nil, fault.E(op, fault.ErrTimeout, "no hello received")
		}
		return nil, fault.E(op, fault.ErrInvalidInput, "hello expected")
	}
	if err := env.Validate(); err != nil || env.Type != v1.TypeHello {
		return nil, fault.E(op, fault.ErrInvalidInput, "hello expected")
	}

	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fault.E(op, fault.ErrInvalidInput, "malformed hello payload")
	}

	c, err := g.policy.Identify(origin, p.Kind, p.Name)
	if err != nil {
		return nil, err
	}

	client := consumer.NewClient(c, g.cfg.SendQueueSize)
	ack, err := consumer.Envelope(v1.TypeHelloAck, env.ID, v1.HelloAckPayload{
		ConsumerID: c.ID,
		Requester:  c.Requester,
		Privileged: c.Privileged,
	})
	if err != nil {
		return nil, err
	}
	client.Offer(ack)

	if err := g.consumers.Register(client); err != nil {
		return nil, err
	}
	g.log.Info("ws.hello", "consumer", c.ID, "kind", string(c.Kind), "requester", c.Requester)
	return client, nil
}

func (g *Gateway) onRequest(ctx context.Context, client *consumer.Client, sem *semaphore.Weighted, env v1.Envelope, shutdown func(websocket.StatusCode, string)) {
	const op = "gateway.request"

	var p v1.RequestPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.respond(client, env.ID, nil, fault.E(op, fault.ErrInvalidInput, "malformed request payload"))
		return
	}
	req, err := broker.Decode(p.Action, p.Data)
	if err != nil {
		g.respond(client, env.ID, nil, err)
		return
	}
	if !sem.TryAcquire(1) {
		g.respondCode(client, env.ID, "busy", "too many requests in flight")
		return
	}

	// The call runs to completion even if the consumer leaves. Its result is
	// then discarded because the client is closed.
	callCtx := context.WithoutCancel(ctx)

	g.inflight.Add(1)
	go func() {
		defer g.inflight.Done()
		defer sem.Release(1)

		res, err := g.handler.Handle(callCtx, client.Context, req)
		if g.respond(client, env.ID, res, err) {
			return
		}
		select {
		case <-client.Done():
			g.log.Debug("ws.response.discard", "consumer", client.ID, "action", p.Action)
		default:
			g.log.Warn("ws.response.drop", "consumer", client.ID, "action", p.Action)
			shutdown(websocket.StatusPolicyViolation, "outbox full")
		}
	}()
}

// ---- send helpers ----

func (g *Gateway) respond(client *consumer.Client, requestID string, res any, err error) bool {
	p := v1.ResponsePayload{RequestID: requestID, OK: err == nil}
	if err != nil {
		p.Error = &v1.ErrorPayload{Code: fault.Code(err), Message: fault.Message(err)}
	} else if res != nil {
		b, mErr := json.Marshal(res)
		if mErr != nil {
			g.log.Error("ws.response.encode.fail", "consumer", client.ID, "err", mErr)
			p.OK = false
			p.Error = &v1.ErrorPayload{Code: "internal", Message: "internal error"}
		} else {
			p.Data = b
		}
	}
	return g.offer(client, v1.TypeResponse, p)
}

func (g *Gateway) respondCode(client *consumer.Client, requestID, code, msg string) bool {
	return g.offer(client, v1.TypeResponse, v1.ResponsePayload{
		RequestID: requestID,
		Error:     &v1.ErrorPayload{Code: code, Message: msg},
	})
}

func (g *Gateway) trySendError(client *consumer.Client, code, msg string) {
	_ = client.Offer(errorEnvelope(code, msg))
}

func (g *Gateway) offer(client *consumer.Client, typ string, payload any) bool {
	env, err := consumer.Envelope(typ, "", payload)
	if err != nil {
		g.log.Error("ws.encode.fail", "type", typ, "err", err)
		return false
	}
	return client.Offer(env)
}

func errorEnvelope(code, msg string) v1.Envelope {
	env, _ := consumer.Envelope(v1.TypeError, "", v1.ErrorPayload{Code: code, Message: msg})
	return env
}

func helloMessage(err error) string {
	if fault.Kind(err) == nil {
		return "hello failed"
	}
	return fault.Message(err)
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	if errors.As(err, &syn) || errors.As(err, &typ) || errors.Is(err, io.ErrUnexpectedEOF) {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

// enforceOrigin requires an Origin header since it is the requester identity
// permissions are keyed on.
func (g *Gateway) enforceOrigin(origin string) error {
	if origin == "" {
		return errors.New("missing origin")
	}
	if g.allowAny {
		return nil
	}

	host := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if strings.EqualFold(origin, a) {
			return nil
		}
		if host != "" && host == originHostOnly(a) {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns turns the allowlist into websocket.Accept host
// patterns. Accept matches against host[:port], so each host also gets a
// any-port variant.
func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed)*2)
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "*" {
			return []string{"*"}
		}
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
		seen[h+":*"] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}
