// Package ship is the HTTP "airlock" client for one ship: login, scry,
// thread, and the channel (poke/subscribe/ack over PUT, events over SSE).
//
// A Client holds one authenticated session cookie and one channel. It does not
// track acks or reconnect; the connection manager owns that lifecycle.
package ship

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/dcSpark/urbit-visor/cmd/internal/fault"
	"github.com/dcSpark/urbit-visor/cmd/internal/ids"
)

const userAgent = "urbit-visor/1.0"

// Credentials is the decrypted login material for one ship.
type Credentials struct {
	Name string
	URL  string
	Code string
}

// Options tunes a Client. Zero values select the defaults.
type Options struct {
	// LoginTimeout bounds the whole login exchange.
	LoginTimeout time.Duration
	// CallTimeout bounds each non-streaming request.
	CallTimeout time.Duration
	// RetryMax is the retry count for idempotent requests (scry, name).
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// RateLimit caps outbound requests per second to this ship (0 = unlimited).
	RateLimit float64
	Burst     int
	// Transport replaces the base transport (tests).
	Transport http.RoundTripper
}

func (o Options) withDefaults() Options {
	if o.LoginTimeout <= 0 {
		o.LoginTimeout = 5 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.RetryMax < 0 {
		o.RetryMax = 0
	}
	if o.RetryWaitMin <= 0 {
		o.RetryWaitMin = 200 * time.Millisecond
	}
	if o.RetryWaitMax <= 0 {
		o.RetryWaitMax = 2 * time.Second
	}
	if o.Burst <= 0 {
		o.Burst = 10
	}
	return o
}

// Client is an authenticated session against one ship. Safe for concurrent use.
type Client struct {
	name         string // without sig, as the channel API wants it
	baseURL      string
	channel      string
	loginTimeout time.Duration

	rest    *resty.Client
	stream  *resty.Client
	limiter *rate.Limiter

	nextID atomic.Int64

	mu      sync.Mutex
	deleted bool
}

// Login authenticates with creds and returns a Client bound to a fresh channel.
//
// Errors: fault.ErrAuthFailed on a rejected code, fault.ErrTimeout when the
// exchange exceeds LoginTimeout, fault.ErrConnectionFailed otherwise.
func Login(ctx context.Context, creds Credentials, opts Options) (*Client, error) {
	opts = opts.withDefaults()

	base, err := baseURL(creds.URL)
	if err != nil {
		return nil, fault.E("ship.Login", fault.ErrConnectionFailed, "invalid ship url")
	}

	c := &Client{
		name:         strings.TrimPrefix(creds.Name, "~"),
		baseURL:      base,
		channel:      "visor-" + strings.ToLower(ids.MustULID()),
		loginTimeout: opts.LoginTimeout,
		limiter:      rate.NewLimiter(rate.Inf, 0),
	}
	if opts.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.Burst)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = opts.RetryMax
	retryClient.RetryWaitMin = opts.RetryWaitMin
	retryClient.RetryWaitMax = opts.RetryWaitMax
	retryClient.Logger = nil
	retryClient.CheckRetry = checkRetry
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if opts.Transport != nil {
		retryClient.HTTPClient.Transport = opts.Transport
	}

	c.rest = resty.New().
		SetTimeout(opts.CallTimeout).
		SetBaseURL(base).
		SetHeader("User-Agent", userAgent).
		SetCookieJar(nil).
		SetTransport(retryClient.StandardClient().Transport)

	// The event stream is long-lived: no client timeout, no retries.
	c.stream = resty.New().
		SetBaseURL(base).
		SetHeader("User-Agent", userAgent).
		SetCookieJar(nil).
		SetTransport(retryClient.HTTPClient.Transport)

	if err := c.login(ctx, creds.Code); err != nil {
		return nil, err
	}
	return c, nil
}

// Reauth logs in again with code and replaces the session cookie, keeping the
// channel so open subscriptions survive a reconnect.
func (c *Client) Reauth(ctx context.Context, code string) error {
	return c.login(ctx, code)
}

func (c *Client) login(ctx context.Context, code string) error {
	const op = "ship.Login"

	lctx, cancel := context.WithTimeout(ctx, c.loginTimeout)
	defer cancel()

	resp, err := c.rest.R().
		SetContext(lctx).
		SetFormData(map[string]string{"password": code}).
		Post("/~/login")
	if err != nil {
		if isTimeout(lctx, err) {
			return fault.E(op, fault.ErrTimeout, "login timed out")
		}
		return fault.E(op, fault.ErrConnectionFailed, "ship unreachable")
	}

	switch resp.StatusCode() {
	case http.StatusNoContent, http.StatusOK:
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return fault.E(op, fault.ErrAuthFailed, "login code rejected")
	default:
		return fault.Ef(op, fault.ErrConnectionFailed, "unexpected login status %d", resp.StatusCode())
	}

	var session *http.Cookie
	for _, ck := range resp.Cookies() {
		if strings.HasPrefix(ck.Name, "urbauth-") {
			session = ck
			break
		}
	}
	if session == nil {
		return fault.E(op, fault.ErrAuthFailed, "no session cookie")
	}

	c.mu.Lock()
	c.rest.Cookies = nil
	c.stream.Cookies = nil
	c.rest.SetCookie(session)
	c.stream.SetCookie(session)
	c.mu.Unlock()
	return nil
}

// Channel returns the channel uid.
func (c *Client) Channel() string { return c.channel }

// Name asks the ship for its @p.
func (c *Client) Name(ctx context.Context) (string, error) {
	const op = "ship.Name"
	resp, err := c.do(ctx, op, true, c.rest.R().SetHeader("Accept", "text/plain"), http.MethodGet, "/~/name")
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(resp.String())
	if !strings.HasPrefix(name, "~") {
		name = "~" + name
	}
	return name, nil
}

// Scry performs a point read of app at path and returns the JSON result.
func (c *Client) Scry(ctx context.Context, app, path string) (json.RawMessage, error) {
	const op = "ship.Scry"
	if app == "" || !strings.HasPrefix(path, "/") {
		return nil, fault.E(op, fault.ErrInvalidInput, "scry needs an app and an absolute path")
	}
	p := "/~/scry/" + url.PathEscape(app) + path + ".json"
	resp, err := c.do(ctx, op, true, c.rest.R().SetHeader("Accept", "application/json"), http.MethodGet, p)
	if err != nil {
		return nil, err
	}
	return rawJSON(resp.Body()), nil
}

// ThreadSpec names a spider thread invocation.
type ThreadSpec struct {
	Desk       string
	InputMark  string
	Thread     string
	OutputMark string
	Body       any
}

// Thread runs a spider thread and returns its final result.
func (c *Client) Thread(ctx context.Context, spec ThreadSpec) (json.RawMessage, error) {
	const op = "ship.Thread"
	if spec.Thread == "" || spec.InputMark == "" || spec.OutputMark == "" {
		return nil, fault.E(op, fault.ErrInvalidInput, "thread needs a name and marks")
	}
	desk := spec.Desk
	if desk == "" {
		desk = "base"
	}
	p := fmt.Sprintf("/spider/%s/%s/%s/%s.json",
		url.PathEscape(desk), url.PathEscape(spec.InputMark), url.PathEscape(spec.Thread), url.PathEscape(spec.OutputMark))

	req := c.rest.R().
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetBody(jsonBody(spec.Body))
	resp, err := c.do(ctx, op, false, req, http.MethodPost, p)
	if err != nil {
		return nil, err
	}
	return rawJSON(resp.Body()), nil
}

// Poke sends a poke to app and returns its action id. The ack arrives on the stream.
func (c *Client) Poke(ctx context.Context, app, mark string, data any) (int64, error) {
	if app == "" || mark == "" {
		return 0, fault.E("ship.Poke", fault.ErrInvalidInput, "poke needs an app and a mark")
	}
	id := c.nextID.Add(1)
	return id, c.put(ctx, "ship.Poke", action{
		ID: id, Action: "poke", Ship: c.name, App: app, Mark: mark, JSON: jsonBody(data),
	})
}

// Subscribe opens a subscription on app at path and returns its action id.
// Diffs and quits for it carry the same id.
func (c *Client) Subscribe(ctx context.Context, app, path string) (int64, error) {
	if app == "" || !strings.HasPrefix(path, "/") {
		return 0, fault.E("ship.Subscribe", fault.ErrInvalidInput, "subscribe needs an app and an absolute path")
	}
	id := c.nextID.Add(1)
	return id, c.put(ctx, "ship.Subscribe", action{
		ID: id, Action: "subscribe", Ship: c.name, App: app, Path: path,
	})
}

// Unsubscribe cancels the subscription opened by action id sub.
func (c *Client) Unsubscribe(ctx context.Context, sub int64) error {
	id := c.nextID.Add(1)
	return c.put(ctx, "ship.Unsubscribe", action{ID: id, Action: "unsubscribe", Subscription: sub})
}

// Ack acknowledges stream event eventID.
func (c *Client) Ack(ctx context.Context, eventID int64) error {
	id := c.nextID.Add(1)
	return c.put(ctx, "ship.Ack", action{ID: id, Action: "ack", EventID: eventID})
}

// Hi pokes hood with helm-hi; the first channel PUT creates the channel.
func (c *Client) Hi(ctx context.Context) (int64, error) {
	return c.Poke(ctx, "hood", "helm-hi", "opening airlock")
}

// Delete closes the channel on the ship. Safe to call more than once.
func (c *Client) Delete(ctx context.Context) error {
	c.mu.Lock()
	if c.deleted {
		c.mu.Unlock()
		return nil
	}
	c.deleted = true
	c.mu.Unlock()

	id := c.nextID.Add(1)
	return c.put(ctx, "ship.Delete", action{ID: id, Action: "delete"})
}

// Stream opens the channel's event stream, resuming after lastEventID when non-zero.
// The caller owns the returned stream and must Close it.
func (c *Client) Stream(ctx context.Context, lastEventID int64) (*EventStream, error) {
	const op = "ship.Stream"

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fault.E(op, fault.ErrTimeout, err.Error())
	}

	req := c.stream.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Accept", "text/event-stream")
	if lastEventID > 0 {
		req.SetHeader("Last-Event-ID", fmt.Sprint(lastEventID))
	}
	resp, err := req.Get("/~/channel/" + c.channel)
	if err != nil {
		return nil, transportErr(ctx, op, err)
	}
	body := resp.RawBody()
	if resp.StatusCode() != http.StatusOK {
		_ = body.Close()
		return nil, statusErr(op, resp.StatusCode(), "")
	}
	return newEventStream(body), nil
}

// ---- internals ----

type action struct {
	ID           int64  `json:"id"`
	Action       string `json:"action"`
	Ship         string `json:"ship,omitempty"`
	App          string `json:"app,omitempty"`
	Mark         string `json:"mark,omitempty"`
	JSON         any    `json:"json,omitempty"`
	Path         string `json:"path,omitempty"`
	Subscription int64  `json:"subscription,omitempty"`
	EventID      int64  `json:"event-id,omitempty"`
}

func (c *Client) put(ctx context.Context, op string, acts ...action) error {
	req := c.rest.R().
		SetHeader("Content-Type", "application/json").
		SetBody(acts)
	_, err := c.do(ctx, op, false, req, http.MethodPut, "/~/channel/"+c.channel)
	return err
}

func (c *Client) do(ctx context.Context, op string, idempotent bool, req *resty.Request, method, path string) (*resty.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fault.E(op, fault.ErrTimeout, err.Error())
	}
	if idempotent {
		ctx = context.WithValue(ctx, idempotentKey{}, true)
	}

	resp, err := req.SetContext(ctx).Execute(method, path)
	if err != nil {
		return nil, transportErr(ctx, op, err)
	}
	if code := resp.StatusCode(); code < 200 || code > 299 {
		return nil, statusErr(op, code, shortDetail(resp.Body()))
	}
	return resp, nil
}

type idempotentKey struct{}

// checkRetry retries only requests marked idempotent; pokes and thread
// invocations must not be replayed.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if v, _ := ctx.Value(idempotentKey{}).(bool); !v {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

func transportErr(ctx context.Context, op string, err error) error {
	if isTimeout(ctx, err) {
		return fault.E(op, fault.ErrTimeout, "request timed out")
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fault.E(op, fault.ErrTransport, "ship unreachable")
}

func statusErr(op string, code int, detail string) error {
	if code == http.StatusUnauthorized || code == http.StatusForbidden {
		return fault.E(op, fault.ErrAuthFailed, "session rejected")
	}
	return fault.ShipError{Op: op, Status: code, Detail: detail}
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func baseURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(raw), "/"))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", errors.New("ship: invalid url")
	}
	return u.String(), nil
}

// jsonBody keeps pre-encoded payloads from being encoded a second time.
func jsonBody(v any) any {
	switch b := v.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return b
	case []byte:
		return json.RawMessage(b)
	default:
		return v
	}
}

func rawJSON(b []byte) json.RawMessage {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return append(json.RawMessage(nil), b...)
}

func shortDetail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
