// Package shiptest runs an in-process fake of a ship's HTTP airlock for tests:
// login, name, scry, spider threads, and a channel with SSE delivery.
package shiptest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Action is one channel action as received by the fake.
type Action struct {
	ID           int64           `json:"id"`
	Action       string          `json:"action"`
	Ship         string          `json:"ship"`
	App          string          `json:"app"`
	Mark         string          `json:"mark"`
	JSON         json.RawMessage `json:"json"`
	Path         string          `json:"path"`
	Subscription int64           `json:"subscription"`
	EventID      int64           `json:"event-id"`
}

// PokeFunc decides the ack for a poke; a non-nil error becomes a nack.
type PokeFunc func(app, mark string, data json.RawMessage) error

// ScryFunc answers GET /~/scry/{app}{path}.json.
type ScryFunc func(app, path string) (int, any)

// ThreadFunc answers POST /spider/{desk}/{in}/{thread}/{out}.json.
type ThreadFunc func(desk, inMark, thread, outMark string, body json.RawMessage) (int, any)

// Server is a fake ship.
type Server struct {
	*httptest.Server

	ShipName string
	Code     string

	mu         sync.Mutex
	loginDelay time.Duration
	poke       PokeFunc
	scry       ScryFunc
	thread     ThreadFunc
	session    string
	logins     int
	streams    int
	down       bool
	actions    []Action
	channels   map[string]*channel
}

type sub struct {
	app  string
	path string
}

type sse struct {
	id   int64
	data []byte
}

type channel struct {
	events []sse
	next   int64
	acked  int64
	subs   map[int64]sub
	wake   chan struct{}
	kill   chan struct{}
}

// New starts a fake ship named name accepting code. It is closed on test cleanup
// by the caller via Close.
func New(name, code string) *Server {
	s := &Server{
		ShipName: name,
		Code:     code,
		channels: make(map[string]*channel),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /~/login", s.handleLogin)
	mux.HandleFunc("GET /~/name", s.authed(s.handleName))
	mux.HandleFunc("GET /~/scry/", s.authed(s.handleScry))
	mux.HandleFunc("POST /spider/", s.authed(s.handleThread))
	mux.HandleFunc("PUT /~/channel/{uid}", s.authed(s.handleActions))
	mux.HandleFunc("GET /~/channel/{uid}", s.authed(s.handleStream))
	s.Server = httptest.NewServer(s.gate(mux))
	return s
}

// SetLoginDelay stalls every login by d.
func (s *Server) SetLoginDelay(d time.Duration) {
	s.mu.Lock()
	s.loginDelay = d
	s.mu.Unlock()
}

// HandlePoke installs the poke decision function.
func (s *Server) HandlePoke(fn PokeFunc) {
	s.mu.Lock()
	s.poke = fn
	s.mu.Unlock()
}

// HandleScry installs the scry responder.
func (s *Server) HandleScry(fn ScryFunc) {
	s.mu.Lock()
	s.scry = fn
	s.mu.Unlock()
}

// HandleThread installs the thread responder.
func (s *Server) HandleThread(fn ThreadFunc) {
	s.mu.Lock()
	s.thread = fn
	s.mu.Unlock()
}

// SetDown makes every request fail at the connection level while true.
// Open streams are dropped immediately.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
	if down {
		s.DropStreams()
	}
}

// DropStreams aborts every open event stream.
func (s *Server) DropStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.channels {
		close(ch.kill)
		ch.kill = make(chan struct{})
	}
}

// Diff pushes payload to every subscription on (app, path) and returns how many were hit.
func (s *Server) Diff(app, path string, payload any) int {
	b, _ := json.Marshal(payload)
	return s.broadcast(app, path, func(id int64) map[string]any {
		return map[string]any{"id": id, "response": "diff", "json": json.RawMessage(b)}
	}, false)
}

// Kick ends every subscription on (app, path) with a quit.
func (s *Server) Kick(app, path string) int {
	return s.broadcast(app, path, func(id int64) map[string]any {
		return map[string]any{"id": id, "response": "quit"}
	}, true)
}

// Logins reports how many successful logins happened.
func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// StreamsOpened reports how many event streams were opened.
func (s *Server) StreamsOpened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams
}

// Subscriptions reports live upstream subscriptions across all channels.
func (s *Server) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ch := range s.channels {
		n += len(ch.subs)
	}
	return n
}

// Channels reports how many channels exist.
func (s *Server) Channels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// Actions returns a copy of every channel action received, filtered by kind when non-empty.
func (s *Server) Actions(kind string) []Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Action
	for _, a := range s.actions {
		if kind == "" || a.Action == kind {
			out = append(out, a)
		}
	}
	return out
}

// ---- handlers ----

func (s *Server) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		down := s.down
		s.mu.Unlock()
		if down {
			panic(http.ErrAbortHandler)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ck, err := r.Cookie("urbauth-" + s.ShipName)
		s.mu.Lock()
		ok := err == nil && s.session != "" && ck.Value == s.session
		s.mu.Unlock()
		if !ok {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		h(w, r)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	delay := s.loginDelay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if err := r.ParseForm(); err != nil || r.PostForm.Get("password") != s.Code {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.logins++
	if s.session == "" {
		s.session = fmt.Sprintf("0v%d", time.Now().UnixNano())
	}
	token := s.session
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: "urbauth-" + s.ShipName, Value: token, Path: "/"})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleName(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(s.ShipName))
}

func (s *Server) handleScry(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/~/scry/"), ".json")
	app, path, _ := strings.Cut(rest, "/")
	s.mu.Lock()
	fn := s.scry
	s.mu.Unlock()
	if fn == nil {
		http.NotFound(w, r)
		return
	}
	status, body := fn(app, "/"+path)
	writeJSON(w, status, body)
}

func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/spider/"), ".json"), "/")
	s.mu.Lock()
	fn := s.thread
	s.mu.Unlock()
	if len(parts) != 4 || fn == nil {
		http.NotFound(w, r)
		return
	}
	var body json.RawMessage
	_ = json.NewDecoder(r.Body).Decode(&body)
	status, out := fn(parts[0], parts[1], parts[2], parts[3], body)
	writeJSON(w, status, out)
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	var acts []Action
	if err := json.NewDecoder(r.Body).Decode(&acts); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	uid := r.PathValue("uid")

	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.channels[uid]
	if ch == nil {
		ch = &channel{subs: make(map[int64]sub), wake: make(chan struct{}), kill: make(chan struct{})}
		s.channels[uid] = ch
	}
	for _, a := range acts {
		s.actions = append(s.actions, a)
		switch a.Action {
		case "poke":
			var nack error
			if s.poke != nil {
				nack = s.poke(a.App, a.Mark, a.JSON)
			}
			if nack != nil {
				ch.pushLocked(map[string]any{"id": a.ID, "response": "poke", "err": nack.Error()})
			} else {
				ch.pushLocked(map[string]any{"id": a.ID, "response": "poke", "ok": "ok"})
			}
		case "subscribe":
			ch.subs[a.ID] = sub{app: a.App, path: a.Path}
			ch.pushLocked(map[string]any{"id": a.ID, "response": "subscribe", "ok": "ok"})
		case "unsubscribe":
			delete(ch.subs, a.Subscription)
		case "ack":
			if a.EventID > ch.acked {
				ch.acked = a.EventID
			}
		case "delete":
			close(ch.kill)
			delete(s.channels, uid)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "no flush", http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	ch := s.channels[uid]
	if ch == nil {
		s.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	s.streams++
	s.mu.Unlock()

	var cursor int64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		cursor, _ = strconv.ParseInt(v, 10, 64)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	for {
		s.mu.Lock()
		var batch []sse
		for _, e := range ch.events {
			if e.id > cursor {
				batch = append(batch, e)
			}
		}
		wake, kill := ch.wake, ch.kill
		s.mu.Unlock()

		for _, e := range batch {
			if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", e.id, e.data); err != nil {
				return
			}
			cursor = e.id
		}
		if len(batch) > 0 {
			fl.Flush()
		}

		select {
		case <-wake:
		case <-kill:
			panic(http.ErrAbortHandler)
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) broadcast(app, path string, build func(id int64) map[string]any, remove bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, ch := range s.channels {
		for id, sb := range ch.subs {
			if sb.app != app || sb.path != path {
				continue
			}
			ch.pushLocked(build(id))
			if remove {
				delete(ch.subs, id)
			}
			n++
		}
	}
	return n
}

func (ch *channel) pushLocked(v map[string]any) {
	b, _ := json.Marshal(v)
	ch.next++
	ch.events = append(ch.events, sse{id: ch.next, data: b})
	close(ch.wake)
	ch.wake = make(chan struct{})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
