package conn

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dcSpark/urbit-visor/cmd/internal/fault"
	"github.com/dcSpark/urbit-visor/cmd/internal/ship"
	"github.com/dcSpark/urbit-visor/cmd/internal/ship/shiptest"
	"github.com/dcSpark/urbit-visor/cmd/internal/vault"
)

const testCode = "lidlut-tabwed-pillex-ridrup"

type credMap map[string]vault.DecryptedShip

func (c credMap) DecryptShip(_ context.Context, name string) (vault.DecryptedShip, error) {
	d, ok := c[name]
	if !ok {
		return vault.DecryptedShip{}, fault.E("test.DecryptShip", fault.ErrUnknownShip, name)
	}
	return d, nil
}

type lockedVault struct{}

func (lockedVault) DecryptShip(context.Context, string) (vault.DecryptedShip, error) {
	return vault.DecryptedShip{}, fault.E("test.DecryptShip", fault.ErrVaultLocked, "")
}

func testConfig() Config {
	return Config{
		ReconnectMaxTries: 3,
		ReconnectInitial:  10 * time.Millisecond,
		ReconnectMax:      20 * time.Millisecond,
		CallTimeout:       2 * time.Second,
	}
}

func newFixture(t *testing.T, cfg Config) (*shiptest.Server, *Manager) {
	t.Helper()
	s := shiptest.New("~zod", testCode)
	t.Cleanup(s.Close)
	m := New(credMap{"~zod": {Name: "~zod", URL: s.URL, Code: testCode}}, cfg)
	t.Cleanup(m.Close)
	return s, m
}

func eventually(t *testing.T, d time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEnsureSession_AtMostOneConcurrent(t *testing.T) {
	srv, m := newFixture(t, testConfig())
	srv.SetLoginDelay(50 * time.Millisecond)

	const n = 16
	var wg sync.WaitGroup
	got := make([]*Session, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], errs[i] = m.EnsureSession(context.Background(), "~zod")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("EnsureSession[%d]: %v", i, errs[i])
		}
		if got[i] != got[0] {
			t.Fatalf("EnsureSession returned distinct sessions")
		}
	}
	if srv.Logins() != 1 {
		t.Fatalf("logins=%d want=1", srv.Logins())
	}
	if srv.Channels() != 1 {
		t.Fatalf("channels=%d want=1", srv.Channels())
	}
	if m.State("~zod") != Connected {
		t.Fatalf("state=%v", m.State("~zod"))
	}

	again, err := m.EnsureSession(context.Background(), "zod")
	if err != nil || again != got[0] {
		t.Fatalf("second EnsureSession must reuse the session: %v", err)
	}
}

func TestEnsureSession_Errors(t *testing.T) {
	srv := shiptest.New("~zod", testCode)
	t.Cleanup(srv.Close)

	m := New(credMap{"~zod": {Name: "~zod", URL: srv.URL, Code: "wrong"}}, testConfig())
	t.Cleanup(m.Close)
	if _, err := m.EnsureSession(context.Background(), "~zod"); !errors.Is(err, fault.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if m.State("~zod") != Disconnected || len(m.Sessions()) != 0 {
		t.Fatalf("failed login must leave the ship disconnected")
	}

	locked := New(lockedVault{}, testConfig())
	t.Cleanup(locked.Close)
	if _, err := locked.EnsureSession(context.Background(), "~zod"); !errors.Is(err, fault.ErrVaultLocked) {
		t.Fatalf("expected ErrVaultLocked, got %v", err)
	}

	unreachable := New(credMap{"~zod": {Name: "~zod", URL: "http://127.0.0.1:1", Code: testCode}}, testConfig())
	t.Cleanup(unreachable.Close)
	if _, err := unreachable.EnsureSession(context.Background(), "~zod"); !errors.Is(err, fault.ErrConnectionFailed) {
		t.Fatalf("expected ErrConnectionFailed, got %v", err)
	}
}

func TestPoke_AckAndNack(t *testing.T) {
	srv, m := newFixture(t, testConfig())
	srv.HandlePoke(func(app, _ string, _ json.RawMessage) error {
		if app == "chat-store" {
			return errors.New("poke failed")
		}
		return nil
	})

	s, err := m.EnsureSession(context.Background(), "~zod")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if err := s.Poke(context.Background(), "graph-store", "graph-update-3", map[string]any{"x": 1}); err != nil {
		t.Fatalf("Poke: %v", err)
	}

	err = s.Poke(context.Background(), "chat-store", "json", nil)
	var se fault.ShipError
	if !errors.As(err, &se) || se.Detail != "poke failed" {
		t.Fatalf("expected ShipError nack, got %v", err)
	}
}

func TestSubscribe_DeliversInOrder(t *testing.T) {
	srv, m := newFixture(t, testConfig())

	var mu sync.Mutex
	var got []string
	m.OnEvent(func(_ string, ev ship.Event) {
		if ev.Response != ship.ResponseDiff {
			return
		}
		mu.Lock()
		got = append(got, string(ev.JSON))
		mu.Unlock()
	})

	s, err := m.EnsureSession(context.Background(), "~zod")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if _, err := s.Subscribe(context.Background(), "graph-store", "/updates"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for i := 0; i < 5; i++ {
		srv.Diff("graph-store", "/updates", i)
	}

	eventually(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, "five diffs")

	mu.Lock()
	defer mu.Unlock()
	for i, g := range got {
		if g != string(rune('0'+i)) {
			t.Fatalf("out of order delivery: %v", got)
		}
	}
}

func TestReconnect_ResumesAfterDrop(t *testing.T) {
	srv, m := newFixture(t, testConfig())

	var disconnects atomic.Int32
	m.OnDisconnect(func(string, error) { disconnects.Add(1) })
	var diffs atomic.Int32
	m.OnEvent(func(_ string, ev ship.Event) {
		if ev.Response == ship.ResponseDiff {
			diffs.Add(1)
		}
	})

	s, err := m.EnsureSession(context.Background(), "~zod")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if _, err := s.Subscribe(context.Background(), "graph-store", "/updates"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	srv.DropStreams()
	eventually(t, 2*time.Second, func() bool { return srv.StreamsOpened() >= 2 && s.State() == Connected }, "stream reopened")

	srv.Diff("graph-store", "/updates", "after")
	eventually(t, 2*time.Second, func() bool { return diffs.Load() == 1 }, "diff after reconnect")

	if disconnects.Load() != 0 {
		t.Fatalf("a successful reconnect must not report a disconnect")
	}
	if srv.Channels() != 1 {
		t.Fatalf("reconnect must keep the channel")
	}
}

func TestReconnect_BudgetExhausted(t *testing.T) {
	srv, m := newFixture(t, testConfig())

	var mu sync.Mutex
	var reasons []error
	m.OnDisconnect(func(name string, reason error) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	})

	s, err := m.EnsureSession(context.Background(), "~zod")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	srv.SetDown(true)
	eventually(t, 3*time.Second, func() bool { return m.State("~zod") == Disconnected }, "session disconnected")
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	n := len(reasons)
	var first error
	if n > 0 {
		first = reasons[0]
	}
	mu.Unlock()
	if n != 1 {
		t.Fatalf("disconnect notifications=%d want=1", n)
	}
	if !errors.Is(first, fault.ErrShipDisconnected) {
		t.Fatalf("reason=%v", first)
	}
	if err := s.Poke(context.Background(), "hood", "helm-hi", "x"); !errors.Is(err, fault.ErrShipDisconnected) {
		t.Fatalf("calls on a lost session must fail with ErrShipDisconnected, got %v", err)
	}

	// Explicit disconnect after the loss is not a second notification.
	m.Disconnect("~zod")
	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 {
		t.Fatalf("duplicate disconnect notification")
	}
}

func TestCall_WhileReconnectingTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectInitial = 300 * time.Millisecond
	cfg.ReconnectMax = 300 * time.Millisecond
	cfg.ReconnectMaxTries = 10
	cfg.CallTimeout = 100 * time.Millisecond
	srv, m := newFixture(t, cfg)
	srv.HandleScry(func(string, string) (int, any) { return http.StatusOK, "v" })

	s, err := m.EnsureSession(context.Background(), "~zod")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	srv.SetDown(true)
	eventually(t, 2*time.Second, func() bool { return s.State() == Reconnecting }, "reconnecting")

	if _, err := s.Scry(context.Background(), "graph-store", "/keys"); !errors.Is(err, fault.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestCall_QueuedUntilReconnected(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectInitial = 50 * time.Millisecond
	cfg.ReconnectMax = 50 * time.Millisecond
	cfg.ReconnectMaxTries = 50
	srv, m := newFixture(t, cfg)
	srv.HandleScry(func(string, string) (int, any) { return http.StatusOK, map[string]int{"n": 1} })

	s, err := m.EnsureSession(context.Background(), "~zod")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	srv.SetDown(true)
	eventually(t, 2*time.Second, func() bool { return s.State() == Reconnecting }, "reconnecting")

	done := make(chan error, 1)
	go func() {
		_, err := s.Scry(context.Background(), "graph-store", "/keys")
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	srv.SetDown(false)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("queued Scry: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("queued call never resolved")
	}
}

func TestDisconnect_NotifiesOnceAndDeletesChannel(t *testing.T) {
	srv, m := newFixture(t, testConfig())

	var n atomic.Int32
	m.OnDisconnect(func(string, error) { n.Add(1) })

	if _, err := m.EnsureSession(context.Background(), "~zod"); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	m.Disconnect("~zod")
	m.Disconnect("~zod")

	if n.Load() != 1 {
		t.Fatalf("notifications=%d want=1", n.Load())
	}
	if m.State("~zod") != Disconnected {
		t.Fatalf("state=%v", m.State("~zod"))
	}
	if srv.Channels() != 0 {
		t.Fatalf("channel not deleted on the ship")
	}
}

func TestSetActive(t *testing.T) {
	zod := shiptest.New("~zod", testCode)
	t.Cleanup(zod.Close)
	bus := shiptest.New("~bus", testCode)
	t.Cleanup(bus.Close)
	creds := credMap{
		"~zod": {Name: "~zod", URL: zod.URL, Code: testCode},
		"~bus": {Name: "~bus", URL: bus.URL, Code: testCode},
	}

	warm := New(creds, testConfig())
	t.Cleanup(warm.Close)
	for _, name := range []string{"~zod", "~bus"} {
		if _, err := warm.EnsureSession(context.Background(), name); err != nil {
			t.Fatalf("EnsureSession(%s): %v", name, err)
		}
	}
	warm.SetActive("~bus")
	if warm.Active() != "~bus" || warm.State("~zod") != Connected {
		t.Fatalf("background session must stay warm")
	}

	cfg := testConfig()
	cfg.CloseInactive = true
	strict := New(creds, cfg)
	t.Cleanup(strict.Close)
	for _, name := range []string{"~zod", "~bus"} {
		if _, err := strict.EnsureSession(context.Background(), name); err != nil {
			t.Fatalf("EnsureSession(%s): %v", name, err)
		}
	}
	strict.SetActive("~bus")
	if strict.State("~zod") != Disconnected || strict.State("~bus") != Connected {
		t.Fatalf("inactive session must close: %+v", strict.Sessions())
	}
}

// dyingStream hands out one stream that the ship drops at once, then refuses
// to resume the channel.
type dyingStream struct {
	Transport
	srv   *shiptest.Server
	calls atomic.Int32
}

func (d *dyingStream) Stream(ctx context.Context, last int64) (*ship.EventStream, error) {
	if d.calls.Add(1) > 1 {
		return nil, fault.ShipError{Op: "test.Stream", Status: http.StatusNotFound}
	}
	st, err := d.Transport.Stream(ctx, last)
	d.srv.DropStreams()
	return st, err
}

func TestEnsureSession_StreamLostWhileOpeningLeavesNoSession(t *testing.T) {
	srv := shiptest.New("~zod", testCode)
	t.Cleanup(srv.Close)
	cfg := testConfig()
	m := New(credMap{"~zod": {Name: "~zod", URL: srv.URL, Code: testCode}}, cfg,
		WithDialer(func(ctx context.Context, c ship.Credentials) (Transport, error) {
			cl, err := ship.Login(ctx, c, cfg.Ship)
			if err != nil {
				return nil, err
			}
			return &dyingStream{Transport: cl, srv: srv}, nil
		}))
	t.Cleanup(m.Close)

	var n atomic.Int32
	m.OnDisconnect(func(string, error) { n.Add(1) })

	if _, err := m.EnsureSession(context.Background(), "~zod"); err != nil && !errors.Is(err, fault.ErrShipDisconnected) {
		t.Fatalf("EnsureSession: %v", err)
	}
	eventually(t, 3*time.Second, func() bool {
		srv.DropStreams()
		return n.Load() == 1
	}, "disconnect notice")

	m.mu.Lock()
	left := len(m.sessions)
	m.mu.Unlock()
	if left != 0 {
		t.Fatalf("sessions kept after the stream was lost: %d", left)
	}
	if st := m.State("~zod"); st != Disconnected {
		t.Fatalf("state=%v", st)
	}
	time.Sleep(50 * time.Millisecond)
	if n.Load() != 1 {
		t.Fatalf("notifications=%d want=1", n.Load())
	}
}
