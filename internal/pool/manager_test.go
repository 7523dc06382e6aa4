package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devhatro/dbgateway/internal/backend"
	"github.com/devhatro/dbgateway/internal/config"
	"github.com/devhatro/dbgateway/internal/types"
	"github.com/devhatro/dbgateway/internal/wire"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeBackend counts connects per server and fails them on demand.
type fakeBackend struct {
	mu       sync.Mutex
	connects map[string]int
	closes   map[string]int
	failures map[string]int // remaining failures; -1 fails forever
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{connects: map[string]int{}, closes: map[string]int{}, failures: map[string]int{}}
}

func (f *fakeBackend) fail(server string, n int) {
	f.mu.Lock()
	f.failures[server] = n
	f.mu.Unlock()
}

func (f *fakeBackend) Connects(server string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects[server]
}

func (f *fakeBackend) Closes(server string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes[server]
}

func (f *fakeBackend) factory(cfg config.ServerConfig) (backend.Client, error) {
	return &fakeClient{name: cfg.Name, backend: f}, nil
}

type fakeClient struct {
	name    string
	backend *fakeBackend
}

func (c *fakeClient) Connect(ctx context.Context) error {
	f := c.backend
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects[c.name]++
	switch n := f.failures[c.name]; {
	case n < 0:
		return errors.New("connection refused")
	case n > 0:
		f.failures[c.name] = n - 1
		return errors.New("connection refused")
	}
	return nil
}

func (c *fakeClient) Execute(ctx context.Context, req *wire.Request) (backend.Stream, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeClient) WriteChunk(ctx context.Context, ch *wire.Chunk) error { return nil }
func (c *fakeClient) Version() string                                      { return "fake" }

func (c *fakeClient) Close() error {
	c.backend.mu.Lock()
	c.backend.closes[c.name]++
	c.backend.mu.Unlock()
	return nil
}

type testServer struct {
	name         string
	exclusive    bool
	healthCheck  time.Duration
	maxConns     int
	idle         time.Duration
	queueTimeout time.Duration
}

func newTestManager(t *testing.T, loadBalance bool, servers ...testServer) (*Manager, *fakeBackend, *fakeClock) {
	t.Helper()
	cfg := &config.Config{}
	path := config.PathConfig{Prefix: "/app/", Function: "web.main", LoadBalance: loadBalance}
	for _, s := range servers {
		cfg.Servers = append(cfg.Servers, config.ServerConfig{
			Name:           s.name,
			Mode:           config.ModeNetwork,
			Host:           "localhost",
			Port:           1,
			MaxConnections: s.maxConns,
			HealthCheck:    s.healthCheck,
			IdleTimeout:    s.idle,
			QueueTimeout:   s.queueTimeout,
			ConnectTimeout: time.Second,
			Retry:          config.RetryConfig{MaxAttempts: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		})
		path.Servers = append(path.Servers, config.PathServer{Name: s.name, Exclusive: s.exclusive})
	}
	cfg.Paths = []config.PathConfig{path}

	fb := newFakeBackend()
	clock := newFakeClock()
	m, err := NewManager(cfg, fb.factory, Options{
		QueueTimeout:      100 * time.Millisecond,
		QueuePollInterval: 5 * time.Millisecond,
		AffinityTTL:       time.Minute,
		Now:               clock.Now,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m, fb, clock
}

func mustMatch(t *testing.T, m *Manager, uri string) *LocationPath {
	t.Helper()
	p, err := m.Match(uri)
	if err != nil {
		t.Fatalf("Match(%q) error = %v", uri, err)
	}
	return p
}

func TestRoundRobinStartsAtCursor(t *testing.T) {
	m, _, _ := newTestManager(t, true, testServer{name: "A"}, testServer{name: "B"}, testServer{name: "C"})
	path := mustMatch(t, m, "/app/x")

	var got []string
	for i := 0; i < 4; i++ {
		l, err := m.Acquire(context.Background(), path, -1)
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		got = append(got, l.ServerName())
		m.Release(l, false)
	}
	want := []string{"A", "B", "C", "A"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("selection order = %v, want %v", got, want)
		}
	}
}

func TestNoLoadBalanceSticksToFirstOnline(t *testing.T) {
	m, _, _ := newTestManager(t, false, testServer{name: "A"}, testServer{name: "B"})
	path := mustMatch(t, m, "/app/")
	for i := 0; i < 3; i++ {
		l, err := m.Acquire(context.Background(), path, -1)
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		if l.ServerName() != "A" {
			t.Errorf("request %d went to %s", i, l.ServerName())
		}
		m.Release(l, false)
	}

	// Failing over moves the cursor, so later requests start at B.
	m.MarkOffline("A")
	for i := 0; i < 2; i++ {
		l, err := m.Acquire(context.Background(), path, -1)
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		if l.ServerName() != "B" {
			t.Errorf("failover request %d went to %s", i, l.ServerName())
		}
		m.Release(l, false)
	}
}

func TestSelectionWrapsOnceThenResets(t *testing.T) {
	m, fb, _ := newTestManager(t, true, testServer{name: "A"}, testServer{name: "B"}, testServer{name: "C"})
	path := mustMatch(t, m, "/app/")
	for _, s := range []string{"A", "B", "C"} {
		m.MarkOffline(s)
	}

	_, err := m.Acquire(context.Background(), path, -1)
	if !errors.Is(err, types.ErrAllServersOffline) {
		t.Fatalf("expected all servers offline, got %v", err)
	}
	if types.HTTPStatus(err) != 503 {
		t.Errorf("status = %d", types.HTTPStatus(err))
	}
	var aoe *types.AllOfflineError
	if !errors.As(err, &aoe) || len(aoe.Attempted) != 3 {
		t.Errorf("expected 3 checked servers, got %+v", aoe)
	}
	for _, s := range []string{"A", "B", "C"} {
		if fb.Connects(s) != 0 {
			t.Errorf("offline server %s was contacted", s)
		}
		if st, _ := m.State(s); st != StateOnline {
			t.Errorf("server %s should be reset online after a full pass, got %v", s, st)
		}
	}
	if path.cursor != 0 {
		t.Errorf("cursor should have wrapped to its start, got %d", path.cursor)
	}
}

func TestMarkOfflineOnlineIsolation(t *testing.T) {
	m, _, _ := newTestManager(t, true, testServer{name: "A"}, testServer{name: "B"}, testServer{name: "C"})
	m.MarkOffline("C")
	before := m.ServerStates()

	m.MarkOffline("b")
	if st, _ := m.State("B"); st != StateOffline {
		t.Fatalf("B should be offline, got %v", st)
	}
	m.MarkOnline("B")

	after := m.ServerStates()
	for i := range before {
		if before[i].Name == "B" {
			if after[i].State != StateOnline {
				t.Errorf("B should be online again, got %v", after[i].State)
			}
			continue
		}
		if before[i].State != after[i].State || !before[i].TimeOffline.Equal(after[i].TimeOffline) {
			t.Errorf("server %s changed: %+v -> %+v", before[i].Name, before[i], after[i])
		}
	}
	if m.MarkOnline("nope") || m.MarkOffline("nope") {
		t.Error("unknown servers should be reported")
	}
}

func TestExclusiveServerIsNotAFailoverTarget(t *testing.T) {
	m, fb, _ := newTestManager(t, true, testServer{name: "A"}, testServer{name: "B", exclusive: true})
	path := mustMatch(t, m, "/app/")
	m.MarkOffline("A")

	_, err := m.Acquire(context.Background(), path, -1)
	if !errors.Is(err, types.ErrAllServersOffline) {
		t.Fatalf("expected service unavailable, got %v", err)
	}
	if fb.Connects("B") != 0 {
		t.Error("exclusive server must not be selected automatically")
	}

	// Explicit targeting still reaches it.
	l, err := m.Acquire(context.Background(), path, 1)
	if err != nil {
		t.Fatalf("explicit Acquire() error = %v", err)
	}
	if l.ServerName() != "B" {
		t.Errorf("explicit target went to %s", l.ServerName())
	}
	m.Release(l, false)
}

func TestPreferredOfflineFallsThrough(t *testing.T) {
	m, _, _ := newTestManager(t, false, testServer{name: "A"}, testServer{name: "B"})
	path := mustMatch(t, m, "/app/")
	m.MarkOffline("B")
	l, err := m.Acquire(context.Background(), path, 1)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if l.ServerName() != "A" {
		t.Errorf("offline preference should be ignored, got %s", l.ServerName())
	}
	m.Release(l, false)
}

func TestHealthCheckProbeAttemptsExactlyOnce(t *testing.T) {
	m, fb, clock := newTestManager(t, false, testServer{name: "A", healthCheck: 600 * time.Second})
	path := mustMatch(t, m, "/app/")
	// Retries would otherwise allow several attempts.
	m.servers[0].Config.Retry.MaxAttempts = 3

	m.MarkOffline("A")
	clock.Advance(599 * time.Second)
	if _, err := m.Acquire(context.Background(), path, -1); !errors.Is(err, types.ErrAllServersOffline) {
		t.Fatalf("before the window, expected all offline, got %v", err)
	}
	if fb.Connects("A") != 0 {
		t.Fatal("server probed before its health-check window")
	}

	m.MarkOffline("A")
	clock.Advance(601 * time.Second)
	fb.fail("A", -1)
	_, err := m.Acquire(context.Background(), path, -1)
	if !errors.Is(err, types.ErrConnect) {
		t.Fatalf("expected connect error from the probe, got %v", err)
	}
	if fb.Connects("A") != 1 {
		t.Errorf("probe made %d connection attempts, want 1", fb.Connects("A"))
	}
	if st, _ := m.State("A"); st != StateOffline {
		t.Errorf("failed probe should leave A offline, got %v", st)
	}
}

func TestHealthCheckProbeSuccessRestoresServer(t *testing.T) {
	m, fb, clock := newTestManager(t, false, testServer{name: "A", healthCheck: time.Minute}, testServer{name: "B"})
	path := mustMatch(t, m, "/app/")
	m.MarkOffline("A")
	clock.Advance(2 * time.Minute)

	m.MarkOffline("B")
	l, err := m.Acquire(context.Background(), path, -1)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if l.ServerName() != "A" {
		t.Fatalf("expected the probe to go to A, got %s", l.ServerName())
	}
	if st, _ := m.State("A"); st != StateOnline {
		t.Errorf("successful probe should bring A online, got %v", st)
	}
	if fb.Connects("A") != 1 {
		t.Errorf("connects = %d", fb.Connects("A"))
	}
	m.Release(l, false)
}

func TestProbingServerIsSkippedByOthers(t *testing.T) {
	m, _, clock := newTestManager(t, false, testServer{name: "A", healthCheck: time.Minute}, testServer{name: "B"})
	path := mustMatch(t, m, "/app/")
	m.MarkOffline("A")
	clock.Advance(2 * time.Minute)

	m.mu.Lock()
	path.cursor = 0
	first, err := m.selectServer(path)
	m.mu.Unlock()
	if err != nil || first != 0 {
		t.Fatalf("first selection = %d, %v", first, err)
	}

	m.mu.Lock()
	path.cursor = 0
	second, err := m.selectServer(path)
	m.mu.Unlock()
	if err != nil || second != 1 {
		t.Errorf("a probing server must not be handed out twice, got %d, %v", second, err)
	}
}

func TestFreshConnectFailureMarksOffline(t *testing.T) {
	m, fb, _ := newTestManager(t, false, testServer{name: "A"}, testServer{name: "B"})
	path := mustMatch(t, m, "/app/")
	fb.fail("A", -1)

	_, err := m.Acquire(context.Background(), path, -1)
	var ce *types.ConnectError
	if !errors.As(err, &ce) || ce.Server != "A" {
		t.Fatalf("expected connect error for A, got %v", err)
	}
	if st, _ := m.State("A"); st != StateOffline {
		t.Errorf("A should be offline after a failed fresh connect, got %v", st)
	}
	if st, _ := m.State("B"); st != StateOnline {
		t.Errorf("B should be untouched, got %v", st)
	}
	if m.ServerStates()[0].Connections != 0 {
		t.Error("failed slot should be freed")
	}
}

func TestConnectRetriesWithBackoff(t *testing.T) {
	m, fb, _ := newTestManager(t, false, testServer{name: "A"})
	path := mustMatch(t, m, "/app/")
	m.servers[0].Config.Retry.MaxAttempts = 3
	fb.fail("A", 2)

	l, err := m.Acquire(context.Background(), path, -1)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if fb.Connects("A") != 3 {
		t.Errorf("connects = %d, want 3", fb.Connects("A"))
	}
	m.Release(l, false)
}

func TestReuseIdleConnection(t *testing.T) {
	m, fb, _ := newTestManager(t, false, testServer{name: "A", maxConns: 2})
	path := mustMatch(t, m, "/app/")

	l1, err := m.Acquire(context.Background(), path, -1)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !l1.Fresh {
		t.Error("first lease should be fresh")
	}
	client := l1.Client
	m.Release(l1, false)
	m.Release(l1, false) // double release is a no-op

	l2, err := m.Acquire(context.Background(), path, -1)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if l2.Fresh || l2.Client != client {
		t.Error("idle connection should be reused")
	}
	if fb.Connects("A") != 1 {
		t.Errorf("connects = %d", fb.Connects("A"))
	}
	m.Release(l2, false)
}

func TestReleaseCloseFreesSlot(t *testing.T) {
	m, fb, _ := newTestManager(t, false, testServer{name: "A"}, testServer{name: "B", exclusive: true})
	path := mustMatch(t, m, "/app/")
	l, _ := m.Acquire(context.Background(), path, -1)
	m.Release(l, true)
	if fb.Closes("A") != 1 {
		t.Errorf("close=true should tear the client down, closes = %d", fb.Closes("A"))
	}

	lb, err := m.Acquire(context.Background(), path, 1)
	if err != nil {
		t.Fatalf("Acquire(B) error = %v", err)
	}
	if len(m.conns) != 1 {
		t.Errorf("freed slot should be reused by another server, arena has %d slots", len(m.conns))
	}
	m.Release(lb, false)
}

func TestPoolExhausted(t *testing.T) {
	m, _, _ := newTestManager(t, false, testServer{name: "A", maxConns: 1})
	path := mustMatch(t, m, "/app/")
	m.opts.Now = time.Now

	held, err := m.Acquire(context.Background(), path, -1)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	_, err = m.Acquire(context.Background(), path, -1)
	if !errors.Is(err, types.ErrAllConnectionsBusy) {
		t.Fatalf("expected all connections busy, got %v", err)
	}
	if types.HTTPStatus(err) != 503 {
		t.Errorf("status = %d", types.HTTPStatus(err))
	}

	// A waiter gets the connection as soon as it is released.
	done := make(chan *Lease, 1)
	go func() {
		l, err := m.Acquire(context.Background(), path, -1)
		if err != nil {
			t.Errorf("queued Acquire() error = %v", err)
		}
		done <- l
	}()
	time.Sleep(20 * time.Millisecond)
	m.Release(held, false)
	select {
	case l := <-done:
		if l != nil && l.Client != held.Client {
			t.Error("waiter should reuse the released connection")
		}
		m.Release(l, false)
	case <-time.After(time.Second):
		t.Fatal("queued Acquire never returned")
	}
}

func TestPoolExhaustedUsesServerQueueTimeout(t *testing.T) {
	m, _, _ := newTestManager(t, false, testServer{name: "A", maxConns: 1, queueTimeout: 20 * time.Millisecond})
	path := mustMatch(t, m, "/app/")
	m.opts.Now = time.Now
	m.opts.QueueTimeout = time.Minute

	held, err := m.Acquire(context.Background(), path, -1)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer m.Release(held, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	_, err = m.Acquire(ctx, path, -1)
	if !errors.Is(err, types.ErrAllConnectionsBusy) {
		t.Fatalf("expected all connections busy, got %v", err)
	}
	if waited := time.Since(start); waited > 2*time.Second {
		t.Errorf("waited %v, want the server's own queue timeout", waited)
	}
}

func TestAcquireCancelled(t *testing.T) {
	m, _, _ := newTestManager(t, false, testServer{name: "A", maxConns: 1})
	path := mustMatch(t, m, "/app/")
	m.opts.Now = time.Now
	m.opts.QueueTimeout = time.Minute
	held, _ := m.Acquire(context.Background(), path, -1)
	defer m.Release(held, false)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Acquire(ctx, path, -1); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context error, got %v", err)
	}
}

func TestReapIdle(t *testing.T) {
	m, fb, clock := newTestManager(t, false, testServer{name: "A", idle: time.Minute, maxConns: 2})
	path := mustMatch(t, m, "/app/")
	l1, _ := m.Acquire(context.Background(), path, -1)
	l2, _ := m.Acquire(context.Background(), path, -1)
	m.Release(l1, false)

	clock.Advance(2 * time.Minute)
	if n := m.ReapIdle(); n != 1 {
		t.Errorf("ReapIdle() = %d, want 1 (busy connections are kept)", n)
	}
	if fb.Closes("A") != 1 {
		t.Errorf("closes = %d", fb.Closes("A"))
	}
	m.Release(l2, false)
}

func TestReloadKeepsServerState(t *testing.T) {
	m, fb, _ := newTestManager(t, false, testServer{name: "A"}, testServer{name: "B"})
	path := mustMatch(t, m, "/app/")
	l, _ := m.Acquire(context.Background(), path, -1)
	m.MarkOffline("B")

	cfg := &config.Config{
		Servers: []config.ServerConfig{
			{Name: "a", Mode: config.ModeNetwork, Host: "other-host", Port: 1, MaxConnections: 1},
			{Name: "B", Mode: config.ModeNetwork, Host: "localhost", Port: 1, MaxConnections: 1},
			{Name: "C", Mode: config.ModeNetwork, Host: "localhost", Port: 1, MaxConnections: 1},
		},
		Paths: []config.PathConfig{
			{Prefix: "/app/", Function: "web.main", Servers: []config.PathServer{{Name: "C"}, {Name: "A"}}},
			{Prefix: "/app/admin/", Function: "web.admin", Servers: []config.PathServer{{Name: "B"}}},
		},
	}
	if err := m.Reload(cfg); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if st, _ := m.State("B"); st != StateOffline {
		t.Errorf("B's state should survive the reload, got %v", st)
	}
	if p := mustMatch(t, m, "/app/admin/users"); p.Function != "web.admin" {
		t.Errorf("longest prefix should win, got %s", p.Function)
	}

	// A was reconfigured while leased: its connection is closed on release.
	m.Release(l, false)
	if fb.Closes("A") != 1 {
		t.Errorf("reconfigured connection should be closed on release, closes = %d", fb.Closes("A"))
	}

	bad := &config.Config{Paths: []config.PathConfig{{Prefix: "/", Servers: []config.PathServer{{Name: "X"}}}}}
	if err := m.Reload(bad); err == nil {
		t.Error("expected error for an unknown server reference")
	}
}

func TestReloadRejectedLeavesServersUntouched(t *testing.T) {
	m, fb, _ := newTestManager(t, false, testServer{name: "A", maxConns: 2})
	path := mustMatch(t, m, "/app/")
	l, err := m.Acquire(context.Background(), path, -1)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	m.Release(l, false)

	bad := &config.Config{
		Servers: []config.ServerConfig{
			{Name: "A", Mode: config.ModeNetwork, Host: "other-host", Port: 2, MaxConnections: 5},
		},
		Paths: []config.PathConfig{
			{Prefix: "/app/", Function: "web.main", Servers: []config.PathServer{{Name: "A"}, {Name: "X"}}},
		},
	}
	if err := m.Reload(bad); err == nil {
		t.Fatal("expected error for an unknown server reference")
	}

	m.mu.Lock()
	got := m.servers[0].Config
	m.mu.Unlock()
	if got.Host != "localhost" || got.Port != 1 || got.MaxConnections != 2 {
		t.Errorf("server A changed by a rejected reload: %+v", got)
	}

	l, err = m.Acquire(context.Background(), mustMatch(t, m, "/app/"), -1)
	if err != nil {
		t.Fatalf("Acquire() after rejected reload error = %v", err)
	}
	if l.Fresh {
		t.Error("the idle connection should survive a rejected reload")
	}
	m.Release(l, false)
	if fb.Connects("A") != 1 || fb.Closes("A") != 0 {
		t.Errorf("connects = %d closes = %d", fb.Connects("A"), fb.Closes("A"))
	}
}

func TestAffinity(t *testing.T) {
	m, _, clock := newTestManager(t, true, testServer{name: "A"}, testServer{name: "B"})
	path := mustMatch(t, m, "/app/")

	m.RememberAffinity(path, "session-42", "B")
	if got := m.Affinity(path, "session-42"); got != 1 {
		t.Fatalf("Affinity() = %d, want 1", got)
	}
	l, err := m.Acquire(context.Background(), path, m.Affinity(path, "session-42"))
	if err != nil || l.ServerName() != "B" {
		t.Fatalf("affinity routing went to %v (%v)", l, err)
	}
	m.Release(l, false)

	if got := m.PreferredIndex(path, "a"); got != 0 {
		t.Errorf("PreferredIndex() = %d", got)
	}
	if got := m.Affinity(path, "unknown"); got != -1 {
		t.Errorf("unknown value should have no affinity, got %d", got)
	}

	clock.Advance(2 * time.Minute)
	if got := m.Affinity(path, "session-42"); got != -1 {
		t.Errorf("expired affinity should be dropped, got %d", got)
	}
}

func TestMatchNoLocation(t *testing.T) {
	m, _, _ := newTestManager(t, false, testServer{name: "A"})
	_, err := m.Match("/other")
	if !errors.Is(err, types.ErrNoLocation) {
		t.Errorf("expected ErrNoLocation, got %v", err)
	}
}

func TestCloseRefusesLeases(t *testing.T) {
	m, fb, _ := newTestManager(t, false, testServer{name: "A", maxConns: 2})
	path := mustMatch(t, m, "/app/")
	idle, _ := m.Acquire(context.Background(), path, -1)
	busy, _ := m.Acquire(context.Background(), path, -1)
	m.Release(idle, false)

	m.Close()
	if fb.Closes("A") != 1 {
		t.Errorf("idle connection should close immediately, closes = %d", fb.Closes("A"))
	}
	if _, err := m.Acquire(context.Background(), path, -1); err == nil {
		t.Error("closed pool should refuse leases")
	}
	m.Release(busy, false)
	if fb.Closes("A") != 2 {
		t.Errorf("busy connection should close on release, closes = %d", fb.Closes("A"))
	}
}

var _ backend.Client = (*fakeClient)(nil)

func TestConcurrentAcquireRespectsLimit(t *testing.T) {
	m, _, _ := newTestManager(t, false, testServer{name: "A", maxConns: 3})
	path := mustMatch(t, m, "/app/")
	m.opts.Now = time.Now
	m.opts.QueueTimeout = 5 * time.Second

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := m.Acquire(context.Background(), path, -1)
			if err != nil {
				t.Errorf("Acquire() error = %v", err)
				return
			}
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inFlight.Add(-1)
			m.Release(l, false)
		}()
	}
	wg.Wait()
	if peak.Load() > 3 {
		t.Errorf("%d connections borrowed at once, limit is 3", peak.Load())
	}
}
