// Package pool owns the backend servers, the location paths that route to
// them and the connections borrowed by requests. A single Manager guards all
// of it with one mutex; network I/O happens outside the lock.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/devhatro/dbgateway/internal/backend"
	"github.com/devhatro/dbgateway/internal/config"
	"github.com/devhatro/dbgateway/internal/logger"
	"github.com/devhatro/dbgateway/internal/types"
)

var log = logger.WithComponent("pool")

// ClientFactory creates an unconnected client for a server.
type ClientFactory func(cfg config.ServerConfig) (backend.Client, error)

// Options tunes queueing and timekeeping.
type Options struct {
	QueueTimeout      time.Duration
	QueuePollInterval time.Duration
	AffinityTTL       time.Duration
	// Now is the clock; tests replace it.
	Now func() time.Time
}

// Connection is one slot in the connection arena.
type Connection struct {
	server    *BackendServer
	client    backend.Client
	allocated bool
	inUse     bool
	connected bool
	// stale connections are closed on release.
	stale        bool
	lastActivity time.Time
	generation   uint64
}

// Lease is a connection borrowed by one request.
type Lease struct {
	// Entry is the index of the chosen server in the path's list.
	Entry  int
	Server *BackendServer
	// Config is the server's configuration when the lease was taken.
	Config config.ServerConfig
	Client backend.Client
	// Fresh is set when the connection was created for this request.
	Fresh bool

	handle     int
	generation uint64
	released   bool
}

// ServerName returns the leased server's name.
func (l *Lease) ServerName() string { return l.Config.Name }

// Manager is the connection pool and failover selector.
type Manager struct {
	mu        sync.Mutex
	servers   []*BackendServer
	paths     []*LocationPath
	conns     []Connection
	affinity  map[affinityKey]affinityEntry
	newClient ClientFactory
	opts      Options
	closed    bool
}

// NewManager builds the server and path tables from cfg.
func NewManager(cfg *config.Config, newClient ClientFactory, opts Options) (*Manager, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.QueuePollInterval <= 0 {
		opts.QueuePollInterval = 50 * time.Millisecond
	}
	if opts.QueueTimeout <= 0 {
		opts.QueueTimeout = 30 * time.Second
	}
	if opts.AffinityTTL <= 0 {
		opts.AffinityTTL = 30 * time.Minute
	}
	m := &Manager{
		newClient: newClient,
		opts:      opts,
		affinity:  make(map[affinityKey]affinityEntry),
	}
	servers, paths, err := buildTables(cfg, nil)
	if err != nil {
		return nil, err
	}
	m.servers, m.paths = servers, paths
	log.Info("🗄️  Pool ready: %d server(s), %d path(s)", len(servers), len(paths))
	return m, nil
}

// buildTables creates the runtime tables. Servers present in existing keep
// their runtime state; their new settings are applied only once both tables
// have been built, so a rejected configuration leaves them untouched.
func buildTables(cfg *config.Config, existing []*BackendServer) ([]*BackendServer, []*LocationPath, error) {
	servers := make([]*BackendServer, 0, len(cfg.Servers))
	byName := make(map[string]*BackendServer, len(cfg.Servers))
	kept := make(map[*BackendServer]config.ServerConfig)
	for _, sc := range cfg.Servers {
		key := strings.ToUpper(sc.Name)
		if _, dup := byName[key]; dup {
			return nil, nil, fmt.Errorf("server %q defined twice", sc.Name)
		}
		var srv *BackendServer
		for _, old := range existing {
			if old.is(sc.Name) {
				srv = old
				kept[srv] = sc
				break
			}
		}
		if srv == nil {
			srv = newBackendServer(sc)
		}
		byName[key] = srv
		servers = append(servers, srv)
	}

	paths := make([]*LocationPath, 0, len(cfg.Paths))
	for _, pc := range cfg.Paths {
		p := &LocationPath{
			Prefix:      pc.Prefix,
			Function:    pc.Function,
			LoadBalance: pc.LoadBalance,
			Affinity:    pc.Affinity,
			SSE:         pc.SSE,
			WebSocket:   pc.WebSocket,
			ErrorPages:  pc.ErrorPageBodies,
		}
		for _, ps := range pc.Servers {
			srv, ok := byName[strings.ToUpper(ps.Name)]
			if !ok {
				return nil, nil, fmt.Errorf("path %s references unknown server %q", pc.Prefix, ps.Name)
			}
			p.Entries = append(p.Entries, PathEntry{Server: srv, Exclusive: ps.Exclusive})
		}
		paths = append(paths, p)
	}
	// Longest prefix first so Match can stop at the first hit.
	sort.SliceStable(paths, func(i, j int) bool { return len(paths[i].Prefix) > len(paths[j].Prefix) })

	for srv, sc := range kept {
		srv.apply(sc)
	}
	return servers, paths, nil
}

// Match returns the location path with the longest prefix of uriPath.
func (m *Manager) Match(uriPath string) (*LocationPath, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.paths {
		if strings.HasPrefix(uriPath, p.Prefix) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", types.ErrNoLocation, uriPath)
}

// Acquire chooses a server for the path and returns a connected lease.
// preferred is an entry index from affinity, or -1.
func (m *Manager) Acquire(ctx context.Context, path *LocationPath, preferred int) (*Lease, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("connection pool is closed")
	}
	entry, err := m.choose(path, preferred)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	srv := path.Entries[entry].Server
	probing := srv.state == StateProbing

	start := m.opts.Now()
	handle, fresh := m.take(srv)
	for handle < 0 {
		queueTimeout := m.queueTimeout(srv)
		name, limit := srv.Config.Name, srv.Config.MaxConnections
		m.mu.Unlock()
		waited := m.opts.Now().Sub(start)
		if waited >= queueTimeout {
			m.abandonProbe(srv, probing)
			return nil, &types.PoolExhaustedError{Server: name, MaxConnections: limit, Waited: waited}
		}
		select {
		case <-ctx.Done():
			m.abandonProbe(srv, probing)
			return nil, ctx.Err()
		case <-time.After(m.opts.QueuePollInterval):
		}
		m.mu.Lock()
		handle, fresh = m.take(srv)
	}

	conn := &m.conns[handle]
	srv.requests++
	lease := &Lease{
		Entry:      entry,
		Server:     srv,
		Config:     srv.Config,
		Fresh:      fresh,
		handle:     handle,
		generation: conn.generation,
	}
	if conn.connected {
		lease.Client = conn.client
		m.mu.Unlock()
		return lease, nil
	}
	srvCfg := srv.Config
	timeout := srv.connectTimer.GetTimeout()
	m.mu.Unlock()

	client, attempts, err := m.connect(ctx, srvCfg, timeout, probing)

	m.mu.Lock()
	conn = &m.conns[handle]
	if err != nil {
		srv.connectTimer.RecordFailure()
		m.freeSlot(conn)
		// Only a fresh connection's failure says anything about the server;
		// a cancelled request says nothing at all.
		var idle []backend.Client
		if fresh && ctx.Err() == nil {
			idle = m.markOfflineLocked(srv)
		} else if probing {
			srv.state = StateOffline
		}
		m.mu.Unlock()
		closeAll(idle)
		return nil, &types.ConnectError{Server: srvCfg.Name, Attempts: attempts, Err: err}
	}
	srv.connectTimer.RecordSuccess()
	conn.client = client
	conn.connected = true
	if probing {
		srv.state = StateOnline
		log.Info("✅ Server %s answered its health-check probe and is back online", srvCfg.Name)
	}
	m.mu.Unlock()

	lease.Client = client
	return lease, nil
}

// queueTimeout is how long a request may wait for a free connection to srv.
// Callers hold m.mu.
func (m *Manager) queueTimeout(srv *BackendServer) time.Duration {
	if srv.Config.QueueTimeout > 0 {
		return srv.Config.QueueTimeout
	}
	return m.opts.QueueTimeout
}

// abandonProbe returns a probing server to offline when its probe never ran.
func (m *Manager) abandonProbe(srv *BackendServer, probing bool) {
	if !probing {
		return
	}
	m.mu.Lock()
	if srv.state == StateProbing {
		srv.state = StateOffline
	}
	m.mu.Unlock()
}

// take finds an idle connection bound to srv or allocates a new slot.
// It returns -1 when srv is at its connection limit.
func (m *Manager) take(srv *BackendServer) (handle int, fresh bool) {
	for i := range m.conns {
		c := &m.conns[i]
		if c.allocated && c.server == srv && !c.inUse {
			c.inUse = true
			return i, false
		}
	}
	if srv.connections >= srv.Config.MaxConnections {
		return -1, false
	}
	handle = -1
	for i := range m.conns {
		if !m.conns[i].allocated {
			handle = i
			break
		}
	}
	if handle < 0 {
		m.conns = append(m.conns, Connection{})
		handle = len(m.conns) - 1
	}
	c := &m.conns[handle]
	c.server = srv
	c.allocated = true
	c.inUse = true
	c.connected = false
	c.stale = false
	c.client = nil
	c.lastActivity = m.opts.Now()
	c.generation++
	srv.connections++
	return handle, true
}

// freeSlot releases an arena slot for any server. Caller holds the lock and
// closes the returned client outside it.
func (m *Manager) freeSlot(c *Connection) backend.Client {
	client := c.client
	if c.allocated && c.server != nil {
		c.server.connections--
	}
	c.server = nil
	c.client = nil
	c.allocated = false
	c.inUse = false
	c.connected = false
	c.stale = false
	c.generation++
	return client
}

// connect creates the client and connects it with bounded retries. A probing
// server gets exactly one attempt.
func (m *Manager) connect(ctx context.Context, cfg config.ServerConfig, timeout time.Duration, probing bool) (backend.Client, int, error) {
	client, err := m.newClient(cfg)
	if err != nil {
		return nil, 0, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Retry.InitialInterval
	b.MaxInterval = cfg.Retry.MaxInterval
	opts := []backoff.RetryOption{backoff.WithBackOff(b)}
	switch {
	case probing:
		opts = append(opts, backoff.WithMaxTries(1))
	default:
		if cfg.Retry.MaxAttempts > 0 {
			opts = append(opts, backoff.WithMaxTries(uint(cfg.Retry.MaxAttempts)))
		}
		if cfg.Retry.MaxElapsed > 0 {
			opts = append(opts, backoff.WithMaxElapsedTime(cfg.Retry.MaxElapsed))
		}
	}

	attempts := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := client.Connect(cctx); err != nil {
			log.Debug("🔌 Connect attempt %d to %s failed: %v", attempts, cfg.Name, err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, opts...)
	if err != nil {
		client.Close()
		return nil, attempts, err
	}
	return client, attempts, nil
}

// Release returns a lease. close=false puts the connection back into the
// idle pool; close=true tears it down and frees the slot for any server.
func (m *Manager) Release(l *Lease, close bool) {
	if l == nil || l.released {
		return
	}
	l.released = true

	m.mu.Lock()
	c := &m.conns[l.handle]
	if !c.allocated || c.generation != l.generation {
		m.mu.Unlock()
		return
	}
	c.inUse = false
	c.lastActivity = m.opts.Now()
	var toClose backend.Client
	if close || c.stale || m.closed || l.Server.removed || l.Server.state != StateOnline {
		toClose = m.freeSlot(c)
	}
	m.mu.Unlock()

	if toClose != nil {
		toClose.Close()
	}
}

// MarkOffline takes a server out of rotation and closes its idle
// connections.
func (m *Manager) MarkOffline(name string) bool {
	m.mu.Lock()
	srv := m.server(name)
	var idle []backend.Client
	if srv != nil {
		idle = m.markOfflineLocked(srv)
	}
	m.mu.Unlock()
	closeAll(idle)
	return srv != nil
}

func (m *Manager) markOfflineLocked(srv *BackendServer) []backend.Client {
	if srv.state != StateOffline {
		srv.offlineCount++
		log.Warn("⚠️  Server %s marked offline", srv.Config.Name)
	}
	srv.state = StateOffline
	srv.timeOffline = m.opts.Now()
	var idle []backend.Client
	for i := range m.conns {
		c := &m.conns[i]
		if c.allocated && c.server == srv && !c.inUse {
			if cl := m.freeSlot(c); cl != nil {
				idle = append(idle, cl)
			}
		}
	}
	return idle
}

// MarkOnline returns a server to rotation. Other servers are untouched.
func (m *Manager) MarkOnline(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	srv := m.server(name)
	if srv == nil {
		return false
	}
	if srv.state != StateOnline {
		log.Info("✅ Server %s marked online", srv.Config.Name)
	}
	srv.state = StateOnline
	srv.timeOffline = time.Time{}
	return true
}

// State returns the state of the named server.
func (m *Manager) State(name string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if srv := m.server(name); srv != nil {
		return srv.state, true
	}
	return 0, false
}

func (m *Manager) server(name string) *BackendServer {
	for _, s := range m.servers {
		if s.is(name) {
			return s
		}
	}
	return nil
}

// ServerStates returns a snapshot of every server.
func (m *Manager) ServerStates() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.servers))
	for _, s := range m.servers {
		st := Status{
			Name:         s.Config.Name,
			State:        s.state,
			TimeOffline:  s.timeOffline,
			Requests:     s.requests,
			OfflineCount: s.offlineCount,
			Connections:  s.connections,
		}
		for i := range m.conns {
			if c := &m.conns[i]; c.allocated && c.server == s && c.inUse {
				st.InUse++
			}
		}
		out = append(out, st)
	}
	return out
}

// ReapIdle closes connections idle longer than their server's idle timeout
// and drops expired affinity records. It returns the number of connections
// closed.
func (m *Manager) ReapIdle() int {
	m.mu.Lock()
	now := m.opts.Now()
	var idle []backend.Client
	for i := range m.conns {
		c := &m.conns[i]
		if !c.allocated || c.inUse {
			continue
		}
		timeout := c.server.Config.IdleTimeout
		if timeout > 0 && now.Sub(c.lastActivity) > timeout {
			if cl := m.freeSlot(c); cl != nil {
				idle = append(idle, cl)
			}
		}
	}
	m.pruneAffinityLocked(now)
	m.mu.Unlock()

	closeAll(idle)
	if len(idle) > 0 {
		log.Debug("🧹 Closed %d idle backend connection(s)", len(idle))
	}
	return len(idle)
}

// Reload swaps in a new server/path table. Servers whose name survives keep
// their state and counters; idle connections to removed or reconfigured
// servers are closed, busy ones are closed on release.
func (m *Manager) Reload(cfg *config.Config) error {
	m.mu.Lock()
	before := make(map[*BackendServer]config.ServerConfig, len(m.servers))
	for _, s := range m.servers {
		before[s] = s.Config
	}
	servers, paths, err := buildTables(cfg, m.servers)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	kept := make(map[*BackendServer]bool, len(servers))
	for _, s := range servers {
		kept[s] = true
	}
	for _, s := range m.servers {
		if !kept[s] {
			s.removed = true
		}
	}

	var idle []backend.Client
	for i := range m.conns {
		c := &m.conns[i]
		if !c.allocated {
			continue
		}
		old, existed := before[c.server]
		changed := c.server.removed || (existed && old != c.server.Config)
		if !changed {
			continue
		}
		if c.inUse {
			c.stale = true
			continue
		}
		if cl := m.freeSlot(c); cl != nil {
			idle = append(idle, cl)
		}
	}
	m.servers, m.paths = servers, paths
	m.affinity = make(map[affinityKey]affinityEntry)
	m.mu.Unlock()

	closeAll(idle)
	log.Info("🔄 Pool reloaded: %d server(s), %d path(s), closed %d idle connection(s)", len(servers), len(paths), len(idle))
	return nil
}

// Close tears down every idle connection and refuses new leases. Leased
// connections are closed on release.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	var idle []backend.Client
	for i := range m.conns {
		c := &m.conns[i]
		if c.allocated && !c.inUse {
			if cl := m.freeSlot(c); cl != nil {
				idle = append(idle, cl)
			}
		}
	}
	m.mu.Unlock()
	closeAll(idle)
}

func closeAll(clients []backend.Client) {
	for _, c := range clients {
		c.Close()
	}
}
