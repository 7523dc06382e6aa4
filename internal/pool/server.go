package pool

import (
	"strings"
	"time"

	"github.com/devhatro/dbgateway/internal/common"
	"github.com/devhatro/dbgateway/internal/config"
)

// State is the availability of a backend server.
type State int

const (
	StateOnline State = iota
	StateOffline
	// StateProbing: offline, but one request is currently retrying it.
	StateProbing
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	case StateProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// BackendServer is the runtime record of a configured server. All fields
// are guarded by the manager lock.
type BackendServer struct {
	Config config.ServerConfig

	state        State
	timeOffline  time.Time
	requests     uint64
	offlineCount uint64
	connections  int
	removed      bool
	connectTimer *common.AdaptiveTimeout
}

func newBackendServer(cfg config.ServerConfig) *BackendServer {
	s := &BackendServer{}
	s.apply(cfg)
	return s
}

func (s *BackendServer) apply(cfg config.ServerConfig) {
	if cfg.Mode == config.ModeNative || cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1
	}
	s.Config = cfg
	base := cfg.ConnectTimeout
	if base <= 0 {
		base = common.DefaultTimeouts().ConnectTimeout
	}
	s.connectTimer = common.NewAdaptiveTimeout(base, 4*base)
}

// Name returns the configured server name.
func (s *BackendServer) Name() string { return s.Config.Name }

func (s *BackendServer) is(name string) bool { return strings.EqualFold(s.Config.Name, name) }

// PathEntry is one server in a path's ordered list.
type PathEntry struct {
	Server    *BackendServer
	Exclusive bool
}

// LocationPath routes a URL prefix to a function on a list of servers.
type LocationPath struct {
	Prefix      string
	Function    string
	Entries     []PathEntry
	LoadBalance bool
	Affinity    config.AffinityConfig
	SSE         bool
	WebSocket   bool
	ErrorPages  map[string][]byte

	// cursor is guarded by the manager lock.
	cursor int
}

// ServerName returns the name of the server at entry i.
func (p *LocationPath) ServerName(i int) string {
	if i < 0 || i >= len(p.Entries) {
		return ""
	}
	return p.Entries[i].Server.Config.Name
}

// Exclusive reports whether entry i is exclusive.
func (p *LocationPath) Exclusive(i int) bool {
	return i >= 0 && i < len(p.Entries) && p.Entries[i].Exclusive
}

// Status is a snapshot of one server for metrics and logging.
type Status struct {
	Name         string
	State        State
	TimeOffline  time.Time
	Requests     uint64
	OfflineCount uint64
	Connections  int
	InUse        int
}
