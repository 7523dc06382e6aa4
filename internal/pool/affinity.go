package pool

import (
	"time"
)

type affinityKey struct {
	prefix string
	value  string
}

type affinityEntry struct {
	server  string
	expires time.Time
}

// RememberAffinity binds an affinity value (a session variable's value) to
// the server that served it.
func (m *Manager) RememberAffinity(path *LocationPath, value, server string) {
	if value == "" || server == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.affinity[affinityKey{path.Prefix, value}] = affinityEntry{
		server:  server,
		expires: m.opts.Now().Add(m.opts.AffinityTTL),
	}
}

// Affinity returns the entry index of the server bound to value, or -1.
func (m *Manager) Affinity(path *LocationPath, value string) int {
	if value == "" {
		return -1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := affinityKey{path.Prefix, value}
	e, ok := m.affinity[key]
	if !ok {
		return -1
	}
	if m.opts.Now().After(e.expires) {
		delete(m.affinity, key)
		return -1
	}
	return path.indexOf(e.server)
}

// PreferredIndex returns the entry index of the named server, or -1. Cookie
// affinity uses it with the server name carried in the cookie.
func (m *Manager) PreferredIndex(path *LocationPath, server string) int {
	if server == "" {
		return -1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return path.indexOf(server)
}

func (p *LocationPath) indexOf(server string) int {
	for i, e := range p.Entries {
		if e.Server.is(server) {
			return i
		}
	}
	return -1
}

func (m *Manager) pruneAffinityLocked(now time.Time) {
	for k, e := range m.affinity {
		if now.After(e.expires) {
			delete(m.affinity, k)
		}
	}
}
