package pool

import (
	"time"

	"github.com/devhatro/dbgateway/internal/types"
)

// choose honours a valid preference, otherwise runs selectServer. Caller
// holds the lock.
func (m *Manager) choose(path *LocationPath, preferred int) (int, error) {
	if preferred >= 0 && preferred < len(path.Entries) {
		e := path.Entries[preferred]
		if e.Exclusive || e.Server.state == StateOnline {
			return preferred, nil
		}
	}
	return m.selectServer(path)
}

// selectServer scans the path's servers once, starting at its cursor.
//
// Exclusive entries are never picked. An offline server whose health-check
// window has elapsed is switched to probing and returned, so exactly one
// request retries it. The cursor moves past a candidate when load balancing
// is on or the candidate is not online. When the scan comes back to where it
// started every server in the path is reset to online and the request fails.
func (m *Manager) selectServer(path *LocationPath) (int, error) {
	n := len(path.Entries)
	if n == 0 {
		return -1, &types.AllOfflineError{Path: path.Prefix}
	}
	now := m.opts.Now()
	start := path.cursor % n
	i := start
	for {
		e := path.Entries[i]
		srv := e.Server
		picked := false
		if !e.Exclusive {
			switch srv.state {
			case StateOnline:
				picked = true
			case StateOffline:
				hc := srv.Config.HealthCheck
				if hc > 0 && now.Sub(srv.timeOffline) > hc {
					srv.state = StateProbing
					srv.timeOffline = now
					picked = true
					log.Info("🩺 Probing offline server %s for path %s", srv.Config.Name, path.Prefix)
				}
			}
		}

		current := i
		if path.LoadBalance || srv.state != StateOnline || e.Exclusive {
			i = (i + 1) % n
			path.cursor = i
		}
		if picked {
			return current, nil
		}
		if i == start {
			break
		}
	}

	checked := make([]string, 0, n)
	for _, e := range path.Entries {
		checked = append(checked, e.Server.Config.Name)
		e.Server.state = StateOnline
		e.Server.timeOffline = time.Time{}
	}
	log.Warn("⚠️  All servers for %s are offline; resetting them to online", path.Prefix)
	return -1, &types.AllOfflineError{Path: path.Prefix, Attempted: checked}
}
