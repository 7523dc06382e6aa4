package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/devhatro/dbgateway/internal/common"
	"github.com/devhatro/dbgateway/internal/config"
	"github.com/devhatro/dbgateway/internal/pool"
)

type fakeStates []pool.Status

func (f fakeStates) ServerStates() []pool.Status { return f }

type fakeSessions map[common.SessionKind]int

func (f fakeSessions) Count(kind common.SessionKind) int { return f[kind] }

func TestObserveRequest(t *testing.T) {
	c := NewCollector(config.MetricsConfig{Namespace: "test"}, nil, nil)

	c.ObserveRequest("/app/", "LOCAL", 200, "buffered", 20*time.Millisecond)
	c.ObserveRequest("/app/", "LOCAL", 200, "chunked", 30*time.Millisecond)
	c.ObserveRequest("/app/", "", 503, "", time.Millisecond)
	c.ObserveFailover("/app/", "A")
	c.ObserveChunks(3)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"ok requests", testutil.ToFloat64(c.requests.WithLabelValues("/app/", "LOCAL", "200")), 2},
		{"failed requests", testutil.ToFloat64(c.requests.WithLabelValues("/app/", "", "503")), 1},
		{"buffered", testutil.ToFloat64(c.strategies.WithLabelValues("buffered")), 1},
		{"chunked", testutil.ToFloat64(c.strategies.WithLabelValues("chunked")), 1},
		{"failovers", testutil.ToFloat64(c.failovers.WithLabelValues("/app/", "A")), 1},
		{"chunks", testutil.ToFloat64(c.chunks), 3},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if n := testutil.CollectAndCount(c.duration); n != 1 {
		t.Errorf("duration series = %d, want 1", n)
	}
}

func TestPoolCollector(t *testing.T) {
	states := fakeStates{
		{Name: "A", State: pool.StateOnline, Requests: 10, Connections: 2, InUse: 1},
		{Name: "B", State: pool.StateOffline, OfflineCount: 3},
	}
	sessions := fakeSessions{common.SessionWebSocket: 2, common.SessionSSE: 1}
	pc := newPoolCollector("test", states, sessions)

	// 3 state series + 4 gauges/counters per server, plus 2 session kinds.
	if n := testutil.CollectAndCount(pc); n != 2*(3+4)+2 {
		t.Errorf("series = %d", n)
	}

	expected := `
# HELP test_server_offline_total Times the server was marked offline
# TYPE test_server_offline_total counter
test_server_offline_total{server="A"} 0
test_server_offline_total{server="B"} 3
`
	if err := testutil.CollectAndCompare(pc, strings.NewReader(expected), "test_server_offline_total"); err != nil {
		t.Error(err)
	}
}

func TestHandler(t *testing.T) {
	c := NewCollector(config.MetricsConfig{}, fakeStates{{Name: "LOCAL"}}, fakeSessions{})
	c.ObserveRequest("/", "LOCAL", 200, "buffered", time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"dbgateway_requests_total", "dbgateway_server_state", "dbgateway_sessions_active"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %s", want)
		}
	}
}
