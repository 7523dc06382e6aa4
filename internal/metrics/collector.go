// Package metrics exposes gateway, pool and session metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/devhatro/dbgateway/internal/common"
	"github.com/devhatro/dbgateway/internal/config"
	"github.com/devhatro/dbgateway/internal/pool"
)

// StateSource reports the runtime state of backend servers.
type StateSource interface {
	ServerStates() []pool.Status
}

// SessionCounter reports live WebSocket and SSE sessions.
type SessionCounter interface {
	Count(kind common.SessionKind) int
}

// Collector owns the gateway's Prometheus registry.
//
// Metrics:
//   - <ns>_requests_total: requests by path, server and status code
//   - <ns>_request_duration_seconds: request duration by path
//   - <ns>_response_strategy_total: responses by framing strategy
//   - <ns>_failovers_total: failovers by path and the server that failed
//   - <ns>_request_chunks_total: request body segments shipped
//   - <ns>_server_*: pool state, read at scrape time
//   - <ns>_sessions_active: live sessions by kind
type Collector struct {
	registry *prometheus.Registry

	requests   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	strategies *prometheus.CounterVec
	failovers  *prometheus.CounterVec
	chunks     prometheus.Counter
}

// NewCollector registers every gateway metric on a fresh registry. states
// and sessions may be nil.
func NewCollector(cfg config.MetricsConfig, states StateSource, sessions SessionCounter) *Collector {
	ns := cfg.Namespace
	if ns == "" {
		ns = "dbgateway"
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "requests_total",
			Help:      "Requests handled, by path, server and status code",
		}, []string{"path", "server", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "request_duration_seconds",
			Help:      "Time from request start to the last response byte",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"path"}),
		strategies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "response_strategy_total",
			Help:      "Responses by framing strategy",
		}, []string{"strategy"}),
		failovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "failovers_total",
			Help:      "Requests moved to another server, by path and failed server",
		}, []string{"path", "server"}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "request_chunks_total",
			Help:      "Request body segments shipped to backends",
		}),
	}
	c.registry.MustRegister(
		c.requests,
		c.duration,
		c.strategies,
		c.failovers,
		c.chunks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if states != nil || sessions != nil {
		c.registry.MustRegister(newPoolCollector(ns, states, sessions))
	}
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// ObserveRequest records one finished request.
func (c *Collector) ObserveRequest(path, server string, status int, strategy string, d time.Duration) {
	c.requests.WithLabelValues(path, server, strconv.Itoa(status)).Inc()
	c.duration.WithLabelValues(path).Observe(d.Seconds())
	if strategy != "" {
		c.strategies.WithLabelValues(strategy).Inc()
	}
}

// ObserveFailover records a request leaving a failed server.
func (c *Collector) ObserveFailover(path, server string) {
	c.failovers.WithLabelValues(path, server).Inc()
}

// ObserveChunks records shipped request body segments.
func (c *Collector) ObserveChunks(n int) {
	c.chunks.Add(float64(n))
}

// poolCollector reads pool and session state at scrape time.
type poolCollector struct {
	states   StateSource
	sessions SessionCounter

	online       *prometheus.Desc
	connections  *prometheus.Desc
	inUse        *prometheus.Desc
	served       *prometheus.Desc
	offlineTotal *prometheus.Desc
	active       *prometheus.Desc
}

func newPoolCollector(ns string, states StateSource, sessions SessionCounter) *poolCollector {
	return &poolCollector{
		states:   states,
		sessions: sessions,
		online: prometheus.NewDesc(prometheus.BuildFQName(ns, "server", "state"),
			"1 for the server's current state (online, offline, probing)", []string{"server", "state"}, nil),
		connections: prometheus.NewDesc(prometheus.BuildFQName(ns, "server", "connections"),
			"Open backend connections", []string{"server"}, nil),
		inUse: prometheus.NewDesc(prometheus.BuildFQName(ns, "server", "connections_in_use"),
			"Backend connections borrowed by a request", []string{"server"}, nil),
		served: prometheus.NewDesc(prometheus.BuildFQName(ns, "server", "requests_total"),
			"Requests routed to the server", []string{"server"}, nil),
		offlineTotal: prometheus.NewDesc(prometheus.BuildFQName(ns, "server", "offline_total"),
			"Times the server was marked offline", []string{"server"}, nil),
		active: prometheus.NewDesc(prometheus.BuildFQName(ns, "", "sessions_active"),
			"Live WebSocket and SSE sessions", []string{"kind"}, nil),
	}
}

func (p *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.online
	ch <- p.connections
	ch <- p.inUse
	ch <- p.served
	ch <- p.offlineTotal
	ch <- p.active
}

func (p *poolCollector) Collect(ch chan<- prometheus.Metric) {
	if p.states != nil {
		for _, s := range p.states.ServerStates() {
			for _, st := range []pool.State{pool.StateOnline, pool.StateOffline, pool.StateProbing} {
				v := 0.0
				if s.State == st {
					v = 1
				}
				ch <- prometheus.MustNewConstMetric(p.online, prometheus.GaugeValue, v, s.Name, st.String())
			}
			ch <- prometheus.MustNewConstMetric(p.connections, prometheus.GaugeValue, float64(s.Connections), s.Name)
			ch <- prometheus.MustNewConstMetric(p.inUse, prometheus.GaugeValue, float64(s.InUse), s.Name)
			ch <- prometheus.MustNewConstMetric(p.served, prometheus.CounterValue, float64(s.Requests), s.Name)
			ch <- prometheus.MustNewConstMetric(p.offlineTotal, prometheus.CounterValue, float64(s.OfflineCount), s.Name)
		}
	}
	if p.sessions != nil {
		for _, kind := range []common.SessionKind{common.SessionWebSocket, common.SessionSSE} {
			ch <- prometheus.MustNewConstMetric(p.active, prometheus.GaugeValue, float64(p.sessions.Count(kind)), string(kind))
		}
	}
}
