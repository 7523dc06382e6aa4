// Package dispatch serves one HTTP request end to end: it picks a server,
// ships the request, and relays the response, an event stream or a
// WebSocket session back to the host.
package dispatch

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/devhatro/dbgateway/internal/common"
	"github.com/devhatro/dbgateway/internal/config"
	"github.com/devhatro/dbgateway/internal/logger"
	"github.com/devhatro/dbgateway/internal/payload"
	"github.com/devhatro/dbgateway/internal/pool"
	"github.com/devhatro/dbgateway/internal/response"
	"github.com/devhatro/dbgateway/internal/types"
	"github.com/devhatro/dbgateway/internal/wire"
)

var log = logger.WithComponent("dispatch")

// Span attribute keys.
const (
	AttrRequestID = attribute.Key("dbgateway.request_id")
	AttrPath      = attribute.Key("dbgateway.path")
	AttrServer    = attribute.Key("dbgateway.server")
	AttrStrategy  = attribute.Key("dbgateway.strategy")
	AttrFailovers = attribute.Key("dbgateway.failovers")
	AttrStatus    = attribute.Key("http.response.status_code")
	AttrMethod    = attribute.Key("http.request.method")
	AttrURLPath   = attribute.Key("url.path")
)

// Options configures a Dispatcher.
type Options struct {
	Gateway  config.GatewaySettings
	Timeouts common.TimeoutConfig
	// Sessions tracks WebSocket and SSE sessions; may be nil.
	Sessions *common.SessionRegistry
	Observer Observer
	Tracer   trace.Tracer
}

// Outcome describes a served request.
type Outcome struct {
	Status      int
	Server      string
	Strategy    string
	HeadersSent bool
	// Close is set when the client connection must not be reused.
	Close bool

	closeBackend bool
}

type settings struct {
	gateway  config.GatewaySettings
	timeouts common.TimeoutConfig
}

// Dispatcher routes requests to the pool's servers. It is safe for
// concurrent use; each request runs on its caller's goroutine.
type Dispatcher struct {
	pool     *pool.Manager
	sessions *common.SessionRegistry
	observer Observer
	tracer   trace.Tracer
	settings atomic.Pointer[settings]
	pid      int
	sequence atomic.Uint64

	streams     context.Context
	stopStreams context.CancelFunc
}

// New returns a dispatcher over p.
func New(p *pool.Manager, opts Options) *Dispatcher {
	d := &Dispatcher{
		pool:     p,
		sessions: opts.Sessions,
		observer: opts.Observer,
		tracer:   opts.Tracer,
		pid:      os.Getpid(),
	}
	d.streams, d.stopStreams = context.WithCancel(context.Background())
	if d.observer == nil {
		d.observer = nopObserver{}
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer("github.com/devhatro/dbgateway/internal/dispatch")
	}
	d.Configure(opts.Gateway, opts.Timeouts)
	return d
}

// StopStreams ends every event stream and WebSocket session in progress and
// any started later. Ordinary requests are not affected.
func (d *Dispatcher) StopStreams() { d.stopStreams() }

// Configure replaces the engine settings; requests already running keep the
// ones they started with.
func (d *Dispatcher) Configure(gw config.GatewaySettings, timeouts common.TimeoutConfig) {
	timeouts.ApplyDefaults()
	if gw.MaxMessageSize <= 0 {
		gw.MaxMessageSize = 1 << 20
	}
	if gw.BufferSize <= 0 {
		gw.BufferSize = 32 * 1024
	}
	if gw.ChunkThreshold <= 0 {
		gw.ChunkThreshold = int64(gw.BufferSize)
	}
	if gw.StreamCloseThreshold < gw.ChunkThreshold {
		gw.StreamCloseThreshold = gw.ChunkThreshold
	}
	d.settings.Store(&settings{gateway: gw, timeouts: timeouts})
}

// Serve handles one request. Errors that happen before any header reached
// the client are answered with an error page; the returned error is then
// informational. Later errors leave Outcome.Close set.
func (d *Dispatcher) Serve(ctx context.Context, host Host) (Outcome, error) {
	s := d.settings.Load()
	rc := newRequestContext(uuid.NewString(), host)

	ctx, span := d.tracer.Start(ctx, "dbgateway.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			AttrRequestID.String(rc.id),
			AttrMethod.String(rc.method),
			AttrURLPath.String(rc.uriPath),
		))
	defer span.End()

	out, err := d.serve(ctx, s, rc)

	prefix := ""
	if rc.path != nil {
		prefix = rc.path.Prefix
	}
	span.SetAttributes(
		AttrPath.String(prefix),
		AttrServer.String(out.Server),
		AttrStrategy.String(out.Strategy),
		AttrStatus.Int(out.Status),
		AttrFailovers.Int(rc.failovers),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	d.observer.ObserveRequest(prefix, out.Server, out.Status, out.Strategy, time.Since(rc.start))
	return out, err
}

func (d *Dispatcher) serve(ctx context.Context, s *settings, rc *requestContext) (Outcome, error) {
	path, err := d.pool.Match(rc.uriPath)
	if err != nil {
		return d.fail(rc, Outcome{}, err)
	}
	rc.bindPath(path)

	if rc.upgrade {
		if _, ok := rc.host.(Hijacker); !ok {
			return d.fail(rc, Outcome{}, errors.New("host cannot hand over the connection for a WebSocket upgrade"))
		}
		if rc.header.Get("Sec-WebSocket-Key") == "" {
			return d.fail(rc, Outcome{}, errBadRequest)
		}
	}
	if path.Affinity.Mode == config.AffinityVariable {
		if _, v, ok := payload.ScanQuery(rc.query, path.Affinity.Variables); ok {
			rc.affinity = v
		}
	}
	if err := rc.readPrefix(s); err != nil {
		out, _ := d.fail(rc, Outcome{}, err)
		// Unread body bytes would be taken for the next request.
		out.Close = true
		return out, err
	}
	return d.dispatch(ctx, s, rc, d.preferred(rc))
}

// preferred returns the entry index affinity points at, or -1.
func (d *Dispatcher) preferred(rc *requestContext) int {
	switch rc.path.Affinity.Mode {
	case config.AffinityCookie:
		return d.pool.PreferredIndex(rc.path, rc.cookie(rc.path.Affinity.Cookie))
	case config.AffinityVariable:
		return d.pool.Affinity(rc.path, rc.affinity)
	}
	return -1
}

// dispatch runs exchanges until one succeeds or failover is no longer
// possible.
func (d *Dispatcher) dispatch(ctx context.Context, s *settings, rc *requestContext, preferred int) (Outcome, error) {
	path := rc.path
	for {
		lease, err := d.pool.Acquire(ctx, path, preferred)
		if err != nil {
			var ce *types.ConnectError
			if errors.As(err, &ce) && d.canFailover(rc, d.pool.PreferredIndex(path, ce.Server)) {
				d.failover(rc, ce.Server, err)
				preferred = -1
				continue
			}
			return d.fail(rc, Outcome{Server: serverOf(err)}, err)
		}

		out, err := d.exchange(ctx, s, rc, lease)
		d.pool.Release(lease, out.closeBackend)
		if err == nil {
			return out, nil
		}

		if !out.HeadersSent && !rc.streamed && d.retryable(err, lease) {
			if !lease.Fresh && rc.staleRetries < lease.Config.MaxConnections {
				rc.staleRetries++
				log.Debug("🔌 Pooled connection to %s went stale, retrying request %s: %v", out.Server, shortID(rc.id), err)
				preferred = lease.Entry
				continue
			}
			if lease.Fresh && d.canFailover(rc, lease.Entry) {
				d.pool.MarkOffline(out.Server)
				d.failover(rc, out.Server, err)
				preferred = -1
				continue
			}
		}
		if out.HeadersSent {
			log.Warn("⚠️ Request %s to %s failed mid-response: %v", shortID(rc.id), out.Server, err)
			out.Close = true
			return out, err
		}
		return d.fail(rc, out, err)
	}
}

// canFailover reports whether the request may move away from the given
// entry.
func (d *Dispatcher) canFailover(rc *requestContext, entry int) bool {
	n := len(rc.path.Entries)
	switch {
	case rc.streamed, n < 2, rc.failovers+1 >= n:
		return false
	case entry >= 0 && rc.path.Exclusive(entry):
		return false
	}
	return true
}

func (d *Dispatcher) failover(rc *requestContext, server string, err error) {
	rc.failovers++
	d.observer.ObserveFailover(rc.path.Prefix, server)
	log.Warn("🔁 Request %s failing over from %s (%d/%d): %v",
		shortID(rc.id), server, rc.failovers, len(rc.path.Entries)-1, err)
}

// retryable reports whether err happened before the server could have acted
// on the request.
func (d *Dispatcher) retryable(err error, lease *pool.Lease) bool {
	var te *transportError
	if errors.As(err, &te) {
		return true
	}
	// A pooled connection the server dropped while idle reads as EOF.
	var pe *types.ProtocolError
	return !lease.Fresh && errors.As(err, &pe) && !pe.KeepConnection
}

// exchange runs one request against the leased server. The caller releases
// the lease.
func (d *Dispatcher) exchange(ctx context.Context, s *settings, rc *requestContext, lease *pool.Lease) (Outcome, error) {
	out := Outcome{Server: lease.ServerName(), closeBackend: true}
	req := &wire.Request{
		Function:  rc.path.Function,
		RequestID: rc.id,
		PID:       d.pid,
		Sequence:  d.sequence.Add(1),
		Variables: rc.vars,
	}
	if rc.bodyDone && len(rc.prefix) <= s.gateway.MaxMessageSize {
		req.Body = rc.prefix
	} else {
		n, err := d.shipBody(ctx, s, rc, lease, req.Sequence)
		if err != nil {
			return out, err
		}
		req.Chunks = n
	}

	stream, err := lease.Client.Execute(ctx, req)
	if err != nil {
		return out, &transportError{op: "send request", server: out.Server, err: err}
	}
	timeout := common.ResponseTimeoutFor(lease.Config.ResponseTimeout, &s.timeouts)
	head, err := response.ReadHead(stream, out.Server, timeout, s.gateway.BufferSize)
	if err != nil {
		var be *types.BackendError
		if errors.As(err, &be) {
			// A fully read error block ends the message and the connection
			// stays usable; a truncated one leaves bytes behind.
			out.closeBackend = be.Truncated
		}
		return out, err
	}
	d.setAffinityCookie(rc, head.Header, out.Server)

	switch {
	case rc.upgrade && head.Status < 300:
		return d.upgrade(ctx, s, rc, stream, head, out)
	case rc.path.SSE || head.IsEventStream():
		return d.relayEvents(ctx, s, rc, stream, head, out)
	}

	res, err := response.Relay(head, rc.host, response.Options{
		Thresholds: response.Thresholds{
			ChunkThreshold:       s.gateway.ChunkThreshold,
			StreamCloseThreshold: s.gateway.StreamCloseThreshold,
		},
		SegmentSize:  s.gateway.BufferSize,
		ClientHTTP10: rc.http10(),
	})
	out.Status = res.Status
	out.Strategy = res.Strategy.String()
	out.HeadersSent = res.HeadersSent
	out.Close = res.Close
	if err != nil {
		return out, err
	}
	out.closeBackend = false
	if rc.path.Affinity.Mode == config.AffinityVariable {
		d.pool.RememberAffinity(rc.path, rc.affinity, out.Server)
	}
	log.Debug("📤 %s %s -> %s %d (%s, %d bytes)", rc.method, rc.uriPath, out.Server, out.Status, out.Strategy, res.Bytes)
	return out, nil
}

// shipBody sends the body as numbered segments ahead of the request. Bytes
// still unread at the host go to this server only.
func (d *Dispatcher) shipBody(ctx context.Context, s *settings, rc *requestContext, lease *pool.Lease, seq uint64) (int, error) {
	key := wire.ChunkKey{PID: d.pid, Sequence: seq}
	chunker := payload.NewChunker(lease.Client, key, s.gateway.MaxMessageSize, rc.contentType)
	chunker.Timeout = func(n int) time.Duration { return common.CalculateChunkTimeout(n, &s.timeouts) }
	ship := func(p []byte) error {
		if err := chunker.Feed(ctx, p); err != nil {
			return &transportError{op: "ship request body", server: lease.ServerName(), err: err}
		}
		return nil
	}
	if err := ship(rc.prefix); err != nil {
		return 0, err
	}
	if !rc.bodyDone {
		rc.streamed = true
		total := int64(len(rc.prefix))
		buf := make([]byte, s.gateway.BufferSize)
		for {
			n, eof, err := rc.readFull(buf)
			if err != nil {
				return 0, err
			}
			total += int64(n)
			if ceiling := s.gateway.MaxRequestBody; ceiling > 0 && total > ceiling {
				return 0, errBodyTooLarge
			}
			if err := ship(buf[:n]); err != nil {
				return 0, err
			}
			if eof {
				break
			}
		}
	}
	count, err := chunker.Close(ctx)
	if err != nil {
		return 0, &transportError{op: "ship request body", server: lease.ServerName(), err: err}
	}
	d.observer.ObserveChunks(count)
	log.Debug("📦 Request %s body shipped to %s in %d segments (%d bytes)", shortID(rc.id), lease.ServerName(), count, chunker.Total())
	return count, nil
}

// setAffinityCookie binds the client to the server that answered.
func (d *Dispatcher) setAffinityCookie(rc *requestContext, h http.Header, server string) {
	a := rc.path.Affinity
	if a.Mode != config.AffinityCookie || rc.cookie(a.Cookie) == server {
		return
	}
	c := &http.Cookie{Name: a.Cookie, Value: server, Path: rc.path.Prefix, HttpOnly: true}
	h.Add("Set-Cookie", c.String())
}

// fail answers the client with an error page when nothing was sent yet.
func (d *Dispatcher) fail(rc *requestContext, out Outcome, err error) (Outcome, error) {
	status, class := statusFor(err)
	out.Status = status
	if errors.Is(err, types.ErrClientGone) {
		out.Close = true
		return out, err
	}
	var pages map[string][]byte
	if rc.path != nil {
		pages = rc.path.ErrorPages
	}
	body, contentType := errorPage(pages, class, status, err)

	h := http.Header{}
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	if status == http.StatusServiceUnavailable {
		h.Set("Retry-After", "1")
	}
	if !rc.bodyDone || rc.http10() {
		h.Set("Connection", "close")
		out.Close = true
	}
	var perr *types.ProtocolError
	if errors.As(err, &perr) && !perr.KeepConnection {
		out.Close = true
	}

	if status >= 500 {
		log.Error("❌ %s %s failed with %d: %v", rc.method, rc.uriPath, status, err)
	} else {
		log.Info("⚠️ %s %s answered %d: %v", rc.method, rc.uriPath, status, err)
	}

	if werr := rc.host.SubmitHeaders(status, h); werr != nil {
		out.Close = true
		return out, err
	}
	out.HeadersSent = true
	if rc.method != http.MethodHead {
		if _, werr := rc.host.Write(body); werr != nil {
			out.Close = true
		}
	}
	rc.host.Flush()
	return out, err
}

func serverOf(err error) string {
	var ce *types.ConnectError
	if errors.As(err, &ce) {
		return ce.Server
	}
	var pe *types.PoolExhaustedError
	if errors.As(err, &pe) {
		return pe.Server
	}
	return ""
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
