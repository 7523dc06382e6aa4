package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/devhatro/dbgateway/internal/backend"
	"github.com/devhatro/dbgateway/internal/common"
	"github.com/devhatro/dbgateway/internal/response"
	"github.com/devhatro/dbgateway/internal/sse"
	"github.com/devhatro/dbgateway/internal/types"
	"github.com/devhatro/dbgateway/internal/websocket"
)

// ModeHeader is the backend response header selecting text or binary frames
// for a WebSocket session.
const ModeHeader = "X-WebSocket-Mode"

func (d *Dispatcher) track(kind common.SessionKind, rc *requestContext, server string, conn io.Closer) (*common.TrackedSession, func()) {
	if d.sessions == nil {
		return nil, func() {}
	}
	s := d.sessions.Add(kind, rc.path.Prefix, server, conn)
	return s, func() { d.sessions.Remove(s.ID) }
}

// streamContext derives a context for a long-lived stream that also ends on
// StopStreams.
func (d *Dispatcher) streamContext(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(d.streams, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// relayEvents answers with an event stream that lasts until either side
// ends it.
func (d *Dispatcher) relayEvents(ctx context.Context, s *settings, rc *requestContext, stream backend.Stream, head *response.Head, out Outcome) (Outcome, error) {
	chunked := !rc.http10()
	header := sse.Header(head.Header, chunked)
	out.Status = head.Status
	out.Strategy = "sse"
	out.closeBackend = true
	out.Close = !chunked

	if err := rc.host.SubmitHeaders(head.Status, header); err != nil {
		out.Close = true
		return out, fmt.Errorf("%w: %v", types.ErrClientGone, err)
	}
	out.HeadersSent = true
	rc.streamed = true

	tracked, done := d.track(common.SessionSSE, rc, out.Server, nil)
	defer done()
	var activity func()
	if tracked != nil {
		activity = tracked.Touch
	}

	ctx, cancel := d.streamContext(ctx)
	defer cancel()
	start := time.Now()
	res, err := sse.Bridge(ctx, head, stream, rc.host, sse.Options{
		PollInterval: s.timeouts.SSEPollInterval,
		Chunked:      chunked && rc.host.RequiresFraming(),
		BufferSize:   s.gateway.BufferSize,
		OnActivity:   activity,
	})
	if res.ClientGone {
		out.Close = true
	}
	log.Info("📡 Event stream %s from %s ended after %v (%d bytes, client gone: %v)",
		shortID(rc.id), out.Server, time.Since(start).Round(time.Millisecond), res.Bytes, res.ClientGone)
	return out, err
}

// upgrade switches the client connection to WebSocket and relays frames
// until either side closes.
func (d *Dispatcher) upgrade(ctx context.Context, s *settings, rc *requestContext, stream backend.Stream, head *response.Head, out Outcome) (Outcome, error) {
	hj := rc.host.(Hijacker)
	mode := websocket.ParseMode(head.Header.Get(ModeHeader))
	out.Status = 101
	out.Strategy = "websocket"
	out.closeBackend = true
	out.Close = true

	if err := rc.host.SubmitHeaders(101, websocket.UpgradeHeader(rc.header.Get("Sec-WebSocket-Key"))); err != nil {
		return out, fmt.Errorf("%w: %v", types.ErrClientGone, err)
	}
	out.HeadersSent = true
	rc.streamed = true
	if err := rc.host.Flush(); err != nil {
		return out, fmt.Errorf("%w: %v", types.ErrClientGone, err)
	}
	conn, err := hj.Hijack()
	if err != nil {
		return out, fmt.Errorf("hijack client connection: %w", err)
	}
	defer conn.Close()

	tracked, done := d.track(common.SessionWebSocket, rc, out.Server, conn)
	defer done()
	var activity func()
	if tracked != nil {
		activity = tracked.Touch
	}

	head.SetReadTimeout(0)
	stream.SetReadDeadline(time.Time{})
	session := websocket.NewSession(conn, head.Body(), stream, websocket.Options{
		Version:    websocket.Version(rc.header),
		Mode:       mode,
		MaxMessage: websocket.MaxMessageSize,
		BufferSize: s.gateway.BufferSize,
		OnActivity: activity,
	})
	log.Info("🔌 WebSocket session %s opened to %s (%s mode)", shortID(rc.id), out.Server, mode)
	ctx, cancel := d.streamContext(ctx)
	defer cancel()
	start := time.Now()
	err = session.Run(ctx)
	var ce *websocket.CloseError
	switch {
	case err == nil:
		log.Info("🔌 WebSocket session %s closed after %v", shortID(rc.id), time.Since(start).Round(time.Millisecond))
	case errors.As(err, &ce):
		log.Warn("⚠️ WebSocket session %s closed with %d: %s", shortID(rc.id), ce.Code, ce.Reason)
		err = nil
	default:
		log.Debug("🔌 WebSocket session %s ended: %v", shortID(rc.id), err)
		err = nil
	}
	return out, err
}
