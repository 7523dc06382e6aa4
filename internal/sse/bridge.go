// Package sse relays server-sent event streams from a backend to a client.
package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/devhatro/dbgateway/internal/logger"
	"github.com/devhatro/dbgateway/internal/response"
	"github.com/devhatro/dbgateway/internal/wire"
)

var log = logger.WithComponent("sse")

// Host is the client side of an event stream.
type Host interface {
	Write(p []byte) (int, error)
	Flush() error
	// ClientGone peeks at the client connection without consuming input.
	ClientGone() bool
}

// Options configures a bridge.
type Options struct {
	// PollInterval bounds each backend read; the client is probed whenever
	// it expires.
	PollInterval time.Duration
	// Chunked wraps the stream in HTTP chunked framing.
	Chunked    bool
	BufferSize int
	OnActivity func()
}

// Result summarises a finished bridge.
type Result struct {
	Bytes        int64
	ClientGone   bool
	BackendEnded bool
}

// Header returns the response headers of an event stream, based on the
// backend's own.
func Header(backend http.Header, chunked bool) http.Header {
	h := backend.Clone()
	h.Del("Content-Length")
	h.Set("Content-Type", "text/event-stream")
	if h.Get("Cache-Control") == "" {
		h.Set("Cache-Control", "no-cache")
	}
	if chunked {
		h.Set("Transfer-Encoding", "chunked")
	} else {
		h.Del("Transfer-Encoding")
		h.Set("Connection", "close")
	}
	return h
}

// Bridge copies the event stream behind head to host until the backend
// ends it or the client goes away. In both cases the terminator is sent to
// the backend through backend.
func Bridge(ctx context.Context, head *response.Head, backend io.Writer, host Host, opts Options) (Result, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 16 * 1024
	}
	head.SetReadTimeout(opts.PollInterval)

	var res Result
	var out io.Writer = host
	var framer io.WriteCloser
	if opts.Chunked {
		framer = httputil.NewChunkedWriter(host)
		out = framer
	}

	abort := func(reason string) {
		log.Debug("📡 Ending event stream from %s: %s", head.Server, reason)
		if _, err := backend.Write(wire.Terminator); err != nil {
			log.Debug("📡 Terminator not delivered to %s: %v", head.Server, err)
		}
	}

	body := head.Body()
	buf := make([]byte, opts.BufferSize)
	for {
		if err := ctx.Err(); err != nil {
			abort("gateway shutting down")
			return res, err
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			if opts.OnActivity != nil {
				opts.OnActivity()
			}
			w, werr := out.Write(buf[:n])
			res.Bytes += int64(w)
			if werr == nil {
				werr = host.Flush()
			}
			if werr != nil {
				res.ClientGone = true
				abort("client write failed")
				return res, nil
			}
		}
		switch {
		case rerr == nil:
			continue
		case errors.Is(rerr, io.EOF):
			res.BackendEnded = true
			abort("backend ended the stream")
			if framer != nil {
				if err := framer.Close(); err == nil {
					io.WriteString(host, "\r\n")
				}
			}
			return res, host.Flush()
		case response.IsTimeout(rerr):
			if host.ClientGone() {
				res.ClientGone = true
				abort("client disconnected")
				return res, nil
			}
		default:
			abort("backend read failed")
			return res, fmt.Errorf("read event stream from %s: %w", head.Server, rerr)
		}
	}
}
