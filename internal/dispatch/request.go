package dispatch

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/devhatro/dbgateway/internal/config"
	"github.com/devhatro/dbgateway/internal/payload"
	"github.com/devhatro/dbgateway/internal/pool"
	"github.com/devhatro/dbgateway/internal/websocket"
	"github.com/devhatro/dbgateway/internal/wire"
)

var (
	errBodyTooLarge = errors.New("request body too large")
	errBadRequest   = errors.New("bad request")
)

// requestContext carries one request through dispatch.
type requestContext struct {
	id    string
	start time.Time
	host  Host

	method      string
	uriPath     string
	query       string
	proto       string
	contentType string
	length      int64 // -1 when unknown
	header      http.Header
	vars        []wire.Variable

	path    *pool.LocationPath
	upgrade bool

	// prefix holds the body bytes read before a server was chosen.
	prefix []byte
	// bodyDone is set when prefix is the whole body.
	bodyDone bool
	// streamed is set once bytes were consumed that cannot be replayed to
	// another server.
	streamed bool

	affinity     string
	failovers    int
	staleRetries int
}

func newRequestContext(id string, host Host) *requestContext {
	rc := &requestContext{id: id, start: time.Now(), host: host, length: -1}
	rc.method = host.Metadata("REQUEST_METHOD")
	uri := host.Metadata("REQUEST_URI")
	rc.uriPath, rc.query, _ = strings.Cut(uri, "?")
	if q := host.Metadata("QUERY_STRING"); q != "" {
		rc.query = q
	}
	rc.proto = host.Metadata("SERVER_PROTOCOL")
	rc.contentType = host.Metadata("CONTENT_TYPE")
	if cl := host.Metadata("CONTENT_LENGTH"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			rc.length = n
		}
	}

	for _, name := range cgiNames {
		if v := host.Metadata(name); v != "" {
			rc.vars = append(rc.vars, wire.Variable{Name: name, Value: v})
		}
	}
	if rc.query != "" {
		rc.vars = append(rc.vars, wire.Variable{Name: "QUERY_STRING", Value: rc.query})
	}
	httpVars, header := parseAllHTTP(host.Metadata("ALL_HTTP"))
	rc.vars = append(rc.vars, httpVars...)
	rc.header = header
	return rc
}

// bindPath records the matched location and the CGI path split.
func (rc *requestContext) bindPath(p *pool.LocationPath) {
	rc.path = p
	script := strings.TrimSuffix(p.Prefix, "/")
	rc.vars = append(rc.vars,
		wire.Variable{Name: "SCRIPT_NAME", Value: script},
		wire.Variable{Name: "PATH_INFO", Value: strings.TrimPrefix(rc.uriPath, script)},
		wire.Variable{Name: "GATEWAY_INTERFACE", Value: "CGI/1.1"},
	)
	rc.upgrade = p.WebSocket && websocket.IsUpgrade(rc.header)
}

func (rc *requestContext) http10() bool { return rc.proto == "HTTP/1.0" }

// readFull reads into p until it is full or the body ends.
func (rc *requestContext) readFull(p []byte) (n int, eof bool, err error) {
	for n < len(p) {
		m, err := rc.host.ReadBody(p[n:])
		n += m
		if errors.Is(err, io.EOF) {
			return n, true, nil
		}
		if err != nil {
			return n, false, fmt.Errorf("read request body: %w", err)
		}
		if m == 0 {
			return n, false, fmt.Errorf("read request body: %w", io.ErrNoProgress)
		}
	}
	return n, false, nil
}

// readPrefix reads up to limit+1 body bytes so the caller knows whether the
// body fits one message. With variable affinity it keeps reading, up to
// twice that, while the scanner still expects its value.
func (rc *requestContext) readPrefix(s *settings) error {
	limit := s.gateway.MaxMessageSize
	ceiling := s.gateway.MaxRequestBody
	if ceiling > 0 && rc.length > ceiling {
		return fmt.Errorf("%w: %d bytes declared, limit %d", errBodyTooLarge, rc.length, ceiling)
	}
	tooLarge := func() error {
		if ceiling > 0 && int64(len(rc.prefix)) > ceiling {
			return fmt.Errorf("%w: limit %d", errBodyTooLarge, ceiling)
		}
		return nil
	}
	if rc.length == 0 || rc.upgrade {
		rc.bodyDone = true
		return nil
	}

	want := limit + 1
	if rc.length > 0 && rc.length < int64(want) {
		want = int(rc.length) + 1
	}
	buf := make([]byte, want)
	n, eof, err := rc.readFull(buf)
	if err != nil {
		return err
	}
	rc.prefix = buf[:n]
	rc.bodyDone = eof
	if err := tooLarge(); err != nil {
		return err
	}

	if rc.affinity != "" || rc.path.Affinity.Mode != config.AffinityVariable {
		return nil
	}
	scanner := payload.NewAffinityScanner(rc.path.Affinity.Variables, rc.contentType)
	scanner.Write(rc.prefix)
	for scanner.Pending() && !rc.bodyDone && len(rc.prefix) < 2*limit+1 {
		more := make([]byte, min(limit, 2*limit+1-len(rc.prefix)))
		n, eof, err := rc.readFull(more)
		if err != nil {
			return err
		}
		rc.prefix = append(rc.prefix, more[:n]...)
		rc.bodyDone = eof
		scanner.Write(more[:n])
	}
	if rc.bodyDone {
		scanner.Close()
	}
	if _, v, ok := scanner.Value(); ok {
		rc.affinity = v
	}
	return tooLarge()
}

// cookie returns the named request cookie's value.
func (rc *requestContext) cookie(name string) string {
	for _, line := range rc.header.Values("Cookie") {
		cookies, err := http.ParseCookie(line)
		if err != nil {
			continue
		}
		for _, c := range cookies {
			if c.Name == name {
				return c.Value
			}
		}
	}
	return ""
}
