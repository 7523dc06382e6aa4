package server

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/devhatro/dbgateway/internal/dispatch"
)

// connHost adapts one HTTP/1.x request on a raw client connection to
// dispatch.Host.
type connHost struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	req    *http.Request

	probe       time.Duration
	readTimeout time.Duration

	headersSent bool
	hijacked    bool
}

func newConnHost(conn net.Conn, r *bufio.Reader, w *bufio.Writer, req *http.Request, probe, readTimeout time.Duration) *connHost {
	return &connHost{conn: conn, reader: r, writer: w, req: req, probe: probe, readTimeout: readTimeout}
}

func (h *connHost) Metadata(name string) string {
	r := h.req
	switch name {
	case "REQUEST_METHOD":
		return r.Method
	case "REQUEST_URI":
		return r.RequestURI
	case "QUERY_STRING":
		return r.URL.RawQuery
	case "SERVER_PROTOCOL":
		return r.Proto
	case "CONTENT_TYPE":
		return r.Header.Get("Content-Type")
	case "CONTENT_LENGTH":
		if r.ContentLength < 0 {
			return ""
		}
		return strconv.FormatInt(r.ContentLength, 10)
	case "REMOTE_ADDR":
		host, _, err := net.SplitHostPort(h.conn.RemoteAddr().String())
		if err != nil {
			return h.conn.RemoteAddr().String()
		}
		return host
	case "SERVER_NAME":
		if host, _, err := net.SplitHostPort(r.Host); err == nil {
			return host
		}
		return r.Host
	case "SERVER_PORT":
		_, port, _ := net.SplitHostPort(h.conn.LocalAddr().String())
		return port
	case "HTTPS":
		if _, ok := h.conn.(*tls.Conn); ok {
			return "on"
		}
		return "off"
	case "ALL_HTTP":
		header := r.Header.Clone()
		if r.Host != "" {
			header.Set("Host", r.Host)
		}
		return dispatch.FormatAllHTTP(header)
	}
	return ""
}

func (h *connHost) ReadBody(p []byte) (int, error) {
	if h.readTimeout > 0 {
		h.conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	}
	return h.req.Body.Read(p)
}

func (h *connHost) SubmitHeaders(status int, header http.Header) error {
	if h.headersSent {
		return errors.New("headers already sent")
	}
	h.headersSent = true
	proto := "HTTP/1.1"
	if !h.req.ProtoAtLeast(1, 1) {
		proto = "HTTP/1.0"
	}
	if _, err := fmt.Fprintf(h.writer, "%s %d %s\r\n", proto, status, http.StatusText(status)); err != nil {
		return err
	}
	if header.Get("Date") == "" {
		header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if err := header.Write(h.writer); err != nil {
		return err
	}
	_, err := h.writer.WriteString("\r\n")
	return err
}

func (h *connHost) Write(p []byte) (int, error) {
	if h.req.Method == http.MethodHead {
		return len(p), nil
	}
	return h.writer.Write(p)
}

func (h *connHost) Flush() error { return h.writer.Flush() }

// ClientGone peeks at the connection for up to the probe interval. Pending
// input means the client is still there; EOF or a reset means it left.
func (h *connHost) ClientGone() bool {
	if h.reader.Buffered() > 0 {
		return false
	}
	h.conn.SetReadDeadline(time.Now().Add(h.probe))
	_, err := h.reader.Peek(1)
	h.conn.SetReadDeadline(time.Time{})
	if err == nil {
		return false
	}
	var ne net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return false
	}
	return true
}

func (h *connHost) RequiresFraming() bool { return true }

// Hijack hands the connection to the caller. Bytes the client sent after
// the request head stay readable.
func (h *connHost) Hijack() (net.Conn, error) {
	if h.hijacked {
		return nil, errors.New("connection already hijacked")
	}
	if err := h.writer.Flush(); err != nil {
		return nil, err
	}
	h.hijacked = true
	h.conn.SetDeadline(time.Time{})
	return &bufferedConn{Conn: h.conn, reader: h.reader}, nil
}

type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.reader.Read(p) }
