package dispatch

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/devhatro/dbgateway/internal/wire"
)

// Host is the web server side of one request. Metadata names follow CGI:
// REQUEST_METHOD, REQUEST_URI, QUERY_STRING, SERVER_PROTOCOL, CONTENT_TYPE,
// CONTENT_LENGTH, REMOTE_ADDR, SERVER_NAME, SERVER_PORT, HTTPS, and ALL_HTTP
// for the request headers as "HTTP_NAME: value" lines.
type Host interface {
	Metadata(name string) string
	// ReadBody reads the request body; io.EOF marks its end.
	ReadBody(p []byte) (int, error)
	SubmitHeaders(status int, header http.Header) error
	Write(p []byte) (int, error)
	Flush() error
	// ClientGone peeks at the client connection without consuming input.
	ClientGone() bool
	// RequiresFraming reports whether the gateway applies HTTP chunked
	// framing itself.
	RequiresFraming() bool
}

// Hijacker is implemented by hosts that can hand over the raw client
// connection after a 101 response.
type Hijacker interface {
	Hijack() (net.Conn, error)
}

// Observer receives per-request measurements.
type Observer interface {
	ObserveRequest(path, server string, status int, strategy string, d time.Duration)
	ObserveFailover(path, server string)
	ObserveChunks(n int)
}

type nopObserver struct{}

func (nopObserver) ObserveRequest(string, string, int, string, time.Duration) {}
func (nopObserver) ObserveFailover(string, string)                            {}
func (nopObserver) ObserveChunks(int)                                         {}

// cgiNames are forwarded to the backend as request variables when set.
var cgiNames = []string{
	"REQUEST_METHOD",
	"REQUEST_URI",
	"SERVER_PROTOCOL",
	"CONTENT_TYPE",
	"CONTENT_LENGTH",
	"REMOTE_ADDR",
	"SERVER_NAME",
	"SERVER_PORT",
	"HTTPS",
}

// parseAllHTTP splits an ALL_HTTP block into variables and the equivalent
// request header.
func parseAllHTTP(all string) ([]wire.Variable, http.Header) {
	header := http.Header{}
	var vars []wire.Variable
	for _, line := range strings.Split(all, "\n") {
		name, value, ok := strings.Cut(strings.TrimRight(line, "\r"), ":")
		if !ok {
			continue
		}
		name = strings.ToUpper(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if !strings.HasPrefix(name, "HTTP_") {
			continue
		}
		vars = append(vars, wire.Variable{Name: name, Value: value})
		key := strings.ReplaceAll(strings.TrimPrefix(name, "HTTP_"), "_", "-")
		header.Add(textproto.CanonicalMIMEHeaderKey(key), value)
	}
	return vars, header
}

// FormatAllHTTP renders request headers the way ALL_HTTP carries them.
func FormatAllHTTP(header http.Header) string {
	var b strings.Builder
	for name, values := range header {
		key := "HTTP_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		for _, v := range values {
			b.WriteString(key)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\n")
		}
	}
	return b.String()
}
