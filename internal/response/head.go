package response

import (
	"bufio"
	"errors"
	"io"
	"net/http"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/devhatro/dbgateway/internal/backend"
	"github.com/devhatro/dbgateway/internal/types"
	"github.com/devhatro/dbgateway/internal/wire"
)

// MaxHeaderBytes bounds the header section the backend may emit.
const MaxHeaderBytes = 64 * 1024

// maxErrorText bounds a backend error body.
const maxErrorText = 1 << 20

// timedReader arms a read deadline before every read.
type timedReader struct {
	s       backend.Stream
	timeout time.Duration
	read    int64
}

func (t *timedReader) Read(p []byte) (int, error) {
	if t.timeout > 0 {
		t.s.SetReadDeadline(time.Now().Add(t.timeout))
	}
	n, err := t.s.Read(p)
	t.read += int64(n)
	return n, err
}

// countingReader counts bytes handed to the header parser's buffer.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Head is a backend response whose header section has been parsed. The body
// is positioned at the first content byte.
type Head struct {
	Status int
	Header http.Header
	// Size is the declared content size after the header section, -1 if unknown.
	Size int64
	Mode wire.StreamMode
	// Server is the backend that produced the response.
	Server string

	src  *timedReader
	body *bufio.Reader
}

// Body returns the content reader. It reports io.EOF at the end of the
// backend's body framing.
func (h *Head) Body() io.Reader { return h.body }

// SetReadTimeout changes the deadline armed before each backend read.
// Zero disables deadlines.
func (h *Head) SetReadTimeout(d time.Duration) { h.src.timeout = d }

// IsEventStream reports whether the backend answered with an event stream.
func (h *Head) IsEventStream() bool {
	ct := h.Header.Get("Content-Type")
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(ct)), "text/event-stream")
}

// IsTimeout reports whether err is an expired read deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

// ReadHead reads the response header block and the CGI-style header section
// from stream. Backend error responses come back as *types.BackendError;
// silence past timeout as a *types.TimeoutError of kind TimeoutBackend.
func ReadHead(stream backend.Stream, server string, timeout time.Duration, bufSize int) (*Head, error) {
	src := &timedReader{s: stream, timeout: timeout}
	rh, err := wire.ReadResponseHeader(src)
	if err != nil {
		return nil, classify(err, server, timeout, false)
	}
	raw := wire.NewBodyReader(src, rh)

	if rh.IsError() {
		text, err := io.ReadAll(io.LimitReader(raw, maxErrorText+1))
		if err != nil {
			return nil, classify(err, server, timeout, false)
		}
		if len(text) > maxErrorText {
			return nil, &types.BackendError{Server: server, Text: string(text[:maxErrorText]), Truncated: true}
		}
		return nil, &types.BackendError{Server: server, Text: string(text)}
	}

	if bufSize <= 0 {
		bufSize = DefaultSegmentSize
	}
	counter := &countingReader{r: raw}
	br := bufio.NewReaderSize(counter, bufSize)
	mime, err := textproto.NewReader(br).ReadMIMEHeader()
	if err != nil && !(errors.Is(err, io.EOF) && len(mime) > 0) {
		if errors.Is(err, io.EOF) {
			return nil, types.NewProtocolError("response head", "body ended before the header section")
		}
		return nil, classify(err, server, timeout, false)
	}
	headerBytes := counter.n - int64(br.Buffered())
	if headerBytes > MaxHeaderBytes {
		return nil, types.NewProtocolError("response head", "header section of %d bytes exceeds %d", headerBytes, MaxHeaderBytes)
	}

	h := &Head{
		Status: http.StatusOK,
		Header: http.Header(mime),
		Size:   -1,
		Mode:   rh.Mode,
		Server: server,
		src:    src,
		body:   br,
	}
	if status := h.Header.Get("Status"); status != "" {
		code, _, _ := strings.Cut(strings.TrimSpace(status), " ")
		n, err := strconv.Atoi(code)
		if err != nil || n < 100 || n > 999 {
			return nil, types.NewProtocolError("response head", "bad status %q", status)
		}
		h.Status = n
		h.Header.Del("Status")
	} else if h.Header.Get("Location") != "" {
		h.Status = http.StatusFound
	}
	if rh.SizeKnown() {
		h.Size = int64(rh.Size) - headerBytes
		if h.Size < 0 {
			return nil, types.NewProtocolError("response head", "declared size %d smaller than header section", rh.Size)
		}
	}
	return h, nil
}

// classify turns a raw read error into the gateway's error taxonomy.
func classify(err error, server string, after time.Duration, started bool) error {
	if IsTimeout(err) {
		kind := types.TimeoutBackend
		if started {
			kind = types.TimeoutMidResponse
		}
		return &types.TimeoutError{Kind: kind, Server: server, After: after, Err: err}
	}
	var be *types.BackendError
	if errors.As(err, &be) {
		if be.Server == "" {
			be.Server = server
		}
		return be
	}
	if errors.Is(err, types.ErrProtocol) {
		return err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return types.NewProtocolError("response", "backend %s closed the stream: %v", server, err)
	}
	return err
}
