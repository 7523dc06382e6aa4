package response

import (
	"io"
	"net/http"
	"net/http/httputil"
	"strconv"

	"github.com/devhatro/dbgateway/internal/logger"
	"github.com/devhatro/dbgateway/internal/types"
)

var log = logger.WithComponent("response")

// Sink is the client side of a relayed response.
type Sink interface {
	SubmitHeaders(status int, header http.Header) error
	Write(p []byte) (int, error)
	Flush() error
	// RequiresFraming reports whether the sink expects the gateway to apply
	// HTTP chunked framing itself.
	RequiresFraming() bool
}

// Options controls one relay.
type Options struct {
	Thresholds
	SegmentSize  int
	ClientHTTP10 bool
}

// Result describes a finished or aborted relay.
type Result struct {
	Status      int
	Strategy    Strategy
	Bytes       int64
	HeadersSent bool
	// Close is set when the client connection cannot be reused.
	Close bool
}

// Relay streams the response body behind h to sink using the strategy picked
// by Decide. Errors before any header reached the client leave the sink
// untouched so the caller can render an error page; later errors set Close.
func Relay(h *Head, sink Sink, opts Options) (Result, error) {
	res := Result{Status: h.Status}
	chain := NewBufferChain(opts.SegmentSize)
	prog := Progress{Size: h.Size, ClientHTTP10: opts.ClientHTTP10}

	strategy := Decide(opts.Thresholds, prog)
	if strategy == Buffered {
		if _, err := chain.ReadFrom(h.body, h.Size); err != nil && err != io.EOF {
			return res, classify(err, h.Server, h.src.timeout, false)
		}
		if chain.Len() != h.Size {
			return res, types.NewProtocolError("response", "backend %s sent %d of %d declared bytes", h.Server, chain.Len(), h.Size)
		}
		if err := expectEOF(h.body); err != nil {
			return res, classify(err, h.Server, h.src.timeout, false)
		}
	}
	for strategy == Undecided {
		_, err := chain.ReadFrom(h.body, opts.ChunkThreshold)
		switch {
		case err == io.EOF:
			prog.Complete = true
		case err != nil:
			return res, classify(err, h.Server, h.src.timeout, false)
		}
		prog.Accumulated = chain.Len()
		strategy = Decide(opts.Thresholds, prog)
	}
	res.Strategy = strategy
	log.Debug("📦 Relaying %d response from %s as %s (declared %d, buffered %d)", h.Status, h.Server, strategy, h.Size, chain.Len())

	header := h.Header.Clone()
	header.Del("Content-Length")
	header.Del("Transfer-Encoding")

	switch strategy {
	case Buffered:
		header.Set("Content-Length", strconv.FormatInt(chain.Len(), 10))
		if err := sink.SubmitHeaders(h.Status, header); err != nil {
			res.Close = true
			return res, err
		}
		res.HeadersSent = true
		n, err := chain.WriteTo(sink)
		res.Bytes = n
		if err != nil {
			res.Close = true
			return res, err
		}
		return res, sink.Flush()

	case Chunked:
		header.Set("Transfer-Encoding", "chunked")
		if err := sink.SubmitHeaders(h.Status, header); err != nil {
			res.Close = true
			return res, err
		}
		res.HeadersSent = true
		var out io.Writer = sink
		var framer io.WriteCloser
		if sink.RequiresFraming() {
			framer = httputil.NewChunkedWriter(sink)
			out = framer
		}
		if err := stream(h, chain, out, sink, opts.SegmentSize, &res); err != nil {
			res.Close = true
			return res, err
		}
		if framer != nil {
			if err := framer.Close(); err != nil {
				res.Close = true
				return res, err
			}
			if _, err := io.WriteString(sink, "\r\n"); err != nil {
				res.Close = true
				return res, err
			}
		}
		return res, sink.Flush()

	default:
		res.Close = true
		header.Set("Connection", "close")
		if h.Size >= 0 {
			header.Set("Content-Length", strconv.FormatInt(h.Size, 10))
		}
		if err := sink.SubmitHeaders(h.Status, header); err != nil {
			return res, err
		}
		res.HeadersSent = true
		if err := stream(h, chain, sink, sink, opts.SegmentSize, &res); err != nil {
			return res, err
		}
		return res, sink.Flush()
	}
}

// stream writes the buffered prefix, then copies the rest of the body,
// flushing after every backend read.
func stream(h *Head, chain *BufferChain, out io.Writer, sink Sink, segSize int, res *Result) error {
	n, err := chain.WriteTo(out)
	res.Bytes += n
	if err != nil {
		return err
	}
	chain.Reset()
	if err := sink.Flush(); err != nil {
		return err
	}
	if segSize <= 0 {
		segSize = DefaultSegmentSize
	}
	buf := make([]byte, segSize)
	for {
		n, rerr := h.body.Read(buf)
		if n > 0 {
			w, err := out.Write(buf[:n])
			res.Bytes += int64(w)
			if err != nil {
				return err
			}
			if err := sink.Flush(); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return classify(rerr, h.Server, h.src.timeout, true)
		}
	}
}

// expectEOF consumes the end of the body framing and fails if content follows.
func expectEOF(r io.Reader) error {
	var one [1]byte
	for {
		n, err := r.Read(one[:])
		if n > 0 {
			return types.NewProtocolError("response", "backend sent more than the declared size")
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
