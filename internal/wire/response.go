package wire

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/devhatro/dbgateway/internal/types"
)

// StreamMode is the one-byte marker telling how the response body is framed.
type StreamMode byte

const (
	// ModeBuffered: exactly Size bytes follow.
	ModeBuffered StreamMode = 0
	// ModeChunked: 4-byte little-endian length-prefixed chunks ending with FF FF FF FF.
	ModeChunked StreamMode = 1
	// ModeTerminated: raw bytes until four consecutive 0xFF bytes.
	ModeTerminated StreamMode = 2
)

func (m StreamMode) String() string {
	switch m {
	case ModeBuffered:
		return "buffered"
	case ModeChunked:
		return "chunked"
	case ModeTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ResponseHeaderSize is the fixed payload size of the response header block.
const ResponseHeaderSize = 12

// SizeUnknown is declared when the backend cannot announce the body size.
const SizeUnknown = ^uint64(0)

// FlagError marks a response whose body is backend error text.
const FlagError byte = 0x01

// Terminator ends a chunked stream and marks the end of a terminated stream.
var Terminator = []byte{0xFF, 0xFF, 0xFF, 0xFF}

const chunkTerminator = 0xFFFFFFFF

// ResponseHeader is the fixed-size header that precedes every backend response.
type ResponseHeader struct {
	Size  uint64
	Mode  StreamMode
	Flags byte
}

// SizeKnown reports whether the backend declared the body size.
func (h ResponseHeader) SizeKnown() bool { return h.Size != SizeUnknown }

// IsError reports whether the body carries backend error text.
func (h ResponseHeader) IsError() bool { return h.Flags&FlagError != 0 }

// MarshalBinary encodes the header payload.
func (h ResponseHeader) MarshalBinary() []byte {
	b := make([]byte, ResponseHeaderSize)
	binary.LittleEndian.PutUint64(b[0:8], h.Size)
	b[8] = byte(h.Mode)
	b[9] = h.Flags
	return b
}

// ParseResponseHeader decodes the header payload.
func ParseResponseHeader(b []byte) (ResponseHeader, error) {
	if len(b) != ResponseHeaderSize {
		return ResponseHeader{}, types.NewProtocolError("response header", "expected %d bytes, got %d", ResponseHeaderSize, len(b))
	}
	h := ResponseHeader{
		Size:  binary.LittleEndian.Uint64(b[0:8]),
		Mode:  StreamMode(b[8]),
		Flags: b[9],
	}
	if h.Mode > ModeTerminated {
		return ResponseHeader{}, types.NewProtocolError("response header", "unknown stream mode %d", h.Mode)
	}
	if h.Mode == ModeBuffered && !h.SizeKnown() {
		return ResponseHeader{}, types.NewProtocolError("response header", "buffered response without a size")
	}
	return h, nil
}

// WriteResponseHeader writes the header block.
func WriteResponseHeader(w io.Writer, h ResponseHeader) error {
	return WriteBlock(w, Tag(CategoryResponse, TypeResponseHeader), h.MarshalBinary())
}

// ReadResponseHeader reads the header block. An error-text block in its place
// is returned as a *types.BackendError.
func ReadResponseHeader(r io.Reader) (ResponseHeader, error) {
	b, err := NewDecoder(r, 1<<20).Next()
	if err != nil {
		return ResponseHeader{}, err
	}
	switch {
	case b.Is(CategoryResponse, TypeResponseHeader):
		return ParseResponseHeader(b.Payload)
	case b.Is(CategoryError, TypeErrorText):
		return ResponseHeader{}, &types.BackendError{Text: string(b.Payload)}
	default:
		return ResponseHeader{}, types.NewProtocolError("response header", "unexpected block tag %d", b.Tag)
	}
}

// NewBodyReader returns a reader that yields the body framed per h.Mode and
// reports io.EOF exactly at its end.
func NewBodyReader(r io.Reader, h ResponseHeader) io.Reader {
	switch h.Mode {
	case ModeChunked:
		return NewChunkedReader(r)
	case ModeTerminated:
		return NewSentinelReader(r)
	default:
		return &exactReader{r: r, remaining: h.Size}
	}
}

type exactReader struct {
	r         io.Reader
	remaining uint64
}

func (e *exactReader) Read(p []byte) (int, error) {
	if e.remaining == 0 {
		return 0, io.EOF
	}
	if uint64(len(p)) > e.remaining {
		p = p[:e.remaining]
	}
	n, err := e.r.Read(p)
	e.remaining -= uint64(n)
	if err == io.EOF && e.remaining > 0 {
		err = io.ErrUnexpectedEOF
	}
	if err == io.EOF {
		err = nil
	}
	return n, err
}

// ChunkedReader decodes a mode 1 body.
type ChunkedReader struct {
	r         io.Reader
	remaining uint32
	done      bool
	chunks    int
	lenBuf    [4]byte
	lenFilled int
}

// NewChunkedReader wraps r.
func NewChunkedReader(r io.Reader) *ChunkedReader {
	return &ChunkedReader{r: r}
}

// Chunks returns the number of chunk headers consumed so far.
func (c *ChunkedReader) Chunks() int { return c.chunks }

func (c *ChunkedReader) Read(p []byte) (int, error) {
	for c.remaining == 0 {
		if c.done {
			return 0, io.EOF
		}
		// The length prefix is read incrementally so a deadline expiring
		// mid-prefix leaves the reader resumable.
		n, err := c.r.Read(c.lenBuf[c.lenFilled:])
		c.lenFilled += n
		if c.lenFilled < len(c.lenBuf) {
			if err == io.EOF {
				return 0, io.ErrUnexpectedEOF
			}
			if err != nil {
				return 0, err
			}
			continue
		}
		c.lenFilled = 0
		length := binary.LittleEndian.Uint32(c.lenBuf[:])
		if length == chunkTerminator {
			c.done = true
			return 0, io.EOF
		}
		c.chunks++
		c.remaining = length
	}
	if uint64(len(p)) > uint64(c.remaining) {
		p = p[:c.remaining]
	}
	n, err := c.r.Read(p)
	c.remaining -= uint32(n)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// ChunkedWriter produces a mode 1 body.
type ChunkedWriter struct {
	w io.Writer
}

// NewChunkedWriter wraps w.
func NewChunkedWriter(w io.Writer) *ChunkedWriter {
	return &ChunkedWriter{w: w}
}

// Write emits p as one chunk. Empty writes emit nothing.
func (c *ChunkedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(p)))
	if _, err := c.w.Write(hdr[:]); err != nil {
		return 0, err
	}
	return c.w.Write(p)
}

// Close emits the terminator.
func (c *ChunkedWriter) Close() error {
	_, err := c.w.Write(Terminator)
	return err
}

// SentinelReader decodes a mode 2 body: everything up to the first run of
// four 0xFF bytes. Bytes that could begin the terminator are held back until
// the following read resolves them.
type SentinelReader struct {
	r       io.Reader
	pending []byte
	scratch []byte
	err     error
	done    bool
}

// NewSentinelReader wraps r.
func NewSentinelReader(r io.Reader) *SentinelReader {
	return &SentinelReader{r: r, scratch: make([]byte, 4096)}
}

// Done reports whether the terminator has been consumed.
func (s *SentinelReader) Done() bool { return s.done }

func (s *SentinelReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if s.done {
			return 0, io.EOF
		}
		if i := bytes.Index(s.pending, Terminator); i >= 0 {
			if i == 0 {
				s.done = true
				s.pending = nil
				return 0, io.EOF
			}
			n := copy(p, s.pending[:i])
			s.pending = s.pending[n:]
			return n, nil
		}

		hold := 0
		for hold < len(Terminator)-1 && hold < len(s.pending) && s.pending[len(s.pending)-1-hold] == 0xFF {
			hold++
		}
		if safe := len(s.pending) - hold; safe > 0 {
			n := copy(p, s.pending[:safe])
			s.pending = s.pending[n:]
			return n, nil
		}

		if s.err != nil {
			err := s.err
			if err == io.EOF {
				return 0, io.ErrUnexpectedEOF
			}
			s.err = nil
			return 0, err
		}

		n, err := s.r.Read(s.scratch)
		s.pending = append(s.pending, s.scratch[:n]...)
		if err != nil {
			s.err = err
		}
	}
}
