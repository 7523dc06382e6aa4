package response

// Strategy is how a response body is framed towards the client.
type Strategy int

const (
	// Undecided: not enough of the response is known yet.
	Undecided Strategy = iota
	// Buffered: one write with Content-Length.
	Buffered
	// Chunked: HTTP chunked transfer encoding.
	Chunked
	// StreamClose: raw bytes, end signalled by closing the connection.
	StreamClose
)

func (s Strategy) String() string {
	switch s {
	case Buffered:
		return "buffered"
	case Chunked:
		return "chunked"
	case StreamClose:
		return "stream-close"
	default:
		return "undecided"
	}
}

// Thresholds are the configured response size boundaries.
type Thresholds struct {
	// ChunkThreshold: bodies of at least this size are not buffered.
	ChunkThreshold int64
	// StreamCloseThreshold: bodies above this size are streamed and the
	// connection is closed.
	StreamCloseThreshold int64
}

// Progress is what is known about a response so far.
type Progress struct {
	// Size is the declared body size, or -1 when unknown.
	Size int64
	// Accumulated is the number of body bytes buffered so far.
	Accumulated int64
	// Complete is set once the whole body has been buffered.
	Complete bool
	// ChunkingStarted is set once chunked output has begun.
	ChunkingStarted bool
	// ClientHTTP10 is set when the client cannot accept chunked encoding.
	ClientHTTP10 bool
}

// Decide picks the framing strategy, or Undecided when more of the body must
// be buffered first.
func Decide(t Thresholds, p Progress) Strategy {
	if p.ChunkingStarted {
		return Chunked
	}
	chunked := Chunked
	if p.ClientHTTP10 {
		chunked = StreamClose
	}

	if p.Size >= 0 {
		switch {
		case p.Size > t.StreamCloseThreshold:
			return StreamClose
		case p.Size >= t.ChunkThreshold:
			return chunked
		default:
			return Buffered
		}
	}

	switch {
	case p.Complete && p.Accumulated < t.ChunkThreshold:
		return Buffered
	case p.Accumulated >= t.ChunkThreshold:
		return chunked
	case p.Complete:
		return chunked
	default:
		return Undecided
	}
}
