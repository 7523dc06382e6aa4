package response

import (
	"io"
)

// DefaultSegmentSize is used when a chain is created with a non-positive size.
const DefaultSegmentSize = 32 * 1024

// BufferChain accumulates response bytes in fixed-size segments. When a
// segment fills, a new one is appended; existing segments never move or grow.
type BufferChain struct {
	segSize  int
	segments [][]byte
	length   int64
}

// NewBufferChain returns an empty chain with the given segment size.
func NewBufferChain(segSize int) *BufferChain {
	if segSize <= 0 {
		segSize = DefaultSegmentSize
	}
	return &BufferChain{segSize: segSize}
}

// Len returns the number of buffered bytes.
func (c *BufferChain) Len() int64 { return c.length }

// Segments returns the number of segments in use.
func (c *BufferChain) Segments() int { return len(c.segments) }

// tail returns the free space of the last segment, appending a new segment
// when it is full.
func (c *BufferChain) tail() []byte {
	if n := len(c.segments); n > 0 {
		last := c.segments[n-1]
		if len(last) < cap(last) {
			return last[len(last):cap(last)]
		}
	}
	c.segments = append(c.segments, make([]byte, 0, c.segSize))
	last := c.segments[len(c.segments)-1]
	return last[:cap(last)]
}

func (c *BufferChain) grow(n int) {
	i := len(c.segments) - 1
	c.segments[i] = c.segments[i][:len(c.segments[i])+n]
	c.length += int64(n)
}

// Write appends p.
func (c *BufferChain) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := copy(c.tail(), p)
		c.grow(n)
		p = p[n:]
		written += n
	}
	return written, nil
}

// ReadFrom reads from r until limit bytes have been buffered in total, r
// reports EOF or r fails. A negative limit means no limit. io.EOF is
// returned as is so callers can tell the body ended.
func (c *BufferChain) ReadFrom(r io.Reader, limit int64) (int64, error) {
	var total int64
	for limit < 0 || c.length < limit {
		buf := c.tail()
		if limit >= 0 {
			if room := limit - c.length; int64(len(buf)) > room {
				buf = buf[:room]
			}
		}
		n, err := r.Read(buf)
		if n > 0 {
			c.grow(n)
			total += int64(n)
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// WriteTo writes every buffered byte to w, segment by segment.
func (c *BufferChain) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, seg := range c.segments {
		if len(seg) == 0 {
			continue
		}
		n, err := w.Write(seg)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Bytes copies the buffered bytes into one slice.
func (c *BufferChain) Bytes() []byte {
	out := make([]byte, 0, c.length)
	for _, seg := range c.segments {
		out = append(out, seg...)
	}
	return out
}

// Reset drops all segments.
func (c *BufferChain) Reset() {
	c.segments = nil
	c.length = 0
}
