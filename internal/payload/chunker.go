// Package payload splits large request bodies into numbered segments for the
// backend and extracts affinity variables from them on the way through.
package payload

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/devhatro/dbgateway/internal/logger"
	"github.com/devhatro/dbgateway/internal/wire"
)

var log = logger.WithComponent("payload")

// Shipper delivers one body segment to the backend.
type Shipper interface {
	WriteChunk(ctx context.Context, c *wire.Chunk) error
}

// MultipartBoundary returns the boundary parameter of a multipart content
// type, or "" for anything else.
func MultipartBoundary(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mt, "multipart/") {
		return ""
	}
	return params["boundary"]
}

// Chunker cuts a request body into segments of at most limit bytes, numbered
// from 1 under one key, and ships each as soon as it fills. For multipart
// bodies a segment never ends with the start of a boundary delimiter: such a
// tail is carried into the next segment.
type Chunker struct {
	ship   Shipper
	key    wire.ChunkKey
	limit  int
	delim  []byte
	seg    []byte
	number int
	total  int64
	closed bool

	// Timeout, when set, bounds the shipping of one segment of n bytes.
	Timeout func(n int) time.Duration
}

// NewChunker returns a chunker shipping segments of at most limit bytes
// through s. contentType is used to detect multipart bodies.
func NewChunker(s Shipper, key wire.ChunkKey, limit int, contentType string) *Chunker {
	if limit <= 0 {
		limit = 1 << 20
	}
	c := &Chunker{ship: s, key: key, limit: limit}
	if b := MultipartBoundary(contentType); b != "" {
		c.delim = []byte("\r\n--" + b)
	}
	c.seg = make([]byte, 0, limit)
	return c
}

// Key returns the segment key.
func (c *Chunker) Key() wire.ChunkKey { return c.key }

// Count returns the number of segments shipped so far.
func (c *Chunker) Count() int { return c.number }

// Total returns the number of body bytes accepted.
func (c *Chunker) Total() int64 { return c.total }

// Feed appends p to the body, shipping every segment that fills.
func (c *Chunker) Feed(ctx context.Context, p []byte) error {
	if c.closed {
		return fmt.Errorf("chunker %s is closed", c.key)
	}
	c.total += int64(len(p))
	for len(p) > 0 {
		n := min(c.limit-len(c.seg), len(p))
		c.seg = append(c.seg, p[:n]...)
		p = p[n:]
		if len(c.seg) == c.limit {
			if err := c.flush(ctx, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close ships the final partial segment and returns the segment count.
func (c *Chunker) Close(ctx context.Context) (int, error) {
	if c.closed {
		return c.number, nil
	}
	c.closed = true
	if len(c.seg) > 0 {
		if err := c.flush(ctx, true); err != nil {
			return c.number, err
		}
	}
	log.Debug("📤 Shipped %d byte body as %d segment(s) under %s", c.total, c.number, c.key)
	return c.number, nil
}

func (c *Chunker) flush(ctx context.Context, final bool) error {
	data := c.seg
	var carry []byte
	if !final && c.delim != nil {
		if k := partialSuffix(data, c.delim); k > 0 && k < len(data) {
			carry = data[len(data)-k:]
			data = data[:len(data)-k]
		}
	}
	c.number++
	if c.Timeout != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout(len(data)))
		defer cancel()
	}
	if err := c.ship.WriteChunk(ctx, &wire.Chunk{Key: c.key, Number: c.number, Data: data}); err != nil {
		return fmt.Errorf("ship segment %d of %s: %w", c.number, c.key, err)
	}
	next := make([]byte, 0, c.limit)
	c.seg = append(next, carry...)
	return nil
}

// partialSuffix returns the length of the longest tail of data that is a
// proper prefix of delim.
func partialSuffix(data, delim []byte) int {
	for k := min(len(delim)-1, len(data)); k > 0; k-- {
		if bytes.HasSuffix(data, delim[:k]) {
			return k
		}
	}
	return 0
}
