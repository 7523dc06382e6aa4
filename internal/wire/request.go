package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/devhatro/dbgateway/internal/types"
)

// Variable is one CGI-style request variable.
type Variable struct {
	Name  string
	Value string
}

// Request is the outbound message for one gateway request.
type Request struct {
	Function  string
	RequestID string
	PID       int
	Sequence  uint64
	// Chunks is the number of segments already shipped with WriteChunk under
	// (PID, Sequence). When non-zero the backend assembles the body itself.
	Chunks    int
	Variables []Variable
	Body      []byte
}

// Var returns the value of the named variable.
func (r *Request) Var(name string) (string, bool) {
	for _, v := range r.Variables {
		if v.Name == name {
			return v.Value, true
		}
	}
	return "", false
}

// Encode serializes the request: routing blocks, CGI variables, the content
// length, the body and the EOD block.
func (r *Request) Encode() ([]byte, error) {
	size := 64 + len(r.Function) + len(r.Body)
	for _, v := range r.Variables {
		size += HeaderSize + len(v.Name) + len(v.Value) + 1
	}
	buf := make([]byte, 0, size)

	var err error
	routing := []struct {
		typ byte
		val string
	}{
		{TypeFunction, r.Function},
		{TypeRequestID, r.RequestID},
		{TypePID, strconv.Itoa(r.PID)},
		{TypeSequence, strconv.FormatUint(r.Sequence, 10)},
		{TypeChunkCount, strconv.Itoa(r.Chunks)},
	}
	for _, rb := range routing {
		if buf, err = AppendBlock(buf, Tag(CategoryRouting, rb.typ), []byte(rb.val)); err != nil {
			return nil, err
		}
	}

	for _, v := range r.Variables {
		if strings.ContainsRune(v.Name, '=') {
			return nil, fmt.Errorf("variable name %q contains '='", v.Name)
		}
		if buf, err = AppendBlock(buf, Tag(CategoryCGI, TypeVariable), []byte(v.Name+"="+v.Value)); err != nil {
			return nil, err
		}
	}

	if buf, err = AppendBlock(buf, Tag(CategoryContent, TypeContentLength), []byte(strconv.Itoa(len(r.Body)))); err != nil {
		return nil, err
	}
	if buf, err = AppendBlock(buf, Tag(CategoryContent, TypeBody), r.Body); err != nil {
		return nil, err
	}
	return AppendEOD(buf), nil
}

// DecodeRequest rebuilds a Request from the blocks of one message.
func DecodeRequest(blocks []Block) (*Request, error) {
	req := &Request{}
	declared := -1
	for _, b := range blocks {
		val := string(b.Payload)
		switch {
		case b.Is(CategoryRouting, TypeFunction):
			req.Function = val
		case b.Is(CategoryRouting, TypeRequestID):
			req.RequestID = val
		case b.Is(CategoryRouting, TypePID):
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, types.NewProtocolError("decode request", "bad pid %q", val)
			}
			req.PID = n
		case b.Is(CategoryRouting, TypeSequence):
			n, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return nil, types.NewProtocolError("decode request", "bad sequence %q", val)
			}
			req.Sequence = n
		case b.Is(CategoryRouting, TypeChunkCount):
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, types.NewProtocolError("decode request", "bad chunk count %q", val)
			}
			req.Chunks = n
		case b.Is(CategoryCGI, TypeVariable):
			name, value, ok := strings.Cut(val, "=")
			if !ok {
				return nil, types.NewProtocolError("decode request", "variable block without '='")
			}
			req.Variables = append(req.Variables, Variable{Name: name, Value: value})
		case b.Is(CategoryContent, TypeContentLength):
			n, err := strconv.Atoi(val)
			if err != nil || n < 0 {
				return nil, types.NewProtocolError("decode request", "bad content length %q", val)
			}
			declared = n
		case b.Is(CategoryContent, TypeBody):
			req.Body = append(req.Body, b.Payload...)
		default:
			return nil, types.NewProtocolError("decode request", "unexpected block tag %d", b.Tag)
		}
	}
	if declared >= 0 && declared != len(req.Body) {
		return nil, types.NewProtocolError("decode request", "content length %d does not match body of %d bytes", declared, len(req.Body))
	}
	return req, nil
}

// ChunkKey identifies the segments of one request body. Backends use it to
// deduplicate retried segments.
type ChunkKey struct {
	PID      int
	Sequence uint64
}

func (k ChunkKey) String() string {
	return fmt.Sprintf("%d~%d", k.PID, k.Sequence)
}

// ParseChunkKey parses the "<pid>~<sequence>" form.
func ParseChunkKey(s string) (ChunkKey, error) {
	pid, seq, ok := strings.Cut(s, "~")
	if !ok {
		return ChunkKey{}, fmt.Errorf("malformed chunk key %q", s)
	}
	p, err := strconv.Atoi(pid)
	if err != nil {
		return ChunkKey{}, fmt.Errorf("malformed chunk key pid %q: %w", pid, err)
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return ChunkKey{}, fmt.Errorf("malformed chunk key sequence %q: %w", seq, err)
	}
	return ChunkKey{PID: p, Sequence: n}, nil
}

// Chunk is one "write chunk" call carrying a body segment.
type Chunk struct {
	Key    ChunkKey
	Number int
	Data   []byte
}

// Encode serializes the chunk call.
func (c *Chunk) Encode() ([]byte, error) {
	buf := make([]byte, 0, 3*HeaderSize+32+len(c.Data)+HeaderSize)
	var err error
	if buf, err = AppendBlock(buf, Tag(CategoryChunk, TypeChunkKey), []byte(c.Key.String())); err != nil {
		return nil, err
	}
	if buf, err = AppendBlock(buf, Tag(CategoryChunk, TypeChunkNumber), []byte(strconv.Itoa(c.Number))); err != nil {
		return nil, err
	}
	if buf, err = AppendBlock(buf, Tag(CategoryChunk, TypeChunkData), c.Data); err != nil {
		return nil, err
	}
	return AppendEOD(buf), nil
}

// DecodeChunk rebuilds a Chunk from the blocks of one message.
func DecodeChunk(blocks []Block) (*Chunk, error) {
	c := &Chunk{}
	for _, b := range blocks {
		switch {
		case b.Is(CategoryChunk, TypeChunkKey):
			k, err := ParseChunkKey(string(b.Payload))
			if err != nil {
				return nil, types.NewProtocolError("decode chunk", "%v", err)
			}
			c.Key = k
		case b.Is(CategoryChunk, TypeChunkNumber):
			n, err := strconv.Atoi(string(b.Payload))
			if err != nil {
				return nil, types.NewProtocolError("decode chunk", "bad chunk number %q", b.Payload)
			}
			c.Number = n
		case b.Is(CategoryChunk, TypeChunkData):
			c.Data = b.Payload
		default:
			return nil, types.NewProtocolError("decode chunk", "unexpected block tag %d", b.Tag)
		}
	}
	return c, nil
}

// IsChunkMessage reports whether the first block of a message belongs to a
// write-chunk call.
func IsChunkMessage(blocks []Block) bool {
	return len(blocks) > 0 && blocks[0].Category() == CategoryChunk
}
