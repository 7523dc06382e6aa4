package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/devhatro/dbgateway/internal/types"
)

// Block layout: 4-byte little-endian payload length, 1 tag byte, payload.
const (
	HeaderSize     = 5
	MaxBlockLength = math.MaxUint32
)

// Category groups block types. A tag is category*20 + type.
type Category byte

const (
	CategoryControl Category = iota
	CategoryRouting
	CategoryCGI
	CategoryContent
	CategoryChunk
	CategoryResponse
	CategoryError
)

const typesPerCategory = 20

// Block types per category.
const (
	TypeEOD byte = 0

	TypeFunction   byte = 1
	TypePID        byte = 2
	TypeSequence   byte = 3
	TypeChunkCount byte = 4
	TypeRequestID  byte = 5

	TypeVariable byte = 1

	TypeContentLength byte = 1
	TypeBody          byte = 2

	TypeChunkKey    byte = 1
	TypeChunkNumber byte = 2
	TypeChunkData   byte = 3

	TypeResponseHeader byte = 1
	TypeAck            byte = 2

	TypeErrorText byte = 1
)

// TagEOD marks the end of a message; an EOD block always has a zero length.
const TagEOD byte = 0

// Tag combines a category and a type into the on-wire tag byte.
func Tag(c Category, typ byte) byte {
	return byte(c)*typesPerCategory + typ
}

// SplitTag is the inverse of Tag.
func SplitTag(tag byte) (Category, byte) {
	return Category(tag / typesPerCategory), tag % typesPerCategory
}

// Block is one decoded length-prefixed element.
type Block struct {
	Tag     byte
	Payload []byte
}

// Category returns the block's category.
func (b Block) Category() Category {
	c, _ := SplitTag(b.Tag)
	return c
}

// Type returns the block's type within its category.
func (b Block) Type() byte {
	_, t := SplitTag(b.Tag)
	return t
}

// IsEOD reports whether b terminates a message.
func (b Block) IsEOD() bool {
	return b.Tag == TagEOD && len(b.Payload) == 0
}

// Is reports whether b has the given category and type.
func (b Block) Is(c Category, typ byte) bool {
	return b.Tag == Tag(c, typ)
}

// PutHeader writes a block header into dst, which must hold HeaderSize bytes.
func PutHeader(dst []byte, length uint32, tag byte) {
	binary.LittleEndian.PutUint32(dst[:4], length)
	dst[4] = tag
}

// ParseHeader decodes a block header from src.
func ParseHeader(src []byte) (length uint32, tag byte) {
	return binary.LittleEndian.Uint32(src[:4]), src[4]
}

// AppendBlock appends an encoded block to dst.
func AppendBlock(dst []byte, tag byte, payload []byte) ([]byte, error) {
	if uint64(len(payload)) > MaxBlockLength {
		return dst, fmt.Errorf("block payload of %d bytes exceeds the 4-byte length field", len(payload))
	}
	var hdr [HeaderSize]byte
	PutHeader(hdr[:], uint32(len(payload)), tag)
	dst = append(dst, hdr[:]...)
	return append(dst, payload...), nil
}

// AppendEOD appends the end-of-data block.
func AppendEOD(dst []byte) []byte {
	var hdr [HeaderSize]byte
	PutHeader(hdr[:], 0, TagEOD)
	return append(dst, hdr[:]...)
}

// WriteBlock writes one block to w.
func WriteBlock(w io.Writer, tag byte, payload []byte) error {
	buf, err := AppendBlock(make([]byte, 0, HeaderSize+len(payload)), tag, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Decoder reads blocks from a backend stream.
type Decoder struct {
	r      io.Reader
	maxLen uint32
	hdr    [HeaderSize]byte
}

// NewDecoder returns a decoder that rejects blocks longer than maxLen.
// A zero maxLen accepts any length the header can express.
func NewDecoder(r io.Reader, maxLen uint32) *Decoder {
	if maxLen == 0 {
		maxLen = MaxBlockLength
	}
	return &Decoder{r: r, maxLen: maxLen}
}

// Next reads the next block.
func (d *Decoder) Next() (Block, error) {
	if _, err := io.ReadFull(d.r, d.hdr[:]); err != nil {
		return Block{}, err
	}
	length, tag := ParseHeader(d.hdr[:])
	if length > d.maxLen {
		return Block{}, types.NewProtocolError("decode block", "block length %d exceeds limit %d", length, d.maxLen)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Block{}, err
	}
	return Block{Tag: tag, Payload: payload}, nil
}

// ReadMessage reads blocks up to and excluding the EOD block.
func (d *Decoder) ReadMessage() ([]Block, error) {
	var blocks []Block
	for {
		b, err := d.Next()
		if err != nil {
			return blocks, err
		}
		if b.IsEOD() {
			return blocks, nil
		}
		blocks = append(blocks, b)
	}
}
