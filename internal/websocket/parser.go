// Package websocket relays RFC 6455 sessions between a client connection and
// a backend stream.
package websocket

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/gobwas/ws"
)

// MaxMessageSize is the largest reassembled message accepted from a client.
const MaxMessageSize = 32 << 20

// StatusTooBigLegacy is sent instead of 1009 to clients speaking a protocol
// version older than 13.
const StatusTooBigLegacy ws.StatusCode = 1004

// State is the parser position inside the current frame.
type State int

const (
	StateStart State = iota
	StatePayloadLength
	StatePayloadLengthExt
	StateMask
	StateExtensionData
	StateApplicationData
	StateClose
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StatePayloadLength:
		return "payload-length"
	case StatePayloadLengthExt:
		return "payload-length-ext"
	case StateMask:
		return "mask"
	case StateExtensionData:
		return "extension-data"
	case StateApplicationData:
		return "application-data"
	case StateClose:
		return "close"
	default:
		return "unknown"
	}
}

// EventKind classifies parser output.
type EventKind int

const (
	// EventMessage is a complete data message.
	EventMessage EventKind = iota
	EventPing
	EventPong
	// EventClose carries the peer's close frame.
	EventClose
)

// Event is one unit of parser output.
type Event struct {
	Kind    EventKind
	OpCode  ws.OpCode
	Payload []byte
	// Code and Reason are set for EventClose.
	Code   ws.StatusCode
	Reason string
}

// CloseError is a protocol violation that ends the session with Code.
type CloseError struct {
	Code   ws.StatusCode
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("websocket close %d: %s", e.Code, e.Reason)
}

// transition consumes one byte in a given state and returns the next state.
type transition func(p *Parser, b byte) State

// Parser decodes client frames byte by byte. Control frames interleaved in a
// fragmented message are delivered without touching the message buffer.
type Parser struct {
	state      State
	version    int
	maxMessage int64

	fin       bool
	op        ws.OpCode
	length    uint64
	lenBytes  int
	extension uint64
	mask      [4]byte
	maskPos   int
	remaining uint64

	inMessage bool
	msgOp     ws.OpCode
	msg       []byte
	text      utf8Validator
	control   []byte

	events []Event
	err    *CloseError
}

var transitions [StateClose + 1]transition

func init() {
	transitions = [...]transition{
		StateStart:            (*Parser).start,
		StatePayloadLength:    (*Parser).payloadLength,
		StatePayloadLengthExt: (*Parser).payloadLengthExt,
		StateMask:             (*Parser).maskKey,
		StateExtensionData:    (*Parser).extensionData,
		StateApplicationData:  (*Parser).applicationData,
		StateClose:            (*Parser).closed,
	}
}

// NewParser returns a parser for a client speaking protocol version. A
// non-positive maxMessage selects MaxMessageSize.
func NewParser(version int, maxMessage int64) *Parser {
	if maxMessage <= 0 {
		maxMessage = MaxMessageSize
	}
	return &Parser{version: version, maxMessage: maxMessage}
}

// State returns the current parser state.
func (p *Parser) State() State { return p.state }

// Feed consumes data and returns the events completed by it. After a
// protocol violation every call returns the same *CloseError.
func (p *Parser) Feed(data []byte) ([]Event, error) {
	p.events = p.events[:0]
	for i := 0; i < len(data) && p.err == nil; {
		if p.state == StateApplicationData {
			i += p.applicationRun(data[i:])
			continue
		}
		p.state = transitions[p.state](p, data[i])
		i++
	}
	if p.err != nil {
		return p.events, p.err
	}
	return p.events, nil
}

func (p *Parser) fail(code ws.StatusCode, format string, args ...interface{}) State {
	p.err = &CloseError{Code: code, Reason: fmt.Sprintf(format, args...)}
	return StateClose
}

func (p *Parser) start(b byte) State {
	p.fin = b&0x80 != 0
	if b&0x70 != 0 {
		return p.fail(ws.StatusProtocolError, "reserved bits set")
	}
	p.op = ws.OpCode(b & 0x0F)
	switch {
	case p.op.IsControl():
		if p.op != ws.OpClose && p.op != ws.OpPing && p.op != ws.OpPong {
			return p.fail(ws.StatusProtocolError, "unknown control opcode %d", p.op)
		}
		if !p.fin {
			return p.fail(ws.StatusProtocolError, "fragmented control frame")
		}
	case p.op == ws.OpContinuation:
		if !p.inMessage {
			return p.fail(ws.StatusProtocolError, "continuation without a message")
		}
	case p.op == ws.OpText || p.op == ws.OpBinary:
		if p.inMessage {
			return p.fail(ws.StatusProtocolError, "new message inside a fragmented message")
		}
	default:
		return p.fail(ws.StatusProtocolError, "unknown opcode %d", p.op)
	}
	return StatePayloadLength
}

func (p *Parser) payloadLength(b byte) State {
	if b&0x80 == 0 {
		return p.fail(ws.StatusProtocolError, "unmasked client frame")
	}
	switch n := b & 0x7F; n {
	case 126:
		p.length, p.lenBytes = 0, 2
		return StatePayloadLengthExt
	case 127:
		p.length, p.lenBytes = 0, 8
		return StatePayloadLengthExt
	default:
		p.length = uint64(n)
		return p.lengthKnown()
	}
}

func (p *Parser) payloadLengthExt(b byte) State {
	p.length = p.length<<8 | uint64(b)
	p.lenBytes--
	if p.lenBytes > 0 {
		return StatePayloadLengthExt
	}
	if p.length>>63 != 0 {
		return p.fail(ws.StatusProtocolError, "payload length has the high bit set")
	}
	return p.lengthKnown()
}

func (p *Parser) lengthKnown() State {
	if p.op.IsControl() {
		if p.length > 125 {
			return p.fail(ws.StatusProtocolError, "control frame payload of %d bytes", p.length)
		}
	} else if uint64(len(p.msg))+p.length > uint64(p.maxMessage) {
		code := ws.StatusMessageTooBig
		if p.version < 13 {
			code = StatusTooBigLegacy
		}
		return p.fail(code, "message exceeds %d bytes", p.maxMessage)
	}
	p.maskPos = 0
	return StateMask
}

func (p *Parser) maskKey(b byte) State {
	p.mask[p.maskPos] = b
	p.maskPos++
	if p.maskPos < len(p.mask) {
		return StateMask
	}
	p.maskPos = 0
	p.remaining = p.length
	p.control = p.control[:0]
	if !p.op.IsControl() && p.op != ws.OpContinuation {
		p.inMessage = true
		p.msgOp = p.op
		p.msg = p.msg[:0]
		p.text.Reset()
	}
	if p.extension > 0 {
		return StateExtensionData
	}
	if p.remaining == 0 {
		return p.frameDone()
	}
	return StateApplicationData
}

// extensionData skips negotiated extension bytes. No extension is
// negotiated today, so the extension length is always zero.
func (p *Parser) extensionData(b byte) State {
	p.unmask(b)
	p.extension--
	p.remaining--
	if p.extension > 0 {
		return StateExtensionData
	}
	if p.remaining == 0 {
		return p.frameDone()
	}
	return StateApplicationData
}

func (p *Parser) applicationData(b byte) State {
	p.applicationRun([]byte{b})
	return p.state
}

func (p *Parser) closed(b byte) State { return StateClose }

func (p *Parser) unmask(b byte) byte {
	b ^= p.mask[p.maskPos&3]
	p.maskPos++
	return b
}

// applicationRun consumes payload bytes in bulk and returns how many it used.
func (p *Parser) applicationRun(data []byte) int {
	n := len(data)
	if uint64(n) > p.remaining {
		n = int(p.remaining)
	}
	chunk := data[:n]
	start := len(p.msg)
	if p.op.IsControl() {
		start = len(p.control)
	}
	for _, b := range chunk {
		b = p.unmask(b)
		if p.op.IsControl() {
			p.control = append(p.control, b)
		} else {
			p.msg = append(p.msg, b)
		}
	}
	p.remaining -= uint64(n)

	if !p.op.IsControl() && p.msgOp == ws.OpText {
		if !p.text.Write(p.msg[start:]) {
			p.state = p.fail(ws.StatusInvalidFramePayloadData, "invalid UTF-8 in text message")
			return n
		}
	}
	if p.remaining == 0 {
		p.state = p.frameDone()
	} else {
		p.state = StateApplicationData
	}
	return n
}

func (p *Parser) frameDone() State {
	switch p.op {
	case ws.OpPing:
		p.events = append(p.events, Event{Kind: EventPing, OpCode: ws.OpPing, Payload: clone(p.control)})
		return StateStart
	case ws.OpPong:
		p.events = append(p.events, Event{Kind: EventPong, OpCode: ws.OpPong, Payload: clone(p.control)})
		return StateStart
	case ws.OpClose:
		return p.closeFrame()
	}

	if !p.fin {
		return StateStart
	}
	if p.msgOp == ws.OpText && !p.text.Complete() {
		return p.fail(ws.StatusInvalidFramePayloadData, "text message ends inside a UTF-8 sequence")
	}
	p.events = append(p.events, Event{Kind: EventMessage, OpCode: p.msgOp, Payload: clone(p.msg)})
	p.inMessage = false
	p.msg = p.msg[:0]
	return StateStart
}

func (p *Parser) closeFrame() State {
	ev := Event{Kind: EventClose, OpCode: ws.OpClose, Payload: clone(p.control)}
	switch {
	case len(p.control) == 1:
		return p.fail(ws.StatusProtocolError, "close payload of one byte")
	case len(p.control) >= 2:
		ev.Code = ws.StatusCode(binary.BigEndian.Uint16(p.control))
		if !validCloseCode(ev.Code) {
			return p.fail(ws.StatusProtocolError, "invalid close code %d", ev.Code)
		}
		reason := p.control[2:]
		if !utf8.Valid(reason) {
			return p.fail(ws.StatusInvalidFramePayloadData, "invalid UTF-8 in close reason")
		}
		ev.Reason = string(reason)
	default:
		ev.Code = ws.StatusNoStatusRcvd
	}
	p.events = append(p.events, ev)
	return StateClose
}

func validCloseCode(c ws.StatusCode) bool {
	switch {
	case c >= 1000 && c <= 1003, c >= 1007 && c <= 1011:
		return true
	case c >= 3000 && c <= 4999:
		return true
	default:
		return false
	}
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
