package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/devhatro/dbgateway/internal/types"
)

// ProtocolName is sent as the first field of the handshake line.
const ProtocolName = "DBGW1"

// maxVersionLength bounds the version string returned by a backend.
const maxVersionLength = 1024

// Handshake is the connection preamble sent on a fresh backend connection.
type Handshake struct {
	Protocol    string
	Namespace   string
	IdleTimeout time.Duration
}

// Line renders "<proto>~<namespace>~<idle_timeout>\n" with the timeout in seconds.
func (h Handshake) Line() string {
	proto := h.Protocol
	if proto == "" {
		proto = ProtocolName
	}
	return fmt.Sprintf("%s~%s~%d\n", proto, h.Namespace, int64(h.IdleTimeout/time.Second))
}

// ReadHandshake parses a handshake line. Backends and tests use it.
func ReadHandshake(r *bufio.Reader) (Handshake, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return Handshake{}, err
	}
	fields := strings.Split(strings.TrimRight(line, "\r\n"), "~")
	if len(fields) != 3 {
		return Handshake{}, types.NewProtocolError("handshake", "expected 3 fields, got %d", len(fields))
	}
	secs, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil || secs < 0 {
		return Handshake{}, types.NewProtocolError("handshake", "bad idle timeout %q", fields[2])
	}
	return Handshake{
		Protocol:    fields[0],
		Namespace:   fields[1],
		IdleTimeout: time.Duration(secs) * time.Second,
	}, nil
}

// WriteVersion writes the length-prefixed version string answering a handshake.
func WriteVersion(w io.Writer, version string) error {
	buf := make([]byte, 4+len(version))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(version)))
	copy(buf[4:], version)
	_, err := w.Write(buf)
	return err
}

// ReadVersion reads the length-prefixed version string.
func ReadVersion(r io.Reader) (string, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > maxVersionLength {
		return "", types.NewProtocolError("handshake", "version string of %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteAck acknowledges a write-chunk call.
func WriteAck(w io.Writer) error {
	buf, _ := AppendBlock(nil, Tag(CategoryResponse, TypeAck), nil)
	_, err := w.Write(buf)
	return err
}

// WriteErrorText answers a call with backend error text.
func WriteErrorText(w io.Writer, text string) error {
	return WriteBlock(w, Tag(CategoryError, TypeErrorText), []byte(text))
}

// ReadAck reads the answer to a write-chunk call.
func ReadAck(r io.Reader) error {
	b, err := NewDecoder(r, 1<<20).Next()
	if err != nil {
		return err
	}
	switch {
	case b.Is(CategoryResponse, TypeAck):
		return nil
	case b.Is(CategoryError, TypeErrorText):
		return &types.BackendError{Text: string(b.Payload)}
	default:
		return types.NewProtocolError("write chunk", "unexpected block tag %d", b.Tag)
	}
}
