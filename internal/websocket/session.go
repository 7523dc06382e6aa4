package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/devhatro/dbgateway/internal/logger"
	"github.com/devhatro/dbgateway/internal/wire"
)

var log = logger.WithComponent("websocket")

// Mode selects the opcode used for backend data sent to the client.
type Mode int

const (
	ModeText Mode = iota
	ModeBinary
)

// ParseMode reads the mode announced by the backend. Anything but "binary"
// is text.
func ParseMode(s string) Mode {
	if strings.EqualFold(strings.TrimSpace(s), "binary") {
		return ModeBinary
	}
	return ModeText
}

func (m Mode) String() string {
	if m == ModeBinary {
		return "binary"
	}
	return "text"
}

// Conn is one side of a relayed session.
type Conn interface {
	io.Reader
	io.Writer
	SetReadDeadline(t time.Time) error
}

// Options configures a session.
type Options struct {
	Version    int
	Mode       Mode
	MaxMessage int64
	// CloseGrace bounds the wait for the peer after a close was sent.
	CloseGrace time.Duration
	BufferSize int
	// OnActivity is called whenever traffic passes in either direction.
	OnActivity func()
}

// Session relays one upgraded connection. Client messages are forwarded to
// the backend unmodified once complete; backend data is framed towards the
// client. All client writes go through one lock.
type Session struct {
	client      Conn
	backendIn   io.Reader
	backend     Conn
	opts        Options
	parser      *Parser
	wmu         sync.Mutex
	closeSent   atomic.Bool
	backendDone atomic.Bool
}

// NewSession wires client to a backend whose response body is backendIn and
// whose raw stream is backend.
func NewSession(client Conn, backendIn io.Reader, backend Conn, opts Options) *Session {
	if opts.CloseGrace <= 0 {
		opts.CloseGrace = 5 * time.Second
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 32 * 1024
	}
	return &Session{
		client:    client,
		backendIn: backendIn,
		backend:   backend,
		opts:      opts,
		parser:    NewParser(opts.Version, opts.MaxMessage),
	}
}

// Run relays until both directions have finished.
func (s *Session) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		now := time.Now()
		s.client.SetReadDeadline(now)
		s.backend.SetReadDeadline(now)
	})
	defer stop()

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- s.clientLoop()
	}()
	go func() {
		defer wg.Done()
		errs <- s.backendLoop()
	}()
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) touch() {
	if s.opts.OnActivity != nil {
		s.opts.OnActivity()
	}
}

func (s *Session) write(op ws.OpCode, p []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return wsutil.WriteServerMessage(s.client, op, p)
}

// sendClose sends one close frame per session and bounds the wait for the
// client's answer.
func (s *Session) sendClose(body []byte) {
	if !s.closeSent.CompareAndSwap(false, true) {
		return
	}
	if err := s.write(ws.OpClose, body); err != nil {
		log.Debug("🔌 Close frame not delivered: %v", err)
	}
	s.client.SetReadDeadline(time.Now().Add(s.opts.CloseGrace))
}

// endBackend tells the backend the client side is over.
func (s *Session) endBackend() {
	if !s.backendDone.CompareAndSwap(false, true) {
		return
	}
	if _, err := s.backend.Write(wire.Terminator); err != nil {
		log.Debug("🔌 Backend terminator not delivered: %v", err)
	}
	s.backend.SetReadDeadline(time.Now().Add(s.opts.CloseGrace))
}

func (s *Session) clientLoop() error {
	defer s.endBackend()
	buf := make([]byte, s.opts.BufferSize)
	for {
		n, err := s.client.Read(buf)
		if n > 0 {
			s.touch()
			events, perr := s.parser.Feed(buf[:n])
			for _, ev := range events {
				switch ev.Kind {
				case EventMessage:
					if _, werr := s.backend.Write(ev.Payload); werr != nil {
						s.sendClose(ws.NewCloseFrameBody(ws.StatusInternalServerError, "backend unavailable"))
						return fmt.Errorf("forward message to backend: %w", werr)
					}
				case EventPing:
					if werr := s.write(ws.OpPong, ev.Payload); werr != nil {
						return fmt.Errorf("write pong: %w", werr)
					}
				case EventClose:
					s.sendClose(ev.Payload)
					return nil
				}
			}
			if perr != nil {
				var ce *CloseError
				if errors.As(perr, &ce) {
					log.Warn("⚠️  Closing WebSocket with %d: %s", ce.Code, ce.Reason)
					s.sendClose(ws.NewCloseFrameBody(ce.Code, ce.Reason))
				}
				return perr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || s.closeSent.Load() {
				return nil
			}
			return fmt.Errorf("read client: %w", err)
		}
	}
}

func (s *Session) backendLoop() error {
	op := ws.OpText
	if s.opts.Mode == ModeBinary {
		op = ws.OpBinary
	}
	buf := make([]byte, s.opts.BufferSize)
	var carry []byte
	for {
		n, err := s.backendIn.Read(buf)
		if n > 0 {
			s.touch()
			data := buf[:n]
			if op == ws.OpText {
				data = append(carry, data...)
				data, carry = splitIncomplete(data)
				carry = append([]byte(nil), carry...)
			}
			if len(data) > 0 {
				if werr := s.write(op, data); werr != nil {
					s.endBackend()
					return fmt.Errorf("write client: %w", werr)
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(carry) > 0 {
					log.Warn("⚠️  Backend text ended inside a UTF-8 sequence; dropping %d byte(s)", len(carry))
				}
				s.sendClose(ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
				return nil
			}
			if s.backendDone.Load() {
				return nil
			}
			s.sendClose(ws.NewCloseFrameBody(ws.StatusInternalServerError, "backend failure"))
			return fmt.Errorf("read backend: %w", err)
		}
	}
}

// splitIncomplete separates a trailing unfinished UTF-8 sequence.
func splitIncomplete(p []byte) (complete, tail []byte) {
	for i := len(p) - 1; i >= 0 && i >= len(p)-(utf8.UTFMax-1); i-- {
		if utf8.RuneStart(p[i]) {
			if !utf8.FullRune(p[i:]) {
				return p[:i], p[i:]
			}
			break
		}
	}
	return p, nil
}
