// Package backendtest provides an in-process database server that speaks the
// wire protocol, for tests of the packages that talk to backends.
package backendtest

import (
	"bufio"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/devhatro/dbgateway/internal/wire"
)

// Handler answers one request.
type Handler func(call *Call)

// Call is one request received by the server.
type Call struct {
	Request *wire.Request
	// Chunks are the body segments shipped before the request.
	Chunks []*wire.Chunk
	Conn   net.Conn
	Reader *bufio.Reader

	hijacked bool
}

// Hijack takes the connection away from the server loop. The handler owns
// it afterwards.
func (c *Call) Hijack() { c.hijacked = true }

// Body returns the request body, reassembled from chunks if there were any.
func (c *Call) Body() []byte {
	if len(c.Chunks) == 0 {
		return c.Request.Body
	}
	var body []byte
	for _, ch := range c.Chunks {
		body = append(body, ch.Data...)
	}
	return append(body, c.Request.Body...)
}

// RespondBuffered writes a mode 0 response.
func (c *Call) RespondBuffered(body []byte) error {
	if err := wire.WriteResponseHeader(c.Conn, wire.ResponseHeader{Size: uint64(len(body)), Mode: wire.ModeBuffered}); err != nil {
		return err
	}
	_, err := c.Conn.Write(body)
	return err
}

// RespondChunked writes a mode 1 response. size may be wire.SizeUnknown.
func (c *Call) RespondChunked(size uint64, chunks ...[]byte) error {
	if err := wire.WriteResponseHeader(c.Conn, wire.ResponseHeader{Size: size, Mode: wire.ModeChunked}); err != nil {
		return err
	}
	cw := wire.NewChunkedWriter(c.Conn)
	for _, ch := range chunks {
		if _, err := cw.Write(ch); err != nil {
			return err
		}
	}
	return cw.Close()
}

// RespondError answers with an error text block in place of the header.
func (c *Call) RespondError(text string) error {
	return wire.WriteErrorText(c.Conn, text)
}

// Server is a fake backend listening on the loopback interface.
type Server struct {
	Version string

	ln      net.Listener
	handler Handler
	wg      sync.WaitGroup

	mu    sync.Mutex
	calls []*wire.Request
	conns []net.Conn

	handshakes atomic.Int32
	lastNS     atomic.Value
}

// NewServer starts a server answering with h.
func NewServer(h Handler) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{Version: "fake-1.0", ln: ln, handler: h}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Host returns the listen host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.ln.Addr().String())
	return host
}

// Port returns the listen port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.ln.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// Addr returns host:port.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Handshakes returns the number of completed handshakes.
func (s *Server) Handshakes() int { return int(s.handshakes.Load()) }

// Namespace returns the namespace sent in the most recent handshake.
func (s *Server) Namespace() string {
	ns, _ := s.lastNS.Load().(string)
	return ns
}

// Requests returns the requests received so far.
func (s *Server) Requests() []*wire.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*wire.Request(nil), s.calls...)
}

// Close stops the listener and drops open connections.
func (s *Server) Close() {
	s.ln.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	reader := bufio.NewReader(conn)
	hs, err := wire.ReadHandshake(reader)
	if err != nil {
		conn.Close()
		return
	}
	s.lastNS.Store(hs.Namespace)
	if err := wire.WriteVersion(conn, s.Version); err != nil {
		conn.Close()
		return
	}
	s.handshakes.Add(1)

	dec := wire.NewDecoder(reader, 0)
	var chunks []*wire.Chunk
	for {
		blocks, err := dec.ReadMessage()
		if err != nil {
			conn.Close()
			return
		}
		if wire.IsChunkMessage(blocks) {
			ch, err := wire.DecodeChunk(blocks)
			if err != nil {
				wire.WriteErrorText(conn, err.Error())
				continue
			}
			chunks = append(chunks, ch)
			wire.WriteAck(conn)
			continue
		}
		req, err := wire.DecodeRequest(blocks)
		if err != nil {
			wire.WriteErrorText(conn, err.Error())
			continue
		}
		s.mu.Lock()
		s.calls = append(s.calls, req)
		s.mu.Unlock()

		call := &Call{Request: req, Chunks: chunks, Conn: conn, Reader: reader}
		chunks = nil
		s.handler(call)
		if call.hijacked {
			return
		}
	}
}
