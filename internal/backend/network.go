package backend

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/devhatro/dbgateway/internal/types"
	"github.com/devhatro/dbgateway/internal/wire"
)

// DialFunc opens a TCP connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// NetworkOptions configures a NetworkClient
type NetworkOptions struct {
	Name           string
	Address        string
	Namespace      string
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	TLS            *tls.Config
	Dial           DialFunc
}

// NetworkClient speaks the wire protocol over TCP.
type NetworkClient struct {
	opts    NetworkOptions
	conn    net.Conn
	reader  *bufio.Reader
	version string
}

// NewNetworkClient returns an unconnected client.
func NewNetworkClient(opts NetworkOptions) *NetworkClient {
	if opts.Dial == nil {
		d := &net.Dialer{KeepAlive: 30 * time.Second}
		opts.Dial = d.DialContext
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	return &NetworkClient{opts: opts}
}

// Connect dials the server, negotiates TLS if configured and exchanges the
// handshake line for the version string.
func (c *NetworkClient) Connect(ctx context.Context) error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, err := c.opts.Dial(ctx, "tcp", c.opts.Address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.Address, err)
	}
	deadline, _ := ctx.Deadline()
	conn.SetDeadline(deadline)

	if c.opts.TLS != nil {
		tlsConn := tls.Client(conn, c.opts.TLS)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return fmt.Errorf("TLS handshake with %s: %w", c.opts.Address, err)
		}
		conn = tlsConn
	}

	hs := wire.Handshake{Namespace: c.opts.Namespace, IdleTimeout: c.opts.IdleTimeout}
	if _, err := conn.Write([]byte(hs.Line())); err != nil {
		conn.Close()
		return fmt.Errorf("send handshake to %s: %w", c.opts.Address, err)
	}
	reader := bufio.NewReader(conn)
	version, err := wire.ReadVersion(reader)
	if err != nil {
		conn.Close()
		return fmt.Errorf("read version from %s: %w", c.opts.Address, err)
	}
	conn.SetDeadline(time.Time{})

	c.conn = conn
	c.reader = reader
	c.version = version
	log.Debug("🔌 Connected to %s (%s) version %q", c.opts.Name, c.opts.Address, version)
	return nil
}

// Execute writes the encoded request. The returned stream reads through the
// client's buffered reader.
func (c *NetworkClient) Execute(ctx context.Context, req *wire.Request) (Stream, error) {
	if c.conn == nil {
		return nil, types.NewProtocolError("execute", "client for %s is not connected", c.opts.Name)
	}
	msg, err := req.Encode()
	if err != nil {
		return nil, err
	}
	if err := c.write(ctx, msg); err != nil {
		return nil, err
	}
	return &netStream{conn: c.conn, reader: c.reader}, nil
}

// WriteChunk ships one body segment and waits for its ack.
func (c *NetworkClient) WriteChunk(ctx context.Context, chunk *wire.Chunk) error {
	if c.conn == nil {
		return types.NewProtocolError("write chunk", "client for %s is not connected", c.opts.Name)
	}
	msg, err := chunk.Encode()
	if err != nil {
		return err
	}
	if err := c.write(ctx, msg); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	if err := wire.ReadAck(c.reader); err != nil {
		var be *types.BackendError
		if errors.As(err, &be) {
			be.Server = c.opts.Name
		}
		return err
	}
	return nil
}

func (c *NetworkClient) write(ctx context.Context, msg []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := c.conn.Write(msg); err != nil {
		return fmt.Errorf("write to %s: %w", c.opts.Name, err)
	}
	return nil
}

// Version returns the version reported in the handshake.
func (c *NetworkClient) Version() string { return c.version }

// Close closes the TCP connection.
func (c *NetworkClient) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

type netStream struct {
	conn   net.Conn
	reader *bufio.Reader
}

func (s *netStream) Read(p []byte) (int, error)        { return s.reader.Read(p) }
func (s *netStream) Write(p []byte) (int, error)       { return s.conn.Write(p) }
func (s *netStream) SetReadDeadline(t time.Time) error { return s.conn.SetReadDeadline(t) }
