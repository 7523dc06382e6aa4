// Package backend implements the transports that carry wire-protocol calls to
// a database server: NetworkClient over TCP (optionally TLS) and NativeClient
// over an injected call-in capability.
package backend

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/devhatro/dbgateway/internal/common"
	"github.com/devhatro/dbgateway/internal/config"
	"github.com/devhatro/dbgateway/internal/logger"
	"github.com/devhatro/dbgateway/internal/wire"
)

var log = logger.WithComponent("backend")

// Stream is the byte channel to the backend after a call has been issued.
// Reads return the response header block followed by the framed body; writes
// reach the backend unmodified (WebSocket and SSE relays use them).
type Stream interface {
	io.Reader
	io.Writer
	SetReadDeadline(t time.Time) error
}

// Client is one backend session. A Client is used by one request at a time.
type Client interface {
	// Connect establishes the session: TCP connect and handshake, or call-in
	// authentication.
	Connect(ctx context.Context) error
	// Execute sends a request and returns the stream carrying the response.
	Execute(ctx context.Context, req *wire.Request) (Stream, error)
	// WriteChunk ships one request body segment and waits for the ack.
	WriteChunk(ctx context.Context, c *wire.Chunk) error
	// Version is the version string reported by the backend on connect.
	Version() string
	Close() error
}

// Factory builds clients for configured servers.
type Factory struct {
	// Loaders resolve native call-in libraries, keyed by database kind.
	// The "" key is used when no loader matches.
	Loaders  map[string]Loader
	Timeouts *common.TimeoutConfig
	// Dial overrides the TCP dialer; tests use it.
	Dial DialFunc
}

// New returns an unconnected client for the server.
func (f *Factory) New(s config.ServerConfig) (Client, error) {
	switch s.Mode {
	case config.ModeNative:
		loader, ok := f.Loaders[s.Database]
		if !ok {
			loader, ok = f.Loaders[""]
		}
		if !ok {
			return nil, fmt.Errorf("no call-in loader for database kind %q", s.Database)
		}
		return NewNativeClient(s, loader), nil
	default:
		tlsConfig, err := common.LoadBackendTLSConfig(s.TLS, s.Host)
		if err != nil {
			return nil, fmt.Errorf("server %s: %w", s.Name, err)
		}
		return NewNetworkClient(NetworkOptions{
			Name:           s.Name,
			Address:        fmt.Sprintf("%s:%d", s.Host, s.Port),
			Namespace:      s.Namespace,
			IdleTimeout:    s.IdleTimeout,
			ConnectTimeout: s.ConnectTimeout,
			TLS:            tlsConfig,
			Dial:           f.Dial,
		}), nil
	}
}
