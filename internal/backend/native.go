package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/devhatro/dbgateway/internal/config"
	"github.com/devhatro/dbgateway/internal/types"
	"github.com/devhatro/dbgateway/internal/wire"
)

// CallIn is the function table of a vendor's native call-in library.
type CallIn interface {
	Authenticate(ctx context.Context, username, password, namespace string) (version string, err error)
	Invoke(ctx context.Context, req *wire.Request) (Stream, error)
	WriteChunk(ctx context.Context, c *wire.Chunk) error
	// Close ends the session and unloads the library.
	Close() error
}

// Loader resolves a call-in library from an install path.
type Loader interface {
	Load(installPath string) (CallIn, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(installPath string) (CallIn, error)

// Load calls f.
func (f LoaderFunc) Load(installPath string) (CallIn, error) { return f(installPath) }

// NativeClient runs calls through an in-process call-in session. A server in
// native mode has exactly one.
type NativeClient struct {
	server  config.ServerConfig
	loader  Loader
	callIn  CallIn
	version string
}

// NewNativeClient returns an unloaded client.
func NewNativeClient(server config.ServerConfig, loader Loader) *NativeClient {
	return &NativeClient{server: server, loader: loader}
}

// Connect loads the library and authenticates. A previous session is
// unloaded first.
func (c *NativeClient) Connect(ctx context.Context) error {
	if c.callIn != nil {
		c.Close()
	}
	callIn, err := c.loader.Load(c.server.InstallPath)
	if err != nil {
		return fmt.Errorf("load call-in library from %s: %w", c.server.InstallPath, err)
	}
	version, err := callIn.Authenticate(ctx, c.server.Username, c.server.Password, c.server.Namespace)
	if err != nil {
		callIn.Close()
		return fmt.Errorf("authenticate with %s: %w", c.server.Name, err)
	}
	c.callIn = callIn
	c.version = version
	log.Debug("🔌 Native session for %s ready, version %q", c.server.Name, version)
	return nil
}

// Execute invokes the request in-process.
func (c *NativeClient) Execute(ctx context.Context, req *wire.Request) (Stream, error) {
	if c.callIn == nil {
		return nil, types.NewProtocolError("execute", "native session for %s is not loaded", c.server.Name)
	}
	return c.callIn.Invoke(ctx, req)
}

// WriteChunk passes one body segment to the session.
func (c *NativeClient) WriteChunk(ctx context.Context, chunk *wire.Chunk) error {
	if c.callIn == nil {
		return types.NewProtocolError("write chunk", "native session for %s is not loaded", c.server.Name)
	}
	err := c.callIn.WriteChunk(ctx, chunk)
	var be *types.BackendError
	if errors.As(err, &be) && be.Server == "" {
		be.Server = c.server.Name
	}
	return err
}

// Version returns the version reported on authentication.
func (c *NativeClient) Version() string { return c.version }

// Close unloads the session so the next Connect starts fresh.
func (c *NativeClient) Close() error {
	if c.callIn == nil {
		return nil
	}
	err := c.callIn.Close()
	c.callIn = nil
	return err
}
