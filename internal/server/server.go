// Package server runs the gateway process: the HTTP listener feeding the
// dispatcher, the metrics exporter, the idle reaper and hot reload.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"

	"github.com/devhatro/dbgateway/internal/backend"
	"github.com/devhatro/dbgateway/internal/common"
	"github.com/devhatro/dbgateway/internal/config"
	"github.com/devhatro/dbgateway/internal/dispatch"
	"github.com/devhatro/dbgateway/internal/logger"
	"github.com/devhatro/dbgateway/internal/metrics"
	"github.com/devhatro/dbgateway/internal/pool"
)

var log = logger.WithComponent("server")

// maxDrain bounds how much of an unread request body is discarded to keep a
// connection alive.
const maxDrain = 256 * 1024

// Options carries the dependencies a Server cannot build from config.
type Options struct {
	// Loaders resolve native call-in libraries, keyed by database kind.
	Loaders map[string]backend.Loader
	// Dial overrides the backend dialer.
	Dial backend.DialFunc
}

// Server is the gateway process.
type Server struct {
	config   *config.Config
	configMu sync.RWMutex

	pool       *pool.Manager
	dispatcher *dispatch.Dispatcher
	sessions   *common.SessionRegistry
	metrics    *metrics.Collector
	watcher    *common.FileWatcher
	reaper     *cron.Cron

	mu         sync.Mutex
	listener   net.Listener
	metricsSrv *http.Server
	conns      *xsync.Map[net.Conn, *connState]
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	stopping   atomic.Bool
}

type connState struct {
	idle atomic.Bool
}

// New builds a server from a loaded configuration.
func New(cfg *config.Config, opts Options) (*Server, error) {
	cfg.ApplyDefaults()
	factory := &backend.Factory{Loaders: opts.Loaders, Timeouts: &cfg.Timeouts, Dial: opts.Dial}
	p, err := pool.NewManager(cfg, factory.New, pool.Options{
		QueueTimeout:      cfg.Timeouts.QueueTimeout,
		QueuePollInterval: cfg.Timeouts.QueuePollInterval,
		AffinityTTL:       cfg.Gateway.AffinityTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build connection pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		pool:     p,
		sessions: common.NewSessionRegistry(cfg.Gateway.SessionIdleTimeout),
		conns:    xsync.NewMap[net.Conn, *connState](),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.metrics = metrics.NewCollector(cfg.Metrics, p, s.sessions)
	s.dispatcher = dispatch.New(p, dispatch.Options{
		Gateway:  cfg.Gateway,
		Timeouts: cfg.Timeouts,
		Sessions: s.sessions,
		Observer: s.metrics,
	})
	s.watcher = common.NewFileWatcher(s, cfg.HotReload)
	return s, nil
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	addr := s.Config().Gateway.ListenAddr
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts client connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	cfg := s.Config()
	s.wg.Add(1)
	defer s.wg.Done()
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	if s.stopping.Load() {
		ln.Close()
		return nil
	}
	log.Info("🚀 Gateway listening on %s", ln.Addr())

	if err := s.startBackground(cfg); err != nil {
		return err
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.stopping.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				log.Warn("⚠️  Accept failed, retrying: %v", err)
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Addr returns the listen address once serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) startBackground(cfg *config.Config) error {
	reaper := cron.New()
	if _, err := reaper.AddFunc(cfg.Gateway.ReapSchedule, s.reap); err != nil {
		return fmt.Errorf("invalid reap schedule %q: %w", cfg.Gateway.ReapSchedule, err)
	}
	reaper.Start()
	s.mu.Lock()
	s.reaper = reaper
	s.mu.Unlock()
	log.Info("🧹 Idle reaper scheduled %s", cfg.Gateway.ReapSchedule)

	if cfg.Metrics.Enabled && cfg.Metrics.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, s.metrics.Handler())
		srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		s.mu.Lock()
		s.metricsSrv = srv
		s.mu.Unlock()
		go func() {
			log.Info("📊 Metrics on %s%s", cfg.Metrics.ListenAddr, cfg.Metrics.Path)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("❌ Metrics server failed: %v", err)
			}
		}()
	}

	if err := s.watcher.Start(cfg.HotReload.WatchConfig, cfg.HotReload.ReloadSignal); err != nil {
		log.Error("❌ Failed to start hot reload: %v", err)
	}
	return nil
}

// reap closes idle backend connections and stale sessions.
func (s *Server) reap() {
	conns := s.pool.ReapIdle()
	sessions := s.sessions.CleanupStale()
	if conns > 0 || sessions > 0 {
		log.Debug("🧹 Reaped %d idle connection(s) and %d stale session(s)", conns, sessions)
	}
}

// Metrics returns the server's collector.
func (s *Server) Metrics() *metrics.Collector { return s.metrics }

// Config returns the active configuration.
func (s *Server) Config() *config.Config {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	return s.config
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	state := &connState{}
	s.conns.Store(conn, state)
	defer s.conns.Delete(conn)

	cfg := s.Config()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriterSize(conn, cfg.Gateway.BufferSize)
	hijacked := false
	defer func() {
		if !hijacked {
			conn.Close()
		}
	}()

	for {
		state.idle.Store(true)
		conn.SetReadDeadline(time.Now().Add(cfg.Timeouts.ClientReadTimeout))
		if s.stopping.Load() {
			return
		}
		req, err := http.ReadRequest(reader)
		state.idle.Store(false)
		if err != nil {
			s.rejectRequest(conn, writer, err)
			return
		}
		conn.SetReadDeadline(time.Time{})

		host := newConnHost(conn, reader, writer, req, cfg.Timeouts.ClientProbe, cfg.Timeouts.ClientReadTimeout)
		start := time.Now()
		out, err := s.serveRequest(host)
		if host.hijacked {
			hijacked = true
			conn.Close()
			return
		}
		if err != nil {
			log.Debug("🌐 %s %s -> %d from %s in %v: %v", req.Method, req.RequestURI, out.Status, out.Server, time.Since(start).Round(time.Millisecond), err)
		} else {
			log.Debug("🌐 %s %s -> %d from %s in %v", req.Method, req.RequestURI, out.Status, out.Server, time.Since(start).Round(time.Millisecond))
		}
		if err := writer.Flush(); err != nil {
			return
		}
		if out.Close || req.Close {
			return
		}
		// Whatever the dispatcher left unread must not be parsed as the next request.
		if n, _ := io.CopyN(io.Discard, req.Body, maxDrain+1); n > maxDrain {
			return
		}
		req.Body.Close()
		cfg = s.Config()
	}
}

// serveRequest dispatches one request. A panic fails the request and closes
// the connection without taking the process down.
func (s *Server) serveRequest(host *connHost) (out dispatch.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("💥 Panic serving %s %s: %v\n%s", host.req.Method, host.req.RequestURI, r, debug.Stack())
			if !host.headersSent && !host.hijacked {
				body := []byte("internal server error\n")
				h := http.Header{}
				h.Set("Content-Type", "text/plain; charset=utf-8")
				h.Set("Content-Length", strconv.Itoa(len(body)))
				h.Set("Connection", "close")
				if host.SubmitHeaders(http.StatusInternalServerError, h) == nil {
					host.Write(body)
				}
			}
			out = dispatch.Outcome{Status: http.StatusInternalServerError, Close: true}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.dispatcher.Serve(s.ctx, host)
}

// rejectRequest answers an unreadable request head where that makes sense.
func (s *Server) rejectRequest(conn net.Conn, w *bufio.Writer, err error) {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return
	case errors.Is(err, os.ErrDeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		log.Debug("⏰ Closing idle client connection %s", conn.RemoteAddr())
		return
	}
	log.Warn("⚠️  Malformed request from %s: %v", conn.RemoteAddr(), err)
	fmt.Fprintf(w, "HTTP/1.1 400 Bad Request\r\nContent-Type: text/plain; charset=utf-8\r\nConnection: close\r\nContent-Length: 12\r\n\r\nbad request\n")
	w.Flush()
}

// Shutdown stops accepting connections and waits for requests in flight
// until ctx expires; connections still open then are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.stopping.CompareAndSwap(false, true) {
		return nil
	}
	log.Info("🛑 Shutting down gateway...")
	s.mu.Lock()
	ln, reaper, metricsSrv := s.listener, s.reaper, s.metricsSrv
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	s.watcher.Stop()
	if reaper != nil {
		<-reaper.Stop().Done()
	}
	if metricsSrv != nil {
		metricsSrv.Shutdown(ctx)
	}

	// Wake connections waiting for their next request.
	s.conns.Range(func(c net.Conn, st *connState) bool {
		if st.idle.Load() {
			c.SetReadDeadline(time.Now())
		}
		return true
	})
	// Event streams and WebSocket sessions never drain on their own.
	s.dispatcher.StopStreams()
	s.sessions.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		n := 0
		s.conns.Range(func(c net.Conn, _ *connState) bool {
			c.Close()
			n++
			return true
		})
		log.Warn("⚠️  Shutdown timed out; closed %d connection(s)", n)
		<-done
		err = ctx.Err()
	}
	s.cancel()
	s.pool.Close()
	log.Info("✅ Gateway stopped")
	return err
}

// ReloadConfig re-reads the configuration file and applies the server and
// path tables, engine settings and log level.
func (s *Server) ReloadConfig() error {
	path := s.GetConfigPath()
	if path == "" {
		return errors.New("no configuration file to reload from")
	}
	newConfig, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}
	if err := s.pool.Reload(newConfig); err != nil {
		return fmt.Errorf("failed to apply server and path tables: %w", err)
	}
	s.dispatcher.Configure(newConfig.Gateway, newConfig.Timeouts)

	s.configMu.Lock()
	oldConfig := s.config
	s.config = newConfig
	s.configMu.Unlock()

	s.applyConfigChanges(oldConfig, newConfig)
	return nil
}

// applyConfigChanges logs and applies what a reload can change in place.
func (s *Server) applyConfigChanges(oldConfig, newConfig *config.Config) {
	if oldConfig.Logging.Level != newConfig.Logging.Level {
		logger.SetLogLevel(newConfig.Logging.Level)
		log.Info("🔧 Log level changed: %s → %s", oldConfig.Logging.Level, newConfig.Logging.Level)
	}
	if oldConfig.Logging.Format != newConfig.Logging.Format {
		logger.SetFormat(newConfig.Logging.Format)
	}
	if oldConfig.Gateway.ListenAddr != newConfig.Gateway.ListenAddr {
		log.Warn("⚠️  Listen address change (%s → %s) needs a restart", oldConfig.Gateway.ListenAddr, newConfig.Gateway.ListenAddr)
	}
	if oldConfig.Metrics != newConfig.Metrics {
		log.Warn("⚠️  Metrics settings changed; restart to apply")
	}
	if oldConfig.Gateway.ReapSchedule != newConfig.Gateway.ReapSchedule {
		log.Warn("⚠️  Reap schedule change (%s → %s) needs a restart", oldConfig.Gateway.ReapSchedule, newConfig.Gateway.ReapSchedule)
	}
	log.Info("📝 Configuration now has %d server(s) and %d path(s)", len(newConfig.Servers), len(newConfig.Paths))
}

// GetConfigPath implements common.ConfigReloader.
func (s *Server) GetConfigPath() string {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	return s.config.ConfigPath
}

// IsHotReloadEnabled implements common.ConfigReloader.
func (s *Server) IsHotReloadEnabled() bool {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	return s.config != nil && s.config.HotReload.Enabled && s.config.ConfigPath != ""
}

// GetComponentName implements common.ConfigReloader.
func (s *Server) GetComponentName() string { return "gateway" }
