// Package echo implements the tlsctl echo server: every accepted peer gets a
// TLS session whose input is written straight back.
package echo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/polisai/tlsession/pkg/engine"
	"github.com/polisai/tlsession/pkg/tlsession"
)

// Metrics receives server events. *telemetry.ServerMetrics implements it.
type Metrics interface {
	RecordAccept(ok bool)
	ConnectionOpened()
	ConnectionClosed()
	RecordEchoed(n int)
	RecordSettingsReload(ok bool)
	RecordThrottled()
}

// Admission decides whether a remote host may start a handshake.
// *governance.HandshakeLimiter implements it.
type Admission interface {
	Allow(host string) bool
}

type noopMetrics struct{}

func (noopMetrics) RecordAccept(bool)         {}
func (noopMetrics) ConnectionOpened()         {}
func (noopMetrics) ConnectionClosed()         {}
func (noopMetrics) RecordEchoed(int)          {}
func (noopMetrics) RecordSettingsReload(bool) {}
func (noopMetrics) RecordThrottled()          {}

// generation is one realized configuration and the connections using it.
type generation struct {
	cfg   *tlsession.Config
	users sync.WaitGroup
}

// Server accepts connections and echoes what each peer sends. Each
// connection gets its own tlsession.Server sharing the current
// configuration, so handshakes run concurrently.
type Server struct {
	eng     engine.Engine
	logger  *slog.Logger
	metrics Metrics
	admit   Admission
	opts    []tlsession.Option

	mu       sync.Mutex
	current  *generation
	closed   bool
	conns    sync.WaitGroup
	retiring sync.WaitGroup
}

// Options configures a Server.
type Options struct {
	Logger  *slog.Logger
	Metrics Metrics
	// Admission, when set, is consulted for every accepted connection
	// before the handshake starts.
	Admission Admission
	// Session options applied to every connection, such as
	// tlsession.WithMaxRetries.
	SessionOptions []tlsession.Option
}

// NewServer validates settings by building a server context from them.
func NewServer(eng engine.Engine, settings tlsession.Settings, o Options) (*Server, error) {
	s := &Server{
		eng:     eng,
		logger:  o.Logger,
		metrics: o.Metrics,
		admit:   o.Admission,
		opts:    o.SessionOptions,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "echo")
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}

	gen, err := s.build(settings)
	if err != nil {
		return nil, err
	}
	s.current = gen
	return s, nil
}

// build realizes settings and proves a server context can be configured
// from them.
func (s *Server) build(settings tlsession.Settings) (*generation, error) {
	cfg := tlsession.NewConfig(s.eng, settings, tlsession.WithLogger(s.logger))
	probe, err := tlsession.NewServer(s.eng, nil, s.sessionOptions(cfg)...)
	if err != nil {
		cfg.Release()
		return nil, err
	}
	probe.Finish()
	return &generation{cfg: cfg}, nil
}

func (s *Server) sessionOptions(cfg *tlsession.Config) []tlsession.Option {
	opts := append([]tlsession.Option{tlsession.WithLogger(s.logger)}, s.opts...)
	return append(opts, tlsession.WithSharedConfig(cfg))
}

// Reload swaps in a configuration built from settings. Connections already
// running keep the configuration they started with; it is released once
// the last of them ends. On error the current configuration stays.
func (s *Server) Reload(settings tlsession.Settings) error {
	gen, err := s.build(settings)
	s.metrics.RecordSettingsReload(err == nil)
	if err != nil {
		return fmt.Errorf("rebuild server configuration: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		gen.cfg.Release()
		return net.ErrClosed
	}
	old := s.current
	s.current = gen
	s.retiring.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.retiring.Done()
		retire(old)
	}()
	s.logger.Info("Server configuration reloaded")
	return nil
}

func retire(gen *generation) {
	gen.users.Wait()
	gen.cfg.Release()
}

// Watch reloads on every value from updates until ctx ends or updates is
// closed. Failed reloads are logged.
func (s *Server) Watch(ctx context.Context, updates <-chan tlsession.Settings) {
	for {
		select {
		case <-ctx.Done():
			return
		case settings, ok := <-updates:
			if !ok {
				return
			}
			if err := s.Reload(settings); err != nil {
				s.logger.Error("Settings reload rejected", "error", err)
			}
		}
	}
}

// acquire pins the current generation for one connection.
func (s *Server) acquire() (*generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, net.ErrClosed
	}
	s.current.users.Add(1)
	return s.current, nil
}

// Serve accepts connections from ln until ctx ends, then closes ln and
// waits for the connections in flight.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("Accepting TLS connections", "address", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.conns.Wait()
				return nil
			}
			s.logger.Error("Failed to accept connection", "error", err)
			continue
		}
		if !s.admitted(conn) {
			_ = conn.Close()
			continue
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			defer conn.Close()
			if err := s.serveConn(ctx, conn); err != nil {
				s.logger.Warn("Connection ended with error", "remote", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

func (s *Server) admitted(conn net.Conn) bool {
	if s.admit == nil {
		return true
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	if s.admit.Allow(host) {
		return true
	}
	s.metrics.RecordThrottled()
	s.logger.Debug("Handshake rate exceeded", "remote", host)
	return false
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) error {
	fc, ok := conn.(interface{ File() (*os.File, error) })
	if !ok {
		return fmt.Errorf("connection %T has no file descriptor", conn)
	}
	f, err := fc.File()
	if err != nil {
		return err
	}
	defer f.Close()
	return s.ServeFD(ctx, f.Fd())
}

// ServeFD negotiates TLS over fd and echoes until the peer closes, an
// error occurs or ctx ends. The caller keeps ownership of fd.
func (s *Server) ServeFD(ctx context.Context, fd uintptr) error {
	gen, err := s.acquire()
	if err != nil {
		return err
	}
	defer gen.users.Done()

	srv, err := tlsession.NewServer(s.eng, nil, s.sessionOptions(gen.cfg)...)
	if err != nil {
		return err
	}
	defer srv.Finish()

	sess, err := srv.Accept(ctx, fd)
	s.metrics.RecordAccept(err == nil)
	if err != nil {
		return err
	}

	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()

	err = Echo(ctx, sess, s.metrics.RecordEchoed)
	if closeErr := sess.Close(context.WithoutCancel(ctx)); err == nil {
		err = closeErr
	}
	return err
}

// Echo writes every chunk read from sess back to it until the peer closes
// (an empty read) or an error occurs. echoed, when not nil, is told the
// size of every write.
func Echo(ctx context.Context, sess *tlsession.Session, echoed func(int)) error {
	for {
		data, err := sess.Read(ctx)
		if len(data) > 0 {
			n, werr := sess.Write(ctx, data)
			if echoed != nil {
				echoed(n)
			}
			if werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return nil
		}
	}
}

// Close stops new connections and returns once every configuration,
// current or superseded, has been released.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	gen := s.current
	s.mu.Unlock()

	s.conns.Wait()
	retire(gen)
	s.retiring.Wait()
}
