// Package gotls implements engine.Engine on top of crypto/tls.
//
// Handles index a registry guarded by a mutex; blocking work (dial,
// handshake, read, write) runs outside the lock, so distinct handles can be
// used concurrently. A single handle must not be.
package gotls

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/polisai/tlsession/pkg/engine"
)

const (
	defaultDialTimeout      = 30 * time.Second
	defaultHandshakeTimeout = 30 * time.Second
)

// Option configures an Engine.
type Option func(*Engine)

// WithDialer sets the dialer used by Connect.
func WithDialer(d *net.Dialer) Option {
	return func(e *Engine) { e.dialer = d }
}

// WithHandshakeTimeout bounds each handshake. Zero disables the bound.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(e *Engine) { e.handshakeTimeout = d }
}

// WithReadPollInterval makes Read give up after d without data and report
// engine.StatusWantRead, so callers regain control between polls. Zero
// (the default) makes Read block until data or EOF arrives.
func WithReadPollInterval(d time.Duration) Option {
	return func(e *Engine) { e.readPoll = d }
}

// WithLogger sets the logger for engine diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// tlsContext is the engine side of a client, server or accepted context.
type tlsContext struct {
	server    bool
	cfg       *tls.Config
	conn      *tls.Conn
	lastError string
}

// Engine adapts crypto/tls to engine.Engine.
type Engine struct {
	dialer           *net.Dialer
	handshakeTimeout time.Duration
	readPoll         time.Duration
	logger           *slog.Logger

	mu       sync.Mutex
	next     engine.Handle
	configs  map[engine.Handle]*config
	contexts map[engine.Handle]*tlsContext
}

// New returns an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		dialer:           &net.Dialer{Timeout: defaultDialTimeout},
		handshakeTimeout: defaultHandshakeTimeout,
		logger:           slog.Default(),
		configs:          make(map[engine.Handle]*config),
		contexts:         make(map[engine.Handle]*tlsContext),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "gotls")
	return e
}

// Init has nothing to prepare; crypto/tls needs no global setup.
func (e *Engine) Init() engine.Status {
	return engine.StatusOK
}

func (e *Engine) alloc() engine.Handle {
	e.next++
	return e.next
}

func (e *Engine) NewConfig() engine.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.alloc()
	e.configs[h] = newConfig()
	return h
}

func (e *Engine) FreeConfig(cfg engine.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.configs, cfg)
}

// update runs fn against a configuration under the lock.
func (e *Engine) update(cfg engine.Handle, option engine.Option, fn func(c *config) error) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.configs[cfg]
	if !ok {
		return engine.StatusError
	}
	if err := fn(c); err != nil {
		e.logger.Debug("Configuration setting rejected", "setting", option.String(), "error", err)
		return engine.StatusError
	}
	return engine.StatusOK
}

func (e *Engine) SetCAFile(cfg engine.Handle, path string) engine.Status {
	data, err := readFile(path)
	if err != nil {
		e.logger.Debug("Configuration setting rejected", "setting", engine.OptionCAFile.String(), "error", err)
		return engine.StatusError
	}
	return e.SetCAMem(cfg, data)
}

func (e *Engine) SetCAPath(cfg engine.Handle, dir string) engine.Status {
	return e.update(cfg, engine.OptionCAPath, func(c *config) error {
		info, err := os.Stat(dir)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return errors.New("not a directory")
		}
		c.caPath = dir
		return nil
	})
}

func (e *Engine) SetCAMem(cfg engine.Handle, pem []byte) engine.Status {
	return e.update(cfg, engine.OptionCAMem, func(c *config) error {
		if len(pem) == 0 {
			return errors.New("empty CA data")
		}
		c.caPEM = [][]byte{append([]byte(nil), pem...)}
		return nil
	})
}

func (e *Engine) SetCertFile(cfg engine.Handle, path string) engine.Status {
	data, err := readFile(path)
	if err != nil {
		e.logger.Debug("Configuration setting rejected", "setting", engine.OptionCertFile.String(), "error", err)
		return engine.StatusError
	}
	return e.SetCertMem(cfg, data)
}

func (e *Engine) SetCertMem(cfg engine.Handle, pem []byte) engine.Status {
	return e.update(cfg, engine.OptionCertMem, func(c *config) error {
		if len(pem) == 0 {
			return errors.New("empty certificate data")
		}
		c.certPEM = append([]byte(nil), pem...)
		return nil
	})
}

func (e *Engine) SetKeyFile(cfg engine.Handle, path string) engine.Status {
	data, err := readFile(path)
	if err != nil {
		e.logger.Debug("Configuration setting rejected", "setting", engine.OptionKeyFile.String(), "error", err)
		return engine.StatusError
	}
	return e.SetKeyMem(cfg, data)
}

func (e *Engine) SetKeyMem(cfg engine.Handle, pem []byte) engine.Status {
	return e.update(cfg, engine.OptionKeyMem, func(c *config) error {
		if len(pem) == 0 {
			return errors.New("empty key data")
		}
		c.keyPEM = append([]byte(nil), pem...)
		return nil
	})
}

func (e *Engine) SetCiphers(cfg engine.Handle, ciphers string) engine.Status {
	return e.update(cfg, engine.OptionCiphers, func(c *config) error {
		ids, err := parseCiphers(ciphers)
		if err != nil {
			return err
		}
		c.ciphers = ids
		return nil
	})
}

func (e *Engine) SetDHEParams(cfg engine.Handle, params string) engine.Status {
	return e.update(cfg, engine.OptionDHEParams, func(c *config) error {
		v, err := dheParams(params)
		if err != nil {
			return err
		}
		c.dheParams = v
		return nil
	})
}

func (e *Engine) SetECDHECurve(cfg engine.Handle, curve string) engine.Status {
	return e.update(cfg, engine.OptionECDHECurve, func(c *config) error {
		ids, err := parseCurves(curve)
		if err != nil {
			return err
		}
		c.curves = ids
		return nil
	})
}

func (e *Engine) SetProtocols(cfg engine.Handle, protocols uint32) engine.Status {
	return e.update(cfg, engine.OptionProtocols, func(c *config) error {
		lo, hi, err := versionRange(protocols)
		if err != nil {
			return err
		}
		if hasGaps(protocols) {
			e.logger.Warn("Protocol mask has gaps; enabling the full range",
				"protocols", engine.FormatProtocols(protocols))
		}
		c.minVersion, c.maxVersion = lo, hi
		return nil
	})
}

func (e *Engine) SetVerifyDepth(cfg engine.Handle, depth int) engine.Status {
	return e.update(cfg, engine.OptionVerifyDepth, func(c *config) error {
		if depth < 0 {
			return errors.New("negative verify depth")
		}
		c.verifyDepth = depth
		return nil
	})
}

func (e *Engine) newContext(server bool) engine.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.alloc()
	e.contexts[h] = &tlsContext{server: server}
	return h
}

func (e *Engine) NewClient() engine.Handle { return e.newContext(false) }

func (e *Engine) NewServer() engine.Handle { return e.newContext(true) }

func (e *Engine) Configure(ctx, cfg engine.Handle) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.contexts[ctx]
	if !ok {
		return engine.StatusError
	}
	conf, ok := e.configs[cfg]
	if !ok {
		c.lastError = "unknown configuration"
		return engine.StatusError
	}
	built, err := conf.build(c.server)
	if err != nil {
		c.lastError = err.Error()
		return engine.StatusError
	}
	c.cfg = built
	return engine.StatusOK
}

// lookup returns the context for h, or nil.
func (e *Engine) lookup(h engine.Handle) *tlsContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.contexts[h]
}

func (e *Engine) setError(c *tlsContext, err error) engine.Status {
	e.mu.Lock()
	c.lastError = err.Error()
	e.mu.Unlock()
	return engine.StatusError
}

func (e *Engine) handshakeContext() (context.Context, context.CancelFunc) {
	if e.handshakeTimeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), e.handshakeTimeout)
}

func (e *Engine) Connect(ctx engine.Handle, host, port string) engine.Status {
	return e.ConnectServerName(ctx, host, port, host)
}

func (e *Engine) ConnectServerName(ctx engine.Handle, host, port, serverName string) engine.Status {
	c := e.lookup(ctx)
	if c == nil {
		return engine.StatusError
	}
	switch {
	case c.server:
		return e.setError(c, errors.New("connect on a server context"))
	case c.cfg == nil:
		return e.setError(c, errors.New("context not configured"))
	case c.conn != nil:
		return e.setError(c, errors.New("context already connected"))
	}

	hctx, cancel := e.handshakeContext()
	defer cancel()

	raw, err := e.dialer.DialContext(hctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return e.setError(c, err)
	}

	cfg := c.cfg.Clone()
	cfg.ServerName = serverName
	conn := tls.Client(raw, cfg)
	if err := conn.HandshakeContext(hctx); err != nil {
		raw.Close()
		return e.setError(c, err)
	}

	e.mu.Lock()
	c.conn = conn
	e.mu.Unlock()
	return engine.StatusOK
}

// AcceptSocket negotiates over a duplicate of fd; the caller's descriptor
// is left open.
func (e *Engine) AcceptSocket(ctx engine.Handle, fd uintptr) (engine.Handle, engine.Status) {
	srv := e.lookup(ctx)
	if srv == nil {
		return engine.NoHandle, engine.StatusError
	}
	if !srv.server || srv.cfg == nil {
		return engine.NoHandle, e.setError(srv, errors.New("accept on an unconfigured server context"))
	}

	raw, err := connFromFD(fd)
	if err != nil {
		return engine.NoHandle, e.setError(srv, err)
	}

	peer := e.newContext(true)
	pc := e.lookup(peer)
	conn := tls.Server(raw, srv.cfg)

	hctx, cancel := e.handshakeContext()
	defer cancel()
	if err := conn.HandshakeContext(hctx); err != nil {
		raw.Close()
		e.setError(srv, err)
		return peer, e.setError(pc, err)
	}

	e.mu.Lock()
	pc.cfg = srv.cfg
	pc.conn = conn
	e.mu.Unlock()
	return peer, engine.StatusOK
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (e *Engine) Read(ctx engine.Handle, p []byte) (int, engine.Status) {
	c := e.lookup(ctx)
	if c == nil {
		return 0, engine.StatusError
	}
	if c.conn == nil {
		return 0, e.setError(c, errors.New("read on an unconnected context"))
	}

	if e.readPoll > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(e.readPoll)); err != nil {
			return 0, e.setError(c, err)
		}
	}
	n, err := c.conn.Read(p)
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return n, engine.StatusOK
	case n > 0:
		return n, engine.StatusOK
	case isTimeout(err):
		return 0, engine.StatusWantRead
	default:
		return 0, e.setError(c, err)
	}
}

func (e *Engine) Write(ctx engine.Handle, p []byte) (int, engine.Status) {
	c := e.lookup(ctx)
	if c == nil {
		return 0, engine.StatusError
	}
	if c.conn == nil {
		return 0, e.setError(c, errors.New("write on an unconnected context"))
	}
	n, err := c.conn.Write(p)
	if err != nil && n == 0 {
		return 0, e.setError(c, err)
	}
	return n, engine.StatusOK
}

func (e *Engine) Close(ctx engine.Handle) engine.Status {
	c := e.lookup(ctx)
	if c == nil {
		return engine.StatusError
	}
	if c.conn == nil {
		return engine.StatusOK
	}
	err := c.conn.Close()
	e.mu.Lock()
	c.conn = nil
	e.mu.Unlock()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return e.setError(c, err)
	}
	return engine.StatusOK
}

func (e *Engine) Reset(ctx engine.Handle) {
	e.mu.Lock()
	c, ok := e.contexts[ctx]
	if !ok {
		e.mu.Unlock()
		return
	}
	conn := c.conn
	*c = tlsContext{server: c.server}
	e.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (e *Engine) Free(ctx engine.Handle) {
	e.mu.Lock()
	c, ok := e.contexts[ctx]
	delete(e.contexts, ctx)
	e.mu.Unlock()

	if ok && c.conn != nil {
		c.conn.Close()
	}
}

func (e *Engine) Error(ctx engine.Handle) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.contexts[ctx]; ok {
		return c.lastError
	}
	return ""
}

var _ engine.Engine = (*Engine)(nil)
