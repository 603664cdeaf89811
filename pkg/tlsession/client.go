package tlsession

import (
	"context"
	"errors"
	"net"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/polisai/tlsession/pkg/engine"
)

// Client is a configured client context. The Session returned by Connect
// shares the client's engine handle, so a Client holds at most one open
// Session at a time. After that Session is closed the Client may connect
// again.
type Client struct {
	ep      *endpoint
	session *Session
	used    bool
}

// NewClient builds a client context from settings.
func NewClient(eng engine.Engine, settings Settings, opts ...Option) (*Client, error) {
	ep, err := newEndpoint(eng, RoleClient, settings, opts)
	if err != nil {
		return nil, err
	}
	return &Client{ep: ep}, nil
}

// Config returns the configuration attached to the client.
func (c *Client) Config() *Config { return c.ep.config }

// Connect negotiates a TLS connection to host:port, repeating the engine
// connect call while it reports a retry signal. ctx is checked between
// engine calls only; an engine that blocks inside one call, as gotls does
// for dial and handshake, is bounded by its own timeout instead.
func (c *Client) Connect(ctx context.Context, host, port string) (*Session, error) {
	return c.connect(ctx, host, port, "")
}

// ConnectServerName is Connect with an explicit SNI and verification name.
func (c *Client) ConnectServerName(ctx context.Context, host, port, serverName string) (*Session, error) {
	return c.connect(ctx, host, port, serverName)
}

func (c *Client) connect(ctx context.Context, host, port, serverName string) (*Session, error) {
	if c.ep.finished {
		return nil, ErrContextFinished
	}
	if c.session != nil && !c.session.closed {
		return nil, ErrAlreadyConnected
	}
	if c.used {
		if err := c.ep.reconfigure(); err != nil {
			return nil, err
		}
	}
	c.used = true

	op := "tls_connect"
	if serverName != "" {
		op = "tls_connect_servername"
	}

	ctx, span := startSpan(ctx, "tlsession.connect", RoleClient,
		attribute.String("server.address", host),
		attribute.String("server.port", port),
	)

	eng, h := c.ep.eng, c.ep.handle
	start := time.Now()
	st, retries, err := c.ep.retry.drive(ctx, func() engine.Status {
		if serverName != "" {
			return eng.ConnectServerName(h, host, port, serverName)
		}
		return eng.Connect(h, host, port)
	})
	duration := time.Since(start)

	if err != nil {
		err = interrupted(KindNegotiation, op, err)
	} else if st < 0 {
		err = newNegotiationError(op, eng.Error(h))
	}

	m := getMetrics()
	m.recordRetries(ctx, op, retries)
	m.recordHandshake(ctx, RoleClient, err == nil, duration)
	addr := net.JoinHostPort(host, port)
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			e.WithContext("address", addr)
		}
		m.recordError(ctx, err)
		c.ep.log.LogHandshakeFailure(ctx, RoleClient, addr, retries, duration, err)
		endSpan(span, retries, err)
		return nil, err
	}

	s := newSession(c.ep, h, false, host)
	c.session = s
	span.SetAttributes(attribute.String("tls.session_id", s.id))
	c.ep.log.LogHandshakeSuccess(ctx, RoleClient, s.id, addr, retries, duration)
	endSpan(span, retries, nil)
	return s, nil
}

// ConnectFunc connects, runs fn with the session and closes the session on
// every exit path.
func (c *Client) ConnectFunc(ctx context.Context, host, port string, fn func(*Session) error) error {
	s, err := c.Connect(ctx, host, port)
	if err != nil {
		return err
	}
	return runSession(ctx, s, fn)
}

// Finish closes an open session, releases the configuration the client
// owns and frees the context. It returns the close error, if any; the
// context is freed regardless. Calls after the first return nil.
func (c *Client) Finish() error {
	if c.ep.finished {
		return nil
	}
	var err error
	if c.session != nil && !c.session.closed {
		err = c.session.Close(context.Background())
	}
	c.ep.finish()
	return err
}

// WithClient builds a client, runs fn and finishes the client on every exit
// path. An error from fn takes precedence over a cleanup error.
func WithClient(eng engine.Engine, settings Settings, fn func(*Client) error, opts ...Option) (err error) {
	c, err := NewClient(eng, settings, opts...)
	if err != nil {
		return err
	}
	defer func() {
		ferr := c.Finish()
		if ferr == nil {
			return
		}
		if err == nil {
			err = ferr
			return
		}
		c.ep.log.LogCleanupFailure(context.Background(), "tls_free", ferr)
	}()
	return fn(c)
}
