package tlsession

import (
	"context"
	"time"

	"github.com/polisai/tlsession/pkg/engine"
)

// Server is a configured server context. Each Accept yields a Session with
// its own engine handle; the server context stays usable for further
// accepts.
type Server struct {
	ep *endpoint
}

// NewServer builds a server context from settings.
func NewServer(eng engine.Engine, settings Settings, opts ...Option) (*Server, error) {
	ep, err := newEndpoint(eng, RoleServer, settings, opts)
	if err != nil {
		return nil, err
	}
	return &Server{ep: ep}, nil
}

// Config returns the configuration attached to the server.
func (s *Server) Config() *Config { return s.ep.config }

// Accept negotiates TLS over an already accepted socket. The caller keeps
// ownership of fd; the returned Session owns the peer context and frees it
// on Close. As with Client.Connect, ctx is checked between engine calls and
// cannot interrupt a handshake already running inside the engine.
func (s *Server) Accept(ctx context.Context, fd uintptr) (*Session, error) {
	if s.ep.finished {
		return nil, ErrContextFinished
	}

	const op = "tls_accept_socket"
	ctx, span := startSpan(ctx, "tlsession.accept", RoleServer)

	eng, h := s.ep.eng, s.ep.handle
	peer := engine.NoHandle
	start := time.Now()
	st, retries, err := s.ep.retry.drive(ctx, func() engine.Status {
		next, st := eng.AcceptSocket(h, fd)
		if next != engine.NoHandle && next != peer {
			if peer != engine.NoHandle {
				eng.Free(peer)
			}
			peer = next
		}
		return st
	})
	duration := time.Since(start)

	switch {
	case err != nil:
		err = interrupted(KindNegotiation, op, err)
	case st < 0:
		err = newNegotiationError(op, s.errorText(peer))
	case peer == engine.NoHandle:
		err = newAllocationError(op)
	}

	m := getMetrics()
	m.recordRetries(ctx, op, retries)
	m.recordHandshake(ctx, RoleServer, err == nil, duration)
	if err != nil {
		if peer != engine.NoHandle {
			eng.Free(peer)
		}
		m.recordError(ctx, err)
		s.ep.log.LogHandshakeFailure(ctx, RoleServer, "", retries, duration, err)
		endSpan(span, retries, err)
		return nil, err
	}

	sess := newSession(s.ep, peer, true, "")
	s.ep.log.LogHandshakeSuccess(ctx, RoleServer, sess.id, "", retries, duration)
	endSpan(span, retries, nil)
	return sess, nil
}

// errorText prefers the peer context's error, falling back to the server's.
func (s *Server) errorText(peer engine.Handle) string {
	if peer != engine.NoHandle {
		if text := s.ep.eng.Error(peer); text != "" {
			return text
		}
	}
	return s.ep.eng.Error(s.ep.handle)
}

// AcceptFunc accepts, runs fn with the session and closes the session on
// every exit path.
func (s *Server) AcceptFunc(ctx context.Context, fd uintptr, fn func(*Session) error) error {
	sess, err := s.Accept(ctx, fd)
	if err != nil {
		return err
	}
	return runSession(ctx, sess, fn)
}

// Finish releases the configuration the server owns and frees the server
// context. Sessions already accepted are unaffected. Calls after the first
// do nothing.
func (s *Server) Finish() {
	s.ep.finish()
}

// WithServer builds a server, runs fn and finishes the server on every exit
// path.
func WithServer(eng engine.Engine, settings Settings, fn func(*Server) error, opts ...Option) error {
	srv, err := NewServer(eng, settings, opts...)
	if err != nil {
		return err
	}
	defer srv.Finish()
	return fn(srv)
}
