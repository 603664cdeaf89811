package tlsession

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/polisai/tlsession/pkg/engine"
)

// ReadChunkSize is the buffer size of a single engine read issued by
// Session.Read.
const ReadChunkSize = 1024

// Session is a negotiated connection. It can only be obtained from
// Client.Connect or Server.Accept, and rejects every call after Close.
// A Session is not safe for concurrent use.
type Session struct {
	id         string
	eng        engine.Engine
	handle     engine.Handle
	ownsHandle bool
	role       Role
	host       string
	retry      retryPolicy
	log        *sessionLogger
	opened     time.Time
	closed     bool

	bytesRead    int64
	bytesWritten int64
}

func newSession(ep *endpoint, handle engine.Handle, ownsHandle bool, host string) *Session {
	return &Session{
		id:         uuid.NewString(),
		eng:        ep.eng,
		handle:     handle,
		ownsHandle: ownsHandle,
		role:       ep.role,
		host:       host,
		retry:      ep.retry,
		log:        ep.log,
		opened:     time.Now(),
	}
}

// ID returns a random identifier assigned at negotiation.
func (s *Session) ID() string { return s.id }

// Role reports which side negotiated the session.
func (s *Session) Role() Role { return s.role }

// RemoteHost returns the host passed to Connect. It is empty for accepted
// sessions.
func (s *Session) RemoteHost() string { return s.host }

// BytesRead returns the number of application bytes read so far.
func (s *Session) BytesRead() int64 { return s.bytesRead }

// BytesWritten returns the number of application bytes written so far.
func (s *Session) BytesWritten() int64 { return s.bytesWritten }

// Closed reports whether Close has been called.
func (s *Session) Closed() bool { return s.closed }

// Write sends all of p. Each engine write is handed the whole unwritten
// remainder; retry signals are absorbed and a short count is followed by
// another write of what is left.
func (s *Session) Write(ctx context.Context, p []byte) (int, error) {
	if s.closed {
		return 0, ErrSessionClosed
	}

	written := 0
	for written < len(p) {
		var n int
		st, retries, err := s.retry.drive(ctx, func() engine.Status {
			var st engine.Status
			n, st = s.eng.Write(s.handle, p[written:])
			return st
		})
		getMetrics().recordRetries(ctx, "tls_write", retries)
		switch {
		case err != nil:
			return written, s.fail(ctx, interrupted(KindIO, "tls_write", err))
		case st < 0:
			return written, s.fail(ctx, newIOError("tls_write", s.eng.Error(s.handle)))
		case n <= 0 || n > len(p)-written:
			return written, s.fail(ctx, newIOError("tls_write",
				fmt.Sprintf("engine reported %d bytes written of %d", n, len(p)-written)))
		}
		written += n
		s.bytesWritten += int64(n)
	}

	getMetrics().recordBytes(ctx, "write", written)
	return written, nil
}

// Read returns the data currently available. It issues ReadChunkSize reads
// and stops at the first read that returns fewer bytes, so data arriving in
// exact multiples of ReadChunkSize costs one extra blocking read. On error
// the bytes accumulated before the failure are returned with it.
func (s *Session) Read(ctx context.Context) ([]byte, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}

	out := make([]byte, 0, ReadChunkSize)
	buf := make([]byte, ReadChunkSize)
	for {
		var n int
		st, retries, err := s.retry.drive(ctx, func() engine.Status {
			var st engine.Status
			n, st = s.eng.Read(s.handle, buf)
			return st
		})
		getMetrics().recordRetries(ctx, "tls_read", retries)
		switch {
		case err != nil:
			return out, s.fail(ctx, interrupted(KindIO, "tls_read", err))
		case st < 0:
			return out, s.fail(ctx, newIOError("tls_read", s.eng.Error(s.handle)))
		case n < 0 || n > len(buf):
			return out, s.fail(ctx, newIOError("tls_read",
				fmt.Sprintf("engine reported %d bytes read into %d byte buffer", n, len(buf))))
		}

		out = append(out, buf[:n]...)
		s.bytesRead += int64(n)
		getMetrics().recordBytes(ctx, "read", n)
		if n < ReadChunkSize {
			return out, nil
		}
	}
}

// Close shuts the connection down. An accepted session also frees its
// handle, even when the shutdown failed. Close is valid after a failed
// Read or Write; a second Close returns ErrSessionClosed.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}
	s.closed = true

	ctx, span := startSpan(ctx, "tlsession.close", s.role, attribute.String("tls.session_id", s.id))

	st, retries, err := s.retry.drive(ctx, func() engine.Status {
		return s.eng.Close(s.handle)
	})
	getMetrics().recordRetries(ctx, "tls_close", retries)
	if err != nil {
		err = interrupted(KindIO, "tls_close", err)
	} else if st < 0 {
		err = newIOError("tls_close", s.eng.Error(s.handle))
	}

	if s.ownsHandle {
		s.eng.Free(s.handle)
	}
	s.handle = engine.NoHandle

	m := getMetrics()
	m.recordClosed(ctx, s.role)
	m.recordError(ctx, err)
	s.log.LogSessionClosed(ctx, s.role, s.id, time.Since(s.opened), s.bytesRead, s.bytesWritten, err)
	endSpan(span, retries, err)
	return err
}

func (s *Session) fail(ctx context.Context, err *Error) error {
	getMetrics().recordError(ctx, err)
	return err.WithContext("session_id", s.id)
}

// runSession calls fn and closes s on every exit path, panics included.
// An error from fn takes precedence over the close error, which is then
// only logged.
func runSession(ctx context.Context, s *Session, fn func(*Session) error) (err error) {
	defer func() {
		cerr := s.Close(context.WithoutCancel(ctx))
		if cerr == nil || errors.Is(cerr, ErrSessionClosed) {
			return
		}
		if err == nil {
			err = cerr
			return
		}
		s.log.LogCleanupFailure(ctx, "tls_close", cerr)
	}()
	return fn(s)
}
