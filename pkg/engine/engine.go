// Package engine declares the primitive call surface of an external TLS
// engine.
//
// The surface mirrors a libtls-style C API: contexts and configurations are
// opaque handles, operations report an integer status, and the two retry
// signals StatusWantRead and StatusWantWrite tell the caller to invoke the
// same operation again. Nothing in this package performs TLS itself; the
// gotls subpackage adapts Go's TLS stack to this surface and enginetest
// provides a scriptable fake.
package engine

import "strconv"

// Handle identifies a configuration or context object owned by an Engine.
type Handle uint64

// NoHandle is the null handle returned when an allocation fails.
const NoHandle Handle = 0

// Status is the result code of an engine primitive.
type Status int

const (
	StatusOK        Status = 0
	StatusError     Status = -1
	StatusWantRead  Status = -2
	StatusWantWrite Status = -3
)

// Retry reports whether s asks the caller to repeat the operation.
func (s Status) Retry() bool {
	return s == StatusWantRead || s == StatusWantWrite
}

// Failed reports whether s is a hard failure.
func (s Status) Failed() bool {
	return s < 0 && !s.Retry()
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusWantRead:
		return "want_read"
	case StatusWantWrite:
		return "want_write"
	default:
		return "status(" + strconv.Itoa(int(s)) + ")"
	}
}

// Engine is the collaborator the session layer drives. Implementations must
// be comparable (pointer receivers) and safe for concurrent use across
// distinct handles; a single handle is never used concurrently.
type Engine interface {
	// Init prepares process-wide engine state.
	Init() Status

	// NewConfig allocates a configuration object, or returns NoHandle.
	NewConfig() Handle
	// FreeConfig releases a configuration object.
	FreeConfig(cfg Handle)

	SetCAFile(cfg Handle, path string) Status
	SetCAPath(cfg Handle, dir string) Status
	SetCAMem(cfg Handle, pem []byte) Status
	SetCertFile(cfg Handle, path string) Status
	SetCertMem(cfg Handle, pem []byte) Status
	SetCiphers(cfg Handle, ciphers string) Status
	SetDHEParams(cfg Handle, params string) Status
	SetECDHECurve(cfg Handle, curve string) Status
	SetKeyFile(cfg Handle, path string) Status
	SetKeyMem(cfg Handle, pem []byte) Status
	SetProtocols(cfg Handle, protocols uint32) Status
	SetVerifyDepth(cfg Handle, depth int) Status

	// NewClient and NewServer allocate a role context, or return NoHandle.
	NewClient() Handle
	NewServer() Handle

	// Configure attaches a configuration to a context. The configuration is
	// not consumed and may be attached to other contexts.
	Configure(ctx Handle, cfg Handle) Status

	// Connect and ConnectServerName negotiate a client connection.
	Connect(ctx Handle, host, port string) Status
	ConnectServerName(ctx Handle, host, port, serverName string) Status

	// AcceptSocket negotiates a server connection over an accepted socket
	// and yields a new context for the peer. The caller keeps ownership of
	// fd.
	AcceptSocket(ctx Handle, fd uintptr) (Handle, Status)

	Read(ctx Handle, p []byte) (int, Status)
	Write(ctx Handle, p []byte) (int, Status)

	// Close shuts down the connection; Reset returns a context to its
	// unconnected state; Free releases it.
	Close(ctx Handle) Status
	Reset(ctx Handle)
	Free(ctx Handle)

	// Error describes the last failure recorded on ctx.
	Error(ctx Handle) string
}
