package tlsession

import (
	"errors"

	"github.com/polisai/tlsession/pkg/engine"
)

// Role distinguishes client and server contexts.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

var errForeignConfig = errors.New("tlsession: shared configuration belongs to a different engine")

// endpoint is the state shared by Client and Server: one engine context
// handle with a configuration attached to it.
type endpoint struct {
	eng        engine.Engine
	role       Role
	handle     engine.Handle
	config     *Config
	ownsConfig bool
	finished   bool
	retry      retryPolicy
	log        *sessionLogger
}

// newEndpoint initializes the engine, realizes the configuration, allocates
// a context for role and configures it. Anything allocated before a failure
// is released before the error is returned.
func newEndpoint(eng engine.Engine, role Role, settings Settings, opts []Option) (*endpoint, error) {
	o := resolveOptions(opts...)

	if err := ensureInit(eng); err != nil {
		return nil, err
	}

	ep := &endpoint{
		eng:   eng,
		role:  role,
		retry: newRetryPolicy(o),
		log:   newSessionLogger(o.logger),
	}

	if o.sharedConfig != nil {
		if o.sharedConfig.engine != eng {
			return nil, errForeignConfig
		}
		ep.config = o.sharedConfig
	} else {
		ep.config = NewConfig(eng, settings, opts...)
		ep.ownsConfig = true
	}

	success := false
	defer func() {
		if !success {
			ep.finish()
		}
	}()

	cfg, err := ep.config.Realize()
	if err != nil {
		return nil, err
	}

	switch role {
	case RoleClient:
		ep.handle = eng.NewClient()
	default:
		ep.handle = eng.NewServer()
	}
	if ep.handle == engine.NoHandle {
		return nil, newAllocationError("tls_" + string(role))
	}

	if eng.Configure(ep.handle, cfg) < 0 {
		return nil, newConfigurationApplyError(eng.Error(ep.handle))
	}

	success = true
	return ep, nil
}

// reconfigure returns a used context to the configured state.
func (ep *endpoint) reconfigure() error {
	ep.eng.Reset(ep.handle)
	if ep.eng.Configure(ep.handle, ep.config.Handle()) < 0 {
		return newConfigurationApplyError(ep.eng.Error(ep.handle))
	}
	return nil
}

// finish releases the owned configuration, then frees the context handle.
// Calls after the first do nothing.
func (ep *endpoint) finish() {
	if ep.finished {
		return
	}
	ep.finished = true

	if ep.ownsConfig {
		ep.config.Release()
	}
	if ep.handle != engine.NoHandle {
		ep.eng.Free(ep.handle)
		ep.handle = engine.NoHandle
	}
}
