package tlsession

import (
	"github.com/polisai/tlsession/pkg/engine"
)

// Config turns Settings into an engine configuration handle.
//
// The handle is created lazily by Realize and released exactly once by
// Release. A realized Config may be attached to several contexts, but
// Realize and Release must be confined to a single owner.
type Config struct {
	engine   engine.Engine
	settings Settings
	handle   engine.Handle
	realized bool
	released bool
	log      *sessionLogger
}

// NewConfig stores settings for later realization. Values are not
// validated here; the engine validates them.
func NewConfig(eng engine.Engine, settings Settings, opts ...Option) *Config {
	o := resolveOptions(opts...)
	stored := make(Settings, len(settings))
	copy(stored, settings)
	return &Config{
		engine:   eng,
		settings: stored,
		log:      newSessionLogger(o.logger),
	}
}

// Settings returns a copy of the stored settings.
func (c *Config) Settings() Settings {
	out := make(Settings, len(c.settings))
	copy(out, c.settings)
	return out
}

// Handle returns the realized handle, or engine.NoHandle.
func (c *Config) Handle() engine.Handle {
	if !c.realized || c.released {
		return engine.NoHandle
	}
	return c.handle
}

// Realize allocates the engine configuration and applies every recognized
// setting in order. Unrecognized names are skipped. The result is memoized;
// a failed Realize leaves nothing allocated and may be retried.
func (c *Config) Realize() (engine.Handle, error) {
	if c.released {
		return engine.NoHandle, ErrConfigReleased
	}
	if c.realized {
		return c.handle, nil
	}

	h := c.engine.NewConfig()
	if h == engine.NoHandle {
		return engine.NoHandle, newAllocationError("tls_config_new")
	}

	applied := 0
	for _, st := range c.settings {
		opt, ok := engine.LookupOption(st.Name)
		if !ok {
			c.log.LogSettingDropped(st.Name)
			continue
		}
		status, err := setterFor(opt)(c.engine, h, st.Value)
		if err != nil {
			c.engine.FreeConfig(h)
			return engine.NoHandle, newConfigurationError(opt.String(), err.Error())
		}
		if status < 0 {
			c.engine.FreeConfig(h)
			return engine.NoHandle, newConfigurationError(opt.String(), "failed")
		}
		applied++
	}

	c.handle = h
	c.realized = true
	c.log.LogConfigRealized(applied, len(c.settings)-applied)
	return h, nil
}

// Release frees the realized handle. It is a no-op before Realize and on
// every call after the first.
func (c *Config) Release() {
	if !c.realized || c.released {
		return
	}
	c.released = true
	c.engine.FreeConfig(c.handle)
	c.handle = engine.NoHandle
}
