package enginetest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/tlsession/pkg/engine"
)

// RunEngineTests checks the handle lifecycle contract every engine.Engine
// must honor. The factory is called once per subtest so state does not
// leak between them. No network access is required.
func RunEngineTests(t *testing.T, factory func(t *testing.T) engine.Engine) {
	t.Helper()

	t.Run("InitIsRepeatable", func(t *testing.T) {
		e := factory(t)
		require.Equal(t, engine.StatusOK, e.Init())
		assert.Equal(t, engine.StatusOK, e.Init())
	})

	t.Run("ConfigLifecycle", func(t *testing.T) {
		e := factory(t)
		require.Equal(t, engine.StatusOK, e.Init())

		cfg := e.NewConfig()
		require.NotEqual(t, engine.NoHandle, cfg)
		assert.Equal(t, engine.StatusOK, e.SetProtocols(cfg, engine.ProtocolsDefault))
		assert.Equal(t, engine.StatusOK, e.SetVerifyDepth(cfg, 4))
		assert.Equal(t, engine.StatusOK, e.SetCiphers(cfg, "secure"))
		assert.Equal(t, engine.StatusOK, e.SetECDHECurve(cfg, "auto"))
		assert.Equal(t, engine.StatusOK, e.SetDHEParams(cfg, "auto"))
		e.FreeConfig(cfg)
	})

	t.Run("DistinctHandles", func(t *testing.T) {
		e := factory(t)
		require.Equal(t, engine.StatusOK, e.Init())

		cfg := e.NewConfig()
		client := e.NewClient()
		server := e.NewServer()
		require.NotEqual(t, engine.NoHandle, cfg)
		require.NotEqual(t, engine.NoHandle, client)
		require.NotEqual(t, engine.NoHandle, server)
		assert.NotEqual(t, client, server)
		assert.NotEqual(t, cfg, client)
		assert.NotEqual(t, cfg, server)

		e.Free(client)
		e.Free(server)
		e.FreeConfig(cfg)
	})

	t.Run("ConfigureSharesConfig", func(t *testing.T) {
		e := factory(t)
		require.Equal(t, engine.StatusOK, e.Init())

		cfg := e.NewConfig()
		require.NotEqual(t, engine.NoHandle, cfg)
		a := e.NewClient()
		b := e.NewClient()
		assert.Equal(t, engine.StatusOK, e.Configure(a, cfg))
		assert.Equal(t, engine.StatusOK, e.Configure(b, cfg))

		e.Reset(a)
		assert.Equal(t, engine.StatusOK, e.Configure(a, cfg))

		e.Free(a)
		e.Free(b)
		e.FreeConfig(cfg)
	})

	t.Run("ConfigureUnknownConfig", func(t *testing.T) {
		e := factory(t)
		require.Equal(t, engine.StatusOK, e.Init())

		client := e.NewClient()
		require.NotEqual(t, engine.NoHandle, client)
		assert.True(t, e.Configure(client, engine.Handle(1<<40)).Failed())
		assert.NotEmpty(t, e.Error(client))
		e.Free(client)
	})

	t.Run("ReadBeforeConnectFails", func(t *testing.T) {
		e := factory(t)
		require.Equal(t, engine.StatusOK, e.Init())

		cfg := e.NewConfig()
		client := e.NewClient()
		require.Equal(t, engine.StatusOK, e.Configure(client, cfg))

		n, st := e.Read(client, make([]byte, 16))
		assert.Equal(t, 0, n)
		assert.True(t, st.Failed())
		assert.NotEmpty(t, e.Error(client))

		e.Free(client)
		e.FreeConfig(cfg)
	})
}
