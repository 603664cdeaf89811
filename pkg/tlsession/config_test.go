package tlsession

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/tlsession/pkg/engine"
	"github.com/polisai/tlsession/pkg/engine/enginetest"
)

// sampleValue returns a well-formed value for opt and the value the engine
// should receive for it.
func sampleValue(t *rapid.T, opt engine.Option) (any, any) {
	switch opt {
	case engine.OptionCAMem, engine.OptionCertMem, engine.OptionKeyMem:
		b := rapid.SliceOfN(rapid.Byte(), 1, 64).Draw(t, opt.String())
		return b, b
	case engine.OptionProtocols:
		mask := rapid.Uint32Range(1, uint32(engine.ProtocolsAll)).Draw(t, opt.String())
		return mask, mask
	case engine.OptionVerifyDepth:
		depth := rapid.IntRange(0, 16).Draw(t, opt.String())
		return depth, depth
	default:
		s := rapid.StringMatching(`[a-z0-9/._:-]{1,24}`).Draw(t, opt.String())
		return s, s
	}
}

func TestRealizeDropsUnrecognizedSettings(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		names := rapid.SliceOfNDistinct(
			rapid.StringMatching(`x_[a-z]{1,12}`), 0, 10, rapid.ID[string],
		).Draw(t, "names")

		var settings Settings
		for _, n := range names {
			settings = settings.Set(n, "value")
		}

		eng := enginetest.New()
		cfg := NewConfig(eng, settings)
		h, err := cfg.Realize()
		require.NoError(t, err)
		assert.NotEqual(t, engine.NoHandle, h)
		assert.Equal(t, 0, eng.Calls(enginetest.OpSet))
		cfg.Release()
	})
}

func TestRealizeCallsEachSetterOnceInOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		perm := rapid.Permutation(engine.Options()).Draw(t, "order")
		n := rapid.IntRange(0, len(perm)).Draw(t, "count")
		opts := perm[:n]

		var settings Settings
		want := make([]any, 0, n)
		for _, opt := range opts {
			value, engineValue := sampleValue(t, opt)
			settings = settings.Set(opt.String(), value)
			want = append(want, engineValue)
		}
		settings = settings.Set("not_a_setting", 1)

		eng := enginetest.New()
		cfg := NewConfig(eng, settings)
		h, err := cfg.Realize()
		require.NoError(t, err)

		calls := eng.SetterCalls()
		require.Len(t, calls, n)
		for i, call := range calls {
			assert.Equal(t, h, call.Config)
			assert.Equal(t, opts[i], call.Option)
			assert.Equal(t, want[i], call.Value)
		}
	})
}

func TestRealizeStopsAtFailingSetter(t *testing.T) {
	eng := enginetest.New()
	eng.FailSetters = map[engine.Option]bool{engine.OptionCiphers: true}

	settings := Settings{
		{Name: "ca_file", Value: "ca.pem"},
		{Name: "ciphers", Value: "bogus"},
		{Name: "verify_depth", Value: 3},
	}
	cfg := NewConfig(eng, settings)
	h, err := cfg.Realize()

	require.Error(t, err)
	assert.Equal(t, engine.NoHandle, h)
	assert.True(t, IsConfigurationError(err))
	setting, ok := SettingOf(err)
	require.True(t, ok)
	assert.Equal(t, "ciphers", setting)
	assert.Contains(t, err.Error(), "tls_config_set_ciphers")

	assert.Equal(t, 2, eng.Calls(enginetest.OpSet))
	assert.Equal(t, eng.Allocated(), eng.Freed())
}

func TestRealizeRejectsMalformedValue(t *testing.T) {
	tests := []struct {
		name    string
		setting Setting
	}{
		{name: "string setting given int", setting: Setting{Name: "ca_file", Value: 7}},
		{name: "bytes setting given int", setting: Setting{Name: "key_mem", Value: 7}},
		{name: "depth given string", setting: Setting{Name: "verify_depth", Value: "deep"}},
		{name: "negative depth", setting: Setting{Name: "verify_depth", Value: -1}},
		{name: "unknown protocol", setting: Setting{Name: "protocols", Value: "sslv3"}},
		{name: "negative mask", setting: Setting{Name: "protocols", Value: -2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := enginetest.New()
			cfg := NewConfig(eng, Settings{tt.setting})
			_, err := cfg.Realize()

			require.Error(t, err)
			setting, ok := SettingOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.setting.Name, setting)
			assert.Equal(t, 0, eng.Calls(enginetest.OpSet))
			assert.Equal(t, eng.Allocated(), eng.Freed())
		})
	}
}

func TestRealizeAcceptsAlternateValueForms(t *testing.T) {
	eng := enginetest.New()
	cfg := NewConfig(eng, Settings{
		{Name: "CA-Mem", Value: "-----BEGIN CERTIFICATE-----"},
		{Name: "protocols", Value: "tlsv1.2"},
		{Name: "verify_depth", Value: int64(5)},
	})
	h, err := cfg.Realize()
	require.NoError(t, err)

	v, ok := eng.ConfigValue(h, engine.OptionCAMem)
	require.True(t, ok)
	assert.Equal(t, []byte("-----BEGIN CERTIFICATE-----"), v)

	v, ok = eng.ConfigValue(h, engine.OptionProtocols)
	require.True(t, ok)
	assert.Equal(t, engine.ProtocolTLSv12, v)

	v, ok = eng.ConfigValue(h, engine.OptionVerifyDepth)
	require.True(t, ok)
	assert.Equal(t, 5, v)
}

func TestRealizeIsMemoized(t *testing.T) {
	eng := enginetest.New()
	cfg := NewConfig(eng, Settings{{Name: "ca_file", Value: "ca.pem"}})

	first, err := cfg.Realize()
	require.NoError(t, err)
	second, err := cfg.Realize()
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, first, cfg.Handle())
	assert.Equal(t, 1, eng.Calls(enginetest.OpNewConfig))
	assert.Equal(t, 1, eng.Calls(enginetest.OpSet))
}

func TestRealizeAllocationFailure(t *testing.T) {
	eng := enginetest.New()
	eng.FailNewConfig = true
	cfg := NewConfig(eng, Settings{{Name: "ca_file", Value: "ca.pem"}})

	_, err := cfg.Realize()
	require.Error(t, err)
	assert.True(t, IsAllocationError(err))
	assert.Equal(t, 0, eng.Calls(enginetest.OpSet))

	eng.FailNewConfig = false
	_, err = cfg.Realize()
	assert.NoError(t, err)
}

func TestReleaseIsIdempotent(t *testing.T) {
	eng := enginetest.New()
	cfg := NewConfig(eng, nil)

	cfg.Release()
	assert.Equal(t, 0, eng.Calls(enginetest.OpFreeConfig))

	_, err := cfg.Realize()
	require.NoError(t, err)
	cfg.Release()
	cfg.Release()

	assert.Equal(t, 1, eng.Calls(enginetest.OpFreeConfig))
	assert.Equal(t, 0, eng.DoubleFrees())
	assert.Equal(t, engine.NoHandle, cfg.Handle())

	_, err = cfg.Realize()
	assert.ErrorIs(t, err, ErrConfigReleased)
	assert.Equal(t, 1, eng.Calls(enginetest.OpNewConfig))
}

func TestNewConfigCopiesSettings(t *testing.T) {
	settings := Settings{{Name: "ca_file", Value: "a.pem"}}
	cfg := NewConfig(enginetest.New(), settings)
	settings[0].Value = "b.pem"

	v, ok := cfg.Settings().Get("ca_file")
	require.True(t, ok)
	assert.Equal(t, "a.pem", v)
}

func TestSettingsFromMapIsSorted(t *testing.T) {
	s := SettingsFromMap(map[string]any{"verify_depth": 2, "ca_file": "ca.pem", "ciphers": "secure"})
	require.Len(t, s, 3)
	assert.Equal(t, "ca_file", s[0].Name)
	assert.Equal(t, "ciphers", s[1].Name)
	assert.Equal(t, "verify_depth", s[2].Name)

	s = s.Set("ciphers", "compat")
	v, _ := s.Get("ciphers")
	assert.Equal(t, "compat", v)
	assert.Len(t, s, 3)
}

func TestOverrideReplacesEverySpelling(t *testing.T) {
	settings := Settings{
		{Name: "ca-file", Value: "/etc/file-ca.pem"},
		{Name: "protocols", Value: "secure"},
		{Name: "CA_File", Value: "/etc/other-ca.pem"},
	}

	settings = settings.Override(engine.OptionCAFile, "/etc/env-ca.pem")
	assert.Equal(t, Settings{
		{Name: "ca_file", Value: "/etc/env-ca.pem"},
		{Name: "protocols", Value: "secure"},
	}, settings)

	settings = settings.Override(engine.OptionVerifyDepth, 2)
	assert.Equal(t, Setting{Name: "verify_depth", Value: 2}, settings[2])

	eng := enginetest.New()
	cfg := NewConfig(eng, settings)
	h, err := cfg.Realize()
	require.NoError(t, err)
	defer cfg.Release()

	var caCalls int
	for _, call := range eng.SetterCalls() {
		if call.Option == engine.OptionCAFile {
			caCalls++
		}
	}
	assert.Equal(t, 1, caCalls)
	v, ok := eng.ConfigValue(h, engine.OptionCAFile)
	require.True(t, ok)
	assert.Equal(t, "/etc/env-ca.pem", v)
}

func TestLookupResolvesAliases(t *testing.T) {
	settings := Settings{
		{Name: "cert-file", Value: "a.crt"},
		{Name: "CERT_FILE", Value: "b.crt"},
	}
	v, ok := settings.Lookup(engine.OptionCertFile)
	require.True(t, ok)
	assert.Equal(t, "b.crt", v)

	_, ok = settings.Lookup(engine.OptionKeyFile)
	assert.False(t, ok)
}
