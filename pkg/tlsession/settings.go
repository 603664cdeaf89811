package tlsession

import (
	"fmt"
	"math"
	"sort"

	"github.com/polisai/tlsession/pkg/engine"
)

// Setting is one named configuration value. Value is a string, an integer,
// or a byte slice depending on the setting.
type Setting struct {
	Name  string
	Value any
}

// Settings is an ordered mapping from setting name to value. Settings are
// applied to the engine in slice order.
type Settings []Setting

// Set replaces the value of name in place, or appends it.
func (s Settings) Set(name string, value any) Settings {
	for i := range s {
		if s[i].Name == name {
			s[i].Value = value
			return s
		}
	}
	return append(s, Setting{Name: name, Value: value})
}

// Override stores value for opt under its canonical name. Entries whose
// names resolve to opt through engine.LookupOption, such as ca-file or
// CA_File for ca_file, are replaced: the first keeps its position and the
// rest are removed, so the setter runs once with the new value.
func (s Settings) Override(opt engine.Option, value any) Settings {
	out := make(Settings, 0, len(s)+1)
	replaced := false
	for _, st := range s {
		if o, ok := engine.LookupOption(st.Name); ok && o == opt {
			if replaced {
				continue
			}
			st = Setting{Name: opt.String(), Value: value}
			replaced = true
		}
		out = append(out, st)
	}
	if !replaced {
		out = append(out, Setting{Name: opt.String(), Value: value})
	}
	return out
}

// Lookup returns the value of the last entry that resolves to opt, which is
// the value the engine ends up with.
func (s Settings) Lookup(opt engine.Option) (any, bool) {
	var (
		value any
		found bool
	)
	for _, st := range s {
		if o, ok := engine.LookupOption(st.Name); ok && o == opt {
			value, found = st.Value, true
		}
	}
	return value, found
}

// Get returns the value stored under name.
func (s Settings) Get(name string) (any, bool) {
	for _, st := range s {
		if st.Name == name {
			return st.Value, true
		}
	}
	return nil, false
}

// SettingsFromMap converts m to Settings ordered by key.
func SettingsFromMap(m map[string]any) Settings {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(Settings, 0, len(keys))
	for _, k := range keys {
		out = append(out, Setting{Name: k, Value: m[k]})
	}
	return out
}

// setter applies one value to a configuration handle. The error is non-nil
// only when the value has the wrong shape; the engine is not called then.
type setter func(e engine.Engine, cfg engine.Handle, value any) (engine.Status, error)

var setters = [...]setter{
	engine.OptionCAFile:      stringSetter(engine.Engine.SetCAFile),
	engine.OptionCAPath:      stringSetter(engine.Engine.SetCAPath),
	engine.OptionCAMem:       bytesSetter(engine.Engine.SetCAMem),
	engine.OptionCertFile:    stringSetter(engine.Engine.SetCertFile),
	engine.OptionCertMem:     bytesSetter(engine.Engine.SetCertMem),
	engine.OptionCiphers:     stringSetter(engine.Engine.SetCiphers),
	engine.OptionDHEParams:   stringSetter(engine.Engine.SetDHEParams),
	engine.OptionECDHECurve:  stringSetter(engine.Engine.SetECDHECurve),
	engine.OptionKeyFile:     stringSetter(engine.Engine.SetKeyFile),
	engine.OptionKeyMem:      bytesSetter(engine.Engine.SetKeyMem),
	engine.OptionProtocols:   setProtocols,
	engine.OptionVerifyDepth: setVerifyDepth,
}

func setterFor(opt engine.Option) setter {
	if opt < 0 || int(opt) >= len(setters) {
		return nil
	}
	return setters[opt]
}

func stringSetter(f func(engine.Engine, engine.Handle, string) engine.Status) setter {
	return func(e engine.Engine, cfg engine.Handle, value any) (engine.Status, error) {
		s, ok := value.(string)
		if !ok {
			return 0, fmt.Errorf("expected string, got %T", value)
		}
		return f(e, cfg, s), nil
	}
}

func bytesSetter(f func(engine.Engine, engine.Handle, []byte) engine.Status) setter {
	return func(e engine.Engine, cfg engine.Handle, value any) (engine.Status, error) {
		switch v := value.(type) {
		case []byte:
			return f(e, cfg, v), nil
		case string:
			return f(e, cfg, []byte(v)), nil
		default:
			return 0, fmt.Errorf("expected bytes, got %T", value)
		}
	}
}

func setProtocols(e engine.Engine, cfg engine.Handle, value any) (engine.Status, error) {
	if s, ok := value.(string); ok {
		mask, err := engine.ParseProtocols(s)
		if err != nil {
			return 0, err
		}
		return e.SetProtocols(cfg, mask), nil
	}
	n, err := toInt64(value)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > math.MaxUint32 {
		return 0, fmt.Errorf("protocol mask %d out of range", n)
	}
	return e.SetProtocols(cfg, uint32(n)), nil
}

func setVerifyDepth(e engine.Engine, cfg engine.Handle, value any) (engine.Status, error) {
	n, err := toInt64(value)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > math.MaxInt32 {
		return 0, fmt.Errorf("verify depth %d out of range", n)
	}
	return e.SetVerifyDepth(cfg, int(n)), nil
}

func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("value %d out of range", v)
		}
		return int64(v), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", value)
	}
}
