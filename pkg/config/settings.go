package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/polisai/tlsession/pkg/engine"
	"github.com/polisai/tlsession/pkg/tlsession"
)

// EnvPrefix prefixes the environment variables that override settings, as
// in TLSESSION_CA_FILE.
const EnvPrefix = "TLSESSION_"

// LoadSettings reads a settings file. YAML and JSON files (.yaml, .yml,
// .json) and TOML files (.toml) are supported; the order of keys in the file
// is the order the settings are applied in.
func LoadSettings(path string) (tlsession.Settings, error) {
	//nolint:gosec // Settings path is supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file %s: %w", path, err)
	}

	var settings tlsession.Settings
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		settings, err = ParseTOMLSettings(data)
	default:
		settings, err = ParseYAMLSettings(data)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}
	return settings, nil
}

// ParseYAMLSettings decodes a flat YAML (or JSON) mapping. Scalars become
// strings or integers, !!binary values become byte slices, and sequences of
// strings are joined with commas.
func ParseYAMLSettings(data []byte) (tlsession.Settings, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: settings must be a mapping", root.Line)
	}

	out := make(tlsession.Settings, 0, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, node := root.Content[i], root.Content[i+1]
		value, err := yamlValue(node)
		if err != nil {
			return nil, fmt.Errorf("line %d: %s: %w", node.Line, key.Value, err)
		}
		out = out.Set(key.Value, value)
	}
	return out, nil
}

func yamlValue(node *yaml.Node) (any, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		switch node.ShortTag() {
		case "!!int":
			var n int64
			if err := node.Decode(&n); err != nil {
				return nil, err
			}
			return n, nil
		case "!!binary":
			var b []byte
			if err := node.Decode(&b); err != nil {
				return nil, err
			}
			return b, nil
		case "!!null":
			return "", nil
		default:
			return node.Value, nil
		}
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return nil, err
		}
		return strings.Join(items, ","), nil
	default:
		return nil, errors.New("unsupported value")
	}
}

// ParseTOMLSettings decodes top-level TOML keys. Tables are ignored.
func ParseTOMLSettings(data []byte) (tlsession.Settings, error) {
	var raw map[string]any
	meta, err := toml.Decode(string(data), &raw)
	if err != nil {
		return nil, err
	}

	var out tlsession.Settings
	for _, key := range meta.Keys() {
		if len(key) != 1 {
			continue
		}
		name := key[0]
		switch v := raw[name].(type) {
		case map[string]any:
			continue
		case []any:
			items := make([]string, 0, len(v))
			for _, item := range v {
				items = append(items, fmt.Sprint(item))
			}
			out = out.Set(name, strings.Join(items, ","))
		case string, int64:
			out = out.Set(name, v)
		default:
			return nil, fmt.Errorf("%s: unsupported value of type %T", name, v)
		}
	}
	return out, nil
}

// ApplyEnv overrides recognized settings from TLSESSION_<NAME> variables.
// Every file entry naming the same setting is replaced, whatever its
// spelling. lookup is usually os.LookupEnv.
func ApplyEnv(settings tlsession.Settings, lookup func(string) (string, bool)) (tlsession.Settings, error) {
	for _, opt := range engine.Options() {
		name := opt.String()
		val, ok := lookup(EnvPrefix + strings.ToUpper(name))
		if !ok {
			continue
		}
		if opt == engine.OptionVerifyDepth {
			n, err := strconv.Atoi(strings.TrimSpace(val))
			if err != nil {
				return nil, fmt.Errorf("%s%s: %w", EnvPrefix, strings.ToUpper(name), err)
			}
			settings = settings.Override(opt, n)
			continue
		}
		settings = settings.Override(opt, val)
	}
	return settings, nil
}

var pathOptions = map[engine.Option]bool{
	engine.OptionCAFile:   true,
	engine.OptionCAPath:   true,
	engine.OptionCertFile: true,
	engine.OptionKeyFile:  true,
}

// ValidateSettings rejects values that can never be applied: empty file
// paths, unparsable protocol lists and negative verify depths. Unrecognized
// names pass; they are dropped when the configuration is realized.
func ValidateSettings(settings tlsession.Settings) error {
	var errs []error
	for _, s := range settings {
		opt, ok := engine.LookupOption(s.Name)
		if !ok {
			continue
		}
		switch {
		case pathOptions[opt]:
			if p, ok := s.Value.(string); !ok || strings.TrimSpace(p) == "" {
				errs = append(errs, fmt.Errorf("%s: path must be a non-empty string", s.Name))
			}
		case opt == engine.OptionProtocols:
			if p, ok := s.Value.(string); ok {
				if _, err := engine.ParseProtocols(p); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
				}
			}
		case opt == engine.OptionVerifyDepth:
			if n, ok := asInt(s.Value); !ok || n < 0 {
				errs = append(errs, fmt.Errorf("%s: must be a non-negative integer", s.Name))
			}
		}
	}
	return errors.Join(errs...)
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case int32:
		return int64(n), true
	default:
		return 0, false
	}
}
