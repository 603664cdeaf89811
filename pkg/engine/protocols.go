package engine

import (
	"fmt"
	"strings"
)

// Protocol version bits accepted by SetProtocols.
const (
	ProtocolTLSv10 uint32 = 1 << 1
	ProtocolTLSv11 uint32 = 1 << 2
	ProtocolTLSv12 uint32 = 1 << 3
	ProtocolTLSv13 uint32 = 1 << 4

	ProtocolTLSv1    = ProtocolTLSv10 | ProtocolTLSv11 | ProtocolTLSv12 | ProtocolTLSv13
	ProtocolsAll     = ProtocolTLSv1
	ProtocolsDefault = ProtocolTLSv12 | ProtocolTLSv13
)

var protocolKeywords = map[string]uint32{
	"tlsv1":   ProtocolTLSv1,
	"tlsv1.0": ProtocolTLSv10,
	"tlsv1.1": ProtocolTLSv11,
	"tlsv1.2": ProtocolTLSv12,
	"tlsv1.3": ProtocolTLSv13,
	"all":     ProtocolsAll,
	"legacy":  ProtocolsAll,
	"default": ProtocolsDefault,
	"secure":  ProtocolsDefault,
}

// ParseProtocols parses a comma or colon separated protocol list such as
// "tlsv1.2,tlsv1.3" or "all:!tlsv1.0" into a protocol bitmask. A leading
// '!' or '-' removes the keyword from the set instead of adding it. An
// empty string yields ProtocolsDefault.
func ParseProtocols(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ProtocolsDefault, nil
	}

	var mask uint32
	for _, tok := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ':' }) {
		tok = strings.ToLower(strings.TrimSpace(tok))
		negate := false
		if strings.HasPrefix(tok, "!") || strings.HasPrefix(tok, "-") {
			negate = true
			tok = tok[1:]
		}
		bits, ok := protocolKeywords[tok]
		if !ok {
			return 0, fmt.Errorf("unknown protocol %q", tok)
		}
		if negate {
			mask &^= bits
		} else {
			mask |= bits
		}
	}
	if mask == 0 {
		return 0, fmt.Errorf("protocol list %q selects no protocol", s)
	}
	return mask, nil
}

// FormatProtocols renders a bitmask as a comma separated keyword list.
func FormatProtocols(mask uint32) string {
	var parts []string
	for _, p := range []struct {
		bit  uint32
		name string
	}{
		{ProtocolTLSv10, "tlsv1.0"},
		{ProtocolTLSv11, "tlsv1.1"},
		{ProtocolTLSv12, "tlsv1.2"},
		{ProtocolTLSv13, "tlsv1.3"},
	} {
		if mask&p.bit != 0 {
			parts = append(parts, p.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}
