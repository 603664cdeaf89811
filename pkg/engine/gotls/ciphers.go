package gotls

import (
	"crypto/tls"
	"fmt"
	"math/bits"
	"strings"

	"github.com/polisai/tlsession/pkg/engine"
)

// splitList splits a colon or comma separated list and drops empty items.
func splitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ':' || r == ',' })
	out := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// parseCiphers converts a cipher keyword or a list of IANA suite names into
// suite IDs. A nil result selects Go's defaults. Suites only restrict
// TLS 1.2 and below; TLS 1.3 suites are not configurable.
func parseCiphers(spec string) ([]uint16, error) {
	switch strings.ToLower(strings.TrimSpace(spec)) {
	case "", "secure", "default":
		return nil, nil
	case "compat":
		return suiteIDs(tls.CipherSuites()), nil
	case "legacy", "all", "insecure":
		return append(suiteIDs(tls.CipherSuites()), suiteIDs(tls.InsecureCipherSuites())...), nil
	}

	known := make(map[string]uint16)
	for _, s := range append(tls.CipherSuites(), tls.InsecureCipherSuites()...) {
		known[s.Name] = s.ID
	}

	var out []uint16
	for _, name := range splitList(spec) {
		id, ok := known[strings.ToUpper(name)]
		if !ok {
			return nil, fmt.Errorf("unknown cipher suite %q", name)
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty cipher list %q", spec)
	}
	return out, nil
}

func suiteIDs(suites []*tls.CipherSuite) []uint16 {
	out := make([]uint16, 0, len(suites))
	for _, s := range suites {
		out = append(out, s.ID)
	}
	return out
}

var curveNames = map[string]tls.CurveID{
	"x25519":     tls.X25519,
	"p-256":      tls.CurveP256,
	"prime256v1": tls.CurveP256,
	"secp256r1":  tls.CurveP256,
	"p-384":      tls.CurveP384,
	"secp384r1":  tls.CurveP384,
	"p-521":      tls.CurveP521,
	"secp521r1":  tls.CurveP521,
}

// parseCurves converts an elliptic curve list into curve preferences. A nil
// result selects Go's defaults.
func parseCurves(spec string) ([]tls.CurveID, error) {
	switch strings.ToLower(strings.TrimSpace(spec)) {
	case "", "auto", "default":
		return nil, nil
	}

	var out []tls.CurveID
	for _, name := range splitList(spec) {
		id, ok := curveNames[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("unknown curve %q", name)
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty curve list %q", spec)
	}
	return out, nil
}

var protocolVersions = []struct {
	bit     uint32
	version uint16
}{
	{engine.ProtocolTLSv10, tls.VersionTLS10},
	{engine.ProtocolTLSv11, tls.VersionTLS11},
	{engine.ProtocolTLSv12, tls.VersionTLS12},
	{engine.ProtocolTLSv13, tls.VersionTLS13},
}

// versionRange maps a protocol mask to the lowest and highest enabled
// version. Go cannot disable a version in the middle of the range, so a
// mask with gaps is widened to cover them.
func versionRange(mask uint32) (uint16, uint16, error) {
	var lo, hi uint16
	for _, pv := range protocolVersions {
		if mask&pv.bit == 0 {
			continue
		}
		if lo == 0 {
			lo = pv.version
		}
		hi = pv.version
	}
	if lo == 0 {
		return 0, 0, fmt.Errorf("protocol mask %#x enables no supported version", mask)
	}
	return lo, hi, nil
}

func hasGaps(mask uint32) bool {
	var known uint32
	for _, pv := range protocolVersions {
		known |= pv.bit
	}
	m := mask & known
	if m == 0 {
		return false
	}
	m >>= bits.TrailingZeros32(m)
	return m&(m+1) != 0
}

// dheParams accepts the libtls keywords. Go has no finite field DHE, so
// the value is recorded and has no effect on negotiation.
func dheParams(spec string) (string, error) {
	switch v := strings.ToLower(strings.TrimSpace(spec)); v {
	case "none", "auto", "legacy":
		return v, nil
	default:
		return "", fmt.Errorf("unsupported dheparams %q", spec)
	}
}
