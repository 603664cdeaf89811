package engine

import "strings"

// Option enumerates the configuration settings an engine accepts.
type Option int

const (
	OptionCAFile Option = iota
	OptionCAPath
	OptionCAMem
	OptionCertFile
	OptionCertMem
	OptionCiphers
	OptionDHEParams
	OptionECDHECurve
	OptionKeyFile
	OptionKeyMem
	OptionProtocols
	OptionVerifyDepth

	numOptions
)

var optionNames = [numOptions]string{
	OptionCAFile:      "ca_file",
	OptionCAPath:      "ca_path",
	OptionCAMem:       "ca_mem",
	OptionCertFile:    "cert_file",
	OptionCertMem:     "cert_mem",
	OptionCiphers:     "ciphers",
	OptionDHEParams:   "dheparams",
	OptionECDHECurve:  "ecdhecurve",
	OptionKeyFile:     "key_file",
	OptionKeyMem:      "key_mem",
	OptionProtocols:   "protocols",
	OptionVerifyDepth: "verify_depth",
}

// Options returns every recognized option in declaration order.
func Options() []Option {
	out := make([]Option, numOptions)
	for i := range out {
		out[i] = Option(i)
	}
	return out
}

func (o Option) String() string {
	if o < 0 || o >= numOptions {
		return "unknown"
	}
	return optionNames[o]
}

// LookupOption maps a setting name to its Option. Hyphens and case are
// normalized, so "CA-File" resolves to OptionCAFile.
func LookupOption(name string) (Option, bool) {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "-", "_"))
	for i, n := range optionNames {
		if n == key {
			return Option(i), true
		}
	}
	return 0, false
}
