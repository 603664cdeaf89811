package tlsession

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorKind categorizes session layer failures.
type ErrorKind string

const (
	// KindInitialization reports that the engine could not be initialized.
	KindInitialization ErrorKind = "initialization"
	// KindAllocation reports that the engine returned no handle.
	KindAllocation ErrorKind = "allocation"
	// KindConfiguration reports that a named setting was rejected.
	KindConfiguration ErrorKind = "configuration"
	// KindConfigurationApply reports that attaching a configuration to a
	// context failed.
	KindConfigurationApply ErrorKind = "configuration_apply"
	// KindNegotiation reports a failed connect or accept.
	KindNegotiation ErrorKind = "negotiation"
	// KindIO reports a failed read, write or close.
	KindIO ErrorKind = "io"
)

// Sentinel errors for lifecycle violations.
var (
	ErrSessionClosed      = errors.New("tlsession: session closed")
	ErrContextFinished    = errors.New("tlsession: context finished")
	ErrConfigReleased     = errors.New("tlsession: configuration released")
	ErrAlreadyConnected   = errors.New("tlsession: client already has an open session")
	ErrRetryLimitExceeded = errors.New("tlsession: retry limit exceeded")
)

// Error is the structured error returned by every session layer operation
// that reaches the engine.
type Error struct {
	Kind ErrorKind
	// Op is the engine primitive that failed, e.g. "tls_connect".
	Op string
	// Setting names the configuration setting for KindConfiguration.
	Setting string
	// Message carries the engine's error text when one was available.
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *Error) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s]", string(e.Kind)))

	msg := e.Op
	if e.Message != "" {
		if msg != "" {
			msg += ": "
		}
		msg += e.Message
	}
	if msg != "" {
		parts = append(parts, msg)
	}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		contextParts := make([]string, 0, len(keys))
		for _, k := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same kind, so callers can write
// errors.Is(err, &tlsession.Error{Kind: tlsession.KindNegotiation}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func newError(kind ErrorKind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func newInitializationError(op string) *Error {
	return newError(KindInitialization, op, "failed")
}

func newAllocationError(op string) *Error {
	return newError(KindAllocation, op, "failed")
}

func newConfigurationError(setting, reason string) *Error {
	e := newError(KindConfiguration, "tls_config_set_"+setting, reason)
	e.Setting = setting
	return e
}

func newConfigurationApplyError(engineText string) *Error {
	return newError(KindConfigurationApply, "tls_configure", engineText)
}

func newNegotiationError(op, engineText string) *Error {
	return newError(KindNegotiation, op, engineText)
}

func newIOError(op, engineText string) *Error {
	return newError(KindIO, op, engineText)
}

// interrupted wraps a retry loop abort (cancellation or retry budget) in
// the error kind of the interrupted operation.
func interrupted(kind ErrorKind, op string, cause error) *Error {
	e := newError(kind, op, "interrupted")
	e.Cause = cause
	return e
}

func isKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsInitializationError reports whether err is a KindInitialization error.
func IsInitializationError(err error) bool { return isKind(err, KindInitialization) }

// IsAllocationError reports whether err is a KindAllocation error.
func IsAllocationError(err error) bool { return isKind(err, KindAllocation) }

// IsConfigurationError reports whether err is a KindConfiguration error.
func IsConfigurationError(err error) bool { return isKind(err, KindConfiguration) }

// IsConfigurationApplyError reports whether err is a KindConfigurationApply error.
func IsConfigurationApplyError(err error) bool { return isKind(err, KindConfigurationApply) }

// IsNegotiationError reports whether err is a KindNegotiation error.
func IsNegotiationError(err error) bool { return isKind(err, KindNegotiation) }

// IsIOError reports whether err is a KindIO error.
func IsIOError(err error) bool { return isKind(err, KindIO) }

// SettingOf returns the setting named by a configuration error.
func SettingOf(err error) (string, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindConfiguration {
		return e.Setting, true
	}
	return "", false
}
