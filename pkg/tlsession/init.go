package tlsession

import (
	"reflect"
	"sync"

	"github.com/polisai/tlsession/pkg/engine"
)

var (
	initMu      sync.Mutex
	initialized = make(map[engine.Engine]struct{})
)

// ensureInit runs eng.Init once per engine value. A failed Init is not
// remembered, so a later construction tries again. Engines that cannot be
// used as a map key, such as struct values holding slices, are rejected.
func ensureInit(eng engine.Engine) error {
	if !reflect.ValueOf(eng).Comparable() {
		return newError(KindInitialization, "tls_init", "engine is not comparable; use a pointer")
	}

	initMu.Lock()
	defer initMu.Unlock()

	if _, ok := initialized[eng]; ok {
		return nil
	}
	if eng.Init() < 0 {
		return newInitializationError("tls_init")
	}
	initialized[eng] = struct{}{}
	return nil
}
