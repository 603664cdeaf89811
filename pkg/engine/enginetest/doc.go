// Package enginetest provides a scriptable in-memory engine.Engine and a
// compliance suite for engine implementations.
//
// The fake engine counts every primitive call and every handle it hands
// out or takes back, so tests can assert that a code path leaks nothing:
//
//	eng := enginetest.New()
//	// ... exercise tlsession against eng ...
//	assert.Equal(t, eng.Allocated(), eng.Freed())
package enginetest
