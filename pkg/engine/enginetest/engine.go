package enginetest

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/polisai/tlsession/pkg/engine"
)

// Primitive names used by Script and Calls.
const (
	OpInit        = "init"
	OpNewConfig   = "config_new"
	OpFreeConfig  = "config_free"
	OpSet         = "config_set"
	OpNewClient   = "client"
	OpNewServer   = "server"
	OpConfigure   = "configure"
	OpConnect     = "connect"
	OpAccept      = "accept_socket"
	OpRead        = "read"
	OpWrite       = "write"
	OpClose       = "close"
	OpReset       = "reset"
	OpFree        = "free"
	OpErrorString = "error"
)

// SetterCall records one configuration setter invocation.
type SetterCall struct {
	Config engine.Handle
	Option engine.Option
	Value  any
}

type fakeConfig struct {
	values map[engine.Option]any
}

type fakeContext struct {
	server    bool
	config    engine.Handle
	connected bool
	closed    bool
	host      string
	port      string
	sni       string
	inbound   bytes.Buffer
	outbound  bytes.Buffer
	lastError string
}

// Engine is an in-memory engine.Engine. It performs no cryptography: a
// connected context reads from an inbound buffer and writes to an outbound
// buffer, with Responder turning writes into inbound data.
//
// Every primitive can be scripted to return a sequence of statuses before
// it behaves normally, and allocations can be made to fail. All methods are
// safe for concurrent use.
type Engine struct {
	// FailInit makes Init fail.
	FailInit bool
	// FailNewConfig, FailNewClient and FailNewServer make the matching
	// allocation return engine.NoHandle.
	FailNewConfig bool
	FailNewClient bool
	FailNewServer bool
	// FailConfigure makes Configure fail with ConfigureError as its text.
	FailConfigure  bool
	ConfigureError string
	// FailSetters makes the listed setters report failure.
	FailSetters map[engine.Option]bool

	// PeerData is loaded into the inbound buffer of every context when it
	// connects or is accepted.
	PeerData []byte
	// Responder, if set, receives every successful write and its result is
	// appended to the inbound buffer of the same context.
	Responder func(written []byte) []byte
	// MaxWrite caps the bytes accepted by one Write. Zero means no cap.
	MaxWrite int
	// MaxRead caps the bytes returned by one Read. Zero means no cap.
	MaxRead int

	mu       sync.Mutex
	next     engine.Handle
	configs  map[engine.Handle]*fakeConfig
	contexts map[engine.Handle]*fakeContext
	pending  map[uintptr]engine.Handle
	scripts  map[string][]engine.Status
	calls    map[string]int
	setters  []SetterCall

	allocated   int
	freed       int
	doubleFrees int
}

// New returns an Engine with empty state.
func New() *Engine {
	return &Engine{}
}

func (e *Engine) lazyInit() {
	if e.configs == nil {
		e.configs = make(map[engine.Handle]*fakeConfig)
		e.contexts = make(map[engine.Handle]*fakeContext)
		e.pending = make(map[uintptr]engine.Handle)
		e.scripts = make(map[string][]engine.Status)
		e.calls = make(map[string]int)
	}
}

// Script queues statuses for op. Each call of op consumes one; a negative
// status is returned without doing anything else, StatusOK proceeds
// normally. Once the queue is empty op behaves normally.
func (e *Engine) Script(op string, statuses ...engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lazyInit()
	e.scripts[op] = append(e.scripts[op], statuses...)
}

// Calls returns how many times op was invoked.
func (e *Engine) Calls(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lazyInit()
	return e.calls[op]
}

// SetterCalls returns every setter invocation in order.
func (e *Engine) SetterCalls() []SetterCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SetterCall, len(e.setters))
	copy(out, e.setters)
	return out
}

// Allocated returns the number of handles handed out.
func (e *Engine) Allocated() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.allocated
}

// Freed returns the number of handles released.
func (e *Engine) Freed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.freed
}

// DoubleFrees returns the number of releases of unknown or already freed
// handles.
func (e *Engine) DoubleFrees() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doubleFrees
}

// Live returns the handles currently allocated, sorted.
func (e *Engine) Live() []engine.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]engine.Handle, 0, len(e.configs)+len(e.contexts))
	for h := range e.configs {
		out = append(out, h)
	}
	for h := range e.contexts {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Written returns the bytes written on h so far.
func (e *Engine) Written(h engine.Handle) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.contexts[h]
	if !ok {
		return nil
	}
	return bytes.Clone(c.outbound.Bytes())
}

// Feed appends data to the inbound buffer of h.
func (e *Engine) Feed(h engine.Handle, data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.contexts[h]; ok {
		c.inbound.Write(data)
	}
}

// Peer returns the host, port and server name h connected to.
func (e *Engine) Peer(h engine.Handle) (host, port, serverName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.contexts[h]; ok {
		return c.host, c.port, c.sni
	}
	return "", "", ""
}

// ConfigValue returns the value last set for opt on cfg.
func (e *Engine) ConfigValue(cfg engine.Handle, opt engine.Option) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.configs[cfg]
	if !ok {
		return nil, false
	}
	v, ok := c.values[opt]
	return v, ok
}

// begin counts a call of op and pops its next scripted status.
// Callers hold e.mu.
func (e *Engine) begin(op string) engine.Status {
	e.lazyInit()
	e.calls[op]++
	q := e.scripts[op]
	if len(q) == 0 {
		return engine.StatusOK
	}
	e.scripts[op] = q[1:]
	return q[0]
}

func (e *Engine) alloc() engine.Handle {
	e.next++
	e.allocated++
	return e.next
}

func (e *Engine) fail(c *fakeContext, op string, st engine.Status) engine.Status {
	if c != nil && st.Failed() {
		c.lastError = fmt.Sprintf("enginetest: %s failed", op)
	}
	return st
}

func (e *Engine) Init() engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st := e.begin(OpInit); st < 0 {
		return st
	}
	if e.FailInit {
		return engine.StatusError
	}
	return engine.StatusOK
}

func (e *Engine) NewConfig() engine.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.begin(OpNewConfig)
	if e.FailNewConfig {
		return engine.NoHandle
	}
	h := e.alloc()
	e.configs[h] = &fakeConfig{values: make(map[engine.Option]any)}
	return h
}

func (e *Engine) FreeConfig(cfg engine.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.begin(OpFreeConfig)
	if _, ok := e.configs[cfg]; !ok {
		e.doubleFrees++
		return
	}
	delete(e.configs, cfg)
	e.freed++
}

func (e *Engine) set(cfg engine.Handle, opt engine.Option, value any) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st := e.begin(OpSet); st < 0 {
		return st
	}
	e.setters = append(e.setters, SetterCall{Config: cfg, Option: opt, Value: value})
	c, ok := e.configs[cfg]
	if !ok || e.FailSetters[opt] {
		return engine.StatusError
	}
	c.values[opt] = value
	return engine.StatusOK
}

func (e *Engine) SetCAFile(cfg engine.Handle, path string) engine.Status {
	return e.set(cfg, engine.OptionCAFile, path)
}

func (e *Engine) SetCAPath(cfg engine.Handle, dir string) engine.Status {
	return e.set(cfg, engine.OptionCAPath, dir)
}

func (e *Engine) SetCAMem(cfg engine.Handle, pem []byte) engine.Status {
	return e.set(cfg, engine.OptionCAMem, bytes.Clone(pem))
}

func (e *Engine) SetCertFile(cfg engine.Handle, path string) engine.Status {
	return e.set(cfg, engine.OptionCertFile, path)
}

func (e *Engine) SetCertMem(cfg engine.Handle, pem []byte) engine.Status {
	return e.set(cfg, engine.OptionCertMem, bytes.Clone(pem))
}

func (e *Engine) SetCiphers(cfg engine.Handle, ciphers string) engine.Status {
	return e.set(cfg, engine.OptionCiphers, ciphers)
}

func (e *Engine) SetDHEParams(cfg engine.Handle, params string) engine.Status {
	return e.set(cfg, engine.OptionDHEParams, params)
}

func (e *Engine) SetECDHECurve(cfg engine.Handle, curve string) engine.Status {
	return e.set(cfg, engine.OptionECDHECurve, curve)
}

func (e *Engine) SetKeyFile(cfg engine.Handle, path string) engine.Status {
	return e.set(cfg, engine.OptionKeyFile, path)
}

func (e *Engine) SetKeyMem(cfg engine.Handle, pem []byte) engine.Status {
	return e.set(cfg, engine.OptionKeyMem, bytes.Clone(pem))
}

func (e *Engine) SetProtocols(cfg engine.Handle, protocols uint32) engine.Status {
	return e.set(cfg, engine.OptionProtocols, protocols)
}

func (e *Engine) SetVerifyDepth(cfg engine.Handle, depth int) engine.Status {
	return e.set(cfg, engine.OptionVerifyDepth, depth)
}

func (e *Engine) newContext(op string, fail, server bool) engine.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.begin(op)
	if fail {
		return engine.NoHandle
	}
	h := e.alloc()
	e.contexts[h] = &fakeContext{server: server}
	return h
}

func (e *Engine) NewClient() engine.Handle {
	return e.newContext(OpNewClient, e.FailNewClient, false)
}

func (e *Engine) NewServer() engine.Handle {
	return e.newContext(OpNewServer, e.FailNewServer, true)
}

func (e *Engine) Configure(ctx, cfg engine.Handle) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.contexts[ctx]
	if st := e.begin(OpConfigure); st < 0 {
		return e.fail(c, OpConfigure, st)
	}
	if !ok {
		return engine.StatusError
	}
	if e.FailConfigure {
		c.lastError = e.ConfigureError
		if c.lastError == "" {
			c.lastError = "enginetest: configure rejected"
		}
		return engine.StatusError
	}
	if _, ok := e.configs[cfg]; !ok {
		c.lastError = "enginetest: unknown configuration"
		return engine.StatusError
	}
	c.config = cfg
	return engine.StatusOK
}

func (e *Engine) Connect(ctx engine.Handle, host, port string) engine.Status {
	return e.connect(ctx, host, port, "")
}

func (e *Engine) ConnectServerName(ctx engine.Handle, host, port, serverName string) engine.Status {
	return e.connect(ctx, host, port, serverName)
}

func (e *Engine) connect(ctx engine.Handle, host, port, serverName string) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.contexts[ctx]
	if st := e.begin(OpConnect); st < 0 {
		return e.fail(c, OpConnect, st)
	}
	if !ok || c.server {
		return engine.StatusError
	}
	if c.config == engine.NoHandle {
		c.lastError = "enginetest: context not configured"
		return engine.StatusError
	}
	if c.connected {
		c.lastError = "enginetest: context already connected"
		return engine.StatusError
	}
	c.connected = true
	c.host, c.port, c.sni = host, port, serverName
	c.inbound.Write(e.PeerData)
	return engine.StatusOK
}

// AcceptSocket allocates the peer context on the first call for fd and
// hands the same handle back on every retry until negotiation settles.
func (e *Engine) AcceptSocket(ctx engine.Handle, fd uintptr) (engine.Handle, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	srv, ok := e.contexts[ctx]
	if !ok || !srv.server {
		e.begin(OpAccept)
		return engine.NoHandle, engine.StatusError
	}

	peer, pending := e.pending[fd]
	if !pending {
		peer = e.alloc()
		e.contexts[peer] = &fakeContext{config: srv.config}
		e.pending[fd] = peer
	}

	st := e.begin(OpAccept)
	if st.Retry() {
		return peer, st
	}
	delete(e.pending, fd)
	if st < 0 {
		srv.lastError = fmt.Sprintf("enginetest: %s failed", OpAccept)
		return peer, st
	}

	pc := e.contexts[peer]
	pc.connected = true
	pc.inbound.Write(e.PeerData)
	return peer, engine.StatusOK
}

func (e *Engine) Read(ctx engine.Handle, p []byte) (int, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.contexts[ctx]
	if st := e.begin(OpRead); st < 0 {
		return 0, e.fail(c, OpRead, st)
	}
	if !ok || !c.connected || c.closed {
		if ok {
			c.lastError = "enginetest: read on unconnected context"
		}
		return 0, engine.StatusError
	}
	limit := len(p)
	if e.MaxRead > 0 && e.MaxRead < limit {
		limit = e.MaxRead
	}
	n, _ := c.inbound.Read(p[:limit])
	return n, engine.StatusOK
}

func (e *Engine) Write(ctx engine.Handle, p []byte) (int, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.contexts[ctx]
	if st := e.begin(OpWrite); st < 0 {
		return 0, e.fail(c, OpWrite, st)
	}
	if !ok || !c.connected || c.closed {
		if ok {
			c.lastError = "enginetest: write on unconnected context"
		}
		return 0, engine.StatusError
	}
	n := len(p)
	if e.MaxWrite > 0 && e.MaxWrite < n {
		n = e.MaxWrite
	}
	c.outbound.Write(p[:n])
	if e.Responder != nil {
		c.inbound.Write(e.Responder(bytes.Clone(p[:n])))
	}
	return n, engine.StatusOK
}

func (e *Engine) Close(ctx engine.Handle) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.contexts[ctx]
	if st := e.begin(OpClose); st < 0 {
		return e.fail(c, OpClose, st)
	}
	if !ok {
		return engine.StatusError
	}
	c.closed = true
	return engine.StatusOK
}

func (e *Engine) Reset(ctx engine.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.begin(OpReset)
	c, ok := e.contexts[ctx]
	if !ok {
		return
	}
	server := c.server
	*c = fakeContext{server: server}
}

func (e *Engine) Free(ctx engine.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.begin(OpFree)
	if _, ok := e.contexts[ctx]; !ok {
		e.doubleFrees++
		return
	}
	delete(e.contexts, ctx)
	e.freed++
}

func (e *Engine) Error(ctx engine.Handle) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lazyInit()
	e.calls[OpErrorString]++
	if c, ok := e.contexts[ctx]; ok {
		return c.lastError
	}
	return ""
}

var _ engine.Engine = (*Engine)(nil)
