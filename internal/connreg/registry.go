package connreg

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/park285/cheese-arena/pkg/arenadto"
)

// Transport is the live outbound half of a client connection. Implemented
// by the gateway; sessions only ever hold a Binding, never the socket.
type Transport interface {
	Send(ctx context.Context, env arenadto.Envelope) error
	Close(reason string)
}

// Binding ties an identity to its current transport.
type Binding struct {
	Identity   string
	ConnID     string
	Transport  Transport
	LastSeenAt time.Time
}

// Registry maps identity ↔ live transport. Reads are concurrent; writes are
// serialized. Rebinding replaces (and closes) any previous transport for
// the identity, and unbind is conn-id guarded so a stale socket's teardown
// cannot evict its successor.
type Registry struct {
	clk clockwork.Clock

	mu      sync.RWMutex
	byIdent map[string]*Binding
}

func New(clk clockwork.Clock) *Registry {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Registry{clk: clk, byIdent: make(map[string]*Binding)}
}

// Bind attaches a transport to an identity, displacing any previous one.
func (r *Registry) Bind(identity, connID string, t Transport) *Binding {
	r.mu.Lock()
	prev := r.byIdent[identity]
	b := &Binding{Identity: identity, ConnID: connID, Transport: t, LastSeenAt: r.clk.Now()}
	r.byIdent[identity] = b
	r.mu.Unlock()

	if prev != nil && prev.ConnID != connID && prev.Transport != nil {
		prev.Transport.Close("superseded by new connection")
	}
	return b
}

// Unbind removes the identity's binding, but only when connID still matches
// the live one. Returns whether a binding was removed.
func (r *Registry) Unbind(identity, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byIdent[identity]
	if !ok || b.ConnID != connID {
		return false
	}
	delete(r.byIdent, identity)
	return true
}

// Get returns the live binding for an identity.
func (r *Registry) Get(identity string) (*Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byIdent[identity]
	return b, ok
}

// Touch refreshes liveness for an identity.
func (r *Registry) Touch(identity string) {
	r.mu.Lock()
	if b, ok := r.byIdent[identity]; ok {
		b.LastSeenAt = r.clk.Now()
	}
	r.mu.Unlock()
}

// Send delivers an envelope to the identity's live transport, silently
// dropping when offline. Delivery to a disconnected player is the grace
// window's problem, not the sender's.
func (r *Registry) Send(ctx context.Context, identity string, env arenadto.Envelope) error {
	b, ok := r.Get(identity)
	if !ok || b.Transport == nil {
		return nil
	}
	return b.Transport.Send(ctx, env)
}
