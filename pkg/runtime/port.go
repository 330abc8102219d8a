package runtime

import (
	"sync"

	"extpool/pkg/protocol"
	"extpool/pkg/scoped"
)

// rpcEvent is the emitter event carrying inbound RPC payloads.
const rpcEvent = "rpc"

// Port is the capability handed to the host: it posts host messages to
// the pool on the RPC channel, fans inbound RPC payloads out to
// subscribers in arrival order, and exposes the cycle-tolerant codec the
// envelopes use.
type Port struct {
	write func(payload any) error

	mu   sync.Mutex
	em   *scoped.Emitter
	subs []int
}

func newPort(write func(payload any) error) *Port {
	return &Port{write: write, em: scoped.NewEmitter()}
}

// Post wraps msg into an rpc-channel envelope and sends it.
func (p *Port) Post(msg any) error {
	return p.write(msg)
}

// On subscribes to inbound RPC payloads. A subscriber added after a
// payload arrived never sees it.
func (p *Port) On(cb func(payload any)) int {
	id := p.em.On(rpcEvent, cb)
	p.mu.Lock()
	p.subs = append(p.subs, id)
	p.mu.Unlock()
	return id
}

// Off removes a subscription created by On.
func (p *Port) Off(id int) {
	p.em.Off(rpcEvent, id)
	p.mu.Lock()
	for i, s := range p.subs {
		if s == id {
			p.subs = append(p.subs[:i:i], p.subs[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
}

// Teardown releases every subscriber. The host calls it when it wants to
// stop; the runtime also runs it during cleanup.
func (p *Port) Teardown() {
	p.mu.Lock()
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()
	for _, id := range subs {
		p.em.Off(rpcEvent, id)
	}
}

// Serialize exposes the envelope payload codec.
func (p *Port) Serialize(v any) (string, error) {
	return protocol.Flatten(v)
}

// Deserialize is the inverse of Serialize.
func (p *Port) Deserialize(s string) (any, error) {
	return protocol.Unflatten(s)
}

// deliver hands one inbound payload to the current subscribers.
func (p *Port) deliver(payload any) {
	p.em.Emit(rpcEvent, payload)
}
