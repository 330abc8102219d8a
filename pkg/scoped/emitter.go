package scoped

import "sync"

// Emitter is a minimal named-event dispatcher. Handlers are identified by
// the subscription id returned from On, since function values are not
// comparable. Emit delivers synchronously, in registration order, to the
// handlers registered at the moment of the call: a handler added after an
// emission never sees it.
type Emitter struct {
	mu       sync.Mutex
	nextID   int
	handlers map[string][]subscription
}

type subscription struct {
	id int
	fn func(any)
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[string][]subscription)}
}

// On registers fn for event and returns a subscription id for Off.
func (e *Emitter) On(event string, fn func(any)) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.handlers[event] = append(e.handlers[event], subscription{id: e.nextID, fn: fn})
	return e.nextID
}

// Off removes the subscription with the given id from event. Unknown ids
// are ignored.
func (e *Emitter) Off(event string, id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs := e.handlers[event]
	for i, s := range subs {
		if s.id == id {
			e.handlers[event] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit delivers v to the current subscribers of event.
func (e *Emitter) Emit(event string, v any) {
	e.mu.Lock()
	subs := make([]subscription, len(e.handlers[event]))
	copy(subs, e.handlers[event])
	e.mu.Unlock()

	for _, s := range subs {
		s.fn(v)
	}
}

// ListenerCount returns the number of subscribers for event.
func (e *Emitter) ListenerCount(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers[event])
}
