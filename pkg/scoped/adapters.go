package scoped

import (
	"context"
	"fmt"
	"sync"
)

// DefaultStreamCapacity bounds the Stream ring buffer when the caller does
// not pick a capacity. Overflow drops the oldest buffered value.
const DefaultStreamCapacity = 100

// Once adapts a single emission of an emitter event into a waitable
// handle. The listener is removed on the first emission and on Release,
// whichever comes first.
type Once struct {
	ch      chan any
	rejects bool
	fire    sync.Once
	handle  *Handle
}

// OnceEvent waits for one emission of event. The value arrives on Ch.
func OnceEvent(em *Emitter, event string) *Once {
	return newOnce(em, event, false)
}

// OnceError is the rejecting variant: the emission is surfaced as an error
// from Wait. Use it for error events raced against a success event.
func OnceError(em *Emitter, event string) *Once {
	return newOnce(em, event, true)
}

func newOnce(em *Emitter, event string, rejects bool) *Once {
	o := &Once{ch: make(chan any, 1), rejects: rejects}
	var id int
	o.handle = NewHandle(func() { em.Off(event, id) })
	id = em.On(event, func(v any) {
		o.fire.Do(func() {
			o.ch <- v
			o.handle.Release()
		})
	})
	return o
}

// Ch returns the channel carrying the single emission.
func (o *Once) Ch() <-chan any { return o.ch }

// Wait blocks for the emission or ctx. In rejecting mode the emitted value
// is returned as an error.
func (o *Once) Wait(ctx context.Context) (any, error) {
	select {
	case v := <-o.ch:
		if o.rejects {
			return nil, emissionError(v)
		}
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release removes the listener. Safe to call any number of times, before
// or after the emission.
func (o *Once) Release() { o.handle.Release() }

func emissionError(v any) error {
	if err, ok := v.(error); ok {
		return err
	}
	return fmt.Errorf("event emitted: %v", v)
}

// Stream adapts a repeating emitter event into a disposable iterator with
// a bounded ring buffer. When the buffer is full the oldest value is
// evicted to make room, the same policy the worker message buffer uses.
type Stream struct {
	mu     sync.Mutex
	buf    []any
	cap    int
	notify chan struct{}
	closed bool
	handle *Handle
}

// StreamEvents subscribes to event and buffers emissions until Next
// consumes them. capacity <= 0 selects DefaultStreamCapacity.
func StreamEvents(em *Emitter, event string, capacity int) *Stream {
	if capacity <= 0 {
		capacity = DefaultStreamCapacity
	}
	s := &Stream{
		buf:    make([]any, 0, capacity),
		cap:    capacity,
		notify: make(chan struct{}, 1),
	}
	id := em.On(event, s.push)
	s.handle = NewHandle(func() {
		em.Off(event, id)
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		select {
		case s.notify <- struct{}{}:
		default:
		}
	})
	return s
}

func (s *Stream) push(v any) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.buf) >= s.cap {
		copy(s.buf, s.buf[1:])
		s.buf[len(s.buf)-1] = v
	} else {
		s.buf = append(s.buf, v)
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next returns the next buffered value. It blocks until a value arrives,
// the stream is released (ok=false), or ctx is done.
func (s *Stream) Next(ctx context.Context) (any, bool, error) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			v := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return v, true, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, false, nil
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// Len returns the number of buffered values.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Release removes the listener and wakes any blocked Next. Buffered values
// already received remain readable until drained.
func (s *Stream) Release() { s.handle.Release() }
