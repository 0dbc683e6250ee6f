package ws

import (
	"encoding/json"
	"sync"
)

// Handler is called with the raw data of a received event. Handlers are called from the transport goroutine and
// must not block.
type Handler func(data json.RawMessage)

type subscription struct {
	id      uint64
	handler Handler
}

// Subscriptions is the registry of event handlers of one connection manager. Protocol events as well as the local
// lifecycle events (connect, disconnect, connect_error) are dispatched through it.
type Subscriptions struct {
	nextId   uint64
	handlers map[string][]subscription

	// mutex for manipulating the handlers
	sync.RWMutex
}

func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		handlers: make(map[string][]subscription),
	}
}

func (s *Subscriptions) add(event string, handler Handler) uint64 {
	s.Lock()
	defer s.Unlock()
	s.nextId++
	s.handlers[event] = append(s.handlers[event], subscription{id: s.nextId, handler: handler})
	return s.nextId
}

func (s *Subscriptions) remove(event string, id uint64) {
	s.Lock()
	defer s.Unlock()
	subs := s.handlers[event]
	for i, sub := range subs {
		if sub.id == id {
			s.handlers[event] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(s.handlers[event]) == 0 {
		delete(s.handlers, event)
	}
}

// Count returns the number of handlers registered for the event.
func (s *Subscriptions) Count(event string) int {
	s.RLock()
	defer s.RUnlock()
	return len(s.handlers[event])
}

// Dispatch calls all handlers registered for the event, in registration order. The handlers are called without
// holding the lock, so they may register or release subscriptions themselves.
func (s *Subscriptions) Dispatch(event string, data json.RawMessage) int {
	s.RLock()
	subs := make([]subscription, len(s.handlers[event]))
	copy(subs, s.handlers[event])
	s.RUnlock()
	for _, sub := range subs {
		sub.handler(data)
	}
	return len(subs)
}

type scopeEntry struct {
	event string
	id    uint64
}

// Scope groups subscriptions that share a lifecycle. Release removes every handler registered through the scope,
// after that On is a no-op.
type Scope struct {
	subs     *Subscriptions
	entries  []scopeEntry
	released bool
	sync.Mutex
}

func (s *Subscriptions) NewScope() *Scope {
	return &Scope{subs: s}
}

func (sc *Scope) On(event string, handler Handler) {
	sc.Lock()
	defer sc.Unlock()
	if sc.released {
		return
	}
	id := sc.subs.add(event, handler)
	sc.entries = append(sc.entries, scopeEntry{event: event, id: id})
}

func (sc *Scope) Release() {
	sc.Lock()
	defer sc.Unlock()
	if sc.released {
		return
	}
	sc.released = true
	for _, e := range sc.entries {
		sc.subs.remove(e.event, e.id)
	}
	sc.entries = nil
}
