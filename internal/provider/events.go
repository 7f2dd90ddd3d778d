package provider

import (
	"slices"
	"sync"
)

type EventType string

const (
	EventReady                EventType = "PROVIDER_READY"
	EventError                EventType = "PROVIDER_ERROR"
	EventConfigurationChanged EventType = "PROVIDER_CONFIGURATION_CHANGED"
)

// Event is a lifecycle notification delivered to handlers registered with
// [Provider.AddHandler].
type Event struct {
	Type    EventType
	Message string
	Err     error
}

type Status string

const (
	StatusNotReady Status = "NOT_READY"
	StatusReady    Status = "READY"
	StatusError    Status = "ERROR"
)

type handlerRegistry struct {
	mu       sync.Mutex
	handlers map[EventType][]func(Event)
}

func (r *handlerRegistry) add(t EventType, h func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[EventType][]func(Event))
	}
	r.handlers[t] = append(r.handlers[t], h)
}

// emit calls handlers outside the lock so they may register further handlers.
func (r *handlerRegistry) emit(e Event) {
	r.mu.Lock()
	hs := slices.Clone(r.handlers[e.Type])
	r.mu.Unlock()

	for _, h := range hs {
		h(e)
	}
}
