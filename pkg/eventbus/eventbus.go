// Package eventbus provides the Bus interface and an in-memory implementation
// for real-time lifecycle event streaming in Mendbox.
package eventbus

import (
	"sync"

	"github.com/kishoreUdatha/mendbox/pkg/model"
)

// AllProjects subscribes a channel to events from every project.
const AllProjects = "*"

// Bus provides pub/sub for project lifecycle events.
type Bus interface {
	Subscribe(projectID string) chan *model.Event
	Unsubscribe(projectID string, ch chan *model.Event)
	Publish(event *model.Event)
}

// InMemoryBus is the default in-memory Bus implementation.
type InMemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]chan *model.Event
}

// NewInMemoryBus creates a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		subs: make(map[string][]chan *model.Event),
	}
}

// Subscribe creates a channel that receives events for a project.
// Pass AllProjects to receive events for every project.
func (b *InMemoryBus) Subscribe(projectID string) chan *model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *model.Event, 64)
	b.subs[projectID] = append(b.subs[projectID], ch)
	return ch
}

// Unsubscribe removes a channel from the project's subscribers.
func (b *InMemoryBus) Unsubscribe(projectID string, ch chan *model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[projectID]
	for i, s := range subs {
		if s == ch {
			b.subs[projectID] = append(subs[:i], subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Publish sends an event to the project's subscribers and to wildcard
// subscribers. A slow subscriber never blocks the others.
func (b *InMemoryBus) Publish(event *model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[event.ProjectID] {
		select {
		case ch <- event:
		default:
			// Drop event if subscriber is too slow.
		}
	}
	for _, ch := range b.subs[AllProjects] {
		select {
		case ch <- event:
		default:
		}
	}
}
