package events

import "sync"

// GlobalRunID subscribes to events for all runs.
const GlobalRunID = "*"

// Publisher fans events out to subscribers.
type Publisher interface {
	// Publish sends an event to subscribers of its run and to global
	// subscribers. It never blocks; slow subscribers drop events.
	Publish(ev Event)

	// Subscribe returns a channel receiving events for the given run ID,
	// or for every run when runID is GlobalRunID.
	Subscribe(runID string) <-chan Event

	// Unsubscribe removes a subscription and closes its channel.
	Unsubscribe(runID string, ch <-chan Event)

	// Close shuts down the publisher and closes all channels.
	Close()
}

// MemoryPublisher is an in-process Publisher. The zero value is not
// usable; construct with NewMemoryPublisher.
type MemoryPublisher struct {
	mu     sync.RWMutex
	subs   map[string][]chan Event
	closed bool
}

// NewMemoryPublisher creates an in-process publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{subs: make(map[string][]chan Event)}
}

const subscriberBuffer = 128

func (p *MemoryPublisher) Publish(ev Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	for _, ch := range p.subs[ev.RunID] {
		select {
		case ch <- ev:
		default:
		}
	}
	if ev.RunID == GlobalRunID {
		return
	}
	for _, ch := range p.subs[GlobalRunID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (p *MemoryPublisher) Subscribe(runID string) <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan Event, subscriberBuffer)
	if p.closed {
		close(ch)
		return ch
	}
	p.subs[runID] = append(p.subs[runID], ch)
	return ch
}

func (p *MemoryPublisher) Unsubscribe(runID string, ch <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	chans := p.subs[runID]
	for i, c := range chans {
		if c == ch {
			p.subs[runID] = append(chans[:i], chans[i+1:]...)
			close(c)
			break
		}
	}
	if len(p.subs[runID]) == 0 {
		delete(p.subs, runID)
	}
}

func (p *MemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, chans := range p.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	p.subs = make(map[string][]chan Event)
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) Publish(Event)                    {}
func (NopPublisher) Subscribe(string) <-chan Event    { return make(chan Event) }
func (NopPublisher) Unsubscribe(string, <-chan Event) {}
func (NopPublisher) Close()                           {}
