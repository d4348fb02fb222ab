// Package command gates shell command execution behind sandbox validation
// and explicit user confirmation, and streams run output as ordered events.
package command

import (
	"sync"
	"time"
)

// EventType tags a run output event.
type EventType string

const (
	EventStdout EventType = "stdout"
	EventStderr EventType = "stderr"
	// EventExit is always the last event for its run.
	EventExit EventType = "exit"
)

// RunEvent is one element of a run's ordered output stream.
type RunEvent struct {
	RunID    string    `json:"run_id"`
	Seq      int64     `json:"seq"`
	Type     EventType `json:"type"`
	Data     string    `json:"data,omitempty"`
	ExitCode int       `json:"exit_code,omitempty"`
	Time     time.Time `json:"time"`
}

// subscriberBuffer is the per-subscriber channel capacity. A subscriber
// that falls this far behind starts losing events; ordering of what it
// does receive is preserved.
const subscriberBuffer = 256

// Broker is an explicit publish/subscribe channel for run events, keyed
// by run id. Subscribers attached after a run starts miss earlier events;
// there is no replay buffer.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan RunEvent
	nextID int
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[int]chan RunEvent)}
}

// Subscribe registers for a run's events. The returned cancel function
// unsubscribes and closes the channel; it is safe to call more than once.
func (b *Broker) Subscribe(runID string) (<-chan RunEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[runID] == nil {
		b.subs[runID] = make(map[int]chan RunEvent)
	}
	id := b.nextID
	b.nextID++

	ch := make(chan RunEvent, subscriberBuffer)
	b.subs[runID][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.subs[runID]; ok {
			if sub, ok := subs[id]; ok {
				delete(subs, id)
				close(sub)
			}
			if len(subs) == 0 {
				delete(b.subs, runID)
			}
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of its run. Slow
// subscribers whose buffers are full lose the event rather than blocking
// the producing run. An exit event closes and removes all subscriptions
// for the run.
func (b *Broker) Publish(ev RunEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs[ev.RunID] {
		select {
		case ch <- ev:
		default:
		}
		if ev.Type == EventExit {
			delete(b.subs[ev.RunID], id)
			close(ch)
		}
	}
	if ev.Type == EventExit {
		delete(b.subs, ev.RunID)
	}
}
