// Package monitor exposes link state and transfer activity over HTTP: a
// small REST API and a WebSocket event stream.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/chaz8081/ble-kermit/internal/ble"
	"github.com/chaz8081/ble-kermit/internal/kermit"
	"github.com/chaz8081/ble-kermit/internal/session"
)

// EventType classifies an event for stream clients.
type EventType string

const (
	EventState       EventType = "state"
	EventTransaction EventType = "transaction"
)

// Event is the JSON envelope sent to stream clients.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// StateChange is the payload of an EventState event.
type StateChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Transaction is the payload of an EventTransaction event.
type Transaction struct {
	Type     string    `json:"type"`
	Arg      string    `json:"arg,omitempty"`
	Resends  int       `json:"resends"`
	Code     int       `json:"code"`
	Category string    `json:"category"`
	Error    string    `json:"error,omitempty"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

type subscriber struct {
	ch chan Event
}

// EventBus fans events out to every subscriber.
type EventBus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

var _ session.Reporter = (*EventBus)(nil)

// NewEventBus constructs a ready EventBus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a client. The returned function unsubscribes and
// closes the channel; it must be called exactly once.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, 64)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		close(s.ch)
	}
	return s.ch, unsub
}

// Publish sends e to all current subscribers. Subscribers whose buffer is
// full miss the event; /api/v1/history covers what they lost.
func (b *EventBus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Report publishes a finished transaction.
func (b *EventBus) Report(r session.Report) {
	cat := r.Category()
	t := Transaction{
		Type:     r.Type.String(),
		Resends:  r.Resends,
		Code:     cat.Code,
		Category: cat.Name,
		Started:  r.Started.UTC(),
		Finished: r.Finished.UTC(),
	}
	// Listings are served by /api/v1/files.
	if r.Type != kermit.TypeDir {
		t.Arg = r.Arg
	}
	if r.Err != nil {
		t.Error = r.Err.Error()
	}
	b.Publish(Event{Type: EventTransaction, Data: t})
}

// Forward publishes machine state transitions until ctx is done or events
// is closed.
func (b *EventBus) Forward(ctx context.Context, events <-chan ble.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.Publish(Event{
				Type:      EventState,
				Timestamp: ev.At.UTC(),
				Data:      StateChange{From: ev.From.String(), To: ev.To.String()},
			})
		}
	}
}

// Len returns the current subscriber count.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
