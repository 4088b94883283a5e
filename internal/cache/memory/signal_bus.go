package memory

import (
	"context"
	"sync"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// Event is one payload recorded by SignalBus.
type Event struct {
	Channel string
	Payload []byte
}

// SignalBus keeps the most recent events in memory. It stands in for the
// Redis bus when Redis is disabled and lets tests observe what was sent.
type SignalBus struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewSignalBus creates a bus that retains at most limit events.
func NewSignalBus(limit int) *SignalBus {
	if limit < 1 {
		limit = 1
	}
	return &SignalBus{limit: limit}
}

func (b *SignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.record(channel, payload)
	return nil
}

func (b *SignalBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.record(stream, payload)
	return nil
}

func (b *SignalBus) record(channel string, payload []byte) {
	cp := append([]byte(nil), payload...)
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == b.limit {
		copy(b.events, b.events[1:])
		b.events = b.events[:len(b.events)-1]
	}
	b.events = append(b.events, Event{Channel: channel, Payload: cp})
}

// Events returns a copy of the retained events for channel, oldest first.
// An empty channel returns every event.
func (b *SignalBus) Events(channel string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, e := range b.events {
		if channel == "" || e.Channel == channel {
			out = append(out, e)
		}
	}
	return out
}

var _ domain.SignalBus = (*SignalBus)(nil)
