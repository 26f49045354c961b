// Package bus is the event bus of a connection.
// Components publish lifecycle events (key available, log applied, entry dropped, ...)
// and anything outside the core (CLI, UI bindings) can listen without the components
// knowing about each other.
package bus

import (
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSync/lib/logging"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger(logging.NameConn)

// Topics published by the dSync components
const (
	TopicAll          = "*"
	TopicConnected    = "conn.connected"
	TopicDisconnected = "conn.disconnected"
	TopicKeyAvailable = "keychain.available"
	TopicLogApplied   = "sync.applied"
	TopicEntryDropped = "sync.dropped"
)

// Event is one published message
type Event struct {
	Topic   string
	Payload any
	Time    time.Time
}

// Handler receives events, it runs synchronously on the publishing goroutine
type Handler func(Event)

// Bus is a topic based publish / subscribe bus
type Bus struct {
	subs   *xsync.MapOf[string, *xsync.MapOf[uuid.UUID, Handler]]
	closed atomic.Bool
}

// New creates an empty bus
func New() *Bus {
	return &Bus{subs: xsync.NewMapOf[string, *xsync.MapOf[uuid.UUID, Handler]]()}
}

// Subscribe registers h for topic, TopicAll receives every event
func (b *Bus) Subscribe(topic string, h Handler) (id uuid.UUID, cancel func()) {
	id = uuid.New()
	handlers, _ := b.subs.LoadOrCompute(topic, func() *xsync.MapOf[uuid.UUID, Handler] {
		return xsync.NewMapOf[uuid.UUID, Handler]()
	})
	handlers.Store(id, h)
	return id, func() { handlers.Delete(id) }
}

// Publish delivers payload to all subscribers of topic and returns the number of handlers called
func (b *Bus) Publish(topic string, payload any) int {
	if b.closed.Load() {
		return 0
	}
	event := Event{Topic: topic, Payload: payload, Time: time.Now()}

	n := 0
	deliver := func(_ uuid.UUID, h Handler) bool {
		b.call(h, event)
		n++
		return true
	}
	if handlers, ok := b.subs.Load(topic); ok {
		handlers.Range(deliver)
	}
	if topic != TopicAll {
		if handlers, ok := b.subs.Load(TopicAll); ok {
			handlers.Range(deliver)
		}
	}
	return n
}

// call runs h and logs a panic instead of tearing down the publisher
func (b *Bus) call(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("bus handler for %s panicked: %v", event.Topic, r)
		}
	}()
	h(event)
}

// Subscribers returns the number of handlers registered for topic
func (b *Bus) Subscribers(topic string) int {
	handlers, ok := b.subs.Load(topic)
	if !ok {
		return 0
	}
	return handlers.Size()
}

// Close removes all subscribers, later publishes are dropped
func (b *Bus) Close() {
	b.closed.Store(true)
	b.subs.Clear()
}
