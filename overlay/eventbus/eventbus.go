// Package eventbus provides the typed publish/subscribe mechanism that
// decouples the overlay's components: each component owns its state and a
// driver goroutine, and talks to the rest of the system through typed
// channels obtained here.
//
// It lifts github.com/libp2p/go-eventbus out of the libp2p host it is
// normally bolted onto, into a standalone bus any component can own.
// Subscriptions are keyed by the Go type of the event value; subscribing on
// an interface type yields polymorphic dispatch.
package eventbus

import (
	"github.com/libp2p/go-eventbus"
	"github.com/libp2p/go-libp2p-core/event"
)

// DefaultBufSize is the per-subscription channel depth used when a
// component does not request a specific back-pressure buffer.
const DefaultBufSize = 16

// Bus is a typed publish/subscribe multiplexer. Delivery within a single
// (type, subscription) pair is ordered; delivery across subscriptions is
// concurrent and unordered relative to each other.
type Bus struct {
	inner event.Bus
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{inner: eventbus.NewBus()}
}

// Subscribe registers interest in events whose type matches evtType (pass a
// pointer to a zero value, e.g. new(PublicationEvent), or a pointer to an
// interface type for polymorphic dispatch). The subscription's channel is
// buffered to bufSize. Emit hands an event to each subscriber of its type
// in turn and waits while a subscriber's buffer is full, so a slow
// subscriber stalls delivery of its type to every subscriber of that type.
func (b *Bus) Subscribe(evtType interface{}, bufSize int) (event.Subscription, error) {
	if bufSize <= 0 {
		bufSize = DefaultBufSize
	}
	return b.inner.Subscribe(evtType, eventbus.BufSize(bufSize))
}

// Emitter returns a handle used to publish events of the given type. Pass a
// pointer to a zero value of the event type, matching Subscribe's argument.
func (b *Bus) Emitter(evtType interface{}) (event.Emitter, error) {
	return b.inner.Emitter(evtType)
}
