// Package bus carries encrypted device traffic over MQTT-style
// publish/subscribe topics.
//
// The Bus interface is what the rest of the system depends on. Broker embeds
// an MQTT broker for the hub, Client connects a device to a remote broker,
// and MemoryBus is an in-process implementation for tests and single-process
// demos. Delivery is at least once, unordered and without acknowledgement.
package bus

import (
	"context"
	"errors"
)

// ErrTransportNotConnected is returned when publishing or subscribing on a
// bus that is closed or not yet connected.
var ErrTransportNotConnected = errors.New("transport not connected")

// Handler receives a message delivered on a subscribed topic. Handlers may
// be called concurrently and must not retain payload after returning.
type Handler func(topic string, payload []byte)

// Bus is a topic-addressed byte-payload transport.
type Bus interface {
	// Publish sends payload to every subscriber whose filter matches topic.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers h for topics matching filter, which may contain
	// the MQTT wildcards + and #. The returned func removes the
	// subscription.
	Subscribe(filter string, h Handler) (unsubscribe func(), err error)
	// Close releases the transport. It is safe to call more than once.
	Close() error
}
