package pubsub

import (
	"context"
	"time"
)

// Message is the structure passed between components on the bus.
type Message struct {
	// ID is assigned by the bus on publish.
	ID string
	// PublishedAt is stamped by the bus on publish.
	PublishedAt time.Time
	// Topic identifies the channel the message belongs to (e.g., "scripts.reload").
	Topic string
	// Source names the component that published the message.
	Source string
	// Payload contains the raw message data, usually JSON.
	Payload []byte
	// Metadata can contain arbitrary key-value pairs for context.
	Metadata map[string]string
}

// Handler defines the function signature for processing a received message.
type Handler func(ctx context.Context, msg Message) error

// Publisher defines the contract for sending messages to the Pub/Sub system.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Subscriber defines the contract for receiving messages from the Pub/Sub system.
type Subscriber interface {
	// Subscribe starts listening to the given topic, processing messages with the handler.
	// Messages are handled in a background goroutine until the context is canceled.
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Close() error
}
