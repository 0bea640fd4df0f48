// Package bus abstracts the message bus the outbox publisher delivers to.
package bus

import "context"

// Sink publishes a message to a topic and returns the bus-assigned message
// id. Delivery is at-least-once end to end; consumers dedupe on the outbox
// event id carried in the attributes.
type Sink interface {
	Publish(ctx context.Context, topic string, payload []byte, attrs map[string]string) (string, error)
}
