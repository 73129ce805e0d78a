package events

// Bus defines the interface for typed event bus operations
type Bus[T any] interface {
	// Publish sends an event to all subscribers of the specified topic
	Publish(topic string, event T)
	// Subscribe returns a channel that receives events for the specified topic
	Subscribe(topic string) <-chan T
	// Unsubscribe removes a subscriber channel from the specified topic
	Unsubscribe(topic string, ch <-chan T)
}
