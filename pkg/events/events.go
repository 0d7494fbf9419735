package events

import "time"

// Event types published to the message queue.
const (
	TypeRegistrationStored  = "registration.stored"
	TypeRegistrationRemoved = "registration.removed"
	TypeRouteAdded          = "route.added"
	TypeRouteRemoved        = "route.removed"
)

// Event is a relay lifecycle notification for external consumers
// (billing, monitoring, fraud detection). Fields not relevant to the event
// type stay empty.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Registration events
	User          string `json:"user,omitempty"`
	Domain        string `json:"domain,omitempty"`
	ClientAddress string `json:"client_address,omitempty"`
	ClientPort    int    `json:"client_port,omitempty"`
	ExpiresAt     int64  `json:"expires_at,omitempty"`

	// Route events
	Hostname  string `json:"hostname,omitempty"`
	BackendIP string `json:"backend_ip,omitempty"`
}

// Publisher delivers relay lifecycle events. Implementations must never
// block signaling: publishing failures are logged and dropped.
type Publisher interface {
	Publish(event Event)
	Close()
}

// MultiPublisher fans an event out to several publishers.
type MultiPublisher []Publisher

// Publish delivers the event to every member.
func (m MultiPublisher) Publish(event Event) {
	for _, p := range m {
		p.Publish(event)
	}
}

// Close closes every member.
func (m MultiPublisher) Close() {
	for _, p := range m {
		p.Close()
	}
}

// NoopPublisher is the Publisher used when no message queue is configured.
type NoopPublisher struct{}

// Publish discards the event.
func (NoopPublisher) Publish(Event) {}

// Close is a no-op.
func (NoopPublisher) Close() {}
