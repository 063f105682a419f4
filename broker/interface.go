package broker

// Topic names a stream of events on the Broker. Wire events use the relay's
// event name as their topic; the topics below are produced locally.
type Topic string

// Local topics.
const (
	// Connected is published once the relay handshake has completed.
	Connected Topic = "connected"

	// Disconnected is published exactly once per connection when it drops.
	Disconnected Topic = "disconnected"

	PresenceChanged Topic = "presence-changed"
	MessageChanged  Topic = "message-changed"
	TypingChanged   Topic = "typing-changed"
	CallChanged     Topic = "call-changed"
	CallDuration    Topic = "call-duration"
	RemoteTrack     Topic = "remote-track"
)

// Publisher is the sending half of the Broker.
type Publisher interface {
	Publish(topic Topic, message any)
}
