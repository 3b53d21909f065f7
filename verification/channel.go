package verification

import "github.com/meow-io/go-seal/event"

// Channel is the transport capability a verification request runs over. Two concrete
// channels exist, one backed by a room timeline and one by direct to-device messages.
// They differ only in how "initiated by me" and "who counts as a peer" are computed;
// those differences stay behind this interface.
type Channel interface {
	// The transaction id, assigned once the first message is sent.
	TransactionID() string
	// The room id, or "" for a to-device channel.
	RoomID() string
	// The other party's user id.
	UserID() string
	// The other party's device id, or "" when not yet known.
	DeviceID() string
	Send(eventType string, content *event.Content) error
	// The timestamp of an event as observed by this transport.
	Timestamp(e *event.Event) uint64
	// Whether this channel permits creating a request with the given initial event type.
	CanCreateRequest(eventType string) bool
	// Whether start events initiated by other devices of the local account should be
	// observed rather than acted on.
	ReceiveStartFromOtherDevices() bool
}
