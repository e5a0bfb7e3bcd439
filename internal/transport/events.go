package transport

// Event is the sum type delivered to a Transport's event sink. Exactly one
// of the typed fields below is set per event; Kind names which.
type Event struct {
	Kind EventKind

	Connected      *ConnectedEvent
	Disconnected   *DisconnectedEvent
	DataReceived   *DataReceivedEvent
	QualityChanged *QualityChangedEvent
	Error          *ErrorEvent
}

// EventKind enumerates the transport event types of §4.3.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventDataReceived
	EventQualityChanged
	EventError
)

// ConnectedEvent reports a peer's transport reaching StateConnected after a
// completed handshake.
type ConnectedEvent struct {
	Peer      PeerID
	Transport Kind
}

// DisconnectedEvent reports a peer's transport reaching StateDisconnected.
type DisconnectedEvent struct {
	Peer      PeerID
	Transport Kind
	Reason    error
}

// DataReceivedEvent carries a raw (still possibly encrypted) payload
// received from peer. The Network Façade decrypts it before re-publishing
// on the event bus.
type DataReceivedEvent struct {
	Peer      PeerID
	Transport Kind
	Payload   []byte
}

// QualityChangedEvent reports an updated Quality snapshot for peer.
type QualityChangedEvent struct {
	Peer      PeerID
	Transport Kind
	Quality   Quality
}

// ErrorEvent reports an asynchronous transport-level failure.
type ErrorEvent struct {
	Peer      PeerID
	Transport Kind
	Err       error
}
