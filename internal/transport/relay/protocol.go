package relay

// messageType is the 1-byte type tag of the Relay Message Protocol
// (spec.md §6).
type messageType byte

const (
	msgRegister    messageType = 0x01
	msgRegisterAck messageType = 0x02
	msgPeerList    messageType = 0x03
	msgConnect     messageType = 0x04
	msgConnectAck  messageType = 0x05
	msgData        messageType = 0x06
	msgHeartbeat   messageType = 0x07
	msgDisconnect  messageType = 0x08
	msgError       messageType = 0xFF
)

// maxPeerIDLen is the protocol's limit on a target peer identifier
// inside a DATA payload (one length byte).
const maxPeerIDLen = 255

// maxMessageSize is the protocol's overall message size ceiling,
// including the target-peer prefix of a DATA payload.
const maxMessageSize = 10 * 1024 * 1024
