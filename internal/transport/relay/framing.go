package relay

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sentinelfs/sentinelfs/internal/transport"
)

const messageHeaderSize = 1 + 4 // type(1B) + length(4B BE)

// writeMessage writes one Relay Message Protocol frame: type(1B) ‖
// length(4B BE) ‖ payload (spec.md §6).
func writeMessage(w io.Writer, msgType messageType, payload []byte) error {
	if len(payload) > maxMessageSize {
		return fmt.Errorf("write message: %w", transport.ErrOversizeFrame)
	}

	hdr := make([]byte, messageHeaderSize)
	hdr[0] = byte(msgType)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))

	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("write message header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write message payload: %w", err)
	}
	return nil
}

// readMessage reads one Relay Message Protocol frame.
func readMessage(r io.Reader) (messageType, []byte, error) {
	hdr := make([]byte, messageHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, fmt.Errorf("read message header: %w", err)
	}

	msgType := messageType(hdr[0])
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > maxMessageSize {
		return 0, nil, fmt.Errorf("read message: %d bytes: %w", n, transport.ErrOversizeFrame)
	}

	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("read message payload: %w", err)
		}
	}
	return msgType, payload, nil
}

// buildDataPayload encodes a DATA message's payload: target_peer_len(1B)
// ‖ target_peer ‖ bytes (spec.md §6).
func buildDataPayload(targetPeer string, data []byte) ([]byte, error) {
	if len(targetPeer) > maxPeerIDLen {
		return nil, fmt.Errorf("build data payload: peer id %q exceeds %d bytes", targetPeer, maxPeerIDLen)
	}

	out := make([]byte, 1+len(targetPeer)+len(data))
	out[0] = byte(len(targetPeer))
	copy(out[1:], targetPeer)
	copy(out[1+len(targetPeer):], data)
	return out, nil
}

// parseDataPayload decodes a DATA message's payload.
func parseDataPayload(payload []byte) (targetPeer string, data []byte, err error) {
	if len(payload) < 1 {
		return "", nil, fmt.Errorf("parse data payload: empty")
	}
	peerLen := int(payload[0])
	if len(payload) < 1+peerLen {
		return "", nil, fmt.Errorf("parse data payload: truncated peer id")
	}
	return string(payload[1 : 1+peerLen]), payload[1+peerLen:], nil
}
