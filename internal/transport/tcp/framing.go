// Package tcp implements the transport.Transport contract over length
// prefixed TCP byte streams.
//
// Grounded on gobfd/internal/netio's listener/sender/receiver split: a
// context-aware accept/receive loop using pooled buffers, generalized from
// BFD's fixed-size UDP datagrams to arbitrarily large framed TCP payloads.
package tcp

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sentinelfs/sentinelfs/internal/transport"
)

// MaxFrameSize is the maximum permitted payload size: 100 MiB. A larger
// declared length closes the connection (§4.3 TCP specifics).
const MaxFrameSize = 100 * 1024 * 1024

const frameHeaderSize = 4

// writeFrame writes a single length-prefixed frame: 4-byte big-endian
// length followed by payload.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("write frame: %w", transport.ErrOversizeFrame)
	}

	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// readFrame reads a single length-prefixed frame. A declared length above
// MaxFrameSize is treated as Oversize (§4.3): the caller must close the
// connection.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("read frame: %d bytes: %w", n, transport.ErrOversizeFrame)
	}

	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return payload, nil
}
