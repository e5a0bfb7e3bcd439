package discovery

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	protocolTag       = "FALCON_DISCOVERY"
	legacyProtocolTag = "SENTINEL_DISCOVERY"
)

// Announcement is a parsed discovery datagram.
type Announcement struct {
	PeerID      string
	TCPPort     int
	SessionCode string
	Version     string
	Platform    string
}

// BuildAnnouncement formats a datagram per spec.md §6:
// `FALCON_DISCOVERY|peer_id|tcp_port|session_code|version|platform`.
// Only the modern tag is ever emitted; the legacy tag is accepted on
// receive only.
func BuildAnnouncement(peerID string, tcpPort int, sessionCode, version, platform string) string {
	return strings.Join([]string{
		protocolTag, peerID, strconv.Itoa(tcpPort), sessionCode, version, platform,
	}, "|")
}

// ParseAnnouncement parses a datagram accepting either the modern
// FALCON_DISCOVERY or legacy SENTINEL_DISCOVERY tag.
func ParseAnnouncement(msg string) (Announcement, error) {
	parts := strings.Split(msg, "|")
	if len(parts) != 6 {
		return Announcement{}, fmt.Errorf("discovery: malformed announcement (want 6 fields, got %d)", len(parts))
	}

	tag := parts[0]
	if tag != protocolTag && tag != legacyProtocolTag {
		return Announcement{}, fmt.Errorf("discovery: unrecognized protocol tag %q", tag)
	}

	port, err := strconv.Atoi(parts[2])
	if err != nil {
		return Announcement{}, fmt.Errorf("discovery: invalid tcp_port: %w", err)
	}

	return Announcement{
		PeerID:      parts[1],
		TCPPort:     port,
		SessionCode: parts[3],
		Version:     parts[4],
		Platform:    parts[5],
	}, nil
}
