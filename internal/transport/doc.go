// Package transport defines the carrier-agnostic contract every
// SentinelFS transport (TCP, QUIC, WebRTC, Relay) implements identically,
// mirroring gobfd/internal/netio/doc.go's package-doc convention of
// documenting the shared contract once at the package root and letting
// each concrete listener/sender satisfy it.
package transport
