package discovery

import "context"

// mdnsServiceName is the zero-config service name reserved for SentinelFS
// peer discovery, per spec.md §4.7.
const mdnsServiceName = "_sentinelfs._tcp"

// MDNS is the specified stub extension point for zero-config discovery.
// It satisfies Discoverer so the façade can wire it in uniformly
// alongside the UDP Service, but Start always reports ErrNotImplemented
// until a real mDNS responder is built.
type MDNS struct {
	Enabled bool
}

// ServiceName returns the reserved mDNS service name for SentinelFS peers.
func (MDNS) ServiceName() string { return mdnsServiceName }

// Start reports ErrNotImplemented; the façade logs and continues without
// mDNS when this happens.
func (m MDNS) Start(ctx context.Context) error {
	if !m.Enabled {
		return nil
	}
	return ErrNotImplemented
}

// Stop is a no-op: the stub never starts anything that needs stopping.
func (MDNS) Stop() error { return nil }
