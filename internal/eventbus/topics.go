package eventbus

// Topic names published by transports, the registry, and the façade.
// Handlers type-assert the event payload documented alongside each topic.
const (
	// TopicConnected carries transport.ConnectedEvent.
	TopicConnected = "peer.connected"
	// TopicDisconnected carries transport.DisconnectedEvent.
	TopicDisconnected = "peer.disconnected"
	// TopicDataReceived carries transport.DataReceivedEvent (decrypted payload).
	TopicDataReceived = "peer.data_received"
	// TopicQualityChanged carries transport.QualityChangedEvent.
	TopicQualityChanged = "peer.quality_changed"
	// TopicTransportError carries transport.ErrorEvent.
	TopicTransportError = "transport.error"
	// TopicBindingChanged carries registry.BindingChangedEvent.
	TopicBindingChanged = "registry.binding_changed"
	// TopicPeerDiscovered carries discovery.PeerDiscoveredEvent.
	TopicPeerDiscovered = "discovery.peer_discovered"
	// TopicFileChanged carries fsdispatch.ChangeRecord.
	TopicFileChanged = "fs.change"
)
