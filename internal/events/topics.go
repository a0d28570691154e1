package events

const (
	// TopicServerPeer carries relay.PeerEvent values from the desktop side.
	TopicServerPeer = "relay.server.peer"

	// TopicClientState carries relay.Indicator values from the extension side.
	TopicClientState = "relay.client.state"
)
