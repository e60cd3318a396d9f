package gateway

// ShardManager is what a shard reports to while it runs.
type ShardManager interface {
	// Publish is called synchronously for every dispatch, in the order the shard received them
	Publish(event Event)
	onConnected(shard *Shard)
}
