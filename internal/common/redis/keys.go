package redis

const (
	instanceKeyPrefix = "prerender:instance:"
	// InstanceListKey is a hash of instance ID to base URL for every instance ever registered
	InstanceListKey = "prerender:instances"
)

// InstanceKey is the TTL-bound key holding one instance's heartbeat document
func InstanceKey(id string) string {
	return instanceKeyPrefix + id
}
