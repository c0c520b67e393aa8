package conductor

import "fmt"

// Redis key pattern helpers
//
// Key pattern: conductor:{instance_name}:{entity}
// Channel pattern: conductor:{instance_name}:{kind}

// StateKey returns the Redis key holding the latest state snapshot.
// Pattern: conductor:{instance_name}:state
func StateKey(instanceName string) string {
	return fmt.Sprintf("conductor:%s:state", instanceName)
}

// ConfigKey returns the Redis key holding the current sender configuration.
// Pattern: conductor:{instance_name}:config
func ConfigKey(instanceName string) string {
	return fmt.Sprintf("conductor:%s:config", instanceName)
}

// EventsChannel returns the Pub/Sub channel that mirrors observer events.
// Pattern: conductor:{instance_name}:events
func EventsChannel(instanceName string) string {
	return fmt.Sprintf("conductor:%s:events", instanceName)
}

// CommandsChannel returns the Pub/Sub channel carrying control commands.
// Pattern: conductor:{instance_name}:commands
func CommandsChannel(instanceName string) string {
	return fmt.Sprintf("conductor:%s:commands", instanceName)
}
