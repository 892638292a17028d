package mqtt

import (
	"fmt"
	"strings"
)

// Topic layout for the RO water system namespace.
//
// Device topics are bidirectional: devices publish telemetry and
// command acknowledgments to their status topic, and the engine
// publishes control and subscription messages back to the same topic.
const (
	// TopicPrefix is the base for all AquaSync topics.
	TopicPrefix = "ro_water_system"

	// TopicPrefixSystem is the base for engine-level system topics.
	TopicPrefixSystem = "ro_water_system/system"

	// deviceStatusSegments is the segment count of a device status
	// topic: namespace/status/{deviceID}.
	deviceStatusSegments = 3
)

// Topics provides builders for AquaSync MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	topic := topics.DeviceStatus("a4:cf:12:9b:01:7e")
//	// Returns: "ro_water_system/status/a4:cf:12:9b:01:7e"
type Topics struct{}

// DeviceStatus returns the bidirectional status topic for one device.
//
// Example: ro_water_system/status/a4:cf:12:9b:01:7e
func (Topics) DeviceStatus(deviceID string) string {
	return fmt.Sprintf("%s/status/%s", TopicPrefix, deviceID)
}

// AllDeviceStatus returns a pattern matching every device status topic.
//
// Pattern: ro_water_system/status/+
func (Topics) AllDeviceStatus() string {
	return fmt.Sprintf("%s/status/+", TopicPrefix)
}

// SystemStatus returns the engine status topic (online/offline + LWT).
//
// Example: ro_water_system/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// DeviceIDFromStatusTopic extracts the device identifier from a device
// status topic. It returns false for topics outside the device status
// hierarchy (including the engine's own system topics).
func (Topics) DeviceIDFromStatusTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != deviceStatusSegments {
		return "", false
	}
	if parts[0] != TopicPrefix || parts[1] != "status" || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}
