package mqtt

import (
	"fmt"
	"strconv"
	"strings"
)

// TopicPrefix is the root of every WearLink topic.
const TopicPrefix = "wearlink"

// Topics builds WearLink MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.DeviceEvent("DEVICE", 42) // wearlink/event/device/42
type Topics struct{}

// Event returns the topic every event of the type is published to.
//
// Example: wearlink/event/receive
func (Topics) Event(eventType string) string {
	return fmt.Sprintf("%s/event/%s", TopicPrefix, strings.ToLower(eventType))
}

// DeviceEvent returns the per-device topic for an event type.
//
// Example: wearlink/event/receive/42
func (t Topics) DeviceEvent(eventType string, deviceID uint64) string {
	return t.Event(eventType) + "/" + strconv.FormatUint(deviceID, 10)
}

// SystemStatus returns the online/offline status topic (also the LWT).
//
// Example: wearlink/system/status
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// Command returns the topic a host publishes a device command on.
//
// Example: wearlink/command/42/send
func (Topics) Command(deviceID uint64, verb string) string {
	return fmt.Sprintf("%s/command/%d/%s", TopicPrefix, deviceID, verb)
}

// CommandResult returns the topic a command's outcome is published on.
//
// Example: wearlink/command/42/send/result
func (t Topics) CommandResult(deviceID uint64, verb string) string {
	return t.Command(deviceID, verb) + "/result"
}

// AllCommands matches every device command.
//
// Pattern: wearlink/command/+/+
func (Topics) AllCommands() string {
	return TopicPrefix + "/command/+/+"
}

// AllEvents matches every event topic.
//
// Pattern: wearlink/event/#
func (Topics) AllEvents() string {
	return TopicPrefix + "/event/#"
}

// ParseCommand splits a command topic into device id and verb.
func (Topics) ParseCommand(topic string) (deviceID uint64, verb string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != TopicPrefix || parts[1] != "command" || parts[3] == "" {
		return 0, "", fmt.Errorf("%w: %q is not a command topic", ErrInvalidTopic, topic)
	}
	deviceID, err = strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: device id %q: %w", ErrInvalidTopic, parts[2], err)
	}
	return deviceID, parts[3], nil
}
