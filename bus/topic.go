package bus

import "strings"

const (
	topicRoot = "device"

	KindData      = "data"
	KindHeartbeat = "heartbeat"
	KindCommands  = "commands"
)

// HeartbeatWildcard matches every device's heartbeat topic.
const HeartbeatWildcard = topicRoot + "/+/" + KindHeartbeat

// DataTopic returns the application data topic of a device.
func DataTopic(deviceID string) string { return deviceTopic(deviceID, KindData) }

// HeartbeatTopic returns the heartbeat topic of a device.
func HeartbeatTopic(deviceID string) string { return deviceTopic(deviceID, KindHeartbeat) }

// CommandsTopic returns the inbound control topic of a device.
func CommandsTopic(deviceID string) string { return deviceTopic(deviceID, KindCommands) }

func deviceTopic(deviceID, kind string) string {
	return topicRoot + "/" + deviceID + "/" + kind
}

// ParseDeviceTopic splits a device/{id}/{kind} topic.
func ParseDeviceTopic(topic string) (deviceID, kind string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != topicRoot || parts[1] == "" {
		return "", "", false
	}
	switch parts[2] {
	case KindData, KindHeartbeat, KindCommands:
		return parts[1], parts[2], true
	}
	return "", "", false
}

// Match reports whether topic matches an MQTT subscription filter.
func Match(filter, topic string) bool {
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, f := range fl {
		if f == "#" {
			return i == len(fl)-1
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
