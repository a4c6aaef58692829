package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every topic the service publishes or consumes.
//
// Layout: bioauth/{category}/{device_id}/{event}
const TopicPrefix = "bioauth"

// Topics provides builders for bioauth MQTT topics.
//
//	topic := mqtt.Topics{}.AttendancePunch("1")
//	// Returns: "bioauth/attendance/1/punch"
type Topics struct{}

// AttendancePunch returns the topic realtime punches are published on.
//
// Example: bioauth/attendance/1/punch
func (Topics) AttendancePunch(deviceID string) string {
	return fmt.Sprintf("%s/attendance/%s/punch", TopicPrefix, deviceID)
}

// SyncResult returns the topic completed sync runs are published on.
//
// Example: bioauth/sync/1/result
func (Topics) SyncResult(deviceID string) string {
	return fmt.Sprintf("%s/sync/%s/result", TopicPrefix, deviceID)
}

// DeviceStatus returns the retained device status topic.
//
// Example: bioauth/device/1/status
func (Topics) DeviceStatus(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/status", TopicPrefix, deviceID)
}

// SyncRequest returns the topic other services publish to trigger a sync.
//
// Example: bioauth/request/sync/1
func (Topics) SyncRequest(deviceID string) string {
	return fmt.Sprintf("%s/request/sync/%s", TopicPrefix, deviceID)
}

// ServiceStatus returns the retained service status topic, also used as the
// Last Will topic.
//
// Example: bioauth/system/status
func (Topics) ServiceStatus() string {
	return TopicPrefix + "/system/status"
}

// AllSyncRequests returns a pattern matching sync requests for any device.
//
// Pattern: bioauth/request/sync/+
func (Topics) AllSyncRequests() string {
	return TopicPrefix + "/request/sync/+"
}

// AllTopics returns a pattern matching every bioauth topic.
//
// Pattern: bioauth/#
func (Topics) AllTopics() string {
	return TopicPrefix + "/#"
}

// SyncRequestDevice extracts the device id from a sync request topic.
// It returns false when topic is not a sync request.
func (Topics) SyncRequestDevice(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, TopicPrefix+"/request/sync/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}
