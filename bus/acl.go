package bus

import (
	"bytes"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"go.uber.org/zap"
)

// SessionVerifier resolves MQTT connect credentials to an authenticated
// device. Devices connect with their device ID as username and their
// authenticated session ID as password.
type SessionVerifier interface {
	IsAuthenticated(sessionID string) bool
	DeviceID(sessionID string) (string, bool)
}

// Authorize reports whether deviceID may publish (write) or subscribe to
// topic. A device publishes only under its own topics and subscribes to its
// own commands and to any device's data topic; payloads stay encrypted to
// the publisher's session key either way.
func Authorize(deviceID, topic string, write bool) bool {
	owner, kind, ok := ParseDeviceTopic(topic)
	if !ok {
		// Subscription filters arrive here too.
		return !write && isDataFilter(topic)
	}
	if write {
		return owner == deviceID && kind != KindCommands
	}
	switch kind {
	case KindData:
		return true
	case KindCommands:
		return owner == deviceID
	default:
		return false
	}
}

// isDataFilter accepts device/+/data, the only wildcard filter a device may
// hold.
func isDataFilter(filter string) bool {
	return filter == topicRoot+"/+/"+KindData
}

// SessionAuthHook authenticates MQTT connections against live MFA sessions
// and enforces Authorize on every publish and subscribe.
type SessionAuthHook struct {
	mqtt.HookBase
	sessions SessionVerifier
	logger   *zap.Logger
}

// NewSessionAuthHook creates the hook.
func NewSessionAuthHook(sessions SessionVerifier, logger *zap.Logger) *SessionAuthHook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionAuthHook{sessions: sessions, logger: logger}
}

// ID identifies the hook to the broker.
func (h *SessionAuthHook) ID() string { return "devicegate-session-auth" }

// Provides reports the hook events handled.
func (h *SessionAuthHook) Provides(b byte) bool {
	return bytes.Contains([]byte{mqtt.OnConnectAuthenticate, mqtt.OnACLCheck}, []byte{b})
}

// OnConnectAuthenticate accepts a connection whose password is an
// authenticated session belonging to the device named by the username.
func (h *SessionAuthHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	deviceID := string(pk.Connect.Username)
	sessionID := string(pk.Connect.Password)
	owner, ok := h.sessions.DeviceID(sessionID)
	if !ok || owner != deviceID || !h.sessions.IsAuthenticated(sessionID) {
		h.logger.Warn("mqtt connect rejected",
			zap.String("device_id", deviceID),
			zap.String("remote", cl.Net.Remote))
		return false
	}
	return true
}

// OnACLCheck applies Authorize. The broker's inline client is trusted.
func (h *SessionAuthHook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	if cl.Net.Inline {
		return true
	}
	deviceID := string(cl.Properties.Username)
	if !Authorize(deviceID, topic, write) {
		h.logger.Warn("mqtt acl denied",
			zap.String("device_id", deviceID),
			zap.String("topic", topic),
			zap.Bool("write", write))
		return false
	}
	return true
}
