package bus

import (
	"testing"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
)

func connectPacket(user, pass string) packets.Packet {
	return packets.Packet{Connect: packets.ConnectParams{Username: []byte(user), Password: []byte(pass)}}
}

func TestSessionAuthHook_Connect(t *testing.T) {
	h := NewSessionAuthHook(stubSessions{"sid-1": "dev1"}, nil)
	cl := &mqtt.Client{}

	assert.True(t, h.OnConnectAuthenticate(cl, connectPacket("dev1", "sid-1")))
	assert.False(t, h.OnConnectAuthenticate(cl, connectPacket("dev2", "sid-1")), "session belongs to another device")
	assert.False(t, h.OnConnectAuthenticate(cl, connectPacket("dev1", "unknown")))
	assert.False(t, h.OnConnectAuthenticate(cl, connectPacket("", "")))
}

func TestSessionAuthHook_ACL(t *testing.T) {
	h := NewSessionAuthHook(stubSessions{}, nil)

	cl := &mqtt.Client{}
	cl.Properties.Username = []byte("dev1")
	assert.True(t, h.OnACLCheck(cl, DataTopic("dev1"), true))
	assert.False(t, h.OnACLCheck(cl, DataTopic("dev2"), true))

	inline := &mqtt.Client{}
	inline.Net.Inline = true
	assert.True(t, h.OnACLCheck(inline, CommandsTopic("dev2"), true))
}

func TestSessionAuthHook_Provides(t *testing.T) {
	h := NewSessionAuthHook(stubSessions{}, nil)
	assert.True(t, h.Provides(mqtt.OnConnectAuthenticate))
	assert.True(t, h.Provides(mqtt.OnACLCheck))
	assert.False(t, h.Provides(mqtt.OnPublish))
}
