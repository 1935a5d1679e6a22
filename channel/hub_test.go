package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/devicegate/bus"
	"github.com/jmcleod/devicegate/envelope"
	"github.com/jmcleod/devicegate/heartbeat"
)

const (
	keyA = "0f1e2d3c4b5a69788796a5b4c3d2e1f00f1e2d3c4b5a69788796a5b4c3d2e1f0"
	keyB = "aa11bb22cc33dd44ee55ff66aa11bb22cc33dd44ee55ff66aa11bb22cc33dd44"
)

type hubFixture struct {
	bus     *bus.MemoryBus
	monitor *heartbeat.Monitor
	hub     *Hub

	mu       sync.Mutex
	failures []DecryptFailure
}

func newHubFixture(t *testing.T, opts ...HubOption) *hubFixture {
	t.Helper()
	f := &hubFixture{bus: bus.NewMemoryBus(), monitor: heartbeat.NewMonitor()}
	opts = append([]HubOption{
		WithHeartbeatRecorder(f.monitor),
		WithDecryptFailureHook(func(df DecryptFailure) {
			f.mu.Lock()
			f.failures = append(f.failures, df)
			f.mu.Unlock()
		}),
	}, opts...)
	f.hub = NewHub(f.bus, opts...)
	require.NoError(t, f.hub.Start())
	t.Cleanup(func() { _ = f.hub.Close() })
	return f
}

func (f *hubFixture) failureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.failures)
}

func publishHeartbeat(t *testing.T, f *hubFixture, k *Keyring, seq uint64) {
	t.Helper()
	wire, err := k.Seal(NewHeartbeat(k.deviceID, TypePublisher, "online", seq, time.Now()))
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(context.Background(), bus.HeartbeatTopic(k.deviceID), []byte(wire)))
}

func TestHub_RecordsDecryptedHeartbeats(t *testing.T) {
	f := newHubFixture(t)
	require.NoError(t, f.hub.RegisterDeviceSession("dev1", keyA))
	k, err := NewKeyring("dev1", keyA)
	require.NoError(t, err)

	publishHeartbeat(t, f, k, 1)
	publishHeartbeat(t, f, k, 2)
	publishHeartbeat(t, f, k, 9)

	ds := f.monitor.Status("dev1")
	assert.Equal(t, heartbeat.StatusOnline, ds.Status)
	require.NotNil(t, ds.LastSequence)
	assert.Equal(t, uint64(9), *ds.LastSequence)
	assert.Equal(t, uint64(6), ds.Reliability.Missed)
	assert.Equal(t, 0, f.failureCount())
}

func TestHub_TamperedHeartbeatDropped(t *testing.T) {
	f := newHubFixture(t)
	require.NoError(t, f.hub.RegisterDeviceSession("dev1", keyA))
	k, err := NewKeyring("dev1", keyA)
	require.NoError(t, err)

	wire, err := k.Seal(NewHeartbeat("dev1", TypePublisher, "online", 1, time.Now()))
	require.NoError(t, err)
	tampered := []byte(wire)
	last := len(tampered) - 1
	if tampered[last] == '0' {
		tampered[last] = '1'
	} else {
		tampered[last] = '0'
	}
	require.NoError(t, f.bus.Publish(context.Background(), bus.HeartbeatTopic("dev1"), tampered))

	assert.Equal(t, heartbeat.StatusUnknown, f.monitor.Status("dev1").Status)
	require.Equal(t, 1, f.failureCount())
	assert.ErrorIs(t, f.failures[0].Err, envelope.ErrDecryptionFailed)
	assert.Equal(t, "dev1", f.failures[0].DeviceID)
}

func TestHub_WrongKeyHeartbeatDropped(t *testing.T) {
	f := newHubFixture(t)
	require.NoError(t, f.hub.RegisterDeviceSession("dev1", keyA))
	imposter, err := NewKeyring("dev1", keyB)
	require.NoError(t, err)

	publishHeartbeat(t, f, imposter, 1)
	assert.Equal(t, heartbeat.StatusUnknown, f.monitor.Status("dev1").Status)
	assert.Equal(t, 1, f.failureCount())
}

func TestHub_UnboundDeviceIgnored(t *testing.T) {
	f := newHubFixture(t)
	k, err := NewKeyring("ghost", keyA)
	require.NoError(t, err)

	publishHeartbeat(t, f, k, 1)
	assert.Equal(t, heartbeat.StatusUnknown, f.monitor.Status("ghost").Status)
	assert.Equal(t, 0, f.failureCount())
}

func TestHub_DeviceMismatchRejected(t *testing.T) {
	f := newHubFixture(t)
	require.NoError(t, f.hub.RegisterDeviceSession("dev1", keyA))
	k, err := NewKeyring("dev1", keyA)
	require.NoError(t, err)

	wire, err := k.Seal(NewHeartbeat("dev2", TypePublisher, "online", 1, time.Now()))
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(context.Background(), bus.HeartbeatTopic("dev1"), []byte(wire)))

	require.Equal(t, 1, f.failureCount())
	assert.ErrorIs(t, f.failures[0].Err, ErrDeviceMismatch)
}

func TestHub_SessionKeyLookup(t *testing.T) {
	f := newHubFixture(t)
	require.NoError(t, f.hub.RegisterDeviceSession("dev1", keyA))

	key, err := f.hub.SessionKey("dev1")
	require.NoError(t, err)
	assert.Equal(t, keyA, key)

	_, err = f.hub.SessionKey("dev2")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTargetNotFound)
	var kx *KeyExchangeError
	require.True(t, errors.As(err, &kx))
	assert.Equal(t, "dev2", kx.DeviceID)
}

func TestHub_SessionKeyOutlivesLockedBuffer(t *testing.T) {
	f := newHubFixture(t)
	require.NoError(t, f.hub.Bind("dev1", "sid-1", keyA))

	first, err := f.hub.SessionKey("dev1")
	require.NoError(t, err)
	second, err := f.hub.SessionKey("dev1")
	require.NoError(t, err)

	// Both results must stay readable after the enclave buffers are gone.
	assert.Equal(t, []byte(keyA), []byte(first))
	assert.Equal(t, keyA, second)
	assert.Len(t, first+second, 2*len(keyA))

	require.True(t, f.hub.Revoke("dev1", "sid-1"))
	assert.Equal(t, keyA, first)
}

func TestHub_RebindReplacesKey(t *testing.T) {
	f := newHubFixture(t)
	require.NoError(t, f.hub.Bind("dev1", "sid-1", keyA))
	require.NoError(t, f.hub.Bind("dev1", "sid-2", keyB))

	key, err := f.hub.SessionKey("dev1")
	require.NoError(t, err)
	assert.Equal(t, keyB, key)

	assert.False(t, f.hub.Revoke("dev1", "sid-1"), "stale session must not revoke the new binding")
	assert.True(t, f.hub.Bound("dev1"))
	assert.True(t, f.hub.Revoke("dev1", "sid-2"))
	assert.False(t, f.hub.Bound("dev1"))
}

func TestHub_BindRejectsEmptyKey(t *testing.T) {
	f := newHubFixture(t)
	assert.ErrorIs(t, f.hub.RegisterDeviceSession("dev1", ""), ErrEmptySessionKey)
	assert.False(t, f.hub.Bound("dev1"))
}

func TestHub_SendToDevice(t *testing.T) {
	f := newHubFixture(t)
	require.NoError(t, f.hub.RegisterDeviceSession("dev1", keyA))
	k, err := NewKeyring("dev1", keyA)
	require.NoError(t, err)

	var got []Message
	_, err = f.bus.Subscribe(bus.CommandsTopic("dev1"), k.Handler(func(_ string, msg Message) {
		got = append(got, msg)
	}))
	require.NoError(t, err)

	err = f.hub.SendTo(context.Background(), "dev1", bus.CommandsTopic("dev1"), Message{
		DeviceID: "hub",
		Type:     TypeCommand,
		Data:     map[string]any{"action": "reboot"},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "reboot", got[0].Data["action"])
	assert.NotZero(t, got[0].Timestamp)

	err = f.hub.SendTo(context.Background(), "dev2", bus.CommandsTopic("dev2"), Message{})
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestHub_SendToClosedBus(t *testing.T) {
	f := newHubFixture(t)
	require.NoError(t, f.hub.RegisterDeviceSession("dev1", keyA))
	require.NoError(t, f.bus.Close())

	err := f.hub.SendTo(context.Background(), "dev1", bus.CommandsTopic("dev1"), Message{DeviceID: "hub"})
	assert.ErrorIs(t, err, bus.ErrTransportNotConnected)
}

func TestHub_ChaChaSuiteAndCBOR(t *testing.T) {
	f := newHubFixture(t, WithHubSuite(envelope.SuiteChaCha20Poly1305), WithHubPayloadCodec(CBORCodec{}))
	require.NoError(t, f.hub.RegisterDeviceSession("dev1", keyA))
	k, err := NewKeyring("dev1", keyA, WithSuite(envelope.SuiteChaCha20Poly1305), WithPayloadCodec(CBORCodec{}))
	require.NoError(t, err)

	publishHeartbeat(t, f, k, 1)
	assert.Equal(t, heartbeat.StatusOnline, f.monitor.Status("dev1").Status)
	assert.Equal(t, 0, f.failureCount())
}

func TestHub_DecryptInbound(t *testing.T) {
	f := newHubFixture(t)
	require.NoError(t, f.hub.RegisterDeviceSession("dev1", keyA))
	wire, err := envelope.Encrypt([]byte(keyA), []byte("hello"))
	require.NoError(t, err)

	plain, err := f.hub.DecryptInbound("dev1", wire)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plain))

	_, err = f.hub.DecryptInbound("dev1", "garbage")
	assert.ErrorIs(t, err, envelope.ErrDecryptionFailed)
	_, err = f.hub.DecryptInbound("nobody", wire)
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestHub_CloseStopsHeartbeats(t *testing.T) {
	f := newHubFixture(t)
	require.NoError(t, f.hub.RegisterDeviceSession("dev1", keyA))
	k, err := NewKeyring("dev1", keyA)
	require.NoError(t, err)
	require.NoError(t, f.hub.Close())

	publishHeartbeat(t, f, k, 1)
	assert.Equal(t, heartbeat.StatusUnknown, f.monitor.Status("dev1").Status)
	assert.Empty(t, f.hub.Devices())
}
