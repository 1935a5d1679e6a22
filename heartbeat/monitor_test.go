package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu       sync.Mutex
	statuses map[string][]string
}

func (r *recorder) UpdateStatus(deviceID, status string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statuses == nil {
		r.statuses = make(map[string][]string)
	}
	r.statuses[deviceID] = append(r.statuses[deviceID], status)
	return true
}

func seq(n uint64) *uint64 { return &n }

func TestMonitor_SlidingWindow(t *testing.T) {
	m := NewMonitor(WithWindow(5))

	res := m.RecordHeartbeat("dev", "online", seq(1))
	assert.Equal(t, OutcomeFirst, res.Outcome)

	res = m.RecordHeartbeat("dev", "online", seq(5))
	assert.Equal(t, OutcomeOutOfOrder, res.Outcome)
	assert.Equal(t, uint64(1), res.OutOfOrder)
	assert.Equal(t, uint64(0), res.Missed)

	res = m.RecordHeartbeat("dev", "online", seq(10))
	assert.Equal(t, OutcomeLoss, res.Outcome)
	assert.Equal(t, uint64(4), res.Missed)
	assert.Equal(t, uint64(1), res.OutOfOrder)

	ds := m.Status("dev")
	require.NotNil(t, ds.LastSequence)
	assert.Equal(t, uint64(10), *ds.LastSequence)
}

func TestMonitor_WindowBoundary(t *testing.T) {
	tests := []struct {
		name    string
		next    uint64
		outcome Outcome
		missed  uint64
	}{
		{"jump of window minus one", 14, OutcomeOutOfOrder, 0},
		{"jump of exactly window", 15, OutcomeLoss, 4},
		{"jump past window", 16, OutcomeLoss, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(WithWindow(5))
			m.RecordHeartbeat("dev", "online", seq(10))

			res := m.RecordHeartbeat("dev", "online", seq(tt.next))
			assert.Equal(t, tt.outcome, res.Outcome)
			assert.Equal(t, tt.missed, res.Missed)
		})
	}
}

func TestMonitor_InOrder(t *testing.T) {
	m := NewMonitor()
	for i := uint64(1); i <= 20; i++ {
		m.RecordHeartbeat("dev", "online", seq(i))
	}
	ds := m.Status("dev")
	assert.Equal(t, uint64(0), ds.Reliability.Missed)
	assert.Equal(t, uint64(0), ds.Reliability.OutOfOrder)
	assert.Equal(t, uint64(20), ds.Reliability.Received)
	assert.Equal(t, 1.0, ds.Reliability.Ratio)
}

func TestMonitor_DuplicatesCountedSeparately(t *testing.T) {
	m := NewMonitor()
	m.RecordHeartbeat("dev", "online", seq(7))
	m.RecordHeartbeat("dev", "online", seq(8))

	for _, s := range []uint64{8, 3, 0} {
		res := m.RecordHeartbeat("dev", "online", seq(s))
		assert.Equal(t, OutcomeDuplicate, res.Outcome)
	}
	ds := m.Status("dev")
	assert.Equal(t, uint64(3), ds.Reliability.Duplicates)
	assert.Equal(t, uint64(0), ds.Reliability.Missed)
	assert.Equal(t, uint64(0), ds.Reliability.OutOfOrder)
	assert.Equal(t, uint64(8), *ds.LastSequence)
}

func TestMonitor_CountersMonotonic(t *testing.T) {
	m := NewMonitor()
	var lastMissed, lastOoO uint64
	for _, s := range []uint64{1, 3, 2, 20, 19, 21, 40, 41, 40, 44} {
		res := m.RecordHeartbeat("dev", "online", seq(s))
		assert.GreaterOrEqual(t, res.Missed, lastMissed)
		assert.GreaterOrEqual(t, res.OutOfOrder, lastOoO)
		lastMissed, lastOoO = res.Missed, res.OutOfOrder
	}
}

func TestMonitor_FirstSequenceAfterUnsequenced(t *testing.T) {
	m := NewMonitor()
	res := m.RecordHeartbeat("dev", "online", nil)
	assert.Equal(t, OutcomeUnsequenced, res.Outcome)

	res = m.RecordHeartbeat("dev", "online", seq(100))
	assert.Equal(t, OutcomeFirst, res.Outcome)
	assert.Equal(t, uint64(0), res.Missed)
}

func TestMonitor_StatusLifecycle(t *testing.T) {
	clock := newFakeClock()
	m := NewMonitor(WithClock(clock.Now), WithTimeout(30*time.Second))

	assert.Equal(t, StatusUnknown, m.Status("dev").Status)
	assert.True(t, m.Status("dev").LastSeen.IsZero())

	m.RecordHeartbeat("dev", "online", seq(1))
	assert.Equal(t, StatusOnline, m.Status("dev").Status)
	assert.Equal(t, clock.Now(), m.Status("dev").LastSeen)

	clock.Advance(30 * time.Second)
	assert.Equal(t, StatusOnline, m.Status("dev").Status, "exactly at the timeout is still online")

	clock.Advance(time.Millisecond)
	assert.Equal(t, StatusOffline, m.Status("dev").Status)
}

func TestMonitor_LastSeenUpdatedForDuplicates(t *testing.T) {
	clock := newFakeClock()
	m := NewMonitor(WithClock(clock.Now))
	m.RecordHeartbeat("dev", "online", seq(5))
	clock.Advance(10 * time.Second)
	m.RecordHeartbeat("dev", "online", seq(5))
	assert.Equal(t, clock.Now(), m.Status("dev").LastSeen)
}

func TestMonitor_EdgeTriggeredTransitions(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var got []Transition
	m := NewMonitor(
		WithClock(clock.Now),
		WithTimeout(time.Minute),
		WithListener(func(tr Transition) {
			mu.Lock()
			got = append(got, tr)
			mu.Unlock()
		}),
	)

	m.RecordHeartbeat("dev", "online", seq(1))
	m.RecordHeartbeat("dev", "online", seq(2))
	assert.Empty(t, m.Sweep(), "no change while fresh")

	clock.Advance(2 * time.Minute)
	offline := m.Sweep()
	require.Len(t, offline, 1)
	assert.Equal(t, StatusOnline, offline[0].From)
	assert.Equal(t, StatusOffline, offline[0].To)
	assert.Empty(t, m.Sweep(), "offline edge reported once")

	m.RecordHeartbeat("dev", "online", seq(3))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	assert.Equal(t, Transition{DeviceID: "dev", From: StatusUnknown, To: StatusOnline, At: got[0].At}, got[0])
	assert.Equal(t, StatusOffline, got[1].To)
	assert.Equal(t, StatusOffline, got[2].From)
	assert.Equal(t, StatusOnline, got[2].To)
}

func TestMonitor_SweepDoesNotTouchCounters(t *testing.T) {
	clock := newFakeClock()
	m := NewMonitor(WithClock(clock.Now))
	m.RecordHeartbeat("dev", "online", seq(1))
	m.RecordHeartbeat("dev", "online", seq(20))
	before := m.Status("dev").Reliability

	clock.Advance(time.Hour)
	m.Sweep()
	assert.Equal(t, before, m.Status("dev").Reliability)
}

func TestMonitor_RecorderAnnotations(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	m := NewMonitor(WithClock(clock.Now), WithStatusRecorder(rec))

	m.RecordHeartbeat("dev", "busy", nil)
	clock.Advance(time.Hour)
	m.Sweep()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"busy", "offline"}, rec.statuses["dev"])
}

func TestMonitor_ReliabilityRatio(t *testing.T) {
	m := NewMonitor()
	m.RecordHeartbeat("dev", "online", seq(1))
	m.RecordHeartbeat("dev", "online", seq(12))
	ds := m.Status("dev")
	assert.Equal(t, uint64(10), ds.Reliability.Missed)
	assert.InDelta(t, 2.0/12.0, ds.Reliability.Ratio, 1e-9)
}

func TestMonitor_SnapshotSorted(t *testing.T) {
	m := NewMonitor()
	m.RecordHeartbeat("c", "online", nil)
	m.RecordHeartbeat("a", "online", nil)
	m.RecordHeartbeat("b", "online", nil)

	snap := m.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "a", snap[0].DeviceID)
	assert.Equal(t, "b", snap[1].DeviceID)
	assert.Equal(t, "c", snap[2].DeviceID)
}

func TestMonitor_ListenerMayReenter(t *testing.T) {
	var m *Monitor
	var seen DeviceStatus
	m = NewMonitor(WithListener(func(tr Transition) {
		seen = m.Status(tr.DeviceID)
	}))
	m.RecordHeartbeat("dev", "online", nil)
	assert.Equal(t, StatusOnline, seen.Status)
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	m := NewMonitor()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMonitor_ConcurrentHeartbeats(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for d := 0; d < 8; d++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := uint64(1); i <= 200; i++ {
				m.RecordHeartbeat(id, "online", seq(i))
			}
		}(string(rune('a' + d)))
	}
	wg.Wait()
	for _, ds := range m.Snapshot() {
		assert.Equal(t, uint64(200), ds.Reliability.Received)
		assert.Equal(t, uint64(0), ds.Reliability.Missed)
	}
}
