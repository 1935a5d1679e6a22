// Package heartbeat tracks device liveness and heartbeat sequence
// continuity.
//
// Online status is computed on demand from the last-seen time. Transitions
// between statuses are edge-triggered against the last status reported to
// listeners, both when a heartbeat arrives and on each Sweep.
package heartbeat

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Defaults for NewMonitor.
const (
	DefaultWindow  = 5
	DefaultTimeout = 30 * time.Second
)

// Status is a device's computed liveness.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusUnknown Status = "unknown"
)

// Outcome classifies a heartbeat's sequence number.
type Outcome string

const (
	OutcomeFirst       Outcome = "first"
	OutcomeInOrder     Outcome = "in_order"
	OutcomeOutOfOrder  Outcome = "out_of_order"
	OutcomeLoss        Outcome = "loss"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeUnsequenced Outcome = "unsequenced"
)

// Reliability holds a device's cumulative sequence counters.
type Reliability struct {
	Missed     uint64  `json:"missed"`
	OutOfOrder uint64  `json:"outOfOrder"`
	Duplicates uint64  `json:"duplicates"`
	Received   uint64  `json:"received"`
	Ratio      float64 `json:"ratio"`
}

// Result describes the effect of one recorded heartbeat.
type Result struct {
	Timestamp  time.Time `json:"timestamp"`
	Status     string    `json:"status"`
	Outcome    Outcome   `json:"outcome"`
	Missed     uint64    `json:"missed"`
	OutOfOrder uint64    `json:"outOfOrder"`
}

// DeviceStatus is a point-in-time view of one device.
type DeviceStatus struct {
	DeviceID       string      `json:"deviceId"`
	Status         Status      `json:"status"`
	LastSeen       time.Time   `json:"lastSeen,omitzero"`
	LastSequence   *uint64     `json:"lastSequence,omitempty"`
	ReportedStatus string      `json:"reportedStatus,omitempty"`
	Reliability    Reliability `json:"reliability"`
}

// Transition is a change in a device's computed status.
type Transition struct {
	DeviceID string
	From     Status
	To       Status
	At       time.Time
}

// Listener receives status transitions. It is called without the monitor's
// lock held and may call back into the monitor.
type Listener func(Transition)

// StatusRecorder receives the status reported with each heartbeat and each
// computed transition.
type StatusRecorder interface {
	UpdateStatus(deviceID, status string) bool
}

type deviceState struct {
	lastSeen    time.Time
	lastSeq     uint64
	hasSeq      bool
	missed      uint64
	outOfOrder  uint64
	duplicates  uint64
	received    uint64
	reported    string
	lastEmitted Status
}

// Monitor tracks heartbeat state per device.
type Monitor struct {
	mu      sync.Mutex
	devices map[string]*deviceState

	window    uint64
	timeout   time.Duration
	now       func() time.Time
	logger    *zap.Logger
	recorder  StatusRecorder
	listeners []Listener
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithWindow sets the sliding window size. A jump of less than window past
// the last sequence counts as out of order; a jump of window or more counts
// the skipped numbers as lost. With a window of 5, 1 then 5 is out of order
// and 5 then 10 loses 4.
func WithWindow(w int) Option {
	return func(m *Monitor) {
		if w > 0 {
			m.window = uint64(w)
		}
	}
}

// WithTimeout sets how long after the last heartbeat a device stays online.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) {
		m.logger = l
	}
}

// WithStatusRecorder annotates device records with heartbeat status.
func WithStatusRecorder(r StatusRecorder) Option {
	return func(m *Monitor) {
		m.recorder = r
	}
}

// WithListener registers a transition listener.
func WithListener(l Listener) Option {
	return func(m *Monitor) {
		m.listeners = append(m.listeners, l)
	}
}

// NewMonitor creates a Monitor.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		devices: make(map[string]*deviceState),
		window:  DefaultWindow,
		timeout: DefaultTimeout,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "heartbeat"))
	return m
}

// Timeout returns the online/offline threshold.
func (m *Monitor) Timeout() time.Duration {
	return m.timeout
}

// RecordHeartbeat records a heartbeat from deviceID. seq may be nil for
// heartbeats that carry no sequence number.
func (m *Monitor) RecordHeartbeat(deviceID, status string, seq *uint64) Result {
	if status == "" {
		status = string(StatusOnline)
	}
	now := m.now()

	m.mu.Lock()
	st, ok := m.devices[deviceID]
	outcome := OutcomeUnsequenced
	var gap uint64
	if !ok {
		st = &deviceState{lastEmitted: StatusUnknown}
		m.devices[deviceID] = st
	}
	if seq != nil {
		outcome, gap = m.advance(st, *seq)
	}
	st.lastSeen = now
	st.reported = status
	st.received++

	var transitions []Transition
	if st.lastEmitted != StatusOnline {
		transitions = append(transitions, Transition{DeviceID: deviceID, From: st.lastEmitted, To: StatusOnline, At: now})
		st.lastEmitted = StatusOnline
	}
	res := Result{
		Timestamp:  now,
		Status:     status,
		Outcome:    outcome,
		Missed:     st.missed,
		OutOfOrder: st.outOfOrder,
	}
	m.mu.Unlock()

	switch outcome {
	case OutcomeLoss:
		m.logger.Warn("heartbeat loss",
			zap.String("device_id", deviceID),
			zap.Uint64("gap", gap),
			zap.Uint64("missed_total", res.Missed))
	case OutcomeOutOfOrder:
		m.logger.Info("heartbeat jump within window",
			zap.String("device_id", deviceID),
			zap.Uint64("sequence", *seq))
	case OutcomeDuplicate:
		m.logger.Info("duplicate or late heartbeat",
			zap.String("device_id", deviceID),
			zap.Uint64("sequence", *seq))
	}

	if m.recorder != nil {
		m.recorder.UpdateStatus(deviceID, status)
	}
	m.emit(transitions)
	return res
}

// advance applies the sliding-window rules to st. It must be called with
// m.mu held and returns the outcome with the number of sequences lost.
func (m *Monitor) advance(st *deviceState, seq uint64) (Outcome, uint64) {
	if !st.hasSeq {
		st.lastSeq = seq
		st.hasSeq = true
		return OutcomeFirst, 0
	}
	switch {
	case seq <= st.lastSeq:
		st.duplicates++
		return OutcomeDuplicate, 0
	case seq == st.lastSeq+1:
		st.lastSeq = seq
		return OutcomeInOrder, 0
	case seq-st.lastSeq < m.window:
		st.outOfOrder++
		st.lastSeq = seq
		return OutcomeOutOfOrder, 0
	default:
		gap := seq - st.lastSeq - 1
		st.missed += gap
		st.lastSeq = seq
		return OutcomeLoss, gap
	}
}

// Status returns the computed status of deviceID. Devices never seen are
// reported as unknown.
func (m *Monitor) Status(deviceID string) DeviceStatus {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.devices[deviceID]
	if !ok {
		return DeviceStatus{DeviceID: deviceID, Status: StatusUnknown, Reliability: Reliability{Ratio: 1}}
	}
	return m.view(deviceID, st, now)
}

// Snapshot returns the status of every known device ordered by ID.
func (m *Monitor) Snapshot() []DeviceStatus {
	now := m.now()
	m.mu.Lock()
	out := make([]DeviceStatus, 0, len(m.devices))
	for id, st := range m.devices {
		out = append(out, m.view(id, st, now))
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b DeviceStatus) int { return strings.Compare(a.DeviceID, b.DeviceID) })
	return out
}

func (m *Monitor) view(id string, st *deviceState, now time.Time) DeviceStatus {
	ds := DeviceStatus{
		DeviceID:       id,
		Status:         m.compute(st, now),
		LastSeen:       st.lastSeen,
		ReportedStatus: st.reported,
		Reliability: Reliability{
			Missed:     st.missed,
			OutOfOrder: st.outOfOrder,
			Duplicates: st.duplicates,
			Received:   st.received,
			Ratio:      ratio(st.received, st.missed),
		},
	}
	if st.hasSeq {
		seq := st.lastSeq
		ds.LastSequence = &seq
	}
	return ds
}

func (m *Monitor) compute(st *deviceState, now time.Time) Status {
	if now.Sub(st.lastSeen) <= m.timeout {
		return StatusOnline
	}
	return StatusOffline
}

func ratio(received, missed uint64) float64 {
	if received+missed == 0 {
		return 1
	}
	return float64(received) / float64(received+missed)
}

// Sweep recomputes every device's status and emits a transition for each
// device whose status changed since it was last reported. Counters are not
// touched.
func (m *Monitor) Sweep() []Transition {
	now := m.now()
	var transitions []Transition
	m.mu.Lock()
	for id, st := range m.devices {
		cur := m.compute(st, now)
		if cur != st.lastEmitted {
			transitions = append(transitions, Transition{DeviceID: id, From: st.lastEmitted, To: cur, At: now})
			st.lastEmitted = cur
		}
	}
	m.mu.Unlock()

	slices.SortFunc(transitions, func(a, b Transition) int { return strings.Compare(a.DeviceID, b.DeviceID) })
	if m.recorder != nil {
		for _, tr := range transitions {
			m.recorder.UpdateStatus(tr.DeviceID, string(tr.To))
		}
	}
	m.emit(transitions)
	return transitions
}

// Run sweeps every interval and logs a reliability summary per device until
// ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.timeout / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
			m.logDashboard()
		}
	}
}

func (m *Monitor) logDashboard() {
	snap := m.Snapshot()
	online := 0
	for _, ds := range snap {
		if ds.Status == StatusOnline {
			online++
		}
		m.logger.Debug("device status",
			zap.String("device_id", ds.DeviceID),
			zap.String("status", string(ds.Status)),
			zap.Time("last_seen", ds.LastSeen),
			zap.Uint64("missed", ds.Reliability.Missed),
			zap.Uint64("out_of_order", ds.Reliability.OutOfOrder),
			zap.Uint64("duplicates", ds.Reliability.Duplicates),
			zap.Float64("reliability", ds.Reliability.Ratio))
	}
	m.logger.Info("device status check", zap.Int("devices", len(snap)), zap.Int("online", online))
}

func (m *Monitor) emit(transitions []Transition) {
	for _, tr := range transitions {
		m.logger.Info("device status changed",
			zap.String("device_id", tr.DeviceID),
			zap.String("from", string(tr.From)),
			zap.String("to", string(tr.To)))
		for _, l := range m.listeners {
			l(tr)
		}
	}
}
