// Package credential stores device credentials as digests in a cuckoo
// filter. Membership in the filter is the only authentication decision; the
// per-device record kept alongside it is bookkeeping for status queries.
package credential

import (
	"crypto/sha256"
	"errors"
	"maps"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmcleod/devicegate/internal/util"
)

// Defaults for NewStore.
const (
	DefaultCapacity        = 1000
	DefaultBucketSize      = 2
	DefaultFingerprintBits = 16
	DefaultMaxKicks        = 500

	maxDeviceIDLength = 128
)

// Device statuses written by the store itself. Other components may record
// any status string through UpdateStatus.
const (
	StatusRegistered = "registered"
	StatusOnline     = "online"
	StatusOffline    = "offline"
)

var (
	// ErrStoreCapacityExceeded is returned when the filter cannot accept
	// another credential.
	ErrStoreCapacityExceeded = errors.New("credential store capacity exceeded")
	// ErrInvalidDeviceID is returned for empty or topic-unsafe device IDs.
	ErrInvalidDeviceID = errors.New("invalid device id")
	// ErrEmptySecret is returned when registering without a secret.
	ErrEmptySecret = errors.New("secret is required")
)

// Record is the bookkeeping kept for a registered device.
type Record struct {
	DeviceID       string         `json:"deviceId"`
	CredentialHash string         `json:"credentialHash"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	RegisteredAt   time.Time      `json:"registeredAt"`
	LastActive     time.Time      `json:"lastActive"`
	Status         string         `json:"status"`
}

// Store is a concurrency-safe credential store.
type Store struct {
	mu      sync.RWMutex
	filter  *cuckooFilter
	records map[string]*Record
	digests map[string]map[string]struct{}

	capacity        int
	bucketSize      int
	fingerprintBits int
	maxKicks        int
	now             func() time.Time
	logger          *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithCapacity sets the maximum number of credentials.
func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithBucketSize sets the number of fingerprint slots per bucket.
func WithBucketSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.bucketSize = n
		}
	}
}

// WithFingerprintBits sets the fingerprint width, between 4 and 16 bits.
// Narrower fingerprints raise the false-positive rate.
func WithFingerprintBits(n int) Option {
	return func(s *Store) {
		if n >= 4 && n <= 16 {
			s.fingerprintBits = n
		}
	}
}

// WithMaxKicks bounds the number of relocations attempted per insert.
func WithMaxKicks(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxKicks = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// NewStore creates an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		records:         make(map[string]*Record),
		digests:         make(map[string]map[string]struct{}),
		capacity:        DefaultCapacity,
		bucketSize:      DefaultBucketSize,
		fingerprintBits: DefaultFingerprintBits,
		maxKicks:        DefaultMaxKicks,
		now:             time.Now,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "credential"))
	s.filter = newCuckooFilter(s.capacity, s.bucketSize, s.fingerprintBits, s.maxKicks)
	return s
}

// ValidateDeviceID reports whether id can be used as a device identity and
// as a single MQTT topic level.
func ValidateDeviceID(id string) error {
	if id == "" || len(id) > maxDeviceIDLength {
		return ErrInvalidDeviceID
	}
	if strings.ContainsAny(id, "/+#\x00") {
		return ErrInvalidDeviceID
	}
	return nil
}

// Digest returns the credential digest for a device ID and secret. Both
// inputs are NFKD-normalised so visually identical secrets hash equally.
func Digest(deviceID, secret string) []byte {
	sum := sha256.Sum256([]byte(util.Normalize(deviceID) + ":" + util.Normalize(secret)))
	return sum[:]
}

// Register adds a credential. Registering the same pair again is a no-op.
// Registering a new secret for a known device adds a second credential;
// earlier secrets keep validating because the filter never forgets a
// member.
func (s *Store) Register(deviceID, secret string, metadata map[string]any) error {
	if err := ValidateDeviceID(deviceID); err != nil {
		return err
	}
	if secret == "" {
		return ErrEmptySecret
	}
	digest := Digest(deviceID, secret)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	known := s.digests[deviceID]
	if _, dup := known[string(digest)]; dup {
		rec := s.records[deviceID]
		if metadata != nil {
			rec.Metadata = maps.Clone(metadata)
		}
		return nil
	}
	if !s.filter.insert(digest) {
		s.logger.Warn("credential store full",
			zap.String("device_id", deviceID),
			zap.Int("count", s.filter.count),
			zap.Int("capacity", s.capacity))
		return ErrStoreCapacityExceeded
	}
	if known == nil {
		known = make(map[string]struct{}, 1)
		s.digests[deviceID] = known
	} else {
		s.logger.Info("additional credential registered",
			zap.String("device_id", deviceID),
			zap.Int("credentials", len(known)+1))
	}
	known[string(digest)] = struct{}{}

	rec, ok := s.records[deviceID]
	if !ok {
		rec = &Record{DeviceID: deviceID, RegisteredAt: now}
		s.records[deviceID] = rec
	}
	rec.CredentialHash = util.HexEncode(digest)
	rec.Metadata = maps.Clone(metadata)
	rec.LastActive = now
	rec.Status = StatusRegistered
	s.logger.Debug("credential registered", zap.String("device_id", deviceID))
	return nil
}

// Validate reports whether the pair is a member of the filter. Only the
// filter is consulted; unregistered pairs pass at the false-positive rate.
func (s *Store) Validate(deviceID, secret string) bool {
	if deviceID == "" || secret == "" {
		return false
	}
	digest := Digest(deviceID, secret)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter.contains(digest)
}

// UpdateStatus sets the status of a registered device and refreshes its
// last-active time. It returns false for unknown devices.
func (s *Store) UpdateStatus(deviceID, status string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[deviceID]
	if !ok {
		return false
	}
	rec.Status = status
	rec.LastActive = s.now()
	return true
}

// Info returns a copy of the device's record.
func (s *Store) Info(deviceID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[deviceID]
	if !ok {
		return Record{}, false
	}
	out := *rec
	out.Metadata = maps.Clone(rec.Metadata)
	return out, true
}

// Len returns the number of credentials held by the filter.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter.count
}

// Capacity returns the configured maximum number of credentials.
func (s *Store) Capacity() int {
	return s.capacity
}

// FalsePositiveRate returns the upper bound on the probability that an
// unregistered pair validates.
func (s *Store) FalsePositiveRate() float64 {
	return s.filter.falsePositiveBound()
}
