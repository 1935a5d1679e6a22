// Package audit records security events in an append-only, hash-chained
// trail on top of a storage.Repository.
//
// Every entry carries the hash of its predecessor, so removing, reordering
// or editing a stored entry breaks the chain and is reported by Verify.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jmcleod/devicegate/internal/uuid"
	"github.com/jmcleod/devicegate/storage"
)

const (
	// DefaultBucket is the storage bucket used when none is configured.
	DefaultBucket = "audit"

	// GenesisHash is the previous-hash value of the first entry.
	GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

	entryRecordType = "EVENT"
	headRecordType  = "HEAD"
	headRecordID    = "chain"
)

// Event names a security-relevant occurrence.
type Event string

const (
	EventDeviceRegistered    Event = "device_registered"
	EventRegistrationFailed  Event = "registration_failed"
	EventAuthInitiated       Event = "auth_initiated"
	EventCredentialsAccepted Event = "credentials_accepted"
	EventCredentialsRejected Event = "credentials_rejected"
	EventOTKAccepted         Event = "otk_accepted"
	EventOTKRejected         Event = "otk_rejected"
	EventSessionExpired      Event = "session_expired"
	EventKeyLookup           Event = "key_lookup"
	EventKeyLookupDenied     Event = "key_lookup_denied"
	EventDecryptFailure      Event = "decrypt_failure"
	EventRateLimited         Event = "rate_limited"
	EventDeviceOffline       Event = "device_offline"
)

// Entry is one link of the chain.
type Entry struct {
	Seq       uint64 `json:"seq"`
	ID        string `json:"id"`
	Event     Event  `json:"event"`
	DeviceID  string `json:"device_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt string `json:"created_at"`
	PrevHash  string `json:"prev_hash"`
	Hash      string `json:"hash"`
}

// ChainHash computes the hash that links e to its successor.
func ChainHash(e Entry) string {
	h := sha256.New()
	for _, field := range []string{
		fmt.Sprintf("%d", e.Seq), e.ID, string(e.Event), e.DeviceID,
		e.SessionID, e.Detail, e.CreatedAt, e.PrevHash,
	} {
		// Length prefixes keep adjacent fields from running together.
		fmt.Fprintf(h, "%d:%s|", len(field), field)
	}
	return hex.EncodeToString(h.Sum(nil))
}

type head struct {
	Seq  uint64 `json:"seq"`
	Hash string `json:"hash"`
}

// Trail appends and reads chained audit entries.
type Trail struct {
	repo   storage.Repository
	bucket string
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Trail.
type Option func(*Trail)

// WithBucket stores the trail under a different bucket.
func WithBucket(bucket string) Option {
	return func(t *Trail) {
		if bucket != "" {
			t.bucket = bucket
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Trail) {
		t.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Trail) {
		t.logger = l
	}
}

// NewTrail returns a trail backed by repo.
func NewTrail(repo storage.Repository, opts ...Option) *Trail {
	t := &Trail{
		repo:   repo,
		bucket: DefaultBucket,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(zap.String("component", "audit"))
	return t
}

func entryKey(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

// Append adds an entry to the end of the chain.
func (t *Trail) Append(event Event, deviceID, sessionID, detail string) (Entry, error) {
	entry := Entry{
		ID:        uuid.New(),
		Event:     event,
		DeviceID:  deviceID,
		SessionID: sessionID,
		Detail:    detail,
		CreatedAt: t.now().UTC().Format(time.RFC3339Nano),
	}

	err := t.repo.Batch(t.bucket, func(tx storage.BatchTx) error {
		cur := head{Hash: GenesisHash}
		var version uint64
		rec, err := tx.Get(headRecordType, headRecordID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(rec.Data, &cur); err != nil {
				return fmt.Errorf("decoding chain head: %w", err)
			}
			version = rec.Version
		}

		entry.Seq = cur.Seq + 1
		entry.PrevHash = cur.Hash
		entry.Hash = ChainHash(entry)

		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := tx.Put(entryRecordType, entryKey(entry.Seq), &storage.Record{Data: data}); err != nil {
			return err
		}
		headData, err := json.Marshal(head{Seq: entry.Seq, Hash: entry.Hash})
		if err != nil {
			return err
		}
		return tx.PutCAS(headRecordType, headRecordID, version, &storage.Record{Data: headData, Version: version + 1})
	})
	if err != nil {
		t.logger.Error("audit append failed", zap.String("event", string(event)), zap.Error(err))
		return Entry{}, fmt.Errorf("appending audit entry: %w", err)
	}
	return entry, nil
}

// Entries returns the whole chain in append order.
func (t *Trail) Entries() ([]Entry, error) {
	ids, err := t.repo.List(t.bucket, entryRecordType)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		rec, err := t.repo.Get(t.bucket, entryRecordType, id)
		if err != nil {
			return nil, fmt.Errorf("reading audit entry %s: %w", id, err)
		}
		var e Entry
		if err := json.Unmarshal(rec.Data, &e); err != nil {
			return nil, fmt.Errorf("decoding audit entry %s: %w", id, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// List returns entries newest first, optionally filtered by device. A
// non-positive limit returns every match.
func (t *Trail) List(deviceID string, limit int) ([]Entry, error) {
	all, err := t.Entries()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0)
	for i := len(all) - 1; i >= 0; i-- {
		if deviceID != "" && all[i].DeviceID != deviceID {
			continue
		}
		out = append(out, all[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Export is the portable form of a trail, verifiable offline.
type Export struct {
	Bucket     string  `json:"bucket"`
	ExportedAt string  `json:"exported_at"`
	Entries    []Entry `json:"entries"`
}

// Export snapshots the full chain.
func (t *Trail) Export() (Export, error) {
	entries, err := t.Entries()
	if err != nil {
		return Export{}, err
	}
	return Export{
		Bucket:     t.bucket,
		ExportedAt: t.now().UTC().Format(time.RFC3339Nano),
		Entries:    entries,
	}, nil
}
