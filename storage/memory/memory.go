// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"slices"
	"strings"
	"sync"

	"github.com/jmcleod/devicegate/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Record
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Record)}
}

func makeKey(recordType, recordID string) string {
	return recordType + ":" + recordID
}

func (r *Repository) Put(bucket, recordType, recordID string, rec *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(bucket, recordType, recordID, rec)
}

func (r *Repository) putLocked(bucket, recordType, recordID string, rec *storage.Record) error {
	if _, ok := r.data[bucket]; !ok {
		r.data[bucket] = make(map[string]*storage.Record)
	}
	r.data[bucket][makeKey(recordType, recordID)] = rec.Clone()
	return nil
}

func (r *Repository) Get(bucket, recordType, recordID string) (*storage.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(bucket, recordType, recordID)
}

func (r *Repository) getLocked(bucket, recordType, recordID string) (*storage.Record, error) {
	rec, ok := r.data[bucket][makeKey(recordType, recordID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *Repository) List(bucket, recordType string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	prefix := recordType + ":"
	for k := range r.data[bucket] {
		if id, ok := strings.CutPrefix(k, prefix); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (r *Repository) Delete(bucket, recordType, recordID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(bucket, recordType, recordID)
}

func (r *Repository) deleteLocked(bucket, recordType, recordID string) error {
	k := makeKey(recordType, recordID)
	if _, ok := r.data[bucket][k]; !ok {
		return storage.ErrNotFound
	}
	delete(r.data[bucket], k)
	return nil
}

func (r *Repository) PutCAS(bucket, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putCASLocked(bucket, recordType, recordID, expectedVersion, rec)
}

func (r *Repository) putCASLocked(bucket, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	existing, err := r.getLocked(bucket, recordType, recordID)
	if err != nil {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		return r.putLocked(bucket, recordType, recordID, rec)
	}
	if expectedVersion == 0 || existing.Version != expectedVersion {
		return storage.ErrCASFailed
	}
	return r.putLocked(bucket, recordType, recordID, rec)
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (r *Repository) Batch(bucket string, fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.snapshotBucket(bucket)

	tx := &memoryBatchTx{repo: r, bucket: bucket}
	if err := fn(tx); err != nil {
		r.restoreBucket(bucket, snapshot)
		return err
	}
	return nil
}

// Close is a no-op.
func (r *Repository) Close() error { return nil }

func (r *Repository) snapshotBucket(bucket string) map[string]*storage.Record {
	original, ok := r.data[bucket]
	if !ok {
		return nil
	}
	cp := make(map[string]*storage.Record, len(original))
	for k, v := range original {
		cp[k] = v.Clone()
	}
	return cp
}

func (r *Repository) restoreBucket(bucket string, snapshot map[string]*storage.Record) {
	if snapshot == nil {
		delete(r.data, bucket)
	} else {
		r.data[bucket] = snapshot
	}
}

type memoryBatchTx struct {
	repo   *Repository
	bucket string
}

func (tx *memoryBatchTx) Get(recordType, recordID string) (*storage.Record, error) {
	return tx.repo.getLocked(tx.bucket, recordType, recordID)
}

func (tx *memoryBatchTx) Put(recordType, recordID string, rec *storage.Record) error {
	return tx.repo.putLocked(tx.bucket, recordType, recordID, rec)
}

func (tx *memoryBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	return tx.repo.putCASLocked(tx.bucket, recordType, recordID, expectedVersion, rec)
}

func (tx *memoryBatchTx) Delete(recordType, recordID string) error {
	return tx.repo.deleteLocked(tx.bucket, recordType, recordID)
}
