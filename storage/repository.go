// Package storage provides the persistence abstraction for the security
// audit trail.
//
// Records are grouped into buckets and addressed by record type and ID.
// Listing returns IDs in ascending byte order, so callers that need an
// ordered log encode a sortable sequence into the ID.
package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// Record is an opaque stored value. Version is maintained by callers that
// use PutCAS.
type Record struct {
	Data    []byte `json:"data"`
	Version uint64 `json:"version,omitempty"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{Data: append([]byte(nil), r.Data...), Version: r.Version}
}

// BatchTx provides reads and writes within one atomic transaction. The
// bucket is scoped to the batch.
type BatchTx interface {
	Get(recordType, recordID string) (*Record, error)
	Put(recordType, recordID string, rec *Record) error
	PutCAS(recordType, recordID string, expectedVersion uint64, rec *Record) error
	Delete(recordType, recordID string) error
}

// Repository defines record storage.
type Repository interface {
	Put(bucket, recordType, recordID string, rec *Record) error
	Get(bucket, recordType, recordID string) (*Record, error)
	Delete(bucket, recordType, recordID string) error
	List(bucket, recordType string) ([]string, error)
	// PutCAS writes rec only if the stored version equals expectedVersion.
	// An expectedVersion of zero requires that no record exists.
	PutCAS(bucket, recordType, recordID string, expectedVersion uint64, rec *Record) error
	// Batch runs fn in one transaction; if fn returns an error no write is
	// applied.
	Batch(bucket string, fn func(tx BatchTx) error) error
	Close() error
}
