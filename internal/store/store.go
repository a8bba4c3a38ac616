package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"regexp"

	"github.com/n3tuk/lfs-lock-service/internal/model"
)

var (
	// ErrKeyExists is returned by Create when a record with the same id is
	// already stored. It is the only signal of a lost create race.
	ErrKeyExists = errors.New("key already exists")

	// ErrKeyNotFound is returned by Get when no record is stored for the id.
	ErrKeyNotFound = errors.New("key not found")

	// ErrIncompleteRecord is returned by Get when a record exists but holds
	// no content, such as a lock file left empty by a crash during Create.
	ErrIncompleteRecord = errors.New("lock record is incomplete")
)

// Store holds the lock records of a single repository, keyed by lock id.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create inserts rec under rec.ID. It fails with ErrKeyExists when the
	// id is already present and never overwrites an existing record.
	Create(ctx context.Context, rec *model.Record) error

	// Get returns the record stored under id, or ErrKeyNotFound.
	Get(ctx context.Context, id string) (*model.Record, error)

	// Delete removes the record stored under id.
	// Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error

	// List enumerates the stored records. The sequence is lazy and may be
	// ranged over again to re-read the store. A non-nil error ends the
	// enumeration.
	List(ctx context.Context) iter.Seq2[*model.Record, error]

	// Count returns the number of stored records.
	Count(ctx context.Context) (int64, error)
}

// Provider opens the per-repository stores of one storage backend.
type Provider interface {
	// Backend returns the name of the storage backend.
	Backend() string

	// Open returns the store for the named repository scope. Repeated calls
	// for the same scope return a store sharing the same records.
	Open(ctx context.Context, scope string) (Store, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Stats returns current statistics about the backend.
	Stats(ctx context.Context) (*StoreStats, error)

	// Close releases the backend. Stores opened from it must not be used
	// afterwards.
	Close(ctx context.Context) error
}

// StoreStats represents statistics about a storage backend.
type StoreStats struct {
	// Backend is the name of the storage backend.
	Backend string

	// Scopes is the number of repository scopes opened so far.
	Scopes int

	// ClusterMembers is the number of active members in the cluster.
	// Backends without clustering report a single member.
	ClusterMembers int

	// PartitionCount is the total number of partitions in the cluster.
	PartitionCount int

	// BackupCount is the number of backup replicas for partitions.
	BackupCount int

	// ReplicationFactor is the number of copies of each partition.
	ReplicationFactor int
}

// HealthScope is the reserved scope used by storage health checks.
const HealthScope = "_health"

var (
	keyPattern   = regexp.MustCompile(`^[A-Za-z0-9_=-]+$`)
	scopePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
)

// validKey reports whether id can be a derived lock id. Anything else
// cannot be stored and is treated as absent.
func validKey(id string) bool {
	return keyPattern.MatchString(id)
}

func validateScope(scope string) error {
	if scope == "." || scope == ".." || !scopePattern.MatchString(scope) {
		return fmt.Errorf("invalid store scope %q", scope)
	}
	return nil
}

func encodeRecord(rec *model.Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode lock record: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte) (*model.Record, error) {
	var rec model.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode lock record: %w", err)
	}
	if rec.ID == "" || rec.Path == "" {
		return nil, fmt.Errorf("lock record is missing id or path")
	}
	return &rec, nil
}

func cloneRecord(rec *model.Record) *model.Record {
	out := &model.Record{Lock: *rec.ToLock()}
	if rec.Ref != nil {
		out.Ref = &model.Ref{Name: rec.Ref.Name}
	}
	return out
}
