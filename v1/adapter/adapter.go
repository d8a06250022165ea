package adapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	warperrors "github.com/Borealin/pick-runner-action/v1/errors"
)

// Metadata describes who created a record. It is informational: the lock
// never trusts CreatedAtMs for expiry decisions.
type Metadata struct {
	WorkflowID  string `json:"workflow_id"`
	JobID       string `json:"job_id"`
	CreatedAtMs int64  `json:"created_at_ms"`
	ContentHash string `json:"content_hash"`
	// Holder identifies a single acquisition and is used for holder-scoped
	// deletes.
	Holder string `json:"holder"`
}

// Hash returns the hex SHA-256 of the metadata fields other than ContentHash.
func (m Metadata) Hash() string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%d\x00%s", m.WorkflowID, m.JobID, m.CreatedAtMs, m.Holder)))
	return hex.EncodeToString(h[:])
}

// Record is a named entry as stored by a RefStore.
type Record struct {
	Name     string
	Metadata Metadata
	// CreatedAt is assigned by the store when the record is created. It does
	// not depend on the clock of the client that created it.
	CreatedAt time.Time
}

// RefStore abstracts a shared namespace of records that supports atomic
// create-if-absent. It is the only synchronization primitive the lock relies
// on.
type RefStore interface {
	// Create atomically creates the record. It returns ErrAlreadyExists if and
	// only if a record with the same name already exists.
	Create(ctx context.Context, name string, meta Metadata) error
	// Delete removes the record. It returns ErrNotFound when there is nothing
	// to delete.
	Delete(ctx context.Context, name string) error
	// Read returns the record together with its authoritative creation time,
	// or ErrNotFound.
	Read(ctx context.Context, name string) (Record, error)
}

// CompareAndDeleter is implemented by stores that can delete a record only
// while it is still owned by the given holder. A record that is absent or
// owned by someone else yields ErrNotFound.
type CompareAndDeleter interface {
	CompareAndDelete(ctx context.Context, name, holder string) error
}

// InMemoryStore is a RefStore backed by a map. It is meant for tests and for
// coordinating goroutines of a single process.
type InMemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	records map[string]Record
}

// InMemoryOption configures an InMemoryStore.
type InMemoryOption func(*InMemoryStore)

// WithClock sets the function used to stamp record creation times.
func WithClock(now func() time.Time) InMemoryOption {
	return func(s *InMemoryStore) {
		s.now = now
	}
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore(opts ...InMemoryOption) *InMemoryStore {
	s := &InMemoryStore{now: time.Now, records: make(map[string]Record)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create implements RefStore.Create.
func (s *InMemoryStore) Create(ctx context.Context, name string, meta Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[name]; ok {
		return warperrors.ErrAlreadyExists
	}
	s.records[name] = Record{Name: name, Metadata: meta, CreatedAt: s.now()}
	return nil
}

// Delete implements RefStore.Delete.
func (s *InMemoryStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[name]; !ok {
		return warperrors.ErrNotFound
	}
	delete(s.records, name)
	return nil
}

// CompareAndDelete implements CompareAndDeleter.
func (s *InMemoryStore) CompareAndDelete(ctx context.Context, name, holder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	if !ok || rec.Metadata.Holder != holder {
		return warperrors.ErrNotFound
	}
	delete(s.records, name)
	return nil
}

// Read implements RefStore.Read.
func (s *InMemoryStore) Read(ctx context.Context, name string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	rec, ok := s.records[name]
	s.mu.Unlock()
	if !ok {
		return Record{}, warperrors.ErrNotFound
	}
	return rec, nil
}

// Names returns the names of all records currently stored.
func (s *InMemoryStore) Names() []string {
	s.mu.Lock()
	names := make([]string, 0, len(s.records))
	for n := range s.records {
		names = append(names, n)
	}
	s.mu.Unlock()
	return names
}
