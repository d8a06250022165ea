package adapter

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	nats "github.com/nats-io/nats.go"

	warperrors "github.com/Borealin/pick-runner-action/v1/errors"
)

const (
	defaultNATSBucket    = "pick-runner-refs"
	defaultNATSOpTimeout = 5 * time.Second
)

// NATSStore implements RefStore on a JetStream key-value bucket. The entry
// creation time is the timestamp the JetStream server assigns to the message.
type NATSStore struct {
	kv nats.KeyValue
}

// NATSOption configures a NATSStore.
type NATSOption func(*natsStoreOptions)

type natsStoreOptions struct {
	bucket  string
	timeout time.Duration
}

// WithNATSBucket sets the key-value bucket, created when missing.
func WithNATSBucket(name string) NATSOption {
	return func(o *natsStoreOptions) {
		o.bucket = name
	}
}

// WithNATSTimeout sets the maximum wait of every JetStream request.
func WithNATSTimeout(d time.Duration) NATSOption {
	return func(o *natsStoreOptions) {
		o.timeout = d
	}
}

// NewNATSStore binds (or creates) the bucket on conn.
func NewNATSStore(conn *nats.Conn, opts ...NATSOption) (*NATSStore, error) {
	o := natsStoreOptions{bucket: defaultNATSBucket, timeout: defaultNATSOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	js, err := conn.JetStream(nats.MaxWait(o.timeout))
	if err != nil {
		return nil, fmt.Errorf("nats store: jetstream: %w", err)
	}
	kv, err := js.KeyValue(o.bucket)
	if stdErrors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      o.bucket,
			Description: "pick-runner lock records",
			History:     1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("nats store: bucket %s: %w", o.bucket, natsErr(err))
	}
	return &NATSStore{kv: kv}, nil
}

// Create implements RefStore.Create.
func (s *NATSStore) Create(ctx context.Context, name string, meta Metadata) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if _, err := s.kv.Create(natsKey(name), data); err != nil {
		if stdErrors.Is(err, nats.ErrKeyExists) {
			return warperrors.ErrAlreadyExists
		}
		return natsErr(err)
	}
	return nil
}

// Delete implements RefStore.Delete.
func (s *NATSStore) Delete(ctx context.Context, name string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	key := natsKey(name)
	if _, err := s.kv.Get(key); err != nil {
		return natsErr(err)
	}
	return natsErr(s.kv.Delete(key))
}

// CompareAndDelete implements CompareAndDeleter. The delete is conditioned on
// the revision that was read, so a record replaced in between survives.
func (s *NATSStore) CompareAndDelete(ctx context.Context, name, holder string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	key := natsKey(name)
	entry, err := s.kv.Get(key)
	if err != nil {
		return natsErr(err)
	}
	var meta Metadata
	if err := json.Unmarshal(entry.Value(), &meta); err != nil || meta.Holder != holder {
		return warperrors.ErrNotFound
	}
	err = s.kv.Delete(key, nats.LastRevision(entry.Revision()))
	if stdErrors.Is(err, nats.ErrKeyExists) {
		return warperrors.ErrNotFound
	}
	return natsErr(err)
}

// Read implements RefStore.Read.
func (s *NATSStore) Read(ctx context.Context, name string) (Record, error) {
	if err := ctxErr(ctx); err != nil {
		return Record{}, err
	}
	entry, err := s.kv.Get(natsKey(name))
	if err != nil {
		return Record{}, natsErr(err)
	}
	rec := Record{Name: name, CreatedAt: entry.Created()}
	if err := json.Unmarshal(entry.Value(), &rec.Metadata); err != nil {
		return Record{}, fmt.Errorf("decode metadata for %s: %w", name, err)
	}
	return rec, nil
}

// natsKey maps a record name onto the key alphabet of JetStream key-value
// buckets. Bytes outside [-/_A-Za-z0-9] are written as =XX.
func natsKey(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '-', c == '/', c == '_':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "=%02X", c)
		}
	}
	return b.String()
}

func natsErr(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, nats.ErrKeyNotFound):
		return warperrors.ErrNotFound
	case stdErrors.Is(err, nats.ErrTimeout), stdErrors.Is(err, context.DeadlineExceeded):
		return warperrors.ErrTimeout
	case stdErrors.Is(err, nats.ErrConnectionClosed):
		return warperrors.ErrConnectionClosed
	}
	return err
}
