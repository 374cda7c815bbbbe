package nats

import (
	"errors"
	"time"

	"github.com/nordlight-io/cqres/idem"
)

// kvIdemEntry is the JSON shape actually stored in the bucket: the record
// plus an expiry, mirroring idem.InMemoryStore's private entry type since a
// JetStream KV bucket has no per-key TTL override of its own.
type kvIdemEntry struct {
	Record  idem.Record
	Expires time.Time
}

// KeyValueIdemStore is an idem.Store backed by a JetStream key-value bucket,
// one entry per idempotency key.
type KeyValueIdemStore struct {
	kv *KvStore[kvIdemEntry]
}

// NewIdemStore creates a new JetStream key-value-store based idem.Store.
func NewIdemStore(cfg KvConfig) (*KeyValueIdemStore, error) {
	kv, err := NewKvStore[kvIdemEntry](cfg)
	if err != nil {
		return nil, err
	}
	return &KeyValueIdemStore{kv: kv}, nil
}

func (s *KeyValueIdemStore) Has(key string) (bool, error) {
	e, err := s.kv.Get(key)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	if !e.Expires.IsZero() && time.Now().After(e.Expires) {
		return false, nil
	}
	return true, nil
}

func (s *KeyValueIdemStore) Store(key string, rec idem.Record, ttl time.Duration) error {
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	return s.kv.Set(key, kvIdemEntry{Record: rec, Expires: expires})
}

var _ idem.Store = (*KeyValueIdemStore)(nil)
