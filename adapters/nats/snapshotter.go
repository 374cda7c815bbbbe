package nats

import (
	"context"
	"errors"
	"fmt"

	"github.com/nordlight-io/cqres/es"
)

// KeyValueSnapshotter is an es.Snapshotter backed by a JetStream key-value
// bucket, one entry per (objType, objID) pair.
type KeyValueSnapshotter struct {
	kv *KvStore[es.Snapshot]
}

// NewSnapshotter creates a new JetStream key-value-store based snapshotter.
func NewSnapshotter(cfg KvConfig) (*KeyValueSnapshotter, error) {
	kv, err := NewKvStore[es.Snapshot](cfg)
	if err != nil {
		return nil, err
	}
	return &KeyValueSnapshotter{kv: kv}, nil
}

func (s *KeyValueSnapshotter) key(objType, objID string) string {
	return fmt.Sprintf("%s.%s", objType, objID)
}

func (s *KeyValueSnapshotter) SaveSnapshot(_ context.Context, snapshot *es.Snapshot) error {
	return s.kv.Set(s.key(snapshot.ObjType, snapshot.ObjID), *snapshot)
}

func (s *KeyValueSnapshotter) LoadSnapshot(_ context.Context, objType, objID string) (*es.Snapshot, error) {
	v, err := s.kv.Get(s.key(objType, objID))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, es.ErrSnapshotNotFound
		}
		return nil, err
	}
	return &v, nil
}

var _ es.Snapshotter = (*KeyValueSnapshotter)(nil)
