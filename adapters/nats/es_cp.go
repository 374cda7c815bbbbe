package nats

import (
	"errors"
	"strings"

	"github.com/nordlight-io/cqres/es"
)

// CheckpointStoreConfig configures a NATS-backed es.CheckpointStore.
type CheckpointStoreConfig struct {
	Connect Connector
	Bucket  string
}

// CheckpointStore persists (processor, streamKey) checkpoints in a NATS KV
// bucket, so a consumer or saga resumes from where it left off across
// restarts.
type CheckpointStore struct {
	kv *KvStore[es.Checkpoint]
}

func NewCheckpointStore(cfg CheckpointStoreConfig) (*CheckpointStore, error) {
	kvs, err := NewKvStore[es.Checkpoint](KvConfig{
		Bucket:  cfg.Bucket,
		Connect: cfg.Connect,
	})
	if err != nil {
		return nil, err
	}
	return &CheckpointStore{kv: kvs}, nil
}

func (c *CheckpointStore) key(processor, streamKey string) string {
	k := "cp-" + processor
	if streamKey != "" {
		k += "-" + streamKey
	}
	return strings.ReplaceAll(k, ":", "-")
}

func (c *CheckpointStore) Get(processor, streamKey string) (es.Checkpoint, error) {
	v, err := c.kv.Get(c.key(processor, streamKey))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return es.Checkpoint{}, es.ErrCheckpointNotFound
		}
		return es.Checkpoint{}, err
	}
	return v, nil
}

func (c *CheckpointStore) Set(processor, streamKey string, cp es.Checkpoint) error {
	return c.kv.Set(c.key(processor, streamKey), cp)
}

var _ es.CheckpointStore = (*CheckpointStore)(nil)
