package nats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nordlight-io/cqres/es"
)

func TestES_Checkpoint(t *testing.T) {
	connectNATS := NewTestContainer(t)

	cp, err := NewCheckpointStore(CheckpointStoreConfig{
		Bucket:  "foo",
		Connect: connectNATS,
	})
	require.NoError(t, err)
	require.NotNil(t, cp)

	t.Run("global cursor", func(t *testing.T) {
		_, err := cp.Get("dummy", "")
		require.ErrorIs(t, err, es.ErrCheckpointNotFound)

		require.NoError(t, cp.Set("dummy", "", es.Checkpoint{LastSeq: 123}))

		got, err := cp.Get("dummy", "")
		require.NoError(t, err)
		require.Equal(t, uint64(123), got.LastSeq)
	})

	t.Run("per-stream cursor", func(t *testing.T) {
		_, err := cp.Get("my_project", "blog-1234")
		require.ErrorIs(t, err, es.ErrCheckpointNotFound)

		require.NoError(t, cp.Set("my_project", "blog-1234", es.Checkpoint{LastSeq: 123}))

		got, err := cp.Get("my_project", "blog-1234")
		require.NoError(t, err)
		require.Equal(t, uint64(123), got.LastSeq)
	})

	t.Run("skip-before watermark", func(t *testing.T) {
		watermark := time.Now()
		require.NoError(t, cp.Set("catchup", "", es.Checkpoint{LastSeq: 7, SkipBefore: watermark}))

		got, err := cp.Get("catchup", "")
		require.NoError(t, err)
		require.Equal(t, uint64(7), got.LastSeq)
		require.WithinDuration(t, watermark, got.SkipBefore, time.Second)
	})
}
