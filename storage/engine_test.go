package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemEngineBasicOps(t *testing.T) {
	engine := NewMemEngine()
	require.NoError(t, engine.AddPartition(0))
	part, err := engine.Partition(0)
	require.NoError(t, err)

	require.NoError(t, part.Put([]byte("k"), []byte("v1")))
	v, err := part.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	require.NoError(t, part.Delete([]byte("k")))
	v, err = part.Get([]byte("k"))
	require.NoError(t, err)
	require.Nil(t, v)

	// Unknown partitions are an error, metadata partition always exists
	_, err = engine.Partition(7)
	require.Error(t, err)
	require.NotNil(t, engine.MetadataPartition())
}

func TestPebbleEngineBasicOps(t *testing.T) {
	engine, err := NewPebbleEngine(t.TempDir(), "mystore_v1")
	require.NoError(t, err)
	defer func() {
		require.NoError(t, engine.Close())
	}()

	require.NoError(t, engine.AddPartition(3))
	part, err := engine.Partition(3)
	require.NoError(t, err)

	require.NoError(t, part.Put([]byte("k"), []byte("v1")))
	v, err := part.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	// Batch mode: writes are visible through the indexed batch and survive
	// the commit
	require.NoError(t, part.BeginBatchWrite())
	require.NoError(t, part.Put([]byte("k2"), []byte("v2")))
	v, err = part.Get([]byte("k2"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v)
	require.NoError(t, part.EndBatchWrite())
	v, err = part.Get([]byte("k2"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v)

	_, err = part.Sync()
	require.NoError(t, err)

	require.NoError(t, part.PutWithReplicationMetadata([]byte("k3"), []byte("v3"), []byte("meta")))
	v, err = part.Get([]byte("k3"))
	require.NoError(t, err)
	require.Equal(t, []byte("v3"), v)

	// Keyspaces are partition scoped
	require.NoError(t, engine.AddPartition(4))
	other, err := engine.Partition(4)
	require.NoError(t, err)
	v, err = other.Get([]byte("k"))
	require.NoError(t, err)
	require.Nil(t, v)

	require.NoError(t, engine.DropPartition(3))
}
