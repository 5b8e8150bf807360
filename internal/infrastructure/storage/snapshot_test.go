package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSnapshotStore_RoundTrip(t *testing.T) {
	store, err := NewFileSnapshotStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save("ledger.json", []byte(`{"positions":[]}`)))

	data, err := store.Load("ledger.json")
	require.NoError(t, err)
	assert.Equal(t, `{"positions":[]}`, string(data))
}

func TestFileSnapshotStore_MissingBlobIsNil(t *testing.T) {
	store, err := NewFileSnapshotStore(t.TempDir())
	require.NoError(t, err)

	data, err := store.Load("nope.json")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestFileSnapshotStore_OverwriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileSnapshotStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Save("ledger.json", []byte("v1")))
	require.NoError(t, store.Save("ledger.json", []byte("v2")))

	data, err := store.Load("ledger.json")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not survive the rename")
	assert.Equal(t, "ledger.json", entries[0].Name())
	assert.Equal(t, "ledger.json", filepath.Base(entries[0].Name()))
}
