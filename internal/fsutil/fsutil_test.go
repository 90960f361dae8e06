package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomicReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "doc.json")
	require.NoError(t, WriteFileAtomic(path, []byte("one"), 0600))
	require.NoError(t, WriteFileAtomic(path, []byte("two"), 0600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "two", string(data))

	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestReadFileIfExistsMissing(t *testing.T) {
	data, err := ReadFileIfExists(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	require.Nil(t, data)
}
