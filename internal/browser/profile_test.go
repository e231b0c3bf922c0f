package browser

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfile_RoundTripSkipsCaches(t *testing.T) {
	src := t.TempDir()
	write := func(rel, data string) {
		path := filepath.Join(src, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
		require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	}
	write("Default/IndexedDB/https_web.whatsapp.com_0.indexeddb.leveldb/000005.ldb", "keys")
	write("Default/Local Storage/leveldb/CURRENT", "MANIFEST-000001")
	write("Default/Cache/Cache_Data/data_0", "cached")
	write("Default/Code Cache/js/index", "compiled")
	write("SingletonLock", "host-123")

	blob, err := packProfile(src)
	require.NoError(t, err)

	dst := t.TempDir()
	require.NoError(t, unpackProfile(blob, dst))

	data, err := os.ReadFile(filepath.Join(dst, "Default", "IndexedDB", "https_web.whatsapp.com_0.indexeddb.leveldb", "000005.ldb"))
	require.NoError(t, err)
	assert.Equal(t, "keys", string(data))

	_, err = os.Stat(filepath.Join(dst, "Default", "Local Storage", "leveldb", "CURRENT"))
	assert.NoError(t, err)

	for _, skipped := range []string{"Default/Cache", "Default/Code Cache", "SingletonLock"} {
		_, err := os.Stat(filepath.Join(dst, filepath.FromSlash(skipped)))
		assert.True(t, os.IsNotExist(err), "%s should not be archived", skipped)
	}
}

func TestUnpackProfile_RejectsTraversal(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../escape", Mode: 0o600, Size: 1, Typeflag: tar.TypeReg}))
	_, err := tw.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	err = unpackProfile(buf.Bytes(), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")
}

func TestUnpackProfile_RejectsGarbage(t *testing.T) {
	assert.Error(t, unpackProfile([]byte("not an archive"), t.TempDir()))
}
