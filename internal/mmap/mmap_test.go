package mmap

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello mmap"), 0o600))

	m, err := Open(path)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, "hello mmap", string(m.Bytes()))
	assert.Equal(t, int64(10), m.Size())
	require.NoError(t, m.Advise(AccessRandom))

	buf := make([]byte, 4)
	n, err := m.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "mmap", string(buf[:n]))

	n, err = m.ReadAt(buf, 8)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 2, n)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestOpenEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.bin")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	m, err := Open(path)
	require.NoError(t, err)
	assert.Empty(t, m.Bytes())
	require.NoError(t, m.Close())
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
