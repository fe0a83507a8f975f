package tree

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScan(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0600))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("world"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".hidden"), []byte("x"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "partial.downtemp"), []byte("x"), 0600))

	tr, err := Scan(root)
	require.NoError(t, err)

	a, err := tr.Walk("a.txt")
	require.NoError(t, err)
	assert.False(t, a.IsDir)

	sub, err := tr.Walk("sub")
	require.NoError(t, err)
	assert.True(t, sub.IsDir)

	b, err := tr.Walk("sub/b.txt")
	require.NoError(t, err)
	assert.False(t, b.IsDir)

	_, err = tr.Walk(".hidden")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = tr.Walk("partial.downtemp")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInvisible(t *testing.T) {
	assert.True(t, Invisible(".syn_config.json"))
	assert.True(t, Invisible(".transh"))
	assert.True(t, Invisible("foo.downtemp"))
	assert.False(t, Invisible("foo.txt"))
	assert.False(t, Invisible("foo.downtemporary"))
}
