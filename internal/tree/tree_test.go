package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdd(t *testing.T) {
	t.Run("creates missing intermediate directories with the given mtime", func(t *testing.T) {
		tr := New()
		require.NoError(t, tr.Add("a/b/c.txt", false, 100))
		a, err := tr.Walk("a")
		require.NoError(t, err)
		assert.True(t, a.IsDir)
		assert.EqualValues(t, 100, a.MTime)
		b, err := tr.Walk("a/b")
		require.NoError(t, err)
		assert.True(t, b.IsDir)
		c, err := tr.Walk("a/b/c.txt")
		require.NoError(t, err)
		assert.False(t, c.IsDir)
		assert.EqualValues(t, 100, c.MTime)
	})
	t.Run("replaces an existing leaf", func(t *testing.T) {
		tr := New()
		require.NoError(t, tr.Add("f", false, 1))
		require.NoError(t, tr.Add("f", false, 2))
		f, err := tr.Walk("f")
		require.NoError(t, err)
		assert.EqualValues(t, 2, f.MTime)
	})
	t.Run("rejects invalid path components", func(t *testing.T) {
		tr := New()
		assert.ErrorIs(t, tr.Add("a/../b", false, 1), ErrInvalidPath)
		assert.ErrorIs(t, tr.Add("a/./b", false, 1), ErrInvalidPath)
		assert.ErrorIs(t, tr.Add("a//b", false, 1), ErrInvalidPath)
	})
	t.Run("rejects adding through a file", func(t *testing.T) {
		tr := New()
		require.NoError(t, tr.Add("f", false, 1))
		assert.ErrorIs(t, tr.Add("f/g", false, 1), ErrNotDir)
	})
}

func TestDelete(t *testing.T) {
	t.Run("removes the node", func(t *testing.T) {
		tr := New()
		require.NoError(t, tr.Add("a/b.txt", false, 1))
		require.NoError(t, tr.Delete("a/b.txt"))
		_, err := tr.Walk("a/b.txt")
		assert.ErrorIs(t, err, ErrNotFound)
	})
	t.Run("missing path is not an error", func(t *testing.T) {
		tr := New()
		assert.NoError(t, tr.Delete("nope"))
		assert.NoError(t, tr.Delete("a/b/c"))
	})
}

func TestMove(t *testing.T) {
	t.Run("relocates a subtree preserving contents", func(t *testing.T) {
		tr := New()
		require.NoError(t, tr.Add("u/x.txt", false, 42))
		require.NoError(t, tr.Add("v", true, 1))
		require.NoError(t, tr.Move("u", "v/u"))
		_, err := tr.Walk("u")
		assert.ErrorIs(t, err, ErrNotFound)
		moved, err := tr.Walk("v/u")
		require.NoError(t, err)
		assert.True(t, moved.IsDir)
		x, err := tr.Walk("v/u/x.txt")
		require.NoError(t, err)
		assert.EqualValues(t, 42, x.MTime)
	})
	t.Run("renames in place", func(t *testing.T) {
		tr := New()
		require.NoError(t, tr.Add("old.txt", false, 1))
		require.NoError(t, tr.Move("old.txt", "new.txt"))
		_, err := tr.Walk("old.txt")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = tr.Walk("new.txt")
		assert.NoError(t, err)
	})
	t.Run("errors when source is missing", func(t *testing.T) {
		tr := New()
		assert.Error(t, tr.Move("nope", "somewhere"))
	})
}

func TestEqual(t *testing.T) {
	a := New()
	a.Root.Children["x"] = NewFile(1)
	b := New()
	b.Root.Children["x"] = NewFile(1)
	assert.True(t, a.Root.Equal(b.Root))
	b.Root.Children["y"] = NewFile(2)
	assert.False(t, a.Root.Equal(b.Root))
}
