package store

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskStore(t *testing.T) {
	t.Run("you get what you put", func(t *testing.T) {
		s := NewDiskStore(t.TempDir())
		require.NoError(t, s.Put("7/000000000000001", Value("hello")))
		v, err := s.Get("7/000000000000001")
		require.NoError(t, err)
		assert.Equal(t, Value("hello"), v)
	})
	t.Run("missing key is ErrNotFound", func(t *testing.T) {
		s := NewDiskStore(t.TempDir())
		_, err := s.Get("nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
	t.Run("does not get a deleted key", func(t *testing.T) {
		s := NewDiskStore(t.TempDir())
		require.NoError(t, s.Put("k", Value("v")))
		require.NoError(t, s.Delete("k"))
		_, err := s.Get("k")
		assert.ErrorIs(t, err, ErrNotFound)
	})
	t.Run("delete of inexistent key gives ErrNotFound", func(t *testing.T) {
		s := NewDiskStore(t.TempDir())
		assert.ErrorIs(t, s.Delete("nope"), ErrNotFound)
	})
	t.Run("contains reflects puts and deletes", func(t *testing.T) {
		s := NewDiskStore(t.TempDir())
		ok, err := s.Contains("k")
		require.NoError(t, err)
		assert.False(t, ok)
		require.NoError(t, s.Put("k", Value("v")))
		ok, err = s.Contains("k")
		require.NoError(t, err)
		assert.True(t, ok)
	})
	t.Run("forEach visits every key in order, ignoring temp files", func(t *testing.T) {
		s := NewDiskStore(t.TempDir())
		require.NoError(t, s.Put("3/a", Value("1")))
		require.NoError(t, s.Put("3/b", Value("2")))
		require.NoError(t, s.Put("7/a", Value("3")))
		var seen []Key
		require.NoError(t, s.ForEach(func(k Key) error {
			seen = append(seen, k)
			return nil
		}))
		if diff := cmp.Diff([]Key{"3/a", "3/b", "7/a"}, seen); diff != "" {
			t.Errorf("keys mismatch (-want +got):\n%s", diff)
		}
	})
	t.Run("forEach can delete each key as it goes, draining the store", func(t *testing.T) {
		s := NewDiskStore(t.TempDir())
		require.NoError(t, s.Put("1/a", Value("1")))
		require.NoError(t, s.Put("1/b", Value("2")))
		require.NoError(t, s.ForEach(func(k Key) error {
			return s.Delete(k)
		}))
		ok, err := s.Contains("1/a")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
