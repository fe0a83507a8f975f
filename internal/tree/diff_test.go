package tree

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paths(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Path
	}
	sort.Strings(out)
	return out
}

func TestDiffAddsAndDeletes(t *testing.T) {
	local := New()
	require.NoError(t, local.Add("only-local.txt", false, 1))
	require.NoError(t, local.Add("shared/keep.txt", false, 1))

	remote := New()
	require.NoError(t, remote.Add("only-remote.txt", false, 1))
	require.NoError(t, remote.Add("shared/keep.txt", false, 1))

	diff := local.Diff(remote)
	assert.Equal(t, []string{"only-local.txt"}, paths(diff.LocalAdds))
	assert.Equal(t, []string{"only-remote.txt"}, paths(diff.RemoteAdds))
	assert.Empty(t, diff.NewerLocal)
	assert.Empty(t, diff.NewerRemote)
}

func TestDiffNewerWins(t *testing.T) {
	local := New()
	require.NoError(t, local.Add("f.txt", false, 200))
	remote := New()
	require.NoError(t, remote.Add("f.txt", false, 100))

	diff := local.Diff(remote)
	assert.Equal(t, []string{"f.txt"}, paths(diff.NewerLocal))
	assert.Empty(t, diff.NewerRemote)

	diff2 := remote.Diff(local)
	assert.Equal(t, []string{"f.txt"}, paths(diff2.NewerRemote))
	assert.Empty(t, diff2.NewerLocal)
}

func TestDiffEqualMtimeIsNotReported(t *testing.T) {
	local := New()
	require.NoError(t, local.Add("f.txt", false, 100))
	remote := New()
	require.NoError(t, remote.Add("f.txt", false, 100))
	diff := local.Diff(remote)
	assert.Empty(t, diff.NewerLocal)
	assert.Empty(t, diff.NewerRemote)
	assert.Empty(t, diff.LocalAdds)
	assert.Empty(t, diff.RemoteAdds)
}

func TestDiffRecursesIntoOneSidedDirectories(t *testing.T) {
	local := New()
	require.NoError(t, local.Add("d", true, 1))
	require.NoError(t, local.Add("d/a.txt", false, 1))
	require.NoError(t, local.Add("d/sub", true, 1))
	require.NoError(t, local.Add("d/sub/b.txt", false, 1))
	remote := New()

	diff := local.Diff(remote)
	assert.ElementsMatch(t, []string{"d", "d/a.txt", "d/sub", "d/sub/b.txt"}, paths(diff.LocalAdds))
}

// TestDiffSetsAreDisjoint checks that the four sets never share a path.
func TestDiffSetsAreDisjoint(t *testing.T) {
	local := New()
	require.NoError(t, local.Add("only-local.txt", false, 1))
	require.NoError(t, local.Add("newer-local.txt", false, 200))
	require.NoError(t, local.Add("newer-remote.txt", false, 1))
	remote := New()
	require.NoError(t, remote.Add("only-remote.txt", false, 1))
	require.NoError(t, remote.Add("newer-local.txt", false, 1))
	require.NoError(t, remote.Add("newer-remote.txt", false, 200))

	diff := local.Diff(remote)
	seen := make(map[string]int)
	for _, set := range [][]Entry{diff.RemoteAdds, diff.LocalAdds, diff.NewerRemote, diff.NewerLocal} {
		for _, e := range set {
			seen[e.Path]++
		}
	}
	for path, count := range seen {
		assert.Equalf(t, 1, count, "path %q appeared in %d diff sets", path, count)
	}
}

func TestDiffSkipsTypeMismatch(t *testing.T) {
	local := New()
	require.NoError(t, local.Add("x", false, 1))
	remote := New()
	require.NoError(t, remote.Add("x", true, 1))
	diff := local.Diff(remote)
	assert.Empty(t, diff.LocalAdds)
	assert.Empty(t, diff.RemoteAdds)
	assert.Empty(t, diff.NewerLocal)
	assert.Empty(t, diff.NewerRemote)
}

func TestDiffCaseSensitiveNamesAreDistinct(t *testing.T) {
	local := New()
	require.NoError(t, local.Add("File.txt", false, 1))
	remote := New()
	require.NoError(t, remote.Add("file.txt", false, 1))
	diff := local.Diff(remote)
	assert.Equal(t, []string{"File.txt"}, paths(diff.LocalAdds))
	assert.Equal(t, []string{"file.txt"}, paths(diff.RemoteAdds))
}
