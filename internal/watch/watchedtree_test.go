package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicolagi/syncd/internal/tree"
)

// fakeSource is a test double for source: it never touches a real OS
// watch, just records calls and lets the test inject rawEvents, per the
// FsWatcher-interface testability pattern.
type fakeSource struct {
	mu      sync.Mutex
	nextWd  int32
	added   []string
	removed []int32
	events  chan rawEvent
	errors  chan error
}

func newFakeSource() *fakeSource {
	return &fakeSource{events: make(chan rawEvent, 16), errors: make(chan error, 1)}
}

func (f *fakeSource) AddWatch(path string) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextWd++
	f.added = append(f.added, path)
	return f.nextWd, nil
}

func (f *fakeSource) RemoveWatch(wd int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, wd)
	return nil
}

func (f *fakeSource) Close() error            { return nil }
func (f *fakeSource) Events() <-chan rawEvent { return f.events }
func (f *fakeSource) Errors() <-chan error    { return f.errors }

func newTestTree(t *testing.T, root string) (*WatchedTree, *fakeSource) {
	t.Helper()
	fs := newFakeSource()
	wt, err := newWatchedTree(root, tree.New(), fs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = wt.Close() })
	return wt, fs
}

func runFor(t *testing.T, wt *WatchedTree, out chan Event) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = wt.Run(ctx, out) }()
	return cancel
}

func recv(t *testing.T, out chan Event) Event {
	t.Helper()
	select {
	case ev := <-out:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestDirectoryCreateEmitsImmediatelyAndRegistersWatch(t *testing.T) {
	wt, fs := newTestTree(t, t.TempDir())
	out := make(chan Event, 8)
	defer runFor(t, wt, out)()

	rootWd := wt.byPath[""]
	fs.events <- rawEvent{Wd: rootWd, Name: "sub", Mask: maskCreate | maskIsDir}

	ev := recv(t, out)
	assert.Equal(t, CreateDir, ev.Kind)
	assert.Equal(t, "sub", ev.Path)

	deadline := time.Now().Add(time.Second)
	for {
		fs.mu.Lock()
		n := len(fs.added)
		fs.mu.Unlock()
		if n >= 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Contains(t, fs.added, wt.absPath("sub"))
}

func TestFileCreateWaitsForCloseWriteSettling(t *testing.T) {
	wt, fs := newTestTree(t, t.TempDir())
	fixedNow := time.Unix(1_700_000_000, 0)
	wt.now = func() time.Time { return fixedNow }
	out := make(chan Event, 8)
	defer runFor(t, wt, out)()

	rootWd := wt.byPath[""]
	fs.events <- rawEvent{Wd: rootWd, Name: "a.txt", Mask: maskCreate}
	ev := recv(t, out)
	assert.Equal(t, CreateFile, ev.Kind)

	fs.events <- rawEvent{Wd: rootWd, Name: "a.txt", Mask: maskCloseWrite}

	select {
	case ev := <-out:
		t.Fatalf("emitted before settling window elapsed: %+v", ev)
	case <-time.After(1200 * time.Millisecond):
	}

	wt.now = func() time.Time { return fixedNow.Add(6 * time.Second) }
	ev = recv(t, out)
	assert.Equal(t, CloseWrite, ev.Kind)
	assert.Equal(t, "a.txt", ev.Path)
}

func TestDeleteRemovesNodeAndEmits(t *testing.T) {
	wt, _ := newTestTree(t, t.TempDir())
	require.NoError(t, wt.tree.Add("a.txt", false, 1))
	out := make(chan Event, 8)
	defer runFor(t, wt, out)()

	rootWd := wt.byPath[""]
	fs := wt.src.(*fakeSource)
	fs.events <- rawEvent{Wd: rootWd, Name: "a.txt", Mask: maskDelete}

	ev := recv(t, out)
	assert.Equal(t, Delete, ev.Kind)
	assert.Equal(t, "a.txt", ev.Path)
	_, err := wt.tree.Walk("a.txt")
	assert.Error(t, err)
}

func TestMovedFromMovedToPairingByCookie(t *testing.T) {
	wt, _ := newTestTree(t, t.TempDir())
	require.NoError(t, wt.tree.Add("old.txt", false, 1))
	out := make(chan Event, 8)
	defer runFor(t, wt, out)()

	rootWd := wt.byPath[""]
	fs := wt.src.(*fakeSource)
	fs.events <- rawEvent{Wd: rootWd, Name: "old.txt", Mask: maskMovedFrom, Cookie: 42}
	fs.events <- rawEvent{Wd: rootWd, Name: "new.txt", Mask: maskMovedTo, Cookie: 42}

	ev := recv(t, out)
	assert.Equal(t, Move, ev.Kind)
	assert.Equal(t, "new.txt", ev.Path)
	assert.Equal(t, "old.txt", ev.Source)

	_, err := wt.tree.Walk("old.txt")
	assert.Error(t, err)
	node, err := wt.tree.Walk("new.txt")
	require.NoError(t, err)
	assert.False(t, node.IsDir)
}

func TestUnmatchedMovedToIsTreatedAsCreate(t *testing.T) {
	root := t.TempDir()
	wt, _ := newTestTree(t, root)
	writeFile(t, root, "arrived.txt", "hello")
	out := make(chan Event, 8)
	defer runFor(t, wt, out)()

	rootWd := wt.byPath[""]
	fs := wt.src.(*fakeSource)
	fs.events <- rawEvent{Wd: rootWd, Name: "arrived.txt", Mask: maskMovedTo, Cookie: 99}

	ev := recv(t, out)
	assert.Equal(t, CloseWrite, ev.Kind)
	assert.Equal(t, "arrived.txt", ev.Path)
}

func TestPendingMoveFromExpiresAsDelete(t *testing.T) {
	wt, _ := newTestTree(t, t.TempDir())
	require.NoError(t, wt.tree.Add("gone.txt", false, 1))
	fixedNow := time.Unix(1_700_000_000, 0)
	wt.now = func() time.Time { return fixedNow }
	out := make(chan Event, 8)
	defer runFor(t, wt, out)()

	rootWd := wt.byPath[""]
	fs := wt.src.(*fakeSource)
	fs.events <- rawEvent{Wd: rootWd, Name: "gone.txt", Mask: maskMovedFrom, Cookie: 7}

	select {
	case ev := <-out:
		t.Fatalf("emitted before TTL elapsed: %+v", ev)
	case <-time.After(1200 * time.Millisecond):
	}

	wt.now = func() time.Time { return fixedNow.Add(6 * time.Second) }
	ev := recv(t, out)
	assert.Equal(t, Delete, ev.Kind)
	assert.Equal(t, "gone.txt", ev.Path)
}

func TestFilteredPathIsIgnored(t *testing.T) {
	wt, _ := newTestTree(t, t.TempDir())
	out := make(chan Event, 8)
	defer runFor(t, wt, out)()

	wt.Filtered.Add("ours.txt")
	rootWd := wt.byPath[""]
	fs := wt.src.(*fakeSource)
	fs.events <- rawEvent{Wd: rootWd, Name: "ours.txt", Mask: maskCreate}

	select {
	case ev := <-out:
		t.Fatalf("filtered path should not have emitted: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestApplyMoveMirrorsServerOriginatedChange(t *testing.T) {
	wt, _ := newTestTree(t, t.TempDir())
	require.NoError(t, wt.tree.Add("src.txt", false, 1))

	require.NoError(t, wt.ApplyMove("src.txt", "dst.txt"))

	_, err := wt.tree.Walk("src.txt")
	assert.Error(t, err)
	node, err := wt.tree.Walk("dst.txt")
	require.NoError(t, err)
	assert.False(t, node.IsDir)
}

func writeFile(t *testing.T, root, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0o644))
}
