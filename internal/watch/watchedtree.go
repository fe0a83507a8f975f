package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nicolagi/syncd/internal/tree"
)

// settleWindow is the quiet period a regular file must observe, after
// its last write, before its content is considered stable enough to
// ship, and the TTL a PendingMoveFrom is allowed to wait for its
// matching MOVED_TO.
const settleWindow = 5 * time.Second

// handle is one entry of the watch-handle-to-node map. Go's garbage
// collector gives every FileNode a stable identity for as long as
// anything references it, so this package holds the node pointer
// directly rather than an arena index.
type handle struct {
	path string // tree-relative path, "" for the watched root
	node *tree.FileNode
}

// WatchedTree wraps a *tree.Tree with a live OS watch per directory, the
// handle-to-node map, the cross-rename pairing state machine, and the
// close-write settling set.
type WatchedTree struct {
	root string
	src  source

	mu      sync.Mutex
	tree    *tree.Tree
	handles map[int32]*handle
	byPath  map[string]int32

	pending *pendingMoves
	closing map[string]time.Time

	// Filtered holds paths the engine is itself writing; events on them
	// are discarded by Run. Exported because the client engine populates
	// and clears it around its own filesystem writes.
	Filtered *filteredSet

	now func() time.Time
}

// NewWatchedTree scans root and registers a watch on every directory
// within it.
func NewWatchedTree(root string) (*WatchedTree, error) {
	t, err := tree.Scan(root)
	if err != nil {
		return nil, err
	}
	src, err := newSource()
	if err != nil {
		return nil, err
	}
	return newWatchedTree(root, t, src)
}

func newWatchedTree(root string, t *tree.Tree, src source) (*WatchedTree, error) {
	wt := &WatchedTree{
		root:     root,
		src:      src,
		tree:     t,
		handles:  make(map[int32]*handle),
		byPath:   make(map[string]int32),
		pending:  newPendingMoves(),
		closing:  make(map[string]time.Time),
		Filtered: newFilteredSet(),
		now:      time.Now,
	}
	if err := wt.registerSubtree("", t.Root); err != nil {
		_ = src.Close()
		return nil, err
	}
	return wt, nil
}

// Close releases the underlying OS event source.
func (wt *WatchedTree) Close() error {
	return wt.src.Close()
}

// Snapshot serializes the current tree, for the initial REQUESTSYN.
func (wt *WatchedTree) Snapshot() ([]byte, error) {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	return wt.tree.Serialize()
}

// Diff compares the current tree against remote.
func (wt *WatchedTree) Diff(remote *tree.Tree) *tree.DiffSets {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	return wt.tree.Diff(remote)
}

func (wt *WatchedTree) absPath(rel string) string {
	if rel == "" {
		return wt.root
	}
	return filepath.Join(wt.root, filepath.FromSlash(rel))
}

func joinRel(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func splitRel(rel string) (dir, base string) {
	i := strings.LastIndexByte(rel, '/')
	if i < 0 {
		return "", rel
	}
	return rel[:i], rel[i+1:]
}

func (wt *WatchedTree) registerDir(rel string, node *tree.FileNode) error {
	wd, err := wt.src.AddWatch(wt.absPath(rel))
	if err != nil {
		return err
	}
	wt.mu.Lock()
	wt.handles[wd] = &handle{path: rel, node: node}
	wt.byPath[rel] = wd
	wt.mu.Unlock()
	return nil
}

func (wt *WatchedTree) unregisterDir(rel string) {
	wt.mu.Lock()
	wd, ok := wt.byPath[rel]
	if ok {
		delete(wt.byPath, rel)
		delete(wt.handles, wd)
	}
	wt.mu.Unlock()
	if ok {
		if err := wt.src.RemoveWatch(wd); err != nil {
			log.WithError(err).WithField("path", rel).Warn("watch: removing watch")
		}
	}
}

// registerSubtree registers watches for node and, recursively, every
// directory in its subtree. Called for the initial scan, for a newly
// created directory, and for the destination side of a directory move
// that was not simply a path rebase (see rebaseSubtreeWatches for that
// case).
func (wt *WatchedTree) registerSubtree(rel string, node *tree.FileNode) error {
	if !node.IsDir {
		return nil
	}
	if err := wt.registerDir(rel, node); err != nil {
		return err
	}
	for name, child := range node.Children {
		if err := wt.registerSubtree(joinRel(rel, name), child); err != nil {
			return err
		}
	}
	return nil
}

// rebaseSubtreeWatches re-registers the watch for a directory subtree
// that moved from oldRel to newRel, depth-first: remove each directory's
// old watch, drop it from the map, register a fresh watch on the new
// path, and reinsert.
func (wt *WatchedTree) rebaseSubtreeWatches(oldRel, newRel string, node *tree.FileNode) {
	wt.unregisterDir(oldRel)
	if err := wt.registerDir(newRel, node); err != nil {
		log.WithError(err).WithField("path", newRel).Warn("watch: re-registering moved directory")
	}
	for name, child := range node.Children {
		if child.IsDir {
			wt.rebaseSubtreeWatches(joinRel(oldRel, name), joinRel(newRel, name), child)
		}
	}
}

// unregisterSubtreeWatches removes the watches for rel and, if it is a
// directory, every directory beneath it, depth-first.
func (wt *WatchedTree) unregisterSubtreeWatches(rel string) {
	wt.mu.Lock()
	node, err := wt.tree.Walk(rel)
	var dirs []string
	isDir := false
	if err == nil && node.IsDir {
		isDir = true
		for name, child := range node.Children {
			if child.IsDir {
				dirs = append(dirs, joinRel(rel, name))
			}
		}
	}
	wt.mu.Unlock()
	if !isDir {
		return
	}
	for _, d := range dirs {
		wt.unregisterSubtreeWatches(d)
	}
	wt.unregisterDir(rel)
}

func (wt *WatchedTree) addAndRegister(rel string, isDir bool, mtime int64) (*tree.FileNode, error) {
	wt.mu.Lock()
	err := wt.tree.Add(rel, isDir, mtime)
	var node *tree.FileNode
	if err == nil {
		node, _ = wt.tree.Walk(rel)
	}
	wt.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if isDir {
		if err := wt.registerSubtree(rel, node); err != nil {
			return node, err
		}
	}
	return node, nil
}

func (wt *WatchedTree) deleteAndUnregister(rel string) error {
	wt.unregisterSubtreeWatches(rel)
	wt.mu.Lock()
	err := wt.tree.Delete(rel)
	delete(wt.closing, rel)
	wt.mu.Unlock()
	return err
}

func (wt *WatchedTree) moveAndRebase(srcRel, dstRel string) (*tree.FileNode, error) {
	wt.mu.Lock()
	err := wt.tree.Move(srcRel, dstRel)
	var node *tree.FileNode
	if err == nil {
		node, _ = wt.tree.Walk(dstRel)
	}
	delete(wt.closing, srcRel)
	wt.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if node != nil && node.IsDir {
		wt.rebaseSubtreeWatches(srcRel, dstRel, node)
	}
	return node, nil
}

// ApplyCreate, ApplyDelete and ApplyMove mirror a server-originated
// filesystem change into the watched tree. The caller (the client
// engine) adds the affected path(s) to Filtered, performs the real
// filesystem operation, calls the matching Apply method, and only then
// removes the path(s) from Filtered, so that any event the write
// produces is discarded by Run rather than misinterpreted as a local
// change.
func (wt *WatchedTree) ApplyCreate(rel string, isDir bool, mtime int64) error {
	_, err := wt.addAndRegister(rel, isDir, mtime)
	return err
}

func (wt *WatchedTree) ApplyDelete(rel string) error {
	return wt.deleteAndUnregister(rel)
}

func (wt *WatchedTree) ApplyMove(srcRel, dstRel string) error {
	_, err := wt.moveAndRebase(srcRel, dstRel)
	return err
}

// Run drains the OS event source and the periodic sweeper, translating
// raw filesystem events into Events on out, until ctx is canceled or the
// source is closed. It is the only goroutine that should call the
// unexported on* handlers below; Apply* is safe to call concurrently
// because every tree/handle mutation, here or there, is short-lived and
// guarded by wt.mu.
func (wt *WatchedTree) Run(ctx context.Context, out chan<- Event) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-wt.src.Errors():
			if !ok {
				return nil
			}
			log.WithError(err).Warn("watch: event source error")
		case ev, ok := <-wt.src.Events():
			if !ok {
				return nil
			}
			wt.handleRaw(ev, out)
		case <-ticker.C:
			wt.sweep(wt.now(), out)
		}
	}
}

func (wt *WatchedTree) handleRaw(ev rawEvent, out chan<- Event) {
	if ev.Mask&(maskIgnored|maskOverflow) != 0 {
		return
	}
	wt.mu.Lock()
	h, ok := wt.handles[ev.Wd]
	wt.mu.Unlock()
	if !ok || ev.Name == "" {
		// Unknown watch, or a self-event (IN_DELETE_SELF/IN_MOVE_SELF):
		// nothing more to do here. A directory's own removal or move is
		// reported by its parent's event on the child name instead.
		return
	}
	rel := joinRel(h.path, ev.Name)
	if tree.Invisible(ev.Name) || wt.Filtered.Contains(rel) {
		return
	}
	isDir := ev.Mask&maskIsDir != 0
	switch {
	case ev.Mask&maskCreate != 0:
		wt.onCreate(rel, isDir, out)
	case ev.Mask&maskCloseWrite != 0:
		wt.onCloseWrite(rel)
	case ev.Mask&maskDelete != 0:
		wt.onDelete(rel, out)
	case ev.Mask&maskMovedFrom != 0:
		wt.onMovedFrom(h.path, ev.Name, ev.Cookie)
	case ev.Mask&maskMovedTo != 0:
		wt.onMovedTo(rel, isDir, ev.Cookie, out)
	}
}

func (wt *WatchedTree) onCreate(rel string, isDir bool, out chan<- Event) {
	mtime := wt.now().Unix()
	if _, err := wt.addAndRegister(rel, isDir, mtime); err != nil {
		log.WithError(err).WithField("path", rel).Warn("watch: adding created node")
		return
	}
	if isDir {
		out <- Event{Kind: CreateDir, Path: rel, MTime: mtime}
		return
	}
	out <- Event{Kind: CreateFile, Path: rel, MTime: mtime}
}

// onCloseWrite records (or refreshes) rel's settling deadline: a file is
// not reported content-ready until its mtime has gone 5 s without
// another write.
func (wt *WatchedTree) onCloseWrite(rel string) {
	wt.mu.Lock()
	wt.closing[rel] = wt.now()
	wt.mu.Unlock()
}

func (wt *WatchedTree) onDelete(rel string, out chan<- Event) {
	if err := wt.deleteAndUnregister(rel); err != nil {
		log.WithError(err).WithField("path", rel).Debug("watch: deleting node")
	}
	out <- Event{Kind: Delete, Path: rel}
}

func (wt *WatchedTree) onMovedFrom(dirRel, name string, cookie uint32) {
	wt.pending.record(cookie, dirRel, name, wt.now())
}

func (wt *WatchedTree) onMovedTo(rel string, isDir bool, cookie uint32, out chan<- Event) {
	if pm, ok := wt.pending.take(cookie); ok {
		srcRel := joinRel(pm.parent, pm.name)
		if _, err := wt.moveAndRebase(srcRel, rel); err != nil {
			log.WithError(err).WithFields(log.Fields{"src": srcRel, "dst": rel}).
				Warn("watch: applying paired move")
			return
		}
		out <- Event{Kind: Move, Path: rel, Source: srcRel}
		return
	}
	// No pending move shares this cookie: either it already expired, or
	// the source was outside the watched tree. Treat it as a fresh
	// creation of the whole subtree.
	wt.scanIntoTree(rel, isDir, out)
}

func (wt *WatchedTree) scanIntoTree(rel string, isDir bool, out chan<- Event) {
	abs := wt.absPath(rel)
	info, err := os.Lstat(abs)
	if err != nil {
		log.WithError(err).WithField("path", rel).Debug("watch: stat on unmatched MOVED_TO")
		return
	}
	if !isDir {
		mtime := info.ModTime().Unix()
		if _, err := wt.addAndRegister(rel, false, mtime); err != nil {
			log.WithError(err).WithField("path", rel).Warn("watch: adding moved-in file")
			return
		}
		// Moved in from outside the watched tree: the file is already
		// closed, so it is content-ready immediately rather than waiting
		// on a CLOSE_WRITE that will never come.
		out <- Event{Kind: CloseWrite, Path: rel, MTime: mtime}
		return
	}
	sub, err := tree.Scan(abs)
	if err != nil {
		log.WithError(err).WithField("path", rel).Warn("watch: scanning moved-in subtree")
		return
	}
	dirRel, base := splitRel(rel)
	wt.mu.Lock()
	parent, err := wt.tree.Walk(dirRel)
	if err == nil {
		parent.Children[base] = sub.Root
	}
	wt.mu.Unlock()
	if err != nil {
		log.WithError(err).WithField("path", rel).Warn("watch: splicing moved-in subtree")
		return
	}
	if err := wt.registerSubtree(rel, sub.Root); err != nil {
		log.WithError(err).WithField("path", rel).Warn("watch: registering moved-in subtree")
	}
	wt.emitSubtree(rel, sub.Root, out)
}

func (wt *WatchedTree) emitSubtree(rel string, node *tree.FileNode, out chan<- Event) {
	if node.IsDir {
		out <- Event{Kind: CreateDir, Path: rel, MTime: node.MTime}
		for name, child := range node.Children {
			wt.emitSubtree(joinRel(rel, name), child, out)
		}
		return
	}
	out <- Event{Kind: CloseWrite, Path: rel, MTime: node.MTime}
}

func (wt *WatchedTree) sweep(now time.Time, out chan<- Event) {
	for _, pm := range wt.pending.expired(now, settleWindow) {
		rel := joinRel(pm.parent, pm.name)
		if err := wt.deleteAndUnregister(rel); err != nil {
			log.WithError(err).WithField("path", rel).Debug("watch: sweeping expired move")
		}
		out <- Event{Kind: Delete, Path: rel}
	}
	wt.mu.Lock()
	var settled []string
	for rel, last := range wt.closing {
		if now.Sub(last) >= settleWindow {
			settled = append(settled, rel)
		}
	}
	for _, rel := range settled {
		delete(wt.closing, rel)
	}
	wt.mu.Unlock()

	mtime := now.Unix()
	for _, rel := range settled {
		wt.mu.Lock()
		node, err := wt.tree.Walk(rel)
		if err == nil {
			node.MTime = mtime
		}
		wt.mu.Unlock()
		if err != nil {
			// Deleted before it settled; nothing to send.
			continue
		}
		out <- Event{Kind: CloseWrite, Path: rel, MTime: mtime}
	}
}

