package tree

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Invisible reports whether name should never be represented in the
// tree: dotfiles (which includes the engine's own .syn_config.json and
// .syn_offline/.transh housekeeping entries) and in-flight receive-stream
// temp files.
func Invisible(name string) bool {
	if name == "" {
		return true
	}
	if name[0] == '.' {
		return true
	}
	const suffix = ".downtemp"
	return len(name) >= len(suffix) && name[len(name)-len(suffix):] == suffix
}

// Scan recursively reads a real directory into a new Tree. Sibling
// subdirectories are scanned concurrently, bounded by GOMAXPROCS, which
// only changes how fast Scan returns: children still end up iterated in
// sorted order by every downstream operation, so diff order never
// depends on scan order.
func Scan(path string) (*Tree, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "tree.Scan: %q", path)
	}
	if !fi.IsDir() {
		return nil, errors.Wrapf(ErrNotDir, "tree.Scan: %q", path)
	}
	root, err := scanDir(path, fi.ModTime().Unix())
	if err != nil {
		return nil, err
	}
	return &Tree{Root: root}, nil
}

func scanDir(abs string, mtime int64) (*FileNode, error) {
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, errors.Wrapf(err, "tree.Scan: reading %q", abs)
	}
	node := NewDir(mtime)
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, entry := range entries {
		entry := entry
		if Invisible(entry.Name()) {
			continue
		}
		childAbs := filepath.Join(abs, entry.Name())
		info, err := entry.Info()
		if err != nil {
			log.WithError(err).WithField("path", childAbs).Warn("tree.Scan: stat failed, skipping entry")
			continue
		}
		switch {
		case info.IsDir():
			g.Go(func() error {
				child, err := scanDir(childAbs, info.ModTime().Unix())
				if err != nil {
					return err
				}
				mu.Lock()
				node.Children[entry.Name()] = child
				mu.Unlock()
				return nil
			})
		case info.Mode().IsRegular():
			mu.Lock()
			node.Children[entry.Name()] = NewFile(info.ModTime().Unix())
			mu.Unlock()
		default:
			log.WithField("path", childAbs).Warn("tree.Scan: skipping non-regular, non-directory entry")
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return node, nil
}
