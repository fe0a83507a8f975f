// Package tree implements the in-memory directory tree shared by the
// client and server engines: construction from a real directory or from a
// serialized snapshot, serialization back to a snapshot, path-qualified
// mutation, and the four-way diff that drives initial synchronization.
//
// A FileNode always holds everything Scan or FromSnapshot gave it:
// there is no lazy loading or storage indirection, just a root node and
// its children.
package tree

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// FileNode is one node of a directory tree: either a directory, with a
// name-keyed set of children, or a regular file, which never has
// children. Map iteration order is not significant; every operation that
// depends on order (Serialize, Diff) sorts keys itself, so the diff
// algorithm in diff.go does not depend on the filesystem's or the Go
// runtime's map iteration order.
type FileNode struct {
	IsDir    bool
	MTime    int64
	Children map[string]*FileNode
}

// NewDir returns an empty directory node with the given modification time.
func NewDir(mtime int64) *FileNode {
	return &FileNode{IsDir: true, MTime: mtime, Children: make(map[string]*FileNode)}
}

// NewFile returns a regular file node with the given modification time.
func NewFile(mtime int64) *FileNode {
	return &FileNode{MTime: mtime}
}

// Fields renders the node as logrus.Fields, for structured log lines.
func (n *FileNode) Fields() log.Fields {
	return log.Fields{
		"isDir":     n.IsDir,
		"mTime":     n.MTime,
		"nChildren": len(n.Children),
	}
}

// String gives a one-line human-readable summary, e.g. for test failure
// messages.
func (n *FileNode) String() string {
	if n.IsDir {
		return fmt.Sprintf("dir(mtime=%d, children=%d)", n.MTime, len(n.Children))
	}
	return fmt.Sprintf("file(mtime=%d)", n.MTime)
}

// Equal reports structural equality: same kind, same mtime, and (for
// directories) the same children, recursively. FromSnapshot(Serialize(t))
// must Equal t.
func (n *FileNode) Equal(other *FileNode) bool {
	if n == nil || other == nil {
		return n == other
	}
	if n.IsDir != other.IsDir || n.MTime != other.MTime {
		return false
	}
	if !n.IsDir {
		return true
	}
	if len(n.Children) != len(other.Children) {
		return false
	}
	for name, child := range n.Children {
		oc, ok := other.Children[name]
		if !ok || !child.Equal(oc) {
			return false
		}
	}
	return true
}

func (n *FileNode) sortedNames() []string {
	names := make([]string, 0, len(n.Children))
	for name := range n.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tree wraps a root FileNode (always a directory, even for an empty
// tree) and provides path-qualified operations over it.
type Tree struct {
	Root *FileNode
}

// New returns an empty tree, useful as a diff target for "everything is
// an add" comparisons and as a starting point for tests.
func New() *Tree {
	return &Tree{Root: NewDir(0)}
}

// ErrInvalidPath is returned when a path contains an empty, ".", or ".."
// component: children keys are never empty and never "." or "..".
var ErrInvalidPath = errors.New("tree: invalid path")

// ErrNotFound is returned when a path does not resolve to an existing
// node.
var ErrNotFound = errors.New("tree: not found")

// ErrNotDir is returned when an intermediate path component exists but is
// not a directory.
var ErrNotDir = errors.New("tree: not a directory")

func splitPath(path string) ([]string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, nil
	}
	parts := strings.Split(path, "/")
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return nil, errors.Wrapf(ErrInvalidPath, "%q", path)
		}
	}
	return parts, nil
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// walk resolves path to a node, starting at the tree's root. An empty
// path resolves to the root itself.
func (t *Tree) walk(path string) (*FileNode, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	node := t.Root
	for i, part := range parts {
		if !node.IsDir {
			return nil, errors.Wrapf(ErrNotDir, "%q", strings.Join(parts[:i], "/"))
		}
		child, ok := node.Children[part]
		if !ok {
			return nil, errors.Wrapf(ErrNotFound, "%q", path)
		}
		node = child
	}
	return node, nil
}

// Walk exposes node resolution to other packages (internal/watch uses it
// to find the node a filesystem event pertains to).
func (t *Tree) Walk(path string) (*FileNode, error) {
	return t.walk(path)
}
