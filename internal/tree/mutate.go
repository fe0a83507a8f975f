package tree

import (
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Add places a leaf at path, creating any missing intermediate
// directories along the way with the given mtime. If a node already
// exists at path it is replaced; replacing a directory with a file or
// vice versa discards the old subtree.
func (t *Tree) Add(path string, isDir bool, mtime int64) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return errors.Wrapf(ErrInvalidPath, "cannot add the root")
	}
	node := t.Root
	for _, part := range parts[:len(parts)-1] {
		if !node.IsDir {
			return errors.Wrapf(ErrNotDir, "%q", path)
		}
		child, ok := node.Children[part]
		if !ok {
			child = NewDir(mtime)
			node.Children[part] = child
		}
		node = child
	}
	if !node.IsDir {
		return errors.Wrapf(ErrNotDir, "%q", path)
	}
	leaf := parts[len(parts)-1]
	if isDir {
		node.Children[leaf] = NewDir(mtime)
	} else {
		node.Children[leaf] = NewFile(mtime)
	}
	return nil
}

// Delete removes the node at path. A missing path is not an error: it is
// logged and ignored. The client and server both call Delete in response
// to events that may race with a concurrent deletion of the same path.
func (t *Tree) Delete(path string) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return errors.Wrapf(ErrInvalidPath, "cannot delete the root")
	}
	parent, err := t.walk(strings.Join(parts[:len(parts)-1], "/"))
	if err != nil {
		log.WithField("path", path).WithError(err).Debug("tree.Delete: parent not found, ignoring")
		return nil
	}
	leaf := parts[len(parts)-1]
	if _, ok := parent.Children[leaf]; !ok {
		log.WithField("path", path).Debug("tree.Delete: node not found, ignoring")
		return nil
	}
	delete(parent.Children, leaf)
	return nil
}

// moveChild detaches the child named name from node and attaches it
// under targetParent with the new name dstName, preserving its contents.
// Move resolves the two path arguments to parent nodes and calls this.
func (node *FileNode) moveChild(name string, targetParent *FileNode, dstName string) error {
	if !node.IsDir || !targetParent.IsDir {
		return errors.Wrapf(ErrNotDir, "move %q", name)
	}
	child, ok := node.Children[name]
	if !ok {
		return errors.Wrapf(ErrNotFound, "%q", name)
	}
	delete(node.Children, name)
	targetParent.Children[dstName] = child
	return nil
}

// Move relocates (and optionally renames) the subtree at srcPath to
// dstPath, preserving its contents and the mtimes of every node within
// it.
func (t *Tree) Move(srcPath, dstPath string) error {
	srcParts, err := splitPath(srcPath)
	if err != nil {
		return err
	}
	dstParts, err := splitPath(dstPath)
	if err != nil {
		return err
	}
	if len(srcParts) == 0 || len(dstParts) == 0 {
		return errors.Wrapf(ErrInvalidPath, "cannot move the root")
	}
	srcParent, err := t.walk(strings.Join(srcParts[:len(srcParts)-1], "/"))
	if err != nil {
		return errors.Wrapf(err, "move: source parent of %q", srcPath)
	}
	dstParent, err := t.walk(strings.Join(dstParts[:len(dstParts)-1], "/"))
	if err != nil {
		return errors.Wrapf(err, "move: destination parent of %q", dstPath)
	}
	return srcParent.moveChild(srcParts[len(srcParts)-1], dstParent, dstParts[len(dstParts)-1])
}
