package tree

import (
	log "github.com/sirupsen/logrus"
)

// Entry is one path in a DiffSets sequence.
type Entry struct {
	Path  string
	IsDir bool
}

// DiffSets holds the four disjoint sequences a tree diff produces: paths
// only the remote side has, paths only the local side has, and paths
// both sides have but with a newer mtime on one side or the other.
type DiffSets struct {
	RemoteAdds  []Entry
	LocalAdds   []Entry
	NewerRemote []Entry
	NewerLocal  []Entry
}

// Diff compares t (the "local" tree) against remote, producing the four
// diff sets. It is a single O(n1+n2) merge walk over the two trees'
// sorted child-name lists; both sides must order children by the same
// total order (sort.Strings, a byte-wise comparison that is
// locale-independent) for the walk to line up keys correctly.
func (t *Tree) Diff(remote *Tree) *DiffSets {
	out := &DiffSets{}
	diffNode(t.Root, remote.Root, "", out)
	return out
}

func diffNode(local, remote *FileNode, prefix string, out *DiffSets) {
	if local.IsDir != remote.IsDir {
		log.WithFields(log.Fields{
			"path":      prefix,
			"localDir":  local.IsDir,
			"remoteDir": remote.IsDir,
		}).Warn("tree.Diff: type mismatch at same path, skipping")
		return
	}
	if !local.IsDir {
		switch {
		case local.MTime > remote.MTime:
			out.NewerLocal = append(out.NewerLocal, Entry{prefix, false})
		case remote.MTime > local.MTime:
			out.NewerRemote = append(out.NewerRemote, Entry{prefix, false})
		}
		return
	}

	localNames := local.sortedNames()
	remoteNames := remote.sortedNames()
	i, j := 0, 0
	for i < len(localNames) && j < len(remoteNames) {
		ln, rn := localNames[i], remoteNames[j]
		switch {
		case ln == rn:
			lchild, rchild := local.Children[ln], remote.Children[rn]
			childPath := joinPath(prefix, ln)
			if lchild.IsDir != rchild.IsDir {
				log.WithFields(log.Fields{
					"path":      childPath,
					"localDir":  lchild.IsDir,
					"remoteDir": rchild.IsDir,
				}).Warn("tree.Diff: type mismatch at same path, skipping")
			} else {
				diffNode(lchild, rchild, childPath, out)
			}
			i++
			j++
		case ln < rn:
			addLocal(local.Children[ln], joinPath(prefix, ln), out)
			i++
		default:
			addRemote(remote.Children[rn], joinPath(prefix, rn), out)
			j++
		}
	}
	for ; i < len(localNames); i++ {
		addLocal(local.Children[localNames[i]], joinPath(prefix, localNames[i]), out)
	}
	for ; j < len(remoteNames); j++ {
		addRemote(remote.Children[remoteNames[j]], joinPath(prefix, remoteNames[j]), out)
	}
}

// addLocal records node (present only in the local tree) and, if it's a
// directory, every descendant within it, recursively, so each individual
// file below a locally-only directory gets its own local_adds entry.
func addLocal(node *FileNode, path string, out *DiffSets) {
	out.LocalAdds = append(out.LocalAdds, Entry{path, node.IsDir})
	if node.IsDir {
		for _, name := range node.sortedNames() {
			addLocal(node.Children[name], joinPath(path, name), out)
		}
	}
}

// addRemote is the symmetric counterpart of addLocal for the remote-only
// side.
func addRemote(node *FileNode, path string, out *DiffSets) {
	out.RemoteAdds = append(out.RemoteAdds, Entry{path, node.IsDir})
	if node.IsDir {
		for _, name := range node.sortedNames() {
			addRemote(node.Children[name], joinPath(path, name), out)
		}
	}
}
