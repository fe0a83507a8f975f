package tree

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// Serialize emits the tree as an object with isDir, mTime, and (for
// directories) a children object shaped like {"size": N,
// "name0".."name(N-1)": <string>, "0".."(N-1)": <node>}. Names are
// emitted in sorted order for determinism (tests, diffs of two
// snapshots), but the receiving side never relies on that order:
// FromSnapshot rebuilds an ordinary name-keyed map.
func (t *Tree) Serialize() ([]byte, error) {
	return t.Root.MarshalJSON()
}

// FromSnapshot reconstructs exactly the tree a previous Serialize
// produced.
func FromSnapshot(data []byte) (*Tree, error) {
	root := &FileNode{}
	if err := root.UnmarshalJSON(data); err != nil {
		return nil, errors.Wrap(err, "tree.FromSnapshot")
	}
	return &Tree{Root: root}, nil
}

// MarshalJSON implements the wire schema documented on Serialize.
func (n *FileNode) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	fmt.Fprintf(&buf, `"isDir":%t,"mTime":%d`, n.IsDir, n.MTime)
	if n.IsDir {
		names := n.sortedNames()
		buf.WriteString(`,"children":{"size":`)
		fmt.Fprintf(&buf, "%d", len(names))
		for i, name := range names {
			nameJSON, err := json.Marshal(name)
			if err != nil {
				return nil, err
			}
			fmt.Fprintf(&buf, `,"name%d":%s`, i, nameJSON)
		}
		for i, name := range names {
			childJSON, err := n.Children[name].MarshalJSON()
			if err != nil {
				return nil, err
			}
			fmt.Fprintf(&buf, `,"%d":%s`, i, childJSON)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements the wire schema documented on Serialize.
func (n *FileNode) UnmarshalJSON(data []byte) error {
	var envelope struct {
		IsDir    bool            `json:"isDir"`
		MTime    int64           `json:"mTime"`
		Children json.RawMessage `json:"children"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return errors.Wrap(err, "tree.FileNode.UnmarshalJSON")
	}
	n.IsDir = envelope.IsDir
	n.MTime = envelope.MTime
	if !n.IsDir {
		n.Children = nil
		return nil
	}
	var childrenRaw map[string]json.RawMessage
	if err := json.Unmarshal(envelope.Children, &childrenRaw); err != nil {
		return errors.Wrap(err, "tree.FileNode.UnmarshalJSON: children")
	}
	var size int
	sizeRaw, ok := childrenRaw["size"]
	if !ok {
		return errors.New("tree.FileNode.UnmarshalJSON: children.size missing")
	}
	if err := json.Unmarshal(sizeRaw, &size); err != nil {
		return errors.Wrap(err, "tree.FileNode.UnmarshalJSON: children.size")
	}
	n.Children = make(map[string]*FileNode, size)
	for i := 0; i < size; i++ {
		nameRaw, ok := childrenRaw[fmt.Sprintf("name%d", i)]
		if !ok {
			return errors.Errorf("tree.FileNode.UnmarshalJSON: children.name%d missing", i)
		}
		var name string
		if err := json.Unmarshal(nameRaw, &name); err != nil {
			return errors.Wrapf(err, "tree.FileNode.UnmarshalJSON: children.name%d", i)
		}
		childRaw, ok := childrenRaw[fmt.Sprintf("%d", i)]
		if !ok {
			return errors.Errorf("tree.FileNode.UnmarshalJSON: children.%d missing", i)
		}
		child := &FileNode{}
		if err := child.UnmarshalJSON(childRaw); err != nil {
			return err
		}
		n.Children[name] = child
	}
	return nil
}
