package watch

// Kind distinguishes the semantic, already-interpreted events this
// package emits from the raw OS events that produce them.
type Kind int

const (
	// CreateDir is a newly observed directory, reported immediately
	// (directories have no CLOSE_WRITE to wait for).
	CreateDir Kind = iota
	// CreateFile is a newly observed regular file. It carries no data: a
	// file is not reported as content-ready until its settling window
	// elapses (see CloseWrite).
	CreateFile
	// CloseWrite is a regular file whose settling window (5 s of
	// unchanged mtime since the last write) has elapsed.
	CloseWrite
	// Delete is a path removed from the tree.
	Delete
	// Move is a subtree relocation, paired from a MOVED_FROM/MOVED_TO
	// pair sharing an inotify cookie.
	Move
)

func (k Kind) String() string {
	switch k {
	case CreateDir:
		return "CreateDir"
	case CreateFile:
		return "CreateFile"
	case CloseWrite:
		return "CloseWrite"
	case Delete:
		return "Delete"
	case Move:
		return "Move"
	default:
		return "Unknown"
	}
}

// Event is one semantic change to the watched tree, already reflected in
// the tree this package maintains by the time it is delivered. Source is
// populated only for Move.
type Event struct {
	Kind   Kind
	Path   string
	Source string
	MTime  int64
}
