package rpath

import (
	"io"

	"github.com/ottok/rdiff-backup/repo/rorpiter"
	"github.com/ottok/rdiff-backup/repo/rorp"
)

// NewWalker returns an index-ordered record stream over the tree at root,
// depth-first pre-order. Names listed in skip are pruned at the top level
// only (used to keep rdiff-backup-data out of the mirror stream). A
// directory that cannot be listed is substituted with an empty listing and
// a warning, so its subtree is simply absent from the stream.
func NewWalker(root *Path, skip map[string]bool) rorpiter.Iter {
	return &walkIter{root: root, skip: skip}
}

type walkFrame struct {
	dir   *Path
	names []string
	pos   int
}

type walkIter struct {
	root    *Path
	skip    map[string]bool
	started bool
	stack   []*walkFrame
}

func (w *walkIter) push(dir *Path) {
	names, err := dir.Listdir()
	if err != nil {
		log.Warnw("cannot list directory, substituting empty listing",
			"path", dir.Abs(), "error", err)

		names = nil
	}

	if len(w.stack) == 0 && w.skip != nil {
		kept := names[:0]

		for _, n := range names {
			if !w.skip[n] {
				kept = append(kept, n)
			}
		}

		names = kept
	}

	w.stack = append(w.stack, &walkFrame{dir: dir, names: names})
}

func (w *walkIter) Next() (*rorp.Record, error) {
	if !w.started {
		w.started = true

		rec := w.root.Record()
		if !rec.Exists() {
			return nil, io.EOF
		}

		if rec.IsDir() {
			w.push(w.root)
		}

		return rec, nil
	}

	for len(w.stack) > 0 {
		top := w.stack[len(w.stack)-1]
		if top.pos >= len(top.names) {
			w.stack = w.stack[:len(w.stack)-1]
			continue
		}

		child := top.dir.Append(top.names[top.pos])
		top.pos++

		rec := child.Record()
		if !rec.Exists() {
			// raced with a concurrent delete; skip
			continue
		}

		if rec.IsDir() {
			w.push(child)
		}

		return rec, nil
	}

	return nil, io.EOF
}
