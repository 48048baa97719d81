package rorpiter

import (
	"github.com/pkg/errors"

	"github.com/ottok/rdiff-backup/repo/rorp"
)

// Branch receives the pre/post-order hooks around one directory of a
// depth-first record stream.
type Branch interface {
	// CanFastProcess reports whether the record can be handled without
	// descending into a new branch (neither side is a directory).
	CanFastProcess(index rorp.Index, rec *rorp.Record) bool

	// FastProcess handles a leaf record.
	FastProcess(index rorp.Index, rec *rorp.Record) error

	// StartDirectory is the pre-order hook for a directory record.
	StartDirectory(index rorp.Index, rec *rorp.Record) error

	// EndDirectory is the post-order hook, invoked when the walk leaves
	// the directory's subtree.
	EndDirectory() error
}

// TreeReducer drives Branch hooks over an index-ordered record stream in
// depth-first pre-order. One branch is pushed per directory; leaves are
// dispatched to the innermost live branch.
type TreeReducer struct {
	newBranch func() Branch
	stack     []reducerFrame
}

type reducerFrame struct {
	index  rorp.Index
	branch Branch
}

// NewTreeReducer returns a reducer producing branches from the factory.
func NewTreeReducer(factory func() Branch) *TreeReducer {
	return &TreeReducer{newBranch: factory}
}

// Process dispatches one record. Records must arrive in ascending index
// order with ancestors preceding descendants (see FillIn).
func (t *TreeReducer) Process(rec *rorp.Record) error {
	idx := rec.Index

	for len(t.stack) > 0 {
		top := t.stack[len(t.stack)-1]
		if idx.HasPrefix(top.index) && !idx.Equal(top.index) {
			break
		}

		if err := top.branch.EndDirectory(); err != nil {
			return err
		}

		t.stack = t.stack[:len(t.stack)-1]
	}

	if len(t.stack) == 0 {
		b := t.newBranch()
		t.stack = append(t.stack, reducerFrame{index: idx.Clone(), branch: b})

		return b.StartDirectory(idx, rec)
	}

	top := t.stack[len(t.stack)-1]
	if len(idx) != len(top.index)+1 {
		return errors.Errorf("record %v is not a direct child of %v", idx, top.index)
	}

	if top.branch.CanFastProcess(idx, rec) {
		return top.branch.FastProcess(idx, rec)
	}

	b := t.newBranch()
	t.stack = append(t.stack, reducerFrame{index: idx.Clone(), branch: b})

	return b.StartDirectory(idx, rec)
}

// Finish pops all remaining branches, invoking their post-order hooks.
func (t *TreeReducer) Finish() error {
	for len(t.stack) > 0 {
		top := t.stack[len(t.stack)-1]
		t.stack = t.stack[:len(t.stack)-1]

		if err := top.branch.EndDirectory(); err != nil {
			return err
		}
	}

	return nil
}
