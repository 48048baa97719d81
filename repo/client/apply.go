package client

import (
	"io"

	"github.com/ottok/rdiff-backup/repo/robust"
	"github.com/ottok/rdiff-backup/repo/rorp"
	"github.com/ottok/rdiff-backup/repo/rorpiter"
	"github.com/ottok/rdiff-backup/repo/rpath"
)

// ApplyDiffs writes a snapshot-diff stream out to the target tree; this is
// the final stage of a restore. The stream must be index-ordered; missing
// ancestors are synthesized against the target.
func ApplyDiffs(target *rpath.Path, diffs rorpiter.Iter, eh *robust.Handler) error {
	rootRec := target.Record().Clone()
	rootRec.Index = rorp.Index{}

	if !rootRec.Exists() {
		rootRec = &rorp.Record{Index: rorp.Index{}, Type: rorp.TypeDirectory, Perms: 0o700}
	}

	filled := rorpiter.FillIn(diffs, rootRec, func(idx rorp.Index) *rorp.Record {
		rec := target.NewIndex(idx).Record().Clone()
		if !rec.Exists() {
			return nil
		}

		return rec
	})

	itr := rorpiter.NewTreeReducer(func() rorpiter.Branch {
		return &applyBranch{target: target, eh: eh}
	})

	for {
		rec, err := filled.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return err
		}

		if err := itr.Process(rec); err != nil {
			return err
		}
	}

	return itr.Finish()
}

// applyBranch materializes restored records in one directory of the target
// tree. Directory attributes are copied last so the children do not
// perturb them.
type applyBranch struct {
	target *rpath.Path
	eh     *robust.Handler

	base      *rpath.Path
	dirUpdate *rorp.Record
}

func (b *applyBranch) CanFastProcess(idx rorp.Index, diff *rorp.Record) bool {
	return !diff.IsDir() && !b.target.NewIndex(idx).IsDir()
}

func (b *applyBranch) FastProcess(idx rorp.Index, diff *rorp.Record) error {
	out := b.target.NewIndex(idx)

	if !diff.Exists() {
		if out.Exists() {
			b.eh.Check(robust.UpdateError, idx.String(), out.Delete)
		}

		return nil
	}

	tf := out.TempSibling()

	ok := b.eh.Check(robust.UpdateError, idx.String(), func() error {
		if diff.IsFlagLinked() {
			if err := tf.Link(b.target.NewIndex(diff.LinkedTo)); err != nil {
				return err
			}
		} else {
			if _, err := rpath.CopyContent(diff, tf); err != nil {
				return err
			}

			if err := rpath.CopyAttribs(diff, tf); err != nil {
				return err
			}
		}

		if out.Exists() {
			if err := out.Delete(); err != nil {
				return err
			}
		}

		return tf.Rename(out)
	})

	if !ok && tf.Exists() {
		tf.Delete() //nolint:errcheck
	}

	return nil
}

func (b *applyBranch) StartDirectory(idx rorp.Index, diff *rorp.Record) error {
	b.base = b.target.NewIndex(idx)

	if err := b.base.Setdata(); err != nil {
		b.eh.File(robust.UpdateError, idx.String(), err)
		return nil
	}

	if !diff.IsDir() {
		// a non-directory replaces this directory: drop the old tree
		// now, the record itself is written like any leaf
		b.eh.Check(robust.UpdateError, idx.String(), func() error {
			if b.base.Exists() {
				if err := b.base.Delete(); err != nil {
					return err
				}
			}

			return nil
		})

		return b.FastProcess(idx, diff)
	}

	b.dirUpdate = diff.Clone()

	if !b.base.IsDir() {
		b.eh.Check(robust.UpdateError, idx.String(), func() error {
			if b.base.Exists() {
				if err := b.base.Delete(); err != nil {
					return err
				}
			}

			return b.base.Mkdir()
		})
	}

	return nil
}

func (b *applyBranch) EndDirectory() error {
	if b.dirUpdate == nil || b.base == nil {
		return nil
	}

	if !b.base.IsDir() {
		return nil
	}

	b.eh.Check(robust.UpdateError, b.dirUpdate.Index.String(), func() error {
		return rpath.CopyAttribs(b.dirUpdate, b.base)
	})

	return nil
}
