package shadow

import (
	"github.com/pkg/errors"

	"github.com/ottok/rdiff-backup/repo/increment"
	"github.com/ottok/rdiff-backup/repo/rdiff"
	"github.com/ottok/rdiff-backup/repo/robust"
	"github.com/ottok/rdiff-backup/repo/rorp"
	"github.com/ottok/rdiff-backup/repo/rpath"
)

// patchBranch applies diffs to the mirror for one directory of the tree.
// The complication is directories themselves: their attributes must be
// copied after their content has been processed, both because the
// directory may be unwritable until then and because touching the children
// would perturb a directory mtime set too early.
type patchBranch struct {
	repo *Repo

	base           *rpath.Path
	dirUpdate      *rorp.Record
	dirReplacement *rpath.Path
}

// CanFastProcess is true when neither the diff nor the mirror entry is a
// directory.
func (b *patchBranch) CanFastProcess(idx rorp.Index, diff *rorp.Record) bool {
	mirror := b.repo.ccpp.GetMirror(idx)
	return !diff.IsDir() && !mirror.IsDir()
}

// FastProcess patches one non-directory entry through a sibling temp file.
func (b *patchBranch) FastProcess(idx rorp.Index, diff *rorp.Record) error {
	mirror := b.repo.root.NewIndex(idx)
	tf := mirror.TempSibling()

	if b.patchToTemp(mirror, diff, tf) {
		b.commitTemp(idx, mirror, tf)
	} else {
		b.discardTemp(tf)
	}

	return nil
}

func (b *patchBranch) commitTemp(idx rorp.Index, mirror, tf *rpath.Path) {
	if err := tf.Setdata(); err != nil {
		b.repo.eh.File(robust.UpdateError, idx.String(), err)
		b.discardTemp(tf)

		return
	}

	switch {
	case tf.Exists():
		if b.repo.eh.Check(robust.UpdateError, idx.String(), func() error {
			return tf.Rename(mirror)
		}) {
			b.repo.ccpp.FlagSuccess(idx)
		} else {
			b.discardTemp(tf)
		}

	case mirror.Exists():
		if b.repo.eh.Check(robust.UpdateError, idx.String(), mirror.Delete) {
			b.repo.ccpp.FlagDeleted(idx)
		}
	}
}

func (b *patchBranch) discardTemp(tf *rpath.Path) {
	if err := tf.Setdata(); err != nil {
		return
	}

	if tf.Exists() {
		if err := tf.Delete(); err != nil {
			log.Warnw("cannot remove temp file", "path", tf.Abs(), "error", err)
		}
	}
}

// patchToTemp writes the new state of diff into tf, which does not exist
// yet. It returns false when an UpdateError or similar got in the way; the
// caller then discards tf and leaves the row unflagged.
func (b *patchBranch) patchToTemp(basis *rpath.Path, diff *rorp.Record, tf *rpath.Path) bool {
	switch {
	case diff.IsFlagLinked():
		if !b.patchHardlinkToTemp(diff, tf) {
			return false
		}

	case diff.Attached == rorp.AttachedSnapshot:
		switch b.patchSnapshotToTemp(diff, tf) {
		case 0:
			return false
		case 2:
			// special file: written (or substituted) with attributes
			// already copied, nothing to verify
			return true
		}

	case diff.Attached == rorp.AttachedDiff:
		if !b.patchDiffToTemp(basis, diff, tf) {
			return false
		}

	default:
		b.repo.eh.File(robust.UpdateError, diff.Index.String(),
			errors.Errorf("diff record carries no payload"))
		return false
	}

	if err := tf.Setdata(); err != nil {
		b.repo.eh.File(robust.UpdateError, diff.Index.String(), err)
		return false
	}

	if tf.Exists() && !diff.IsFlagLinked() {
		// followers skip this: owner and mode were already set when the
		// first member of the group was written
		if !b.repo.eh.Check(robust.UpdateError, diff.Index.String(), func() error {
			return rpath.CopyAttribs(diff, tf)
		}) {
			return false
		}
	}

	return b.matchesCached(diff, tf)
}

func (b *patchBranch) patchHardlinkToTemp(diff *rorp.Record, tf *rpath.Path) bool {
	target := b.repo.root.NewIndex(diff.LinkedTo)

	if !b.repo.eh.Check(robust.UpdateError, diff.Index.String(), func() error {
		return tf.Link(target)
	}) {
		return false
	}

	b.repo.ccpp.UpdateHardlinkHash(diff)

	return true
}

// patchSnapshotToTemp writes a full-content diff. It returns 1 on normal
// success, 0 on error, and 2 when a special file was written: special
// files either fail with a SpecialFileError (and get a placeholder) or
// need no comparison.
func (b *patchBranch) patchSnapshotToTemp(diff *rorp.Record, tf *rpath.Path) int {
	if diff.IsSpecial() {
		b.writeSpecial(diff, tf)

		if aerr := rpath.CopyAttribs(diff, tf); aerr != nil {
			log.Warnw("cannot copy special file attributes",
				"path", tf.Abs(), "error", aerr)
		}

		return 2
	}

	if !diff.Exists() {
		// deletion: leave tf nonexistent so the mirror entry is removed
		return 1
	}

	var sum string

	ok := b.repo.eh.Check(robust.UpdateError, diff.Index.String(), func() error {
		s, err := rpath.CopyContent(diff, tf)
		sum = s

		return err
	})
	if !ok {
		return 0
	}

	if sum != "" {
		b.repo.ccpp.UpdateHash(diff.Index, sum)
	}

	return 1
}

func (b *patchBranch) patchDiffToTemp(basis *rpath.Path, diff *rorp.Record, tf *rpath.Path) bool {
	return b.repo.eh.Check(robust.UpdateError, diff.Index.String(), func() error {
		if basis == nil || !basis.IsReg() {
			return errors.New("delta received for a non-regular basis file")
		}

		base, err := basis.Open()
		if err != nil {
			return err
		}
		defer base.Close() //nolint:errcheck

		delta, err := diff.OpenPayload()
		if err != nil {
			return err
		}

		if delta == nil {
			return errors.New("diff record carries no delta payload")
		}
		defer delta.Close() //nolint:errcheck

		out, err := tf.Create()
		if err != nil {
			return err
		}

		sum, perr := rdiff.Patch(base, delta, out)
		if cerr := out.Close(); perr == nil {
			perr = cerr
		}

		if perr != nil {
			return perr
		}

		b.repo.ccpp.UpdateHash(diff.Index, sum)

		return nil
	})
}

// writeSpecial recreates a fifo, socket or device node; when the target
// filesystem refuses, an empty placeholder takes its place.
func (b *patchBranch) writeSpecial(diff *rorp.Record, tf *rpath.Path) {
	ok := b.repo.eh.Check(robust.SpecialFileError, diff.Index.String(), func() error {
		_, err := rpath.CopyContent(diff, tf)
		return err
	})
	if !ok {
		b.discardTemp(tf)

		if err := tf.Touch(); err != nil {
			log.Warnw("cannot write placeholder", "path", tf.Abs(), "error", err)
		}
	}
}

// matchesCached is the final check that the temp file just written matches
// the stats of the cached source record; a mismatch would confuse a later
// regression.
func (b *patchBranch) matchesCached(diff *rorp.Record, tf *rpath.Path) bool {
	if !tf.IsReg() {
		return true
	}

	cached := b.repo.ccpp.GetSource(diff.Index)
	if cached == nil {
		return true
	}

	// re-stat: attribute copying happened since the last Setdata
	if err := tf.Setdata(); err != nil {
		b.repo.eh.File(robust.UpdateError, diff.Index.String(), err)
		return false
	}

	if cached.EqualLoose(tf.Record(), b.repo.cfg.ProcessUID == 0) {
		return true
	}

	b.repo.eh.File(robust.UpdateError, diff.Index.String(),
		errors.New("updated mirror temp file does not match source"))

	return false
}

// StartDirectory records what the directory must become; the real work is
// deferred to EndDirectory.
func (b *patchBranch) StartDirectory(idx rorp.Index, diff *rorp.Record) error {
	b.base = b.repo.root.NewIndex(idx)

	if err := b.base.Setdata(); err != nil {
		b.repo.eh.File(robust.UpdateError, idx.String(), err)
		return nil
	}

	if diff.IsDir() {
		b.prepareDir(idx, diff)
	} else if b.setDirReplacement(diff) {
		if diff.Exists() {
			b.repo.ccpp.FlagSuccess(idx)
		} else {
			b.repo.ccpp.FlagDeleted(idx)
		}
	}

	return nil
}

func (b *patchBranch) prepareDir(idx rorp.Index, diff *rorp.Record) {
	b.dirUpdate = diff.Clone()

	if !b.base.IsDir() {
		ok := b.repo.eh.Check(robust.UpdateError, idx.String(), func() error {
			if b.base.Exists() {
				if err := b.base.Delete(); err != nil {
					return err
				}
			}

			return b.base.Mkdir()
		})
		if ok {
			b.repo.ccpp.FlagSuccess(idx)
		}
	} else if b.repo.ccpp.InCache(idx) {
		// the directory may be unchanged; only flag rows still in cache
		b.repo.ccpp.FlagSuccess(idx)
	}
}

// setDirReplacement stages a non-directory that replaces the directory at
// base; the swap happens in EndDirectory, after the old content below has
// been processed.
func (b *patchBranch) setDirReplacement(diff *rorp.Record) bool {
	b.dirReplacement = b.base.TempSibling()

	if !b.patchToTemp(nil, diff, b.dirReplacement) {
		b.discardTemp(b.dirReplacement)
		b.dirReplacement = nil

		return false
	}

	return true
}

// EndDirectory copies directory attributes last, so the mtime is not
// perturbed by the children, or completes a deferred directory
// replacement.
func (b *patchBranch) EndDirectory() error {
	switch {
	case b.dirUpdate != nil:
		idx := b.dirUpdate.Index

		if !b.base.IsDir() {
			b.repo.eh.File(robust.UpdateError, idx.String(),
				errors.New("base is not a directory at end of processing"))
			return nil
		}

		b.repo.eh.Check(robust.UpdateError, idx.String(), func() error {
			return rpath.CopyAttribs(b.dirUpdate, b.base)
		})

		if b.repo.cfg.ProcessUID != 0 && b.dirUpdate.Perms&0o700 != 0o700 {
			// directory was unreadable at start: keep it accessible
			// until the post-processing cache restores it
			if err := b.base.Chmod(0o700 | b.dirUpdate.Perms); err != nil {
				log.Warnw("cannot keep directory accessible",
					"path", b.base.Abs(), "error", err)
			}
		}

	case b.dirReplacement != nil:
		idx := b.base.Index()

		b.repo.eh.Check(robust.UpdateError, idx.String(), func() error {
			if err := b.base.Rmdir(); err != nil {
				return err
			}

			if err := b.dirReplacement.Setdata(); err != nil {
				return err
			}

			if b.dirReplacement.Exists() {
				return b.dirReplacement.Rename(b.base)
			}

			return nil
		})
	}

	return nil
}

// incrementBranch is a patchBranch that also preserves every replaced
// mirror state as an increment file.
type incrementBranch struct {
	patchBranch

	incRoot *rpath.Path
}

// FastProcess patches one non-directory entry and writes the increment
// holding the previous mirror state before the rename makes the new state
// live.
func (b *incrementBranch) FastProcess(idx rorp.Index, diff *rorp.Record) error {
	mirror := b.repo.root.NewIndex(idx)
	tf := mirror.TempSibling()

	if b.patchToTemp(mirror, diff, tf) {
		var inc *increment.Inc

		ok := b.repo.eh.Check(robust.UpdateError, idx.String(), func() error {
			if err := tf.Setdata(); err != nil {
				return err
			}

			i, err := increment.Create(tf.Record(), tf, mirror,
				b.incRoot.Descend(idx), b.repo.incTime, b.repo.cfg.Compression)
			inc = i

			return err
		})

		if ok {
			if inc != nil {
				b.repo.ccpp.SetInc(idx, inc.Size())

				if inc.Path.IsReg() && b.repo.cfg.DoFsync {
					// the increment must be durable before the rename
					// replaces the state it preserves
					if err := inc.Path.FsyncWithDir(); err != nil {
						log.Warnw("cannot fsync increment",
							"path", inc.Path.Abs(), "error", err)
					}
				}
			}

			b.commitTemp(idx, mirror, tf)

			return nil
		}
	}

	b.discardTemp(tf)

	return nil
}

// StartDirectory additionally writes the increment for the directory entry
// itself before the mirror is touched.
func (b *incrementBranch) StartDirectory(idx rorp.Index, diff *rorp.Record) error {
	b.base = b.repo.root.NewIndex(idx)

	if err := b.base.Setdata(); err != nil {
		b.repo.eh.File(robust.UpdateError, idx.String(), err)
		return nil
	}

	incPrefix := b.incRoot.Descend(idx)

	if diff.IsDir() {
		inc, err := increment.Create(diff, nil, b.base, incPrefix,
			b.repo.incTime, b.repo.cfg.Compression)
		if err != nil {
			b.repo.eh.File(robust.UpdateError, idx.String(), err)
		} else if inc != nil {
			b.repo.ccpp.SetInc(idx, inc.Size())

			if inc.Path.IsReg() && b.repo.cfg.DoFsync {
				if ferr := inc.Path.FsyncWithDir(); ferr != nil {
					log.Warnw("cannot fsync increment",
						"path", inc.Path.Abs(), "error", ferr)
				}
			}
		}

		if err := b.base.Setdata(); err != nil {
			b.repo.eh.File(robust.UpdateError, idx.String(), err)
			return nil
		}

		b.prepareDir(idx, diff)

		return nil
	}

	if b.setDirReplacement(diff) {
		inc, err := increment.Create(b.dirReplacement.Record(), b.dirReplacement,
			b.base, incPrefix, b.repo.incTime, b.repo.cfg.Compression)
		if err != nil {
			b.repo.eh.File(robust.UpdateError, idx.String(), err)
			return nil
		}

		if inc != nil {
			b.repo.ccpp.SetInc(idx, inc.Size())
		}

		if b.dirReplacement.Exists() || !diff.Exists() {
			if diff.Exists() {
				b.repo.ccpp.FlagSuccess(idx)
			} else {
				b.repo.ccpp.FlagDeleted(idx)
			}
		}
	}

	return nil
}
