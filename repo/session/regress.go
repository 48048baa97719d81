package session

import (
	"io"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/ottok/rdiff-backup/repo/increment"
	"github.com/ottok/rdiff-backup/repo/metadata"
	"github.com/ottok/rdiff-backup/repo/rdiff"
	"github.com/ottok/rdiff-backup/repo/robust"
	"github.com/ottok/rdiff-backup/repo/rorp"
	"github.com/ottok/rdiff-backup/repo/rorpiter"
	"github.com/ottok/rdiff-backup/repo/rpath"
)

// Regress rolls the repository back to the state before an aborted
// session: mirror entries already replaced are reconstructed from the
// increments the aborted session wrote, its partial metadata and
// statistics are dropped, and the newer marker is removed.
//
// When the aborted session got as far as converting the metadata store,
// everything but the marker cleanup had completed; the session is then
// rolled forward instead.
func (c *Controller) Regress() (robust.ExitStatus, error) {
	ms, err := c.markers()
	if err != nil {
		return robust.StatusError, err
	}

	if len(ms) != 2 {
		return robust.StatusError,
			errors.Errorf("regress needs exactly two current-mirror markers, found %d", len(ms))
	}

	tOld, tNew := ms[0].Time, ms[1].Time

	log.Infow("regressing repository", "from", tNew, "to", tOld)

	if done, err := c.sessionCompleted(tOld, tNew); err != nil {
		return robust.StatusError, err
	} else if done {
		log.Infow("aborted session had fully committed; rolling forward")

		if err := c.removeOlderMarker(); err != nil {
			return robust.StatusError, err
		}

		return robust.StatusWarning, nil
	}

	// the authoritative pre-session state
	oldRecs, err := c.metadataAt(tOld)
	if err != nil {
		return robust.StatusError, err
	}

	// partial artifacts of the aborted session
	if err := c.store.DeleteAt(tNew); err != nil {
		return robust.StatusError, err
	}

	if err := c.deleteStatsAt(tNew); err != nil {
		return robust.StatusError, err
	}

	incs, err := c.collectIncrementsAt(tOld)
	if err != nil {
		return robust.StatusError, err
	}

	for _, ri := range incs {
		if err := c.regressOne(ri, oldRecs[ri.index.String()]); err != nil {
			c.eh.File(robust.UpdateError, ri.index.String(), err)
			continue
		}

		if err := ri.inc.Path.Delete(); err != nil {
			return robust.StatusError | c.eh.Status(), err
		}
	}

	if c.cfg.DoFsync {
		if err := rpath.SyncDir(c.dataDir.Abs()); err != nil {
			return robust.StatusError | c.eh.Status(), err
		}
	}

	if err := ms[1].Path.Delete(); err != nil {
		return robust.StatusError | c.eh.Status(), err
	}

	return c.eh.Status(), nil
}

// sessionCompleted reports whether the aborted session already converted
// the metadata store: a complete snapshot at tNew next to a diff at tOld.
func (c *Controller) sessionCompleted(tOld, tNew time.Time) (bool, error) {
	incs, err := increment.ListFor(c.dataDir, "mirror_metadata")
	if err != nil {
		return false, err
	}

	var newSnap, oldDiff bool

	for _, inc := range incs {
		switch {
		case inc.Time.Equal(tNew) && inc.Kind == increment.KindSnapshot:
			newSnap = true
		case inc.Time.Equal(tOld) && inc.Kind == increment.KindDiff:
			oldDiff = true
		}
	}

	return newSnap && oldDiff, nil
}

func (c *Controller) metadataAt(t time.Time) (map[string]*rorp.Record, error) {
	it, err := c.store.GetAtTime(t, nil)
	if err != nil {
		if errors.Is(err, metadata.ErrNoMetadata) {
			log.Warnw("no metadata for regression target; restoring content only", "time", t)
			return map[string]*rorp.Record{}, nil
		}

		return nil, err
	}

	out := map[string]*rorp.Record{}

	for {
		rec, err := it.Next()
		if err == io.EOF {
			return out, nil
		}

		if err != nil {
			return nil, err
		}

		if !rorpiter.IsFlush(rec) {
			out[rec.Index.String()] = rec
		}
	}
}

func (c *Controller) deleteStatsAt(t time.Time) error {
	for _, base := range []string{"session_statistics", "file_statistics"} {
		incs, err := increment.ListFor(c.dataDir, base)
		if err != nil {
			return err
		}

		for _, inc := range incs {
			if inc.Time.Equal(t) {
				if err := inc.Path.Delete(); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

type regressInc struct {
	index rorp.Index
	inc   increment.Inc
}

// collectIncrementsAt walks the increments tree for entries stamped with
// the pre-session time, parents before children.
func (c *Controller) collectIncrementsAt(t time.Time) ([]regressInc, error) {
	var out []regressInc

	var walk func(dir *rpath.Path, idx rorp.Index) error

	walk = func(dir *rpath.Path, idx rorp.Index) error {
		if !dir.IsDir() {
			return nil
		}

		names, err := dir.Listdir()
		if err != nil {
			return err
		}

		for _, name := range names {
			child := dir.Append(name)

			if child.IsDir() {
				if _, _, _, _, ok := increment.ParseName(name); !ok {
					if err := walk(child, idx.Append(name)); err != nil {
						return err
					}
				}

				continue
			}

			base, it, kind, gz, ok := increment.ParseName(name)
			if !ok || !it.Equal(t) {
				continue
			}

			out = append(out, regressInc{
				index: idx.Append(base),
				inc: increment.Inc{
					Path:       child,
					Base:       base,
					Time:       it,
					Kind:       kind,
					Compressed: gz,
				},
			})
		}

		return nil
	}

	if err := walk(c.incRoot, rorp.Index{}); err != nil {
		return nil, err
	}

	// root-level markers for the mirror root itself
	rootIncs, err := increment.ListFor(c.dataDir, "increments")
	if err != nil {
		return nil, err
	}

	for _, inc := range rootIncs {
		if inc.Time.Equal(t) {
			out = append(out, regressInc{index: rorp.Index{}, inc: inc})
		}
	}

	sort.Slice(out, func(a, b int) bool { return out[a].index.Less(out[b].index) })

	return out, nil
}

// regressOne reverts a single mirror entry to its pre-session state.
func (c *Controller) regressOne(ri regressInc, oldRec *rorp.Record) error {
	mirror := c.root.NewIndex(ri.index)

	if err := mirror.Setdata(); err != nil {
		return err
	}

	switch ri.inc.Kind {
	case increment.KindMissing:
		// the entry did not exist before the session
		if mirror.Exists() {
			return mirror.Delete()
		}

		return nil

	case increment.KindDir:
		if !mirror.IsDir() {
			if mirror.Exists() {
				if err := mirror.Delete(); err != nil {
					return err
				}
			}

			if err := mirror.Mkdir(); err != nil {
				return err
			}
		}

		if oldRec != nil {
			return rpath.CopyAttribs(oldRec, mirror)
		}

		return nil

	case increment.KindSnapshot:
		return c.regressSnapshot(ri, mirror, oldRec)

	case increment.KindDiff:
		return c.regressDiff(ri, mirror, oldRec)

	default:
		return errors.Errorf("unexpected increment kind %q", ri.inc.Kind)
	}
}

func (c *Controller) regressSnapshot(ri regressInc, mirror *rpath.Path, oldRec *rorp.Record) error {
	incRec := ri.inc.Path.Record()

	tf := mirror.TempSibling()

	switch {
	case incRec.IsSym():
		if err := tf.Symlink(incRec.SymlinkTarget); err != nil {
			return err
		}

	case incRec.IsReg() && oldRec.IsSpecial():
		// the snapshot preserved only the stat metadata of a special
		// file; recreate the node from the metadata record
		if _, err := rpath.CopyContent(oldRec, tf); err != nil {
			return err
		}

	default:
		rd, err := ri.inc.Open()
		if err != nil {
			return err
		}

		_, _, cerr := rpath.CopyWithHash(rd, tf)

		rd.Close() //nolint:errcheck

		if cerr != nil {
			return cerr
		}
	}

	rec := oldRec
	if rec == nil {
		rec = incRec
	}

	if err := rpath.CopyAttribs(rec, tf); err != nil {
		return err
	}

	if mirror.Exists() {
		if err := mirror.Delete(); err != nil {
			return err
		}
	}

	return tf.Rename(mirror)
}

func (c *Controller) regressDiff(ri regressInc, mirror *rpath.Path, oldRec *rorp.Record) error {
	if oldRec != nil && mirror.IsReg() && oldRec.EqualLoose(mirror.Record(), c.cfg.ProcessUID == 0) {
		// the rename never happened; the mirror still holds the old
		// state and only the increment needs to go
		return nil
	}

	if !mirror.IsReg() {
		return errors.New("diff increment but mirror is not a regular file")
	}

	base, err := mirror.Open()
	if err != nil {
		return err
	}
	defer base.Close() //nolint:errcheck

	delta, err := ri.inc.Open()
	if err != nil {
		return err
	}
	defer delta.Close() //nolint:errcheck

	tf := mirror.TempSibling()

	out, err := tf.Create()
	if err != nil {
		return err
	}

	_, perr := rdiff.Patch(base, delta, out)
	if cerr := out.Close(); perr == nil {
		perr = cerr
	}

	if perr != nil {
		tf.Delete() //nolint:errcheck
		return perr
	}

	if oldRec != nil {
		if err := rpath.CopyAttribs(oldRec, tf); err != nil {
			return err
		}
	}

	return tf.Rename(mirror)
}
