package restore

import (
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/ottok/rdiff-backup/repo/conf"
	"github.com/ottok/rdiff-backup/repo/hardlink"
	"github.com/ottok/rdiff-backup/repo/increment"
	"github.com/ottok/rdiff-backup/repo/metadata"
	"github.com/ottok/rdiff-backup/repo/robust"
	"github.com/ottok/rdiff-backup/repo/rorp"
	"github.com/ottok/rdiff-backup/repo/rorpiter"
	"github.com/ottok/rdiff-backup/repo/rpath"
)

// Session drives one restore: it resolves the restore time, owns the RF
// cache and permission changer, and produces the stream of snapshot diffs
// the client side writes out.
type Session struct {
	cfg     *conf.Config
	dataDir *rpath.Path
	store   *metadata.Store
	eh      *robust.Handler

	mirrorBase *rpath.Path
	incBase    *rpath.Path

	restoreTime time.Time
	mirrorTime  time.Time

	rootRF *RestoreFile
	cache  *CachedRF
	hl     *hardlink.Tracker
}

// NewSession prepares a restore of the repository state at the requested
// time. mirrorBase is the root of the mirror tree; incBase the root of the
// increments tree.
func NewSession(cfg *conf.Config, dataDir, mirrorBase, incBase *rpath.Path,
	store *metadata.Store, requested time.Time, eh *robust.Handler,
) (*Session, error) {
	mirrorTime, err := MirrorTime(dataDir)
	if err != nil {
		return nil, err
	}

	times, err := IncrementTimes(dataDir, store)
	if err != nil {
		return nil, err
	}

	restoreTime, err := ResolveRestoreTime(requested, times)
	if err != nil {
		return nil, err
	}

	log.Infow("restoring", "requested", requested, "resolved", restoreTime)

	rootIncs, err := increment.ListFor(dataDir, "increments")
	if err != nil {
		return nil, err
	}

	rootRF := NewRestoreFile(mirrorBase, incBase, rootIncs, restoreTime, mirrorTime)

	var perm *PermissionChanger
	if cfg.ProcessUID != 0 {
		perm = NewPermissionChanger(mirrorBase)
	}

	return &Session{
		cfg:         cfg,
		dataDir:     dataDir,
		store:       store,
		eh:          eh,
		mirrorBase:  mirrorBase,
		incBase:     incBase,
		restoreTime: restoreTime,
		mirrorTime:  mirrorTime,
		rootRF:      rootRF,
		cache:       NewCachedRF(rootRF, perm),
		hl:          hardlink.NewTracker(),
	}, nil
}

// Time returns the resolved restore time.
func (s *Session) Time() time.Time { return s.restoreTime }

// Close releases the RF cache and restores any remaining permission
// elevations.
func (s *Session) Close() {
	s.cache.Close()
}

// MirrorIter returns the record stream of the tree at the restore time,
// from the metadata store when possible and from the filesystem (through
// the restore files) otherwise. requireMetadata makes a missing store
// fatal instead.
func (s *Session) MirrorIter(requireMetadata bool) (rorpiter.Iter, error) {
	base := s.mirrorBase.Index()

	it, err := s.store.GetAtTime(s.restoreTime, base)

	switch {
	case err == nil:
		return rorpiter.SubtractIndex(base, it), nil
	case errors.Is(err, metadata.ErrNoMetadata):
		if requireMetadata {
			return nil, robust.New(robust.MetadataMissing, "",
				errors.Errorf("mirror metadata not found for %v", s.restoreTime))
		}

		log.Warnw("mirror metadata not found, reading from directory",
			"time", s.restoreTime)

		return s.rfIter(), nil
	default:
		return nil, err
	}
}

// rfIter recursively yields records from the restore-file tree, depth
// first, with the permission changer active.
func (s *Session) rfIter() rorpiter.Iter {
	stack := []*RestoreFile{s.rootRF}

	return rorpiter.FromFunc(func() (*rorp.Record, error) {
		for len(stack) > 0 {
			rf := stack[0]
			stack = stack[1:]

			if s.cache.perm != nil {
				s.cache.perm.Advance(rf.Index)
			}

			rec := rf.GetAttribs()

			if rec.IsDir() {
				subs, err := rf.SubRFs()
				if err != nil {
					log.Warnw("cannot expand directory", "path", rf.Index.String(), "error", err)
				}

				stack = append(subs, stack...)
			}

			if !rec.Exists() {
				continue
			}

			return rec, nil
		}

		return nil, io.EOF
	})
}

// GetDiffs collates the restored record stream against the target listing
// and yields snapshot diffs for everything that differs; unchanged target
// entries produce nothing, so the client only rewrites what it must.
func (s *Session) GetDiffs(target rorpiter.Iter) (rorpiter.Iter, error) {
	mir, err := s.MirrorIter(false)
	if err != nil {
		return nil, err
	}

	col := rorpiter.Collate(mir, target)

	return rorpiter.FromFunc(func() (*rorp.Record, error) {
		for {
			pair, err := col.Next()
			if err != nil {
				return nil, err
			}

			mirRec, tgtRec := pair.Source, pair.Dest

			if s.cfg.PreserveHardlinks && mirRec != nil {
				s.hl.Add(mirRec, tgtRec)
			}

			unchanged := mirRec != nil && tgtRec != nil && mirRec.Equal(tgtRec) &&
				(!s.cfg.PreserveHardlinks || s.hl.RorpEq(mirRec, tgtRec))

			var diff *rorp.Record
			if !unchanged {
				diff = s.oneDiff(mirRec, tgtRec)
			}

			if s.cfg.PreserveHardlinks && mirRec != nil {
				s.hl.Del(mirRec)
			}

			if diff != nil {
				return diff, nil
			}
		}
	}), nil
}

func (s *Session) oneDiff(mirRec, tgtRec *rorp.Record) *rorp.Record {
	if mirRec == nil {
		del := rorp.NewAbsent(tgtRec.Index)
		del.Attached = rorp.AttachedSnapshot

		return del
	}

	diff := mirRec.Clone()
	diff.Attached = rorp.AttachedSnapshot
	diff.LinkedTo = mirRec.LinkedTo

	if s.cfg.PreserveHardlinks && s.hl.IsLinked(mirRec) {
		return diff
	}

	if mirRec.IsReg() {
		idx := mirRec.Index.Clone()
		diff.Payload = func() (io.ReadCloser, error) {
			return s.cache.GetReader(idx), nil
		}
	}

	return diff
}
