// Package shadow implements the repository-side backup engine: it collates
// the incoming source stream against the mirror, yields signatures of
// changed files, and patches the incoming diffs into the mirror while
// writing reverse increments. It does what the driving side tells it to do
// and keeps no state beyond one session.
package shadow

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/ottok/rdiff-backup/repo/conf"
	"github.com/ottok/rdiff-backup/repo/hardlink"
	"github.com/ottok/rdiff-backup/repo/logging"
	"github.com/ottok/rdiff-backup/repo/metadata"
	"github.com/ottok/rdiff-backup/repo/rdiff"
	"github.com/ottok/rdiff-backup/repo/robust"
	"github.com/ottok/rdiff-backup/repo/rorp"
	"github.com/ottok/rdiff-backup/repo/rorpiter"
	"github.com/ottok/rdiff-backup/repo/rpath"
	"github.com/ottok/rdiff-backup/repo/statistics"
)

var log = logging.Logger("rdiff/shadow")

// DataDirName is the repository data directory kept out of the mirror.
const DataDirName = "rdiff-backup-data"

// Repo is the repository-side engine for one backup session.
type Repo struct {
	cfg   *conf.Config
	root  *rpath.Path
	store *metadata.Store
	eh    *robust.Handler
	stats *statistics.Session

	hl        *hardlink.Tracker
	ccpp      *CCPP
	fileStats *statistics.FileStats

	// incTime is the timestamp written into increments: the previous
	// mirror time, because increments preserve the state being replaced.
	incTime time.Time
}

// NewRepo returns an engine over the mirror tree at root.
func NewRepo(root *rpath.Path, store *metadata.Store, cfg *conf.Config,
	eh *robust.Handler, stats *statistics.Session,
) *Repo {
	return &Repo{
		cfg:   cfg,
		root:  root,
		store: store,
		eh:    eh,
		stats: stats,
		hl:    hardlink.NewTracker(),
	}
}

// SetFileStats attaches a per-file statistics log.
func (r *Repo) SetFileStats(fs *statistics.FileStats) {
	r.fileStats = fs
}

// SetRORPCache collates the source stream against the previous mirror
// state (from metadata when available, from a filesystem walk otherwise)
// and initializes the post-processing cache. newTime is the session
// timestamp the new metadata snapshot is written under.
func (r *Repo) SetRORPCache(src rorpiter.Iter, prevTime, newTime time.Time, useMetadata bool) error {
	var dest rorpiter.Iter

	if useMetadata {
		it, err := r.store.GetAtTime(prevTime, nil)

		switch {
		case err == nil:
			dest = it
		case errors.Is(err, metadata.ErrNoMetadata):
			log.Warnw("mirror metadata not found, reading from directory",
				"time", prevTime)
		default:
			return err
		}
	}

	if dest == nil {
		dest = rpath.NewWalker(r.root, map[string]bool{DataDirName: true})
	}

	writer, err := r.store.NewWriter(newTime)
	if err != nil {
		return err
	}

	r.incTime = prevTime
	r.ccpp = newCCPP(rorpiter.Collate(src, dest), r.cfg.PipelineMaxLength*4,
		r.root, r.store, writer, r.stats, r.fileStats, r.hl, r.cfg, r.eh)

	return nil
}

// Sigs yields signatures of the destination side of every changed pair,
// interleaved with flush markers at the pipeline cadence so a bidirectional
// remote pipe cannot congest.
func (r *Repo) Sigs() rorpiter.Iter {
	threshold := r.cfg.PipelineMaxLength - 2
	seen := 0

	var pending *rorp.Record

	return rorpiter.FromFunc(func() (*rorp.Record, error) {
		if pending != nil {
			out := pending
			pending = nil

			return out, nil
		}

		for {
			src, dest, err := r.ccpp.Next()
			if err != nil {
				return nil, err
			}

			flush := false

			seen++
			if seen > threshold {
				seen = 0
				flush = true
			}

			var sig *rorp.Record

			unchanged := src != nil && dest != nil && src.Equal(dest) &&
				(!r.cfg.PreserveHardlinks || r.hl.RorpEq(src, dest))

			if !unchanged {
				var idx rorp.Index
				if src != nil {
					idx = src.Index
				} else {
					idx = dest.Index
				}

				sig = r.oneSig(src, dest, idx)
				if sig != nil {
					r.ccpp.FlagChanged(idx)
				}
			}

			if flush {
				pending = sig
				return rorpiter.Flush, nil
			}

			if sig != nil {
				return sig, nil
			}
		}
	})
}

func (r *Repo) oneSig(src, dest *rorp.Record, idx rorp.Index) *rorp.Record {
	if r.cfg.PreserveHardlinks && src != nil && r.hl.IsLinked(src) {
		stub := rorp.NewAbsent(idx)
		stub.FlagLinked(r.hl.LinkIndex(src))

		return stub
	}

	if dest != nil {
		sig := dest.Clone()

		if dest.IsReg() {
			buf := r.oneSigData(idx)
			if buf == nil {
				return nil
			}

			sig.Attached = rorp.AttachedSignature
			sig.Payload = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(buf)), nil
			}
		}

		return sig
	}

	return rorp.NewAbsent(idx)
}

// oneSigData computes the signature of the mirror file at idx, applying
// the permission policy: a file only its owner can read gets a permanent
// u+r when we are that owner, and an open that still fails with a
// permission error is retried once after chmod (which can succeed on some
// network filesystems). A second failure is fatal for this file only.
func (r *Repo) oneSigData(idx rorp.Index) []byte {
	p := r.root.NewIndex(idx)

	if err := p.Setdata(); err != nil {
		r.eh.File(robust.UpdateError, idx.String(), err)
		return nil
	}

	if !p.IsReg() {
		r.eh.File(robust.UpdateError, idx.String(),
			errors.New("file changed from regular file before signature"))
		return nil
	}

	if r.cfg.ProcessUID != 0 && p.Perms()&0o400 == 0 && p.Record().UID == r.cfg.ProcessUID {
		// permanent chmod so the resulting diffs stay stable
		if err := p.Chmod(0o400 | p.Perms()); err != nil {
			log.Warnw("cannot make file readable", "path", p.Abs(), "error", err)
		}
	}

	sig, err := r.sigOf(p)
	if err != nil && os.IsPermission(errors.Cause(err)) {
		if cerr := p.Chmod(0o400 | p.Perms()); cerr == nil {
			sig, err = r.sigOf(p)
		}
	}

	if err != nil {
		r.eh.File(robust.PermError, idx.String(), err)
		return nil
	}

	return sig
}

func (r *Repo) sigOf(p *rpath.Path) ([]byte, error) {
	f, err := p.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck

	var buf bytes.Buffer
	if err := rdiff.WriteSignature(f, p.Record().Size, &buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (r *Repo) fillIn(diffs rorpiter.Iter) rorpiter.Iter {
	rootRec := r.root.Record().Clone()
	rootRec.Index = rorp.Index{}

	return rorpiter.FillIn(diffs, rootRec, func(idx rorp.Index) *rorp.Record {
		rec := r.root.NewIndex(idx).Record().Clone()
		if !rec.Exists() {
			return nil
		}

		return rec
	})
}

// Patch consumes the ordered diff stream and applies it to the mirror
// without writing increments (initial full backup).
func (r *Repo) Patch(diffs rorpiter.Iter) error {
	itr := rorpiter.NewTreeReducer(func() rorpiter.Branch {
		return &patchBranch{repo: r}
	})

	if err := r.drive(itr, diffs); err != nil {
		return err
	}

	return r.ccpp.Close()
}

// PatchAndIncrement consumes the ordered diff stream, applying each diff
// to the mirror and preserving the replaced state as an increment under
// incRoot.
func (r *Repo) PatchAndIncrement(diffs rorpiter.Iter, incRoot *rpath.Path) error {
	itr := rorpiter.NewTreeReducer(func() rorpiter.Branch {
		return &incrementBranch{patchBranch: patchBranch{repo: r}, incRoot: incRoot}
	})

	if err := r.drive(itr, diffs); err != nil {
		return err
	}

	return r.ccpp.Close()
}

func (r *Repo) drive(itr *rorpiter.TreeReducer, diffs rorpiter.Iter) error {
	filled := r.fillIn(diffs)

	for {
		rec, err := filled.Next()
		if err == io.EOF {
			return itr.Finish()
		}

		if err != nil {
			return err
		}

		log.Debugw("processing changed file", "path", rec.Index.String())

		if err := itr.Process(rec); err != nil {
			return err
		}
	}
}
