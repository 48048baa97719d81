// Package session orchestrates backup and restore sessions against one
// repository: marker handling, locking, the phase pipeline, statistics
// flushing and the abort/regress protocol.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/ottok/rdiff-backup/repo/client"
	"github.com/ottok/rdiff-backup/repo/conf"
	"github.com/ottok/rdiff-backup/repo/increment"
	"github.com/ottok/rdiff-backup/repo/logging"
	"github.com/ottok/rdiff-backup/repo/metadata"
	"github.com/ottok/rdiff-backup/repo/restore"
	"github.com/ottok/rdiff-backup/repo/robust"
	"github.com/ottok/rdiff-backup/repo/rpath"
	"github.com/ottok/rdiff-backup/repo/shadow"
	"github.com/ottok/rdiff-backup/repo/statistics"
)

var log = logging.Logger("rdiff/session")

// ErrNeedsRegress is returned when two current-mirror markers are present:
// the previous session aborted and the repository must be regressed before
// anything else touches it.
var ErrNeedsRegress = errors.New("previous session aborted; run regress first")

// Controller owns one repository for the duration of a process.
type Controller struct {
	cfg     *conf.Config
	root    *rpath.Path
	dataDir *rpath.Path
	incRoot *rpath.Path
	store   *metadata.Store
	lock    *flock.Flock
	eh      *robust.Handler
}

// Open attaches to (creating if necessary) the repository at rootPath and
// takes the session lock.
func Open(rootPath string, cfg *conf.Config) (*Controller, error) {
	dataDirAbs := filepath.Join(rootPath, shadow.DataDirName)

	if err := os.MkdirAll(dataDirAbs, 0o700); err != nil {
		return nil, errors.Wrap(err, "create data directory")
	}

	lk := flock.New(filepath.Join(dataDirAbs, "lock"))

	ok, err := lk.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "lock repository")
	}

	if !ok {
		return nil, errors.New("repository is locked by another session")
	}

	dataDir := rpath.New(dataDirAbs)

	return &Controller{
		cfg:     cfg,
		root:    rpath.New(rootPath),
		dataDir: dataDir,
		incRoot: dataDir.Append("increments"),
		store:   metadata.NewStore(dataDir, cfg.Compression),
		lock:    lk,
		eh:      robust.NewHandler(),
	}, nil
}

// Close releases the session lock.
func (c *Controller) Close() error {
	return errors.Wrap(c.lock.Unlock(), "unlock repository")
}

func (c *Controller) markers() ([]increment.Inc, error) {
	return increment.ListFor(c.dataDir, restore.MarkerBase)
}

// NeedsRegress reports whether the repository carries two current-mirror
// markers, i.e. an aborted session.
func (c *Controller) NeedsRegress() (bool, error) {
	ms, err := c.markers()
	if err != nil {
		return false, err
	}

	return len(ms) >= 2, nil
}

// touchCurrentMirror records the session time before any mirror mutation;
// the marker pins the repository state for abort detection.
func (c *Controller) touchCurrentMirror(t time.Time) error {
	name := increment.MakeName(restore.MarkerBase, t, increment.KindData, false)
	p := c.dataDir.Append(name)

	log.Infow("writing mirror marker", "path", p.Abs())

	if err := p.WriteString(fmt.Sprintf("PID %d\n", os.Getpid())); err != nil {
		return err
	}

	if c.cfg.DoFsync {
		return p.FsyncWithDir()
	}

	return nil
}

// removeOlderMarker deletes the older of the two markers at the end of a
// successful session. Everything else must be durable first.
func (c *Controller) removeOlderMarker() error {
	ms, err := c.markers()
	if err != nil {
		return err
	}

	if len(ms) != 2 {
		return errors.Errorf("there must be two current mirrors, not %d", len(ms))
	}

	if c.cfg.DoFsync {
		if err := rpath.SyncDir(c.dataDir.Abs()); err != nil {
			return err
		}
	}

	return ms[0].Path.Delete()
}

// Backup runs a full backup session of sourcePath into the repository.
func (c *Controller) Backup(sourcePath string) (robust.ExitStatus, error) {
	needs, err := c.NeedsRegress()
	if err != nil {
		return robust.StatusError, err
	}

	if needs {
		return robust.StatusError, robust.New(robust.RepositoryCorrupt, c.root.Abs(), ErrNeedsRegress)
	}

	ms, err := c.markers()
	if err != nil {
		return robust.StatusError, err
	}

	isFirst := len(ms) == 0

	var prevTime time.Time
	if !isFirst {
		prevTime = ms[len(ms)-1].Time
	}

	t := c.cfg.Now()
	if !isFirst && !t.After(prevTime) {
		return robust.StatusError,
			errors.Errorf("session time %v is not after the previous backup %v", t, prevTime)
	}

	// the marker precedes any mirror mutation on an incremental run; the
	// initial full backup writes it once everything is in place
	if !isFirst {
		if err := c.touchCurrentMirror(t); err != nil {
			return robust.StatusError, err
		}
	}

	stats := statistics.NewSession(t)

	repo := shadow.NewRepo(c.root, c.store, c.cfg, c.eh, stats)

	fileStats, err := statistics.NewFileStats(c.dataDir, t)
	if err != nil {
		return robust.StatusError, err
	}

	repo.SetFileStats(fileStats)

	srcRoot := rpath.New(sourcePath)
	srcIter := rpath.NewWalker(srcRoot, map[string]bool{shadow.DataDirName: true})

	if err := repo.SetRORPCache(srcIter, prevTime, t, !isFirst); err != nil {
		return robust.StatusError, err
	}

	diffs := client.Diffs(srcRoot, repo.Sigs(), c.cfg)

	if isFirst {
		err = repo.Patch(diffs)
	} else {
		if merr := c.incRoot.MkdirAll(); merr != nil {
			return robust.StatusError, merr
		}

		err = repo.PatchAndIncrement(diffs, c.incRoot)
	}

	if err != nil {
		// leave both markers for the next session to detect and regress
		return robust.StatusError | c.eh.Status(), err
	}

	if err := stats.WriteTo(c.dataDir, t, c.cfg.Now()); err != nil {
		return robust.StatusError | c.eh.Status(), err
	}

	if isFirst {
		if err := c.touchCurrentMirror(t); err != nil {
			return robust.StatusError | c.eh.Status(), err
		}
	} else {
		if err := c.removeOlderMarker(); err != nil {
			return robust.StatusError | c.eh.Status(), err
		}
	}

	return c.eh.Status(), nil
}

// Restore writes the repository state at the requested time into
// targetPath.
func (c *Controller) Restore(requested time.Time, targetPath string) (robust.ExitStatus, error) {
	needs, err := c.NeedsRegress()
	if err != nil {
		return robust.StatusError, err
	}

	if needs {
		return robust.StatusError, robust.New(robust.RepositoryCorrupt, c.root.Abs(), ErrNeedsRegress)
	}

	rs, err := restore.NewSession(c.cfg, c.dataDir, c.root, c.incRoot,
		c.store, requested, c.eh)
	if err != nil {
		return robust.StatusError, err
	}
	defer rs.Close()

	if err := os.MkdirAll(targetPath, 0o700); err != nil {
		return robust.StatusError, errors.Wrap(err, "create restore target")
	}

	target := rpath.New(targetPath)

	diffs, err := rs.GetDiffs(rpath.NewWalker(target, nil))
	if err != nil {
		return robust.StatusError, err
	}

	if err := client.ApplyDiffs(target, diffs, c.eh); err != nil {
		return robust.StatusError | c.eh.Status(), err
	}

	return c.eh.Status(), nil
}

// ListTimes enumerates the backup times available in the repository.
func (c *Controller) ListTimes() ([]time.Time, error) {
	return restore.IncrementTimes(c.dataDir, c.store)
}
